// Package blob stores originals and serves byte ranges out of them.
package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by stores for unknown keys
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidRange is returned for windows outside the blob
	ErrInvalidRange = errors.New("invalid byte range")
)

// Blob is a sized, range-readable payload. NewRangeReader returns the
// length bytes starting at off; implementations backed by remote storage
// fetch only that window.
type Blob interface {
	Size() int64
	NewRangeReader(ctx context.Context, off, length int64) (io.ReadCloser, error)
}

// Store persists payloads under string keys
type Store interface {
	Put(ctx context.Context, key string, p Payload, contentType string) (int64, error)
	Open(ctx context.Context, key string) (Blob, error)
	Delete(ctx context.Context, key string) error
}

// MemoryBlob serves a byte slice. Used for derived scales and for
// uploads that have not been committed to a store yet.
type MemoryBlob []byte

// Size returns the length of the slice
func (m MemoryBlob) Size() int64 { return int64(len(m)) }

// NewRangeReader slices the buffer
func (m MemoryBlob) NewRangeReader(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > int64(len(m)) {
		return nil, ErrInvalidRange
	}
	return io.NopCloser(bytes.NewReader(m[off : off+length])), nil
}

// ReadAll reads a whole blob into memory
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	if m, ok := b.(MemoryBlob); ok {
		return m, nil
	}
	rc, err := b.NewRangeReader(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, b.Size())
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReaderAt adapts b to io.ReaderAt; each call is one range read
func ReaderAt(ctx context.Context, b Blob) io.ReaderAt {
	return &readerAt{ctx: ctx, b: b}
}

type readerAt struct {
	ctx context.Context
	b   Blob
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	size := r.b.Size()
	if off >= size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > size {
		n = size - off
	}

	rc, err := r.b.NewRangeReader(r.ctx, off, n)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	read, err := io.ReadFull(rc, p[:n])
	if err == nil && read < len(p) {
		err = io.EOF
	}
	return read, err
}
