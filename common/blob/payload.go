package blob

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Kind tags the representation of an incoming payload
type Kind int

const (
	// KindBytes is an in-memory byte slice
	KindBytes Kind = iota + 1
	// KindStream is a reader of possibly unknown length (multipart upload, request body)
	KindStream
	// KindFile is an already-open file the store may consume
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindStream:
		return "stream"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is what callers hand to Store.Put. Exactly one of Bytes, Stream
// or File is set, matching Kind.
type Payload struct {
	Kind   Kind
	Bytes  []byte
	Stream io.Reader
	File   *os.File
	// Size is -1 when a stream's length is unknown
	Size int64
}

// FromBytes wraps a byte slice
func FromBytes(b []byte) Payload {
	return Payload{Kind: KindBytes, Bytes: b, Size: int64(len(b))}
}

// FromStream wraps a reader; size may be -1
func FromStream(r io.Reader, size int64) Payload {
	return Payload{Kind: KindStream, Stream: r, Size: size}
}

// FromFile wraps an open file. Stores that can will move the file into
// place instead of copying it; the caller must not use f afterwards.
func FromFile(f *os.File) (Payload, error) {
	st, err := f.Stat()
	if err != nil {
		return Payload{}, fmt.Errorf("stat payload file: %w", err)
	}
	return Payload{Kind: KindFile, File: f, Size: st.Size()}, nil
}

// Reader returns a reader over the payload regardless of kind
func (p Payload) Reader() (io.Reader, error) {
	switch p.Kind {
	case KindBytes:
		return bytes.NewReader(p.Bytes), nil
	case KindStream:
		return p.Stream, nil
	case KindFile:
		if _, err := p.File.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind payload file: %w", err)
		}
		return p.File, nil
	default:
		return nil, fmt.Errorf("unsupported payload kind %s", p.Kind)
	}
}
