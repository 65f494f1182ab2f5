package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore keeps payloads as files under a root directory. Writes go to a
// temp file that is renamed into place, so readers never see partial data.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put stores p under key. KindFile payloads are moved, not copied, when
// they live on the same filesystem.
func (s *FileStore) Put(ctx context.Context, key string, p Payload, contentType string) (int64, error) {
	dst, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}

	if p.Kind == KindFile {
		p.File.Close()
		if err := os.Rename(p.File.Name(), dst); err == nil {
			return p.Size, nil
		}
		// cross-device: fall through to a copy
		f, err := os.Open(p.File.Name())
		if err != nil {
			return 0, fmt.Errorf("reopen payload file: %w", err)
		}
		defer os.Remove(p.File.Name())
		defer f.Close()
		p = FromStream(f, p.Size)
	}

	r, err := p.Reader()
	if err != nil {
		return 0, err
	}

	tmp := filepath.Join(filepath.Dir(dst), ".tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write blob %s: %w", key, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("commit blob %s: %w", key, err)
	}
	return n, nil
}

// Open stats key and returns a FileBlob
func (s *FileStore) Open(ctx context.Context, key string) (Blob, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return &FileBlob{path: path, size: st.Size()}, nil
}

// Delete removes key; missing keys are not an error
func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// FileBlob is a committed file. Each range read opens its own handle.
type FileBlob struct {
	path string
	size int64
}

// Size returns the size observed when the blob was opened
func (b *FileBlob) Size() int64 { return b.size }

// NewRangeReader opens the file and reads length bytes from off
func (b *FileBlob) NewRangeReader(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > b.size {
		return nil, ErrInvalidRange
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open blob file: %w", err)
	}
	return &sectionCloser{SectionReader: io.NewSectionReader(f, off, length), f: f}, nil
}

type sectionCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionCloser) Close() error { return s.f.Close() }
