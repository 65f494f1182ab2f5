package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps payloads in process memory. Byte payloads are stored as
// given; streams and files are buffered into a ChunkBuffer.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]Blob)}
}

// Put stores p under key
func (s *MemoryStore) Put(ctx context.Context, key string, p Payload, contentType string) (int64, error) {
	var b Blob

	switch p.Kind {
	case KindBytes:
		b = MemoryBlob(append([]byte(nil), p.Bytes...))
	case KindStream, KindFile:
		r, err := p.Reader()
		if err != nil {
			return 0, err
		}
		buf := NewChunkBuffer()
		if _, err := buf.ReadFrom(r); err != nil {
			return 0, fmt.Errorf("buffer %s payload: %w", p.Kind, err)
		}
		if p.Kind == KindFile {
			p.File.Close()
		}
		b = buf
	default:
		return 0, fmt.Errorf("unsupported payload kind %s", p.Kind)
	}

	s.mu.Lock()
	s.blobs[key] = b
	s.mu.Unlock()

	return b.Size(), nil
}

// Open returns the blob stored under key
func (s *MemoryStore) Open(ctx context.Context, key string) (Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return b, nil
}

// Delete removes key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, key)
	return nil
}
