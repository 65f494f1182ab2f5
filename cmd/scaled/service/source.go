package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/imagescale/cmd/scaled/repository"
	"github.com/lyzr/imagescale/common/blob"
	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/sniff"
)

// ErrNotImage is returned when an upload is not a recognized image
var ErrNotImage = errors.New("not an image")

// Upload is an incoming source field. Exactly one of Body or File is set.
type Upload struct {
	Field    string
	Filename string
	// Body is read once; Size is -1 when unknown
	Body io.Reader
	Size int64
	// File is a spooled upload the blob store may take over
	File *os.File
}

// SourceService stores uploaded originals and resolves them for the scale cache
type SourceService struct {
	repo       repository.SourceRepository
	blobs      blob.Store
	sniffLimit int
	log        *logger.Logger
	now        func() time.Time

	// serializes Modified assignment per process
	mu sync.Mutex
}

// NewSourceService creates a new source service
func NewSourceService(repo repository.SourceRepository, blobs blob.Store, sniffLimit int, log *logger.Logger) *SourceService {
	if sniffLimit <= 0 {
		sniffLimit = sniff.HeaderLimit
	}
	return &SourceService{
		repo:       repo,
		blobs:      blobs,
		sniffLimit: sniffLimit,
		log:        log,
		now:        time.Now,
	}
}

// Source returns the record of one field
func (s *SourceService) Source(ctx context.Context, itemID, field string) (*models.Source, error) {
	return s.repo.Get(ctx, itemID, field)
}

// Open returns the stored bytes of src
func (s *SourceService) Open(ctx context.Context, src *models.Source) (blob.Blob, error) {
	b, err := s.blobs.Open(ctx, src.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open source %s: %w", src.Identity(), err)
	}
	return b, nil
}

// List returns the source fields of an item
func (s *SourceService) List(ctx context.Context, itemID string) ([]*models.Source, error) {
	return s.repo.List(ctx, itemID)
}

// Upload stores up as the new value of its field. Every stored scale of the
// field becomes stale because Modified moves forward.
func (s *SourceService) Upload(ctx context.Context, itemID string, up Upload) (*models.Source, error) {
	log := s.log.WithItem(itemID)
	storageKey := path.Join("sources", itemID, up.Field, uuid.New().String())

	var (
		info    sniff.Info
		payload blob.Payload
		err     error
	)
	if up.File != nil {
		payload, err = blob.FromFile(up.File)
		if err != nil {
			return nil, err
		}
		info, err = sniff.SniffAt(up.File, payload.Size, s.sniffLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to sniff upload: %w", err)
		}
	} else {
		var prefix []byte
		info, prefix, err = sniff.SniffReader(up.Body, s.sniffLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to sniff upload: %w", err)
		}
		payload = blob.FromStream(io.MultiReader(bytes.NewReader(prefix), up.Body), up.Size)
	}

	if !info.Known() {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, up.Filename)
	}

	size, err := s.blobs.Put(ctx, storageKey, payload, info.ContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	// header did not fit the prefix; look further into the stored bytes
	if info.Truncated() && up.File == nil {
		b, err := s.blobs.Open(ctx, storageKey)
		if err != nil {
			return nil, err
		}
		if grown, err := sniff.SniffAt(blob.ReaderAt(ctx, b), b.Size(), s.sniffLimit*2); err == nil {
			info = grown
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.Get(ctx, itemID, up.Field)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.blobs.Delete(ctx, storageKey)
		return nil, err
	}

	modified := s.now().UnixMilli()
	if prev != nil && modified <= prev.Modified {
		modified = prev.Modified + 1
	}

	src := &models.Source{
		ItemID:      itemID,
		Field:       up.Field,
		Filename:    up.Filename,
		ContentType: info.ContentType,
		Size:        size,
		Width:       info.Width,
		Height:      info.Height,
		Modified:    modified,
		StorageKey:  storageKey,
		CreatedAt:   s.now(),
	}
	if err := s.repo.Put(ctx, src); err != nil {
		s.blobs.Delete(ctx, storageKey)
		return nil, fmt.Errorf("failed to record source: %w", err)
	}

	if prev != nil {
		// queued derivations of the old bytes are dropped by StorageKey
		if err := s.blobs.Delete(ctx, prev.StorageKey); err != nil {
			log.Warn("failed to delete replaced source", "storage_key", prev.StorageKey, "error", err)
		}
	}

	log.Info("source stored",
		"field", src.Field,
		"content_type", src.ContentType,
		"width", src.Width,
		"height", src.Height,
		"bytes", src.Size)
	return src, nil
}
