// Package repository persists sources and their cached scales.
package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/scalekey"
)

// ErrNotFound is returned when an item has no such source field
var ErrNotFound = errors.New("not found")

// EntryRepository stores the scales of content items. Every write goes
// through Tx, which serializes writers of one item and applies all changes
// of fn atomically.
//
// Only Get loads pixels. List and Find return metadata: Data is nil and Size
// carries the pixel length.
type EntryRepository interface {
	// Get returns nil, nil for an unknown uid
	Get(ctx context.Context, itemID, uid string) (*models.ScaleEntry, error)
	// List returns the item's entries ordered by field, width, uid
	List(ctx context.Context, itemID string) ([]*models.ScaleEntry, error)
	// Find returns the entries stored under k's full or anonymous token
	Find(ctx context.Context, itemID string, k scalekey.Key) ([]*models.ScaleEntry, error)
	Tx(ctx context.Context, itemID string, fn func(tx EntryTx) error) error
}

// EntryTx is the write view of one item inside a transaction. Reads return
// metadata like the repository's.
type EntryTx interface {
	Get(uid string) (*models.ScaleEntry, error)
	List() ([]*models.ScaleEntry, error)
	Find(k scalekey.Key) ([]*models.ScaleEntry, error)
	// Put replaces the entry with the same uid as a whole
	Put(e *models.ScaleEntry) error
	Delete(uid string) error
	// DropStale deletes the field's entries derived from another source
	// version and returns how many went
	DropStale(field string, modified int64) (int, error)
	Clear() error
}

// SourceRepository stores source field records
type SourceRepository interface {
	Get(ctx context.Context, itemID, field string) (*models.Source, error)
	Put(ctx context.Context, src *models.Source) error
	List(ctx context.Context, itemID string) ([]*models.Source, error)
}

func sortEntries(entries []*models.ScaleEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Width != b.Width {
			return a.Width < b.Width
		}
		return a.UID < b.UID
	})
}
