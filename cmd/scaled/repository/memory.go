package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/scalekey"
)

// MemoryEntryRepository keeps entries in process. Readers get copies, so a
// returned entry is never mutated behind the caller's back. Listings copy
// metadata only.
type MemoryEntryRepository struct {
	mu    sync.RWMutex
	items map[string]map[string]*models.ScaleEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryEntryRepository creates an empty repository
func NewMemoryEntryRepository() *MemoryEntryRepository {
	return &MemoryEntryRepository{
		items: make(map[string]map[string]*models.ScaleEntry),
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *MemoryEntryRepository) Get(ctx context.Context, itemID, uid string) (*models.ScaleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.items[itemID][uid]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (r *MemoryEntryRepository) List(ctx context.Context, itemID string) ([]*models.ScaleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return metas(r.items[itemID], nil), nil
}

func (r *MemoryEntryRepository) Find(ctx context.Context, itemID string, k scalekey.Key) ([]*models.ScaleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return metas(r.items[itemID], &k), nil
}

// metas copies the metadata of entries, restricted to k's tokens when set
func metas(entries map[string]*models.ScaleEntry, k *scalekey.Key) []*models.ScaleEntry {
	out := make([]*models.ScaleEntry, 0, len(entries))
	for _, e := range entries {
		if k != nil && !e.Matches(*k) {
			continue
		}
		out = append(out, e.Meta())
	}
	sortEntries(out)
	return out
}

func (r *MemoryEntryRepository) itemLock(itemID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[itemID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[itemID] = l
	}
	return l
}

// Tx stages fn's changes and publishes them in one step when fn succeeds
func (r *MemoryEntryRepository) Tx(ctx context.Context, itemID string, fn func(tx EntryTx) error) error {
	lock := r.itemLock(itemID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	tx := &memoryTx{itemID: itemID, entries: make(map[string]*models.ScaleEntry, len(r.items[itemID]))}
	for uid, e := range r.items[itemID] {
		tx.entries[uid] = e
	}
	r.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}

	r.mu.Lock()
	if len(tx.entries) == 0 {
		delete(r.items, itemID)
	} else {
		r.items[itemID] = tx.entries
	}
	r.mu.Unlock()

	return nil
}

type memoryTx struct {
	itemID  string
	entries map[string]*models.ScaleEntry
}

func (t *memoryTx) Get(uid string) (*models.ScaleEntry, error) {
	e, ok := t.entries[uid]
	if !ok {
		return nil, nil
	}
	return e.Meta(), nil
}

func (t *memoryTx) List() ([]*models.ScaleEntry, error) {
	return metas(t.entries, nil), nil
}

func (t *memoryTx) Find(k scalekey.Key) ([]*models.ScaleEntry, error) {
	return metas(t.entries, &k), nil
}

func (t *memoryTx) Put(e *models.ScaleEntry) error {
	if e.UID == "" {
		return fmt.Errorf("entry without uid")
	}
	c := e.Clone()
	c.ItemID = t.itemID
	c.Size = int64(len(c.Data))
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	t.entries[c.UID] = c
	return nil
}

func (t *memoryTx) Delete(uid string) error {
	delete(t.entries, uid)
	return nil
}

func (t *memoryTx) DropStale(field string, modified int64) (int, error) {
	n := 0
	for uid, e := range t.entries {
		if e.Field == field && e.SourceModified != modified {
			delete(t.entries, uid)
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) Clear() error {
	t.entries = make(map[string]*models.ScaleEntry)
	return nil
}

// MemorySourceRepository keeps source records in process
type MemorySourceRepository struct {
	mu      sync.RWMutex
	sources map[string]models.Source
}

// NewMemorySourceRepository creates an empty repository
func NewMemorySourceRepository() *MemorySourceRepository {
	return &MemorySourceRepository{sources: make(map[string]models.Source)}
}

func (r *MemorySourceRepository) Get(ctx context.Context, itemID, field string) (*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.sources[itemID+"/"+field]
	if !ok {
		return nil, fmt.Errorf("%w: source %s/%s", ErrNotFound, itemID, field)
	}
	return &src, nil
}

func (r *MemorySourceRepository) Put(ctx context.Context, src *models.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *src
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	r.sources[src.Identity()] = c
	return nil
}

func (r *MemorySourceRepository) List(ctx context.Context, itemID string) ([]*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Source
	for _, src := range r.sources {
		if src.ItemID == itemID {
			s := src
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}
