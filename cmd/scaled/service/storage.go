package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/imagescale/cmd/scaled/derivation"
	"github.com/lyzr/imagescale/cmd/scaled/repository"
	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/policy"
	"github.com/lyzr/imagescale/common/scalekey"
)

// ScaleStorage is the scale cache of one content item
type ScaleStorage struct {
	svc    *ScaleService
	itemID string
	log    *logger.Logger
}

// ItemID returns the content item the storage is bound to
func (st *ScaleStorage) ItemID() string {
	return st.itemID
}

func (st *ScaleStorage) source(ctx context.Context, field string) (*models.Source, error) {
	src, err := st.svc.sources.Source(ctx, st.itemID, field)
	if err != nil {
		return nil, fmt.Errorf("source %s/%s: %w", st.itemID, field, err)
	}
	return src, nil
}

// Scale returns the scale described by req, rendering it on this goroutine
// when it is missing. A nil entry means the scale cannot be produced.
func (st *ScaleStorage) Scale(ctx context.Context, req Request) (*models.ScaleEntry, error) {
	src, err := st.source(ctx, req.Field)
	if err != nil {
		return nil, err
	}
	key, quality, ok := st.svc.resolveKey(req, st.log)
	if !ok {
		return nil, nil
	}
	return st.scale(ctx, src, key, quality)
}

// load fetches the pixels of a realized entry found by a metadata lookup.
// nil means it was dropped in the meantime.
func (st *ScaleStorage) load(ctx context.Context, e *models.ScaleEntry) (*models.ScaleEntry, error) {
	if e.IsPlaceholder() || e.Data != nil {
		return e, nil
	}
	return st.Get(ctx, e.UID)
}

func (st *ScaleStorage) scale(ctx context.Context, src *models.Source, key scalekey.Key, quality int) (*models.ScaleEntry, error) {
	entries, err := st.svc.entries.Find(ctx, st.itemID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up scale: %w", err)
	}

	entry := st.svc.newEntry(src, key, quality)
	if hit := findFresh(entries, src, key); hit != nil {
		if hit.IsPlaceholder() {
			// realize the waiting placeholder under its own uid
			entry.UID = hit.UID
		} else if full, err := st.load(ctx, hit); err != nil || full != nil {
			return full, err
		}
	}

	ok, err := st.svc.render(ctx, src, entry, st.log)
	if err != nil || !ok {
		return nil, err
	}

	var result *models.ScaleEntry
	err = st.svc.entries.Tx(ctx, st.itemID, func(tx repository.EntryTx) error {
		if _, err := tx.DropStale(src.Field, src.Modified); err != nil {
			return err
		}
		current, err := tx.Find(key)
		if err != nil {
			return err
		}
		// another writer may have realized the key meanwhile
		if hit := findFresh(current, src, key); hit != nil && !hit.IsPlaceholder() {
			result = hit
			return nil
		}
		if err := tx.Put(entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store scale: %w", err)
	}
	if result != entry {
		return st.load(ctx, result)
	}

	st.log.Debug("scale stored",
		"uid", result.UID,
		"field", result.Field,
		"width", result.Width,
		"height", result.Height)
	return result, nil
}

// PreScale reserves the scale described by req without rendering it. On a
// miss a placeholder with the predicted size is stored and a derivation is
// scheduled; it is enqueued when the surrounding request commits.
func (st *ScaleStorage) PreScale(ctx context.Context, req Request) (*models.ScaleEntry, error) {
	src, err := st.source(ctx, req.Field)
	if err != nil {
		return nil, err
	}
	key, quality, ok := st.svc.resolveKey(req, st.log)
	if !ok {
		return nil, nil
	}
	return st.preScale(ctx, src, key, quality)
}

func (st *ScaleStorage) preScale(ctx context.Context, src *models.Source, key scalekey.Key, quality int) (*models.ScaleEntry, error) {
	// original bytes need no derivation
	if passthrough(src, key) {
		return st.scale(ctx, src, key, quality)
	}

	placeholder := st.svc.newEntry(src, key, quality)
	var result *models.ScaleEntry
	err := st.svc.entries.Tx(ctx, st.itemID, func(tx repository.EntryTx) error {
		if _, err := tx.DropStale(src.Field, src.Modified); err != nil {
			return err
		}
		current, err := tx.Find(key)
		if err != nil {
			return err
		}
		if hit := findFresh(current, src, key); hit != nil {
			result = hit
			return nil
		}
		if err := tx.Put(placeholder); err != nil {
			return err
		}
		result = placeholder
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store placeholder: %w", err)
	}

	if result == placeholder {
		derivation.Defer(ctx, st.svc.queue, &models.DerivationTask{
			ItemID:         src.ItemID,
			StorageKey:     src.StorageKey,
			Field:          src.Field,
			Filename:       src.Filename,
			ContentType:    src.ContentType,
			SourceModified: src.Modified,
			Key:            key,
			Quality:        quality,
		})
		st.log.Debug("placeholder stored",
			"uid", placeholder.UID,
			"field", placeholder.Field,
			"width", placeholder.Width,
			"height", placeholder.Height)
		return placeholder, nil
	}
	return st.load(ctx, result)
}

// Fetch returns the scale for req, rendering on the request or deferring to
// the queue as the admission rule decides
func (st *ScaleStorage) Fetch(ctx context.Context, req Request) (*models.ScaleEntry, error) {
	src, err := st.source(ctx, req.Field)
	if err != nil {
		return nil, err
	}
	key, quality, ok := st.svc.resolveKey(req, st.log)
	if !ok {
		return nil, nil
	}

	in := policy.Input{
		Field:        src.Field,
		Scale:        key.ScaleName(),
		Width:        key.Width,
		Height:       key.Height,
		SourceWidth:  src.Width,
		SourceHeight: src.Height,
		SourceBytes:  src.Size,
		ContentType:  src.ContentType,
	}
	if st.svc.admission.Defer(in) {
		return st.preScale(ctx, src, key, quality)
	}
	return st.scale(ctx, src, key, quality)
}

// Get returns the entry stored under uid, or nil
func (st *ScaleStorage) Get(ctx context.Context, uid string) (*models.ScaleEntry, error) {
	e, err := st.svc.entries.Get(ctx, st.itemID, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get scale %s: %w", uid, err)
	}
	return e, nil
}

// GetOrGenerate returns the entry stored under uid, rendering a placeholder
// synchronously. Placeholders of a replaced source are not found.
func (st *ScaleStorage) GetOrGenerate(ctx context.Context, uid string) (*models.ScaleEntry, error) {
	e, err := st.Get(ctx, uid)
	if err != nil || e == nil || !e.IsPlaceholder() {
		return e, err
	}

	src, err := st.svc.sources.Source(ctx, st.itemID, e.Field)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if e.IsStale(src) {
		st.log.Debug("placeholder is stale", "uid", uid)
		return nil, nil
	}

	realized := e.Clone()
	ok, err := st.svc.render(ctx, src, realized, st.log)
	if err != nil || !ok {
		return nil, err
	}

	var result *models.ScaleEntry
	err = st.svc.entries.Tx(ctx, st.itemID, func(tx repository.EntryTx) error {
		current, err := tx.Get(uid)
		if err != nil || current == nil {
			// cleared meanwhile
			return err
		}
		if !current.IsPlaceholder() {
			result = current
			return nil
		}
		if err := tx.Put(realized); err != nil {
			return err
		}
		result = realized
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to realize scale %s: %w", uid, err)
	}
	if result == nil {
		return nil, nil
	}
	return st.load(ctx, result)
}

// Clear drops every scale of the item
func (st *ScaleStorage) Clear(ctx context.Context) error {
	err := st.svc.entries.Tx(ctx, st.itemID, func(tx repository.EntryTx) error {
		return tx.Clear()
	})
	if err != nil {
		return fmt.Errorf("failed to clear scales: %w", err)
	}
	st.log.Info("scales cleared")
	return nil
}

// Items lists every stored scale ordered by field, width and uid. The
// entries carry no pixels.
func (st *ScaleStorage) Items(ctx context.Context) ([]*models.ScaleEntry, error) {
	entries, err := st.svc.entries.List(ctx, st.itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scales: %w", err)
	}
	return entries, nil
}

// Srcset pre-scales the HiDPI variants of req. Densities that would be wider
// than the original are skipped. The variants are ad-hoc scales, so they
// never collide with a named scale of the same size.
func (st *ScaleStorage) Srcset(ctx context.Context, req Request) ([]Srcset, error) {
	src, err := st.source(ctx, req.Field)
	if err != nil {
		return nil, err
	}
	base, _, ok := st.svc.resolveKey(req, st.log)
	if !ok {
		return nil, nil
	}

	params := make(map[string]string, len(base.Params))
	for _, p := range base.Params {
		if p.Name != scalekey.ParamScale {
			params[p.Name] = p.Value
		}
	}

	var out []Srcset
	for _, d := range st.svc.densities {
		w := densityScaled(base.Width, d.Scale)
		h := densityScaled(base.Height, d.Scale)
		if src.Width > 0 && w > src.Width {
			continue
		}

		quality := d.Quality
		if quality <= 0 {
			quality = st.svc.quality
		}
		key := scalekey.Make(src.Field, w, h, base.Mode, params)
		e, err := st.preScale(ctx, src, key, quality)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, Srcset{Density: d.Scale, Entry: e})
		}
	}
	return out, nil
}
