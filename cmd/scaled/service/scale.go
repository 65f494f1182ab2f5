package service

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/lyzr/imagescale/cmd/scaled/derivation"
	"github.com/lyzr/imagescale/cmd/scaled/repository"
	"github.com/lyzr/imagescale/common/blob"
	"github.com/lyzr/imagescale/common/config"
	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/policy"
	"github.com/lyzr/imagescale/common/scalekey"
	"github.com/lyzr/imagescale/common/scaler"
	"github.com/lyzr/imagescale/common/sniff"
	"github.com/lyzr/imagescale/common/telemetry"
)

// ErrNotFound is returned for an unknown item or field. A scale that cannot
// be produced is reported as a nil entry instead.
var ErrNotFound = repository.ErrNotFound

// SourceResolver gives the cache read access to source fields
type SourceResolver interface {
	Source(ctx context.Context, itemID, field string) (*models.Source, error)
	Open(ctx context.Context, src *models.Source) (blob.Blob, error)
}

// Request describes one wanted scale
type Request struct {
	Field string
	// ScaleName selects a registered size; Width and Height are then ignored
	ScaleName string
	Width     int
	Height    int
	Mode      string
	// Quality overrides the configured default when > 0
	Quality int
	// Params are extra codec options such as "format"
	Params map[string]string
}

// ScaleService owns the scale cache of every content item
type ScaleService struct {
	sources   SourceResolver
	entries   repository.EntryRepository
	codec     scaler.Codec
	queue     derivation.Enqueuer
	admission *policy.Admission
	sizes     map[string]config.Size
	densities []config.Density
	quality   int
	telemetry *telemetry.Telemetry
	log       *logger.Logger
	now       func() time.Time
}

// NewScaleService creates a scale service. The derivation queue is attached
// later with AttachQueue because the queue itself depends on the service.
func NewScaleService(
	sources SourceResolver,
	entries repository.EntryRepository,
	codec scaler.Codec,
	admission *policy.Admission,
	cfg config.ScalingConfig,
	tel *telemetry.Telemetry,
	log *logger.Logger,
) *ScaleService {
	quality := cfg.DefaultQuality
	if quality <= 0 {
		quality = scaler.DefaultQuality
	}
	return &ScaleService{
		sources:   sources,
		entries:   entries,
		codec:     codec,
		admission: admission,
		sizes:     cfg.Sizes,
		densities: cfg.Densities,
		quality:   quality,
		telemetry: tel,
		log:       log,
		now:       time.Now,
	}
}

// AttachQueue sets where placeholder derivations are sent. Without a queue
// placeholders are only realized on access.
func (s *ScaleService) AttachQueue(q derivation.Enqueuer) {
	s.queue = q
}

// Storage returns the scale storage of one content item
func (s *ScaleService) Storage(itemID string) *ScaleStorage {
	return &ScaleStorage{svc: s, itemID: itemID, log: s.log.WithItem(itemID)}
}

// Sizes returns the registered named scales
func (s *ScaleService) Sizes() map[string]config.Size {
	return maps.Clone(s.sizes)
}

// EntryUID derives the public id of a scale: field, predicted width and a
// digest of the key and the source modification time.
func EntryUID(key scalekey.Key, width int, modified int64) string {
	h := blake3.New()
	h.Write(key.Encode())
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(modified)))
	sum := h.Sum(nil)
	return fmt.Sprintf("%s-%d-%s", key.Field, width, hex.EncodeToString(sum[:8]))
}

// resolveKey builds the key for req. ok is false for an unknown named scale.
func (s *ScaleService) resolveKey(req Request, log *logger.Logger) (key scalekey.Key, quality int, ok bool) {
	width, height := req.Width, req.Height
	params := maps.Clone(req.Params)
	if params == nil {
		params = map[string]string{}
	}

	if req.ScaleName != "" {
		size, found := s.sizes[req.ScaleName]
		if !found {
			log.Debug("unknown scale name", "scale", req.ScaleName)
			return scalekey.Key{}, 0, false
		}
		if width != 0 || height != 0 {
			log.Warn("width and height ignored for named scale",
				"scale", req.ScaleName,
				"width", width,
				"height", height)
		}
		width, height = size.Width, size.Height
		params[scalekey.ParamScale] = req.ScaleName
	}

	quality = req.Quality
	if quality <= 0 {
		quality = s.quality
	}
	return scalekey.Make(req.Field, width, height, req.Mode, params), quality, true
}

// passthrough reports whether key is served from the original bytes
func passthrough(src *models.Source, key scalekey.Key) bool {
	if src.IsSVG() {
		return true
	}
	if key.HasCodecParams() {
		return false
	}
	if key.Width == 0 && key.Height == 0 {
		return true
	}
	return key.Width == src.Width && key.Height == src.Height
}

// predict returns the dimensions and content type a derivation will produce
func predict(src *models.Source, key scalekey.Key) (int, int, string) {
	if src.IsSVG() {
		// not rasterized; report the box the browser will draw
		w, h := scaler.TargetSize(src.Width, src.Height, key.Width, key.Height, key.Mode)
		return w, h, sniff.TypeSVG
	}
	if passthrough(src, key) {
		return src.Width, src.Height, src.ContentType
	}
	format, _ := key.Get("format")
	w, h := scaler.TargetSize(src.Width, src.Height, key.Width, key.Height, key.Mode)
	return w, h, scaler.OutputFormat(src.ContentType, format)
}

// newEntry returns an unrealized entry for key
func (s *ScaleService) newEntry(src *models.Source, key scalekey.Key, quality int) *models.ScaleEntry {
	w, h, mime := predict(src, key)
	return &models.ScaleEntry{
		UID:            EntryUID(key, w, src.Modified),
		ItemID:         src.ItemID,
		Field:          src.Field,
		Key:            key,
		KeyToken:       key.Token(),
		AnonToken:      key.Anonymous().Token(),
		ScaleName:      key.ScaleName(),
		Width:          w,
		Height:         h,
		MimeType:       mime,
		Quality:        quality,
		SourceModified: src.Modified,
		CreatedAt:      s.now(),
	}
}

// render produces the pixels of entry in place. A codec failure is logged
// and reported as false.
func (s *ScaleService) render(ctx context.Context, src *models.Source, entry *models.ScaleEntry, log *logger.Logger) (bool, error) {
	b, err := s.sources.Open(ctx, src)
	if err != nil {
		return false, fmt.Errorf("failed to open source %s: %w", src.Identity(), err)
	}
	data, err := blob.ReadAll(ctx, b)
	if err != nil {
		return false, fmt.Errorf("failed to read source %s: %w", src.Identity(), err)
	}

	if passthrough(src, entry.Key) {
		entry.Data = data
		return true, nil
	}

	start := time.Now()
	res, err := s.codec.Scale(ctx, data, scaler.OptionsFor(entry.Key, entry.Quality))
	s.telemetry.RecordDuration("scale.render", start)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("could not scale source",
			"field", src.Field,
			"key", entry.Key.String(),
			"content_type", src.ContentType,
			"error", err)
		return false, nil
	}

	entry.Data = res.Data
	entry.Width = res.Width
	entry.Height = res.Height
	entry.MimeType = res.ContentType
	return true, nil
}

// findFresh returns the entry stored for key against the current source:
// full key first, then the anonymous variant.
func findFresh(entries []*models.ScaleEntry, src *models.Source, key scalekey.Key) *models.ScaleEntry {
	full := key.Token()
	anon := key.Anonymous().Token()

	var anonHit *models.ScaleEntry
	for _, e := range entries {
		if e.Field != src.Field || e.IsStale(src) {
			continue
		}
		if e.KeyToken == full {
			return e
		}
		if anonHit == nil && e.AnonToken == anon {
			anonHit = e
		}
	}
	return anonHit
}

// Srcset is one HiDPI variant of a scale
type Srcset struct {
	Density float64
	Entry   *models.ScaleEntry
}

// Disposition decides what the queue does with task
func (s *ScaleService) Disposition(ctx context.Context, task *models.DerivationTask) (derivation.Disposition, error) {
	src, err := s.sources.Source(ctx, task.ItemID, task.Field)
	if errors.Is(err, ErrNotFound) {
		return derivation.Drop, nil
	}
	if err != nil {
		return derivation.Wait, err
	}
	if src.Modified != task.SourceModified {
		return derivation.Drop, nil
	}

	entries, err := s.entries.Find(ctx, task.ItemID, task.Key)
	if err != nil {
		return derivation.Wait, err
	}

	realized := false
	for _, e := range entries {
		if e.Field != task.Field || e.SourceModified != task.SourceModified || !e.Matches(task.Key) {
			continue
		}
		if e.IsPlaceholder() {
			return derivation.Dispatch, nil
		}
		realized = true
	}
	if realized {
		return derivation.Drop, nil
	}
	return derivation.Wait, nil
}

// LoadSource reads the bytes task derives from
func (s *ScaleService) LoadSource(ctx context.Context, task *models.DerivationTask) ([]byte, error) {
	src, err := s.sources.Source(ctx, task.ItemID, task.Field)
	if err != nil {
		return nil, err
	}
	if src.StorageKey != task.StorageKey {
		return nil, fmt.Errorf("source %s moved to %s", src.Identity(), src.StorageKey)
	}
	b, err := s.sources.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	return blob.ReadAll(ctx, b)
}

// StoreResult realizes every placeholder still waiting for task
func (s *ScaleService) StoreResult(ctx context.Context, task *models.DerivationTask, res *scaler.Result) (bool, error) {
	src, err := s.sources.Source(ctx, task.ItemID, task.Field)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if src.Modified != task.SourceModified {
		return false, nil
	}

	stored := 0
	err = s.entries.Tx(ctx, task.ItemID, func(tx repository.EntryTx) error {
		entries, err := tx.Find(task.Key)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsPlaceholder() || e.Field != task.Field || e.SourceModified != task.SourceModified || !e.Matches(task.Key) {
				continue
			}
			realized := e.Clone()
			realized.Data = res.Data
			realized.Width = res.Width
			realized.Height = res.Height
			realized.MimeType = res.ContentType
			if err := tx.Put(realized); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to store derived scale: %w", err)
	}
	return stored > 0, nil
}

// OnAbandon reports a derivation the queue gave up on
func (s *ScaleService) OnAbandon(task *models.DerivationTask, err error) {
	s.telemetry.CaptureError(err, map[string]string{
		"item_id": task.ItemID,
		"field":   task.Field,
		"key":     task.Key.String(),
	})
}

func densityScaled(v int, d float64) int {
	if v <= 0 {
		return 0
	}
	return int(math.Round(float64(v) * d))
}
