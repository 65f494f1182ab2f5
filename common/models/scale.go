package models

import (
	"bytes"
	"time"

	"github.com/lyzr/imagescale/common/scalekey"
)

// ScaleEntry is one cached scale of a source field.
// Maps to: scale_entry table
//
// Data == nil with Size == 0 marks a placeholder: the UID, key and
// predicted dimensions are reserved but the pixels have not been derived
// yet. Listings leave Data nil and report the pixel length in Size.
type ScaleEntry struct {
	UID    string `json:"uid"`
	ItemID string `json:"item_id"`
	Field  string `json:"field"`

	Key       scalekey.Key `json:"-"`
	KeyToken  string       `json:"key_token"`
	AnonToken string       `json:"anon_token"`
	ScaleName string       `json:"scale,omitempty"`

	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
	Size     int64  `json:"size"`

	// Quality the pixels are (or will be) encoded with
	Quality int `json:"quality,omitempty"`

	// SourceModified is the source's Modified at derivation time
	SourceModified int64     `json:"source_modified"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsPlaceholder reports whether the pixels are still pending
func (e *ScaleEntry) IsPlaceholder() bool {
	return e.Data == nil && e.Size == 0
}

// ByteLen is the length of the pixels, known even when Data was not loaded
func (e *ScaleEntry) ByteLen() int64 {
	if e.Data != nil {
		return int64(len(e.Data))
	}
	return e.Size
}

// Meta returns a copy without the pixels
func (e *ScaleEntry) Meta() *ScaleEntry {
	c := *e
	c.Size = e.ByteLen()
	c.Data = nil
	if e.Key.Params != nil {
		c.Key.Params = append([]scalekey.Param(nil), e.Key.Params...)
	}
	return &c
}

// IsStale reports whether the source has changed since e was derived
func (e *ScaleEntry) IsStale(src *Source) bool {
	return e.SourceModified != src.Modified
}

// Matches reports whether e was stored for k under either key variant
func (e *ScaleEntry) Matches(k scalekey.Key) bool {
	return e.KeyToken == k.Token() || e.AnonToken == k.Anonymous().Token()
}

// Clone returns a deep copy so stored entries are never shared
func (e *ScaleEntry) Clone() *ScaleEntry {
	c := *e
	if e.Data != nil {
		c.Data = bytes.Clone(e.Data)
	}
	if e.Key.Params != nil {
		c.Key.Params = append([]scalekey.Param(nil), e.Key.Params...)
	}
	return &c
}
