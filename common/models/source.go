package models

import "time"

// Source is an uploaded original as recorded by the content layer.
// Maps to: source_field table
type Source struct {
	ItemID string `db:"item_id" json:"item_id"`
	Field  string `db:"field" json:"field"`

	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"content_type"`
	Size        int64  `db:"size_bytes" json:"size_bytes"`

	// Natural pixel size; -1 when the header did not reveal it
	Width  int `db:"width" json:"width"`
	Height int `db:"height" json:"height"`

	// Modified is the upload time in Unix milliseconds. Every stored scale
	// records the value it was derived from.
	Modified int64 `db:"modified" json:"modified"`

	// StorageKey addresses the bytes in the blob store
	StorageKey string `db:"storage_key" json:"storage_key"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Identity is the stable handle of the source (item plus field)
func (s *Source) Identity() string {
	return s.ItemID + "/" + s.Field
}

// IsSVG reports whether the source is passed through instead of rasterized
func (s *Source) IsSVG() bool {
	return s.ContentType == "image/svg+xml"
}
