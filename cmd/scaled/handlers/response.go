package handlers

import (
	"time"

	"github.com/lyzr/imagescale/common/models"
)

// EntryResponse is the JSON view of a stored scale
type EntryResponse struct {
	UID         string    `json:"uid"`
	Field       string    `json:"field"`
	Scale       string    `json:"scale,omitempty"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	MimeType    string    `json:"mime_type"`
	Placeholder bool      `json:"placeholder"`
	Size        int64     `json:"size"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

func toEntryResponse(e *models.ScaleEntry) EntryResponse {
	return EntryResponse{
		UID:         e.UID,
		Field:       e.Field,
		Scale:       e.ScaleName,
		Width:       e.Width,
		Height:      e.Height,
		MimeType:    e.MimeType,
		Placeholder: e.IsPlaceholder(),
		Size:        e.ByteLen(),
		URL:         "/items/" + e.ItemID + "/@@images/" + e.UID,
		CreatedAt:   e.CreatedAt,
	}
}
