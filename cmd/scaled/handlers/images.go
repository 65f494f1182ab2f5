package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/imagescale/cmd/scaled/service"
	"github.com/lyzr/imagescale/common/blob"
	"github.com/lyzr/imagescale/common/bootstrap"
	"github.com/lyzr/imagescale/common/models"
)

// ImageHandler serves scales of source fields
type ImageHandler struct {
	components *bootstrap.Components
	scales     *service.ScaleService
	validate   *validator.Validate
}

// NewImageHandler creates a new image handler
func NewImageHandler(components *bootstrap.Components, scales *service.ScaleService) *ImageHandler {
	return &ImageHandler{
		components: components,
		scales:     scales,
		validate:   validator.New(),
	}
}

// ScaleQuery is the query string of a scale request
type ScaleQuery struct {
	Scale   string `query:"scale"`
	Width   int    `query:"width" validate:"min=0,max=10000"`
	Height  int    `query:"height" validate:"min=0,max=10000"`
	Mode    string `query:"mode" validate:"omitempty,oneof=scale contain cover keep thumbnail down up scale-crop-to-fit scale-crop-to-fill"`
	Quality int    `query:"quality" validate:"min=0,max=100"`
	Format  string `query:"format" validate:"omitempty,oneof=jpeg png gif webp"`
}

func (h *ImageHandler) bindRequest(c echo.Context) (service.Request, error) {
	var q ScaleQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return service.Request{}, echo.NewHTTPError(http.StatusBadRequest, "invalid scale parameters")
	}
	if err := h.validate.Struct(q); err != nil {
		return service.Request{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req := service.Request{
		Field:     c.Param("field"),
		ScaleName: q.Scale,
		Width:     q.Width,
		Height:    q.Height,
		Mode:      q.Mode,
		Quality:   q.Quality,
	}
	if q.Format != "" {
		req.Params = map[string]string{"format": q.Format}
	}
	return req, nil
}

// Scale returns the scale of a field, rendering it now or reserving a
// placeholder as the admission rule decides
// GET /items/:item/@@scale/:field
func (h *ImageHandler) Scale(c echo.Context) error {
	ctx := c.Request().Context()
	itemID := c.Param("item")

	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}

	entry, err := h.scales.Storage(itemID).Fetch(ctx, req)
	if errors.Is(err, service.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "field not found")
	}
	if err != nil {
		h.components.Logger.WithContext(ctx).Error("failed to scale", "item_id", itemID, "field", req.Field, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to scale image")
	}
	if entry == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scale not available")
	}

	status := http.StatusOK
	if entry.IsPlaceholder() {
		status = http.StatusAccepted
	}
	return c.JSON(status, toEntryResponse(entry))
}

// Image serves the pixels of a stored scale. A placeholder is rendered on
// access, or with ?redirect=1 answered with a redirect to the original.
// GET /items/:item/@@images/:uid
func (h *ImageHandler) Image(c echo.Context) error {
	ctx := c.Request().Context()
	itemID, uid := c.Param("item"), c.Param("uid")
	storage := h.scales.Storage(itemID)

	redirect, _ := strconv.ParseBool(c.QueryParam("redirect"))

	var (
		entry *models.ScaleEntry
		err   error
	)
	if redirect {
		entry, err = storage.Get(ctx, uid)
		if err == nil && entry != nil && entry.IsPlaceholder() {
			return c.Redirect(http.StatusFound, fmt.Sprintf("/items/%s/fields/%s", itemID, entry.Field))
		}
	} else {
		entry, err = storage.GetOrGenerate(ctx, uid)
	}
	if err != nil {
		h.components.Logger.WithContext(ctx).Error("failed to load scale", "item_id", itemID, "uid", uid, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load scale")
	}
	if entry == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scale not found")
	}

	rs := blob.NewReadSeeker(ctx, blob.MemoryBlob(entry.Data))
	defer rs.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, entry.MimeType)
	// uids change with the source, so a uid's bytes never do
	header.Set("Cache-Control", "public, max-age=31536000, immutable")
	header.Set("ETag", strconv.Quote(entry.UID))
	http.ServeContent(c.Response(), c.Request(), "", entry.CreatedAt, rs)
	return nil
}

// List returns every stored scale of an item
// GET /items/:item/@@images
func (h *ImageHandler) List(c echo.Context) error {
	entries, err := h.scales.Storage(c.Param("item")).Items(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list scales")
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scales": out,
		"count":  len(out),
	})
}

// Clear drops every stored scale of an item
// POST /items/:item/@@images/clear
func (h *ImageHandler) Clear(c echo.Context) error {
	if err := h.scales.Storage(c.Param("item")).Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear scales")
	}
	return c.NoContent(http.StatusNoContent)
}

// Srcset returns the 1x scale plus its HiDPI variants as an srcset value
// GET /items/:item/@@srcset/:field
func (h *ImageHandler) Srcset(c echo.Context) error {
	ctx := c.Request().Context()
	storage := h.scales.Storage(c.Param("item"))

	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}

	base, err := storage.Fetch(ctx, req)
	if errors.Is(err, service.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "field not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to scale image")
	}
	if base == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scale not available")
	}

	variants, err := storage.Srcset(ctx, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to scale image")
	}

	first := toEntryResponse(base)
	parts := []string{first.URL + " 1x"}
	entries := []EntryResponse{first}
	for _, v := range variants {
		r := toEntryResponse(v.Entry)
		parts = append(parts, fmt.Sprintf("%s %sx", r.URL, strconv.FormatFloat(v.Density, 'f', -1, 64)))
		entries = append(entries, r)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"src":    first.URL,
		"srcset": strings.Join(parts, ", "),
		"scales": entries,
	})
}
