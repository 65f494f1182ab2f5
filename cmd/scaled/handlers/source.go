package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/imagescale/cmd/scaled/service"
	"github.com/lyzr/imagescale/common/blob"
	"github.com/lyzr/imagescale/common/bootstrap"
)

// SourceHandler handles uploads and downloads of original images
type SourceHandler struct {
	components *bootstrap.Components
	sources    *service.SourceService
}

// NewSourceHandler creates a new source handler
func NewSourceHandler(components *bootstrap.Components, sources *service.SourceService) *SourceHandler {
	return &SourceHandler{
		components: components,
		sources:    sources,
	}
}

// Upload stores the request body, or the "file" part of a multipart form,
// as the field's new source
// PUT /items/:item/fields/:field
func (h *SourceHandler) Upload(c echo.Context) error {
	ctx := c.Request().Context()
	itemID, field := c.Param("item"), c.Param("field")
	log := h.components.Logger.WithContext(ctx).WithItem(itemID)

	up := service.Upload{Field: field, Filename: field, Size: -1}

	mediaType, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	if mediaType == echo.MIMEMultipartForm {
		fh, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "multipart upload needs a file part")
		}
		spooled, err := spool(fh.Open)
		if err != nil {
			log.Error("failed to spool upload", "field", field, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read upload")
		}
		// a no-op once the blob store took the file over
		defer os.Remove(spooled.Name())
		defer spooled.Close()

		up.File = spooled
		up.Filename = fh.Filename
	} else {
		up.Body = c.Request().Body
		up.Size = c.Request().ContentLength
		if name := c.QueryParam("filename"); name != "" {
			up.Filename = name
		}
	}

	src, err := h.sources.Upload(ctx, itemID, up)
	if errors.Is(err, service.ErrNotImage) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "upload is not a supported image")
	}
	if err != nil {
		log.Error("failed to store upload", "field", field, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}

	return c.JSON(http.StatusCreated, src)
}

// spool copies a multipart part into a temp file the blob store can consume
func spool(open func() (multipart.File, error)) (*os.File, error) {
	part, err := open()
	if err != nil {
		return nil, err
	}
	defer part.Close()

	f, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, part); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("copy upload: %w", err)
	}
	return f, nil
}

// Download streams the original; Range requests are answered with 206
// GET /items/:item/fields/:field
func (h *SourceHandler) Download(c echo.Context) error {
	ctx := c.Request().Context()
	itemID, field := c.Param("item"), c.Param("field")

	src, err := h.sources.Source(ctx, itemID, field)
	if errors.Is(err, service.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "field not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load field")
	}

	b, err := h.sources.Open(ctx, src)
	if err != nil {
		h.components.Logger.Error("failed to open source", "item_id", itemID, "field", field, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open field")
	}

	rs := blob.NewReadSeeker(ctx, b)
	defer rs.Close()

	c.Response().Header().Set(echo.HeaderContentType, src.ContentType)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", src.Filename))
	http.ServeContent(c.Response(), c.Request(), src.Filename, time.UnixMilli(src.Modified), rs)
	return nil
}

// List returns the source fields of an item
// GET /items/:item/fields
func (h *SourceHandler) List(c echo.Context) error {
	sources, err := h.sources.List(c.Request().Context(), c.Param("item"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list fields")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"fields": sources,
		"count":  len(sources),
	})
}
