package routes

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/imagescale/cmd/scaled/container"
	"github.com/lyzr/imagescale/cmd/scaled/handlers"
	"github.com/lyzr/imagescale/common/blob"
	"github.com/lyzr/imagescale/common/bootstrap"
	"github.com/lyzr/imagescale/common/cache"
	"github.com/lyzr/imagescale/common/config"
	"github.com/lyzr/imagescale/common/logger"
)

func newServer(t *testing.T, deferExpr string) *echo.Echo {
	t.Helper()
	log := logger.NewWithWriter(io.Discard, "error", "text")

	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "scaled"},
		Scaling: config.ScalingConfig{
			Sizes:          map[string]config.Size{"preview": {Width: 16, Height: 12}},
			DefaultQuality: 80,
			Densities:      []config.Density{{Scale: 2, Quality: 62}},
			SniffLimit:     1024,
			DeferExpr:      deferExpr,
		},
	}
	memCache := cache.NewMemoryCache(log)
	t.Cleanup(func() { memCache.Close() })

	components := &bootstrap.Components{
		Config: cfg,
		Logger: log,
		Cache:  memCache,
		Blobs:  blob.NewMemoryStore(),
	}

	c, err := container.NewContainer(components)
	require.NoError(t, err)
	assert.Nil(t, c.Queue)
	assert.Nil(t, c.Limiter)

	e := echo.New()
	RegisterSourceRoutes(e, c)
	RegisterImageRoutes(e, c)
	return e
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func do(e *echo.Echo, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeEntry(t *testing.T, rec *httptest.ResponseRecorder) handlers.EntryResponse {
	t.Helper()
	var out handlers.EntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestUploadScaleAndServe(t *testing.T) {
	e := newServer(t, "")

	rec := do(e, http.MethodPut, "/items/doc-1/fields/image", bytes.NewReader(testPNG(t, 40, 30)), map[string]string{"Content-Type": "image/png"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/items/doc-1/@@scale/image?width=20&height=20", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decodeEntry(t, rec)
	assert.Equal(t, 20, entry.Width)
	assert.Equal(t, 15, entry.Height)
	assert.False(t, entry.Placeholder)

	rec = do(e, http.MethodGet, entry.URL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	cfg, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)

	rec = do(e, http.MethodGet, "/items/doc-1/@@images", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), entry.UID)

	rec = do(e, http.MethodPost, "/items/doc-1/@@images/clear", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(e, http.MethodGet, entry.URL, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMultipartUpload(t *testing.T) {
	e := newServer(t, "")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(testPNG(t, 12, 8))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := do(e, http.MethodPut, "/items/doc-1/fields/image", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"filename":"photo.png"`)
	assert.Contains(t, rec.Body.String(), `"width":12`)
}

func TestDownloadRange(t *testing.T) {
	e := newServer(t, "")
	original := testPNG(t, 40, 30)
	do(e, http.MethodPut, "/items/doc-1/fields/image", bytes.NewReader(original), nil)

	rec := do(e, http.MethodGet, "/items/doc-1/fields/image", nil, map[string]string{"Range": "bytes=0-7"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, original[:8], rec.Body.Bytes())

	rec = do(e, http.MethodGet, "/items/doc-1/fields/image", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, original, rec.Body.Bytes())
}

func TestPlaceholderAccess(t *testing.T) {
	e := newServer(t, "width > 10")
	do(e, http.MethodPut, "/items/doc-1/fields/image", bytes.NewReader(testPNG(t, 40, 30)), nil)

	rec := do(e, http.MethodGet, "/items/doc-1/@@scale/image?scale=preview", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	entry := decodeEntry(t, rec)
	assert.True(t, entry.Placeholder)
	assert.Equal(t, "preview", entry.Scale)

	rec = do(e, http.MethodGet, entry.URL+"?redirect=1", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/items/doc-1/fields/image", rec.Header().Get("Location"))

	rec = do(e, http.MethodGet, entry.URL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Width)
	assert.Equal(t, 12, cfg.Height)
}

func TestSrcset(t *testing.T) {
	e := newServer(t, "")
	do(e, http.MethodPut, "/items/doc-1/fields/image", bytes.NewReader(testPNG(t, 40, 30)), nil)

	rec := do(e, http.MethodGet, "/items/doc-1/@@srcset/image?scale=preview", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Src    string `json:"src"`
		Srcset string `json:"srcset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.Srcset, out.Src+" 1x")
	assert.Contains(t, out.Srcset, " 2x")
}

func TestErrors(t *testing.T) {
	e := newServer(t, "")
	do(e, http.MethodPut, "/items/doc-1/fields/image", bytes.NewReader(testPNG(t, 40, 30)), nil)

	cases := []struct {
		name   string
		method string
		target string
		body   io.Reader
		want   int
	}{
		{"unknown field", http.MethodGet, "/items/doc-1/@@scale/nope?width=10", nil, http.StatusNotFound},
		{"unknown scale name", http.MethodGet, "/items/doc-1/@@scale/image?scale=poster", nil, http.StatusNotFound},
		{"invalid width", http.MethodGet, "/items/doc-1/@@scale/image?width=-5", nil, http.StatusBadRequest},
		{"invalid format", http.MethodGet, "/items/doc-1/@@scale/image?width=5&format=bmp", nil, http.StatusBadRequest},
		{"unknown uid", http.MethodGet, "/items/doc-1/@@images/image-1-abc", nil, http.StatusNotFound},
		{"missing download", http.MethodGet, "/items/doc-2/fields/image", nil, http.StatusNotFound},
		{"not an image", http.MethodPut, "/items/doc-1/fields/notes", bytes.NewReader([]byte("plain text")), http.StatusUnsupportedMediaType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(e, tc.method, tc.target, tc.body, nil)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}
