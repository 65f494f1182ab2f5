// Package scaler is the in-process image codec: decode, resize according to
// a scaling mode, encode.
package scaler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lyzr/imagescale/common/scalekey"
)

// DefaultQuality is used when Options.Quality is unset
const DefaultQuality = 88

var ErrUnsupported = errors.New("unsupported image")

// Options describes one derivation
type Options struct {
	Width   int    `cbor:"width"`
	Height  int    `cbor:"height"`
	Mode    string `cbor:"mode"`
	Quality int    `cbor:"quality"`
	// Format forces the output encoding (jpeg, png, gif, webp)
	Format     string `cbor:"format,omitempty"`
	AutoOrient bool   `cbor:"auto_orient,omitempty"`
}

// OptionsFor maps a scale key and quality to codec options
func OptionsFor(k scalekey.Key, quality int) Options {
	format, _ := k.Get("format")
	return Options{
		Width:   k.Width,
		Height:  k.Height,
		Mode:    k.Mode,
		Quality: quality,
		Format:  format,
	}
}

// Result is an encoded scale
type Result struct {
	Data        []byte `cbor:"data"`
	ContentType string `cbor:"content_type"`
	Width       int    `cbor:"width"`
	Height      int    `cbor:"height"`
}

// Codec produces a scale from full source bytes
type Codec interface {
	Scale(ctx context.Context, data []byte, opts Options) (*Result, error)
}

// Local runs the codec on the calling goroutine
type Local struct {
	// AutoOrient applies EXIF orientation to every job
	AutoOrient bool
}

func (l Local) Scale(ctx context.Context, data []byte, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.AutoOrient {
		opts.AutoOrient = true
	}
	return Scale(data, opts)
}

// Scale decodes data, resizes it and encodes the result
func Scale(data []byte, opts Options) (res *Result, err error) {
	defer func() {
		// decoders panic on some corrupt inputs
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("%w: decoder panic: %v", ErrUnsupported, p)
		}
	}()

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(opts.AutoOrient))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	b := img.Bounds()
	tw, th := TargetSize(b.Dx(), b.Dy(), opts.Width, opts.Height, opts.Mode)

	var out image.Image = img
	if tw != b.Dx() || th != b.Dy() {
		switch scalekey.NormalizeMode(opts.Mode) {
		case scalekey.ModeContain, scalekey.ModeCover:
			out = imaging.Fill(img, tw, th, imaging.Center, imaging.Lanczos)
		default:
			out = imaging.Resize(img, tw, th, imaging.Lanczos)
		}
	}

	contentType := OutputFormat("image/"+format, opts.Format)
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := encode(&buf, out, contentType, quality); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", contentType, err)
	}

	ob := out.Bounds()
	return &Result{
		Data:        buf.Bytes(),
		ContentType: contentType,
		Width:       ob.Dx(),
		Height:      ob.Dy(),
	}, nil
}

func encode(w io.Writer, img image.Image, contentType string, quality int) error {
	switch contentType {
	case "image/jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "image/gif":
		return gif.Encode(w, img, nil)
	case "image/webp":
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	default:
		return png.Encode(w, img)
	}
}

// OutputFormat is the content type a source of contentType is encoded to.
// An explicit format parameter wins.
func OutputFormat(contentType, format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	}

	switch contentType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return contentType
	default:
		// bmp, tiff and friends have no browser support
		return "image/png"
	}
}

// TargetSize predicts the output dimensions of scaling an ow x oh image to
// the w x h box. A zero box side is unbounded.
//
//	scale    fit inside the box, keep aspect, never enlarge
//	contain  crop to the box aspect, never enlarge
//	cover    crop to the box aspect and fill it exactly, enlarging if needed
func TargetSize(ow, oh, w, h int, mode string) (int, int) {
	if ow <= 0 || oh <= 0 {
		return max(w, 0), max(h, 0)
	}
	if w <= 0 && h <= 0 {
		return ow, oh
	}

	mode = scalekey.NormalizeMode(mode)
	if w <= 0 || h <= 0 {
		// one side given: aspect follows the source
		f := float64(w) / float64(ow)
		if w <= 0 {
			f = float64(h) / float64(oh)
		}
		if f > 1 && mode != scalekey.ModeCover {
			return ow, oh
		}
		return scaled(ow, f), scaled(oh, f)
	}

	switch mode {
	case scalekey.ModeCover:
		return w, h
	case scalekey.ModeContain:
		f := math.Min(float64(ow)/float64(w), float64(oh)/float64(h))
		if f >= 1 {
			return w, h
		}
		return scaled(w, f), scaled(h, f)
	default:
		f := math.Min(float64(w)/float64(ow), float64(h)/float64(oh))
		if f >= 1 {
			return ow, oh
		}
		return scaled(ow, f), scaled(oh, f)
	}
}

func scaled(v int, f float64) int {
	return max(1, int(math.Round(float64(v)*f)))
}
