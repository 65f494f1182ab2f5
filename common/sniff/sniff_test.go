package sniff

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le16(v int) []byte { return binary.LittleEndian.AppendUint16(nil, uint16(v)) }
func le32(v int) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(v)) }
func be16(v int) []byte { return binary.BigEndian.AppendUint16(nil, uint16(v)) }
func be32(v int) []byte { return binary.BigEndian.AppendUint32(nil, uint32(v)) }

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func gifHeader(w, h int) []byte {
	return join([]byte("GIF89a"), le16(w), le16(h), []byte{0xF7, 0x00, 0x00})
}

func pngHeader(w, h int) []byte {
	return join(pngSig, be32(13), []byte("IHDR"), be32(w), be32(h), []byte{8, 6, 0, 0, 0})
}

// jpegHeader places the SOF0 after APP0, APP1 and DQT segments
func jpegHeader(w, h int) []byte {
	app0 := join([]byte{0xFF, 0xE0}, be16(16), []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00"))
	app1 := join([]byte{0xFF, 0xE1}, be16(8), []byte("Exif\x00\x00"))
	dqt := join([]byte{0xFF, 0xDB}, be16(67), make([]byte, 65))
	sof := join([]byte{0xFF, 0xC0}, be16(17), []byte{8}, be16(h), be16(w), []byte{3, 1, 0x22, 0, 2, 0x11, 1, 3, 0x11, 1})
	return join([]byte{0xFF, 0xD8}, app0, app1, dqt, sof, []byte{0xFF, 0xDA})
}

func bmpHeader(w, h int) []byte {
	return join([]byte("BM"), le32(0), le32(0), le32(54), le32(40), le32(w), le32(h), le16(1), le16(24), make([]byte, 24))
}

func tiffHeader(order binary.AppendByteOrder, w, h int) []byte {
	mark := []byte("II")
	if order == binary.BigEndian {
		mark = []byte("MM")
	}
	u16 := func(v int) []byte { return order.AppendUint16(nil, uint16(v)) }
	u32 := func(v int) []byte { return order.AppendUint32(nil, uint32(v)) }
	return join(mark, u16(42), u32(8), u16(3),
		u16(254), u16(4), u32(1), u32(0),
		u16(256), u16(3), u32(1), u16(w), u16(0),
		u16(257), u16(4), u32(1), u32(h),
		u32(0))
}

func webpVP8X(w, h int) []byte {
	u24 := func(v int) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16)} }
	return join([]byte("RIFF"), le32(100), []byte("WEBP"), []byte("VP8X"), le32(10), []byte{0x10, 0, 0, 0}, u24(w-1), u24(h-1))
}

func webpVP8L(w, h int) []byte {
	bits := uint32(w-1) | uint32(h-1)<<14
	return join([]byte("RIFF"), le32(100), []byte("WEBP"), []byte("VP8L"), le32(50), []byte{0x2f}, le32(int(bits)))
}

func webpVP8(w, h int) []byte {
	return join([]byte("RIFF"), le32(100), []byte("WEBP"), []byte("VP8 "), le32(50), []byte{0x30, 0x01, 0x00}, []byte{0x9d, 0x01, 0x2a}, le16(w), le16(h))
}

const svgTruncated = `<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="1024px" height="680px"`

func TestSniff_Golden(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Info
	}{
		{"gif 16x16", gifHeader(16, 16), Info{TypeGIF, 16, 16}},
		{"png ihdr 200x200", pngHeader(200, 200), Info{TypePNG, 200, 200}},
		{"png legacy", join(pngSig, be32(40), be32(30)), Info{TypePNG, 40, 30}},
		{"jpeg after skipped segments", jpegHeader(1024, 680), Info{TypeJPEG, 1024, 680}},
		{"bmp windows", bmpHeader(320, 240), Info{TypeBMP, 320, 240}},
		{"bmp top-down", bmpHeader(320, -240), Info{TypeBMP, 320, 240}},
		{"tiff little endian", tiffHeader(binary.LittleEndian, 300, 150), Info{TypeTIFF, 300, 150}},
		{"tiff big endian", tiffHeader(binary.BigEndian, 64, 48), Info{TypeTIFF, 64, 48}},
		{"webp vp8x 500x200", webpVP8X(500, 200), Info{TypeWebP, 500, 200}},
		{"webp vp8l", webpVP8L(33, 17), Info{TypeWebP, 33, 17}},
		{"webp vp8", webpVP8(640, 480), Info{TypeWebP, 640, 480}},
		{"svg truncated", []byte(svgTruncated), Info{TypeSVG, -1, -1}},
		{"svg complete", []byte(svgTruncated + `><rect/></svg>`), Info{TypeSVG, 1024, 680}},
		{"svg viewBox", []byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 300.5 150"/>`), Info{TypeSVG, 300, 150}},
		{"svg no size", []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="auto" height="auto"/>`), Info{TypeSVG, 1, 1}},
		{"html is not svg", []byte(`<html><body>hi</body></html>`), Info{"", -1, -1}},
		{"garbage", []byte("definitely not an image"), Info{"", -1, -1}},
		{"empty", nil, Info{"", -1, -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sniff(tc.data))
		})
	}
}

func TestSniff_Idempotent(t *testing.T) {
	inputs := [][]byte{
		gifHeader(1, 2), pngHeader(3, 4), jpegHeader(5, 6), bmpHeader(7, 8),
		tiffHeader(binary.LittleEndian, 9, 10), webpVP8X(11, 12), []byte(svgTruncated),
	}
	for _, in := range inputs {
		before := bytes.Clone(in)
		first := Sniff(in)
		second := Sniff(in)
		assert.Equal(t, first, second)
		assert.Equal(t, before, in, "sniff must not modify its input")
	}
}

func TestSniff_EveryPrefixIsSafe(t *testing.T) {
	inputs := map[string][]byte{
		"gif":  gifHeader(16, 16),
		"png":  pngHeader(200, 200),
		"jpeg": jpegHeader(1024, 680),
		"bmp":  bmpHeader(10, 10),
		"tiff": tiffHeader(binary.BigEndian, 10, 10),
		"webp": webpVP8X(500, 200),
		"svg":  []byte(svgTruncated + `/>`),
	}

	for name, full := range inputs {
		want := Sniff(full)
		for n := 0; n <= len(full); n++ {
			var got Info
			require.NotPanics(t, func() { got = Sniff(full[:n]) }, "%s prefix %d", name, n)
			if got.Width >= 0 && got.ContentType == want.ContentType {
				assert.Equal(t, want, got, "%s prefix %d reported wrong dimensions", name, n)
			}
		}
	}
}

func TestSniff_JPEGTruncatedBeforeSOF(t *testing.T) {
	full := jpegHeader(1024, 680)
	got := Sniff(full[:60])
	assert.Equal(t, Info{TypeJPEG, -1, -1}, got)
	assert.True(t, got.Truncated())
}

func TestSniff_FallbackDecoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 7, 5))))

	info := sniffFallback(buf.Bytes())
	assert.Equal(t, Info{TypePNG, 7, 5}, info)
	assert.Equal(t, info, Sniff(buf.Bytes()))
}

func TestSniffAt_GrowsForTruncatedSVG(t *testing.T) {
	doc := `<svg xmlns="http://www.w3.org/2000/svg" data-note="` + strings.Repeat("x", 200) + `" width="1024px" height="680px"/>`

	first, prefix, err := SniffReader(strings.NewReader(doc), 64)
	require.NoError(t, err)
	assert.Len(t, prefix, 64)
	assert.Equal(t, Info{TypeSVG, -1, -1}, first)

	info, err := SniffAt(strings.NewReader(doc), int64(len(doc)), 64)
	require.NoError(t, err)
	assert.Equal(t, Info{TypeSVG, 1024, 680}, info)
}

func TestDimensionInt(t *testing.T) {
	cases := map[string]int{
		"auto":       0,
		"1024px":     1024,
		"123.0025px": 123,
		"50%":        50,
		"12pt":       12,
		"":           0,
		"1.2.3":      0,
		" 77 ":       77,
	}
	for in, want := range cases {
		assert.Equal(t, want, DimensionInt(in), in)
	}
}
