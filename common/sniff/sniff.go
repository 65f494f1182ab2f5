// Package sniff extracts content type and pixel dimensions from image
// headers without decoding the image.
//
// Width and height are -1 when the supplied bytes do not reach the field that
// holds them. For SVG this is the "give me more bytes" signal: the content
// type is still reported when the SVG namespace appears in the buffer.
package sniff

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Content types reported by Sniff
const (
	TypeGIF  = "image/gif"
	TypePNG  = "image/png"
	TypeJPEG = "image/jpeg"
	TypeBMP  = "image/x-ms-bmp"
	TypeTIFF = "image/tiff"
	TypeWebP = "image/webp"
	TypeSVG  = "image/svg+xml"
)

// HeaderLimit is the default prefix size read before sniffing
const HeaderLimit = 64 * 1024

// MaxHeaderLimit bounds how far SniffAt grows the prefix for truncated headers
const MaxHeaderLimit = 4 * 1024 * 1024

var (
	gif87  = []byte("GIF87a")
	gif89  = []byte("GIF89a")
	pngSig = []byte("\x89PNG\r\n\x1a\n")
	tiffBE = []byte("MM\x00*")
	tiffLE = []byte("II*\x00")
)

// Info is the result of sniffing
type Info struct {
	ContentType string
	Width       int
	Height      int
}

// Known reports whether a content type was recognized
func (i Info) Known() bool {
	return i.ContentType != ""
}

// Truncated reports a recognized format whose dimensions lie beyond the buffer
func (i Info) Truncated() bool {
	return i.ContentType != "" && (i.Width < 0 || i.Height < 0)
}

func unknown() Info {
	return Info{Width: -1, Height: -1}
}

// Sniff inspects data and returns its content type and dimensions. It never
// reads past len(data) and never panics.
func Sniff(data []byte) Info {
	size := len(data)

	switch {
	case size >= 10 && (bytes.HasPrefix(data, gif87) || bytes.HasPrefix(data, gif89)):
		return Info{
			ContentType: TypeGIF,
			Width:       int(binary.LittleEndian.Uint16(data[6:8])),
			Height:      int(binary.LittleEndian.Uint16(data[8:10])),
		}
	case bytes.HasPrefix(data, pngSig):
		return sniffPNG(data)
	case size >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return sniffJPEG(data)
	case size >= 30 && data[0] == 'B' && data[1] == 'M':
		return sniffBMP(data)
	case bytes.HasPrefix(data, tiffBE) || bytes.HasPrefix(data, tiffLE):
		return sniffTIFF(data)
	case size >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return sniffWebP(data)
	}

	if looksLikeMarkup(data) {
		if info := sniffSVG(data); info.Known() {
			return info
		}
	}

	return sniffFallback(data)
}

// SniffReader reads at most limit bytes from r and sniffs them. The prefix
// that was read is returned so callers can reuse it.
func SniffReader(r io.Reader, limit int) (Info, []byte, error) {
	buf := make([]byte, limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return unknown(), nil, err
	}
	buf = buf[:n]
	return Sniff(buf), buf, nil
}

// SniffAt sniffs the first limit bytes of r and, while the header is
// reported truncated, retries with a doubled prefix up to size or
// MaxHeaderLimit.
func SniffAt(r io.ReaderAt, size int64, limit int) (Info, error) {
	if limit <= 0 {
		limit = HeaderLimit
	}
	for {
		n := int64(limit)
		if n > size {
			n = size
		}
		info, _, err := SniffReader(io.NewSectionReader(r, 0, n), int(n))
		if err != nil {
			return unknown(), err
		}
		if !info.Truncated() || n >= size || limit >= MaxHeaderLimit {
			return info, nil
		}
		limit *= 2
	}
}

func sniffPNG(data []byte) Info {
	size := len(data)
	switch {
	case size >= 24 && string(data[12:16]) == "IHDR":
		return Info{
			ContentType: TypePNG,
			Width:       int(binary.BigEndian.Uint32(data[16:20])),
			Height:      int(binary.BigEndian.Uint32(data[20:24])),
		}
	case size >= 16 && string(data[12:16]) != "IHDR":
		// pre-IHDR layout: dimensions directly after the signature
		return Info{
			ContentType: TypePNG,
			Width:       int(binary.BigEndian.Uint32(data[8:12])),
			Height:      int(binary.BigEndian.Uint32(data[12:16])),
		}
	}
	return Info{ContentType: TypePNG, Width: -1, Height: -1}
}

// sniffJPEG walks the marker segments until a baseline/progressive SOF
// (C0-C3) or the start of scan.
func sniffJPEG(data []byte) Info {
	info := Info{ContentType: TypeJPEG, Width: -1, Height: -1}
	size := len(data)
	i := 2

	for i < size {
		for i < size && data[i] != 0xFF {
			i++
		}
		for i < size && data[i] == 0xFF {
			i++
		}
		if i >= size {
			return info
		}

		marker := data[i]
		i++

		switch {
		case marker == 0xDA:
			return info
		case marker >= 0xC0 && marker <= 0xC3:
			// length(2) precision(1) height(2) width(2)
			if i+7 > size {
				return info
			}
			info.Height = int(binary.BigEndian.Uint16(data[i+3 : i+5]))
			info.Width = int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			return info
		case marker == 0x01 || marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7):
			// standalone markers carry no length
		default:
			if i+2 > size {
				return info
			}
			n := int(binary.BigEndian.Uint16(data[i : i+2]))
			if n < 2 {
				return info
			}
			i += n
		}
	}

	return info
}

func sniffBMP(data []byte) Info {
	kind := binary.LittleEndian.Uint16(data[14:16])
	if kind != 40 {
		// OS/2 and V4/V5 headers: recognized, dimensions left to the decoder
		return Info{ContentType: TypeBMP, Width: -1, Height: -1}
	}

	h := int32(binary.LittleEndian.Uint32(data[22:26]))
	if h < 0 {
		h = -h // top-down bitmap
	}
	return Info{
		ContentType: TypeBMP,
		Width:       int(int32(binary.LittleEndian.Uint32(data[18:22]))),
		Height:      int(h),
	}
}

func sniffTIFF(data []byte) Info {
	info := Info{ContentType: TypeTIFF, Width: -1, Height: -1}

	var order binary.ByteOrder = binary.LittleEndian
	if data[0] == 'M' {
		order = binary.BigEndian
	}
	if order.Uint16(data[2:4]) != 42 {
		return unknown()
	}

	size := uint64(len(data))
	if size < 8 {
		return info
	}

	ifd := uint64(order.Uint32(data[4:8]))
	if ifd+2 > size {
		return info
	}
	entries := uint64(order.Uint16(data[ifd : ifd+2]))

	w, h := -1, -1
	for e := uint64(0); e < entries; e++ {
		p := ifd + 2 + e*12
		if p+12 > size {
			break
		}
		tag := order.Uint16(data[p : p+2])
		if tag > 257 {
			// entries are sorted by tag
			break
		}

		var v int
		switch order.Uint16(data[p+2 : p+4]) {
		case 3: // SHORT
			v = int(order.Uint16(data[p+8 : p+10]))
		case 4: // LONG
			v = int(order.Uint32(data[p+8 : p+12]))
		default:
			continue
		}

		switch tag {
		case 256:
			w = v
		case 257:
			h = v
		}
	}

	if w >= 0 && h >= 0 {
		info.Width, info.Height = w, h
	}
	return info
}

func sniffWebP(data []byte) Info {
	info := Info{ContentType: TypeWebP, Width: -1, Height: -1}
	size := len(data)
	if size < 16 {
		return info
	}

	switch string(data[12:16]) {
	case "VP8X":
		// flags(4) then 24-bit little-endian canvas width-1, height-1
		if size < 30 {
			return info
		}
		info.Width = 1 + int(uint32(data[24])|uint32(data[25])<<8|uint32(data[26])<<16)
		info.Height = 1 + int(uint32(data[27])|uint32(data[28])<<8|uint32(data[29])<<16)
	case "VP8 ":
		// frame tag(3), start code 9d 01 2a, then 14-bit width and height
		if size < 30 || data[23] != 0x9d || data[24] != 0x01 || data[25] != 0x2a {
			return info
		}
		info.Width = int(binary.LittleEndian.Uint16(data[26:28]) & 0x3FFF)
		info.Height = int(binary.LittleEndian.Uint16(data[28:30]) & 0x3FFF)
	case "VP8L":
		if size < 25 || data[20] != 0x2f {
			return info
		}
		bits := binary.LittleEndian.Uint32(data[21:25])
		info.Width = int(bits&0x3FFF) + 1
		info.Height = int((bits>>14)&0x3FFF) + 1
	}

	return info
}

func sniffFallback(data []byte) (info Info) {
	info = unknown()
	// Third-party decoders are not trusted with corrupt input.
	defer func() {
		if recover() != nil {
			info = unknown()
		}
	}()

	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return Info{ContentType: formatContentType(format), Width: cfg.Width, Height: cfg.Height}
	}

	mt, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	if strings.HasPrefix(mt, "image/") {
		return Info{ContentType: mt, Width: -1, Height: -1}
	}
	return unknown()
}

func formatContentType(format string) string {
	switch format {
	case "bmp":
		return TypeBMP
	default:
		return "image/" + format
	}
}
