package sniff

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

const svgNamespace = "http://www.w3.org/2000/svg"

// looksLikeMarkup reports whether data starts (after a BOM and whitespace)
// with '<'
func looksLikeMarkup(data []byte) bool {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.TrimLeft(data, " \t\r\n")
	return len(data) > 0 && data[0] == '<'
}

// sniffSVG tokenizes only as far as the root element's start tag.
func sniffSVG(data []byte) Info {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) {
		return r, nil
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			// buffer ended (or broke) before the root tag closed
			if bytes.Contains(data, []byte(svgNamespace)) {
				return Info{ContentType: TypeSVG, Width: -1, Height: -1}
			}
			return unknown()
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "svg" {
			return unknown()
		}

		w, h := svgSize(se.Attr)
		return Info{ContentType: TypeSVG, Width: max(w, 1), Height: max(h, 1)}
	}
}

func svgSize(attrs []xml.Attr) (int, int) {
	var width, height, viewBox string
	for _, a := range attrs {
		if a.Name.Space != "" && a.Name.Space != svgNamespace {
			continue
		}
		switch a.Name.Local {
		case "width":
			width = strings.TrimSpace(a.Value)
		case "height":
			height = strings.TrimSpace(a.Value)
		case "viewBox":
			viewBox = a.Value
		}
	}

	if width != "" && height != "" {
		return DimensionInt(width), DimensionInt(height)
	}

	fields := strings.FieldsFunc(viewBox, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 4 {
		return DimensionInt(fields[2]), DimensionInt(fields[3])
	}
	return 0, 0
}

// DimensionInt converts an SVG length to whole pixels by dropping every
// character that is not a digit or '.': "1024px" is 1024, "123.0025px" is
// 123, "50%" is 50 and "auto" is 0.
func DimensionInt(v string) int {
	var b strings.Builder
	for _, r := range v {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(f)
}
