// Package scalekey builds the canonical identity of a requested scale.
//
// A Key is used three ways: as the lookup index of stored scales, as the
// deduplication identity of queued derivations, and (through Token) as a
// cross-process claim name. All three rely on Encode being a pure function of
// the key's logical content.
package scalekey

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/lyzr/imagescale/common/codec"
	"github.com/zeebo/blake3"
)

// Reserved parameter names
const (
	// ParamQuality is the encoder quality. It never becomes part of a key.
	ParamQuality = "quality"
	// ParamScale is the named scale ("thumb", "preview", ...). Anonymous keys drop it.
	ParamScale = "scale"
)

// Resize modes understood by the scaler
const (
	ModeScale   = "scale"
	ModeContain = "contain"
	ModeCover   = "cover"
)

var modeAliases = map[string]string{
	"":                   ModeScale,
	"keep":               ModeScale,
	"thumbnail":          ModeScale,
	"down":               ModeContain,
	"scale-crop-to-fit":  ModeContain,
	"up":                 ModeCover,
	"scale-crop-to-fill": ModeCover,
}

// Param is one extra codec option
type Param struct {
	Name  string `cbor:"n"`
	Value string `cbor:"v"`
}

// Key is an immutable scale identity. Params are sorted by name.
type Key struct {
	Field  string  `cbor:"field"`
	Width  int     `cbor:"width"`
	Height int     `cbor:"height"`
	Mode   string  `cbor:"mode"`
	Params []Param `cbor:"params"`
}

// NormalizeMode maps legacy direction names onto the three resize modes.
// Unknown modes are returned lower-cased and unchanged.
func NormalizeMode(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	if canonical, ok := modeAliases[m]; ok {
		return canonical
	}
	return m
}

// Make builds a Key. Width or height 0 means "unconstrained". The quality
// param is dropped and the remaining params are sorted, so the result does
// not depend on map iteration order.
func Make(field string, width, height int, mode string, extra map[string]string) Key {
	k := Key{
		Field:  field,
		Width:  width,
		Height: height,
		Mode:   NormalizeMode(mode),
	}

	for name, value := range extra {
		if name == ParamQuality {
			continue
		}
		k.Params = append(k.Params, Param{Name: name, Value: value})
	}
	sort.Slice(k.Params, func(i, j int) bool { return k.Params[i].Name < k.Params[j].Name })

	return k
}

// Anonymous returns k without the named-scale param, so that a "thumb"
// request and an ad hoc 128x128 request can resolve to the same pixels.
func (k Key) Anonymous() Key {
	anon := Key{Field: k.Field, Width: k.Width, Height: k.Height, Mode: k.Mode}
	for _, p := range k.Params {
		if p.Name != ParamScale {
			anon.Params = append(anon.Params, p)
		}
	}
	return anon
}

// Get returns the value of a param
func (k Key) Get(name string) (string, bool) {
	for _, p := range k.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// ScaleName returns the named scale, or "" for ad hoc keys
func (k Key) ScaleName() string {
	name, _ := k.Get(ParamScale)
	return name
}

// HasCodecParams reports whether any param other than the scale name is set
func (k Key) HasCodecParams() bool {
	for _, p := range k.Params {
		if p.Name != ParamScale {
			return true
		}
	}
	return false
}

// Equal reports structural equality
func (k Key) Equal(o Key) bool {
	if k.Field != o.Field || k.Width != o.Width || k.Height != o.Height || k.Mode != o.Mode {
		return false
	}
	if len(k.Params) != len(o.Params) {
		return false
	}
	for i := range k.Params {
		if k.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

// Encode returns the canonical encoding of k
func (k Key) Encode() []byte {
	b, err := codec.Marshal(k)
	if err != nil {
		// Key holds only strings and ints; the encoder cannot reject it.
		panic(fmt.Sprintf("scalekey: encode: %v", err))
	}
	return b
}

// Token is the hex blake3 digest of Encode. Stable across restarts.
func (k Key) Token() string {
	sum := blake3.Sum256(k.Encode())
	return hex.EncodeToString(sum[:])
}

// Decode parses an encoding produced by Encode
func Decode(data []byte) (Key, error) {
	var k Key
	if err := codec.Unmarshal(data, &k); err != nil {
		return Key{}, fmt.Errorf("decode scale key: %w", err)
	}
	return k, nil
}

func (k Key) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%dx%d:%s", k.Field, k.Width, k.Height, k.Mode)
	for _, p := range k.Params {
		fmt.Fprintf(&b, ":%s=%s", p.Name, p.Value)
	}
	return b.String()
}
