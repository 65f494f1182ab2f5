package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_MapOrderIndependent(t *testing.T) {
	a := map[string]string{"b": "2", "a": "1", "c": "3"}
	b := map[string]string{"c": "3", "a": "1", "b": "2"}

	encA, err := Marshal(a)
	require.NoError(t, err)
	encB, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, encA, encB)
}

func TestStream(t *testing.T) {
	type msg struct {
		Name string `cbor:"name"`
		N    int    `cbor:"n"`
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(msg{Name: "x", N: 1}))
	require.NoError(t, enc.Encode(msg{Name: "y", N: 2}))

	dec := NewDecoder(&buf)
	var got msg
	require.NoError(t, dec.Decode(&got))
	assert.Equal(t, "x", got.Name)
	require.NoError(t, dec.Decode(&got))
	assert.Equal(t, 2, got.N)
}
