package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValues_RoundTrip(t *testing.T) {
	in := []Value{
		Int64Value(-42),
		Float64Value(3.5),
		BytesValue([]byte("opaque sketch blob")),
		BytesValue(nil),
		Int64Value(0),
	}
	out, err := DecodeValues(EncodeValues(in))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i, v := range in {
		require.Equal(t, v.Kind, out[i].Kind, "value %d", i)
		require.Equal(t, v.I, out[i].I, "value %d", i)
		require.Equal(t, v.F, out[i].F, "value %d", i)
		require.Equal(t, string(v.B), string(out[i].B), "value %d", i)
	}
}

func TestDecodeValues_Truncated(t *testing.T) {
	blob := EncodeValues([]Value{Int64Value(7), Float64Value(1.25)})
	for _, cut := range []int{0, 3, 5, len(blob) - 1} {
		_, err := DecodeValues(blob[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
}

func TestDecodeValue_UnknownKind(t *testing.T) {
	blob := EncodeValues([]Value{Int64Value(1)})
	// corrupt the element's kind tag (4-byte count + 4-byte len + tag).
	blob[8] = 0xff
	_, err := DecodeValues(blob)
	require.Error(t, err)
}
