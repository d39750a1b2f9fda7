package blockio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"math"
)

// Codec translates between a Go value and its serialized byte form. If
// FixedSize returns a positive number, every encoded value must be exactly
// that many bytes, and BlockWriter packs items tightly with no
// length-prefix. If FixedSize returns 0, values may vary in length, and
// each is framed with a uvarint length prefix.
type Codec[T any] interface {
	FixedSize() int
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// fixedFuncCodec adapts a pair of functions operating on a fixed number of
// bytes into a Codec.
type fixedFuncCodec[T any] struct {
	size   int
	encode func(v T, out []byte)
	decode func(in []byte) T
}

func (c fixedFuncCodec[T]) FixedSize() int { return c.size }

func (c fixedFuncCodec[T]) Encode(v T) ([]byte, error) {
	out := make([]byte, c.size)
	c.encode(v, out)
	return out, nil
}

func (c fixedFuncCodec[T]) Decode(data []byte) (T, error) {
	return c.decode(data), nil
}

// Uint64Codec packs uint64 values tightly in 8 bytes, little-endian.
func Uint64Codec() Codec[uint64] {
	return fixedFuncCodec[uint64]{
		size:   8,
		encode: func(v uint64, out []byte) { binary.LittleEndian.PutUint64(out, v) },
		decode: func(in []byte) uint64 { return binary.LittleEndian.Uint64(in) },
	}
}

// Int64Codec packs int64 values tightly in 8 bytes.
func Int64Codec() Codec[int64] {
	return fixedFuncCodec[int64]{
		size:   8,
		encode: func(v int64, out []byte) { binary.LittleEndian.PutUint64(out, uint64(v)) },
		decode: func(in []byte) int64 { return int64(binary.LittleEndian.Uint64(in)) },
	}
}

// Float64Codec packs float64 values tightly in 8 bytes.
func Float64Codec() Codec[float64] {
	return fixedFuncCodec[float64]{
		size:   8,
		encode: func(v float64, out []byte) { binary.LittleEndian.PutUint64(out, math.Float64bits(v)) },
		decode: func(in []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(in)) },
	}
}

// Uint32Codec packs uint32 values tightly in 4 bytes.
func Uint32Codec() Codec[uint32] {
	return fixedFuncCodec[uint32]{
		size:   4,
		encode: func(v uint32, out []byte) { binary.LittleEndian.PutUint32(out, v) },
		decode: func(in []byte) uint32 { return binary.LittleEndian.Uint32(in) },
	}
}

// Float32Codec packs float32 values tightly in 4 bytes.
func Float32Codec() Codec[float32] {
	return fixedFuncCodec[float32]{
		size:   4,
		encode: func(v float32, out []byte) { binary.LittleEndian.PutUint32(out, math.Float32bits(v)) },
		decode: func(in []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(in)) },
	}
}

// Int32Codec packs int32 values tightly in 4 bytes.
func Int32Codec() Codec[int32] {
	return fixedFuncCodec[int32]{
		size:   4,
		encode: func(v int32, out []byte) { binary.LittleEndian.PutUint32(out, uint32(v)) },
		decode: func(in []byte) int32 { return int32(binary.LittleEndian.Uint32(in)) },
	}
}

// BoolCodec packs bool values in a single byte.
func BoolCodec() Codec[bool] {
	return fixedFuncCodec[bool]{
		size: 1,
		encode: func(v bool, out []byte) {
			if v {
				out[0] = 1
			}
		},
		decode: func(in []byte) bool { return in[0] != 0 },
	}
}

// stringCodec is the variable-size string codec: raw UTF-8 bytes, framed
// by BlockWriter with a uvarint length prefix.
type stringCodec struct{}

func (stringCodec) FixedSize() int { return 0 }
func (stringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (stringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

// StringCodec is the variable-size codec for strings.
func StringCodec() Codec[string] { return stringCodec{} }

// bytesCodec is the variable-size codec for raw byte slices.
type bytesCodec struct{}

func (bytesCodec) FixedSize() int { return 0 }
func (bytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (bytesCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// BytesCodec is the variable-size codec for []byte.
func BytesCodec() Codec[[]byte] { return bytesCodec{} }

// GobCodec is the generic fallback codec for arbitrary struct types,
// using encoding/gob, for types with no specialized codec.
type GobCodec[T any] struct{}

func (GobCodec[T]) FixedSize() int { return 0 }

func (GobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
