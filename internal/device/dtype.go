package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// DType is the element type a sub-graph declares for one of its slots.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeFloat16
	DTypeBFloat16
	DTypeInt32
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "f32"
	case DTypeFloat16:
		return "f16"
	case DTypeBFloat16:
		return "bf16"
	case DTypeInt32:
		return "i32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDType is the inverse of String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32":
		return DTypeFloat32, nil
	case "f16", "float16":
		return DTypeFloat16, nil
	case "bf16", "bfloat16":
		return DTypeBFloat16, nil
	case "i32", "int32":
		return DTypeInt32, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeFloat16, DTypeBFloat16:
		return 2
	default:
		return 4
	}
}

// IsHalf reports whether d is one of the 16-bit float encodings.
func (d DType) IsHalf() bool {
	return d == DTypeFloat16 || d == DTypeBFloat16
}

// EncodeFloat32 converts a single value to the raw bits of dtype d.
// For 16-bit types only the low 16 bits of the result are meaningful.
func EncodeFloat32(d DType, v float32) (uint32, error) {
	switch d {
	case DTypeFloat32:
		return math.Float32bits(v), nil
	case DTypeFloat16:
		return uint32(float16.Fromfloat32(v).Bits()), nil
	case DTypeBFloat16:
		return uint32(bfloat16.FromFloat32(v)), nil
	}
	return 0, fmt.Errorf("dtype %s cannot hold float values", d)
}

// EncodeFloat32s packs vals little-endian into the layout of dtype d.
func EncodeFloat32s(d DType, vals []float32) ([]byte, error) {
	if d == DTypeInt32 {
		return nil, fmt.Errorf("dtype %s cannot hold float values", d)
	}
	out := make([]byte, len(vals)*d.Size())
	for i, v := range vals {
		bits, err := EncodeFloat32(d, v)
		if err != nil {
			return nil, err
		}
		if d.IsHalf() {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(bits))
		} else {
			binary.LittleEndian.PutUint32(out[i*4:], bits)
		}
	}
	return out, nil
}

// DecodeFloat32s unpacks raw bytes of dtype d into float32 values.
func DecodeFloat32s(d DType, raw []byte) ([]float32, error) {
	n := len(raw) / d.Size()
	out := make([]float32, n)
	switch d {
	case DTypeFloat32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeFloat16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case DTypeBFloat16:
		for i := range out {
			out[i] = bfloat16.BFloat16(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("dtype %s is not a float type", d)
	}
	return out, nil
}

// EncodeInt32s packs ints little-endian as int32.
func EncodeInt32s(vals []int) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(v)))
	}
	return out
}

// DecodeInt32s unpacks little-endian int32 values.
func DecodeInt32s(raw []byte) []int {
	out := make([]int, len(raw)/4)
	for i := range out {
		out[i] = int(int32(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return out
}
