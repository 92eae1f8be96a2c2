// Package tensor describes how values are laid out in device memory:
// element type, memory format and a 4D (batch, feature, y, x) shape.
package tensor

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is a constraint for host element types that map one-to-one onto a
// DataType. BF16 has no host type of its own and goes through float32.
type DType interface {
	float32 | float16.Float16 | int32 | uint8
}

// DataType represents runtime type information for buffer elements.
type DataType int

// Supported element types.
const (
	F32 DataType = iota
	F16
	BF16
	I32
	U8
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case U8:
		return 1
	default:
		panic("unknown data type")
	}
}

// IsFloat reports whether the type holds floating point values.
func (dt DataType) IsFloat() bool {
	return dt == F32 || dt == F16 || dt == BF16
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case I32:
		return "i32"
	case U8:
		return "u8"
	default:
		return "unknown"
	}
}

// ParseDataType accepts the short names returned by String as well as the
// spelled out Go and OpenCL names ("float32", "half", "int", ...).
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "float":
		return F32, nil
	case "f16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "i32", "int32", "int":
		return I32, nil
	case "u8", "uint8", "uchar":
		return U8, nil
	default:
		return 0, fmt.Errorf("tensor: unknown data type %q", s)
	}
}

// DataTypeOf returns the DataType matching the host type T.
func DataTypeOf[T DType]() DataType {
	var dummy T
	switch any(dummy).(type) {
	case float32:
		return F32
	case float16.Float16:
		return F16
	case int32:
		return I32
	case uint8:
		return U8
	default:
		panic("unsupported type")
	}
}
