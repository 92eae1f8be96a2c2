package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Encode converts host values into the byte image of a buffer with layout l.
// Padding slots are zero.
func Encode[T DType](l Layout, values []T) ([]byte, error) {
	if dt := DataTypeOf[T](); dt != l.DataType {
		return nil, fmt.Errorf("tensor: cannot encode %s values into a %s layout", dt, l.DataType)
	}
	if len(values) != l.Count() {
		return nil, fmt.Errorf("tensor: layout %s holds %d elements, got %d", l, l.Count(), len(values))
	}

	packed := make([]byte, len(values)*l.DataType.Size())
	switch v := any(values).(type) {
	case []float32:
		for i, f := range v {
			binary.LittleEndian.PutUint32(packed[i*4:], math.Float32bits(f))
		}
	case []float16.Float16:
		for i, h := range v {
			binary.LittleEndian.PutUint16(packed[i*2:], h.Bits())
		}
	case []int32:
		for i, n := range v {
			//nolint:gosec // G115: two's complement reinterpretation
			binary.LittleEndian.PutUint32(packed[i*4:], uint32(n))
		}
	case []uint8:
		copy(packed, v)
	}
	return scatter(l, packed), nil
}

// Decode converts the byte image of a buffer with layout l into host values.
func Decode[T DType](l Layout, data []byte) ([]T, error) {
	if dt := DataTypeOf[T](); dt != l.DataType {
		return nil, fmt.Errorf("tensor: cannot decode a %s layout into %s values", l.DataType, dt)
	}
	packed, err := gather(l, data)
	if err != nil {
		return nil, err
	}

	n := l.Count()
	out := make([]T, n)
	switch v := any(out).(type) {
	case []float32:
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(packed[i*4:]))
		}
	case []float16.Float16:
		for i := range v {
			v[i] = float16.Frombits(binary.LittleEndian.Uint16(packed[i*2:]))
		}
	case []int32:
		for i := range v {
			//nolint:gosec // G115: two's complement reinterpretation
			v[i] = int32(binary.LittleEndian.Uint32(packed[i*4:]))
		}
	case []uint8:
		copy(v, packed)
	}
	return out, nil
}

// EncodeFloat32 converts float32 host values into any floating point layout,
// rounding to the narrower type where needed.
func EncodeFloat32(l Layout, values []float32) ([]byte, error) {
	if len(values) != l.Count() {
		return nil, fmt.Errorf("tensor: layout %s holds %d elements, got %d", l, l.Count(), len(values))
	}
	switch l.DataType {
	case F32:
		return Encode(l, values)
	case F16:
		halves := make([]float16.Float16, len(values))
		for i, f := range values {
			halves[i] = float16.Fromfloat32(f)
		}
		return Encode(l, halves)
	case BF16:
		return scatter(l, bfloat16.EncodeFloat32(values)), nil
	default:
		return nil, fmt.Errorf("tensor: %s is not a floating point type", l.DataType)
	}
}

// DecodeFloat32 widens the elements of a floating point layout to float32.
func DecodeFloat32(l Layout, data []byte) ([]float32, error) {
	switch l.DataType {
	case F32:
		return Decode[float32](l, data)
	case F16:
		halves, err := Decode[float16.Float16](l, data)
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(halves))
		for i, h := range halves {
			out[i] = h.Float32()
		}
		return out, nil
	case BF16:
		packed, err := gather(l, data)
		if err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(packed), nil
	default:
		return nil, fmt.Errorf("tensor: %s is not a floating point type", l.DataType)
	}
}

// scatter places densely packed logical elements into their physical slots.
func scatter(l Layout, packed []byte) []byte {
	if !l.IsPadded() {
		return packed
	}
	size := l.DataType.Size()
	out := make([]byte, l.ByteSize())
	for i := 0; i < l.Count(); i++ {
		p := l.PhysicalIndex(i)
		copy(out[p*size:(p+1)*size], packed[i*size:(i+1)*size])
	}
	return out
}

// gather is the inverse of scatter.
func gather(l Layout, data []byte) ([]byte, error) {
	if len(data) != l.ByteSize() {
		return nil, fmt.Errorf("tensor: layout %s needs %d bytes, got %d", l, l.ByteSize(), len(data))
	}
	if !l.IsPadded() {
		return data, nil
	}
	size := l.DataType.Size()
	out := make([]byte, l.Count()*size)
	for i := 0; i < l.Count(); i++ {
		p := l.PhysicalIndex(i)
		copy(out[i*size:(i+1)*size], data[p*size:(p+1)*size])
	}
	return out, nil
}
