package cpu

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/kgraph/internal/tensor"
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// cName is the OpenCL C spelling of an element type, empty when OpenCL has
// none.
func cName(dt tensor.DataType) string {
	switch dt {
	case tensor.F32:
		return "float"
	case tensor.F16:
		return "half"
	case tensor.I32:
		return "int"
	case tensor.U8:
		return "uchar"
	default:
		return ""
	}
}

// decodeSlots widens every physical slot of a buffer to float64.
func decodeSlots(dt tensor.DataType, data []byte) []float64 {
	n := len(data) / dt.Size()
	out := make([]float64, n)
	switch dt {
	case tensor.F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case tensor.F16:
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32())
		}
	case tensor.BF16:
		for i, f := range bfloat16.DecodeFloat32(data) {
			out[i] = float64(f)
		}
	case tensor.I32:
		for i := range out {
			out[i] = float64(int32(binary.LittleEndian.Uint32(data[i*4:]))) //nolint:gosec // G115: two's complement
		}
	case tensor.U8:
		for i, b := range data {
			out[i] = float64(b)
		}
	}
	return out
}

// encodeSlots narrows values into dst. Integer targets truncate toward zero
// and saturate.
func encodeSlots(dt tensor.DataType, values []float64, dst []byte) {
	switch dt {
	case tensor.F32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	case tensor.F16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case tensor.BF16:
		fs := make([]float32, len(values))
		for i, v := range values {
			fs[i] = float32(v)
		}
		copy(dst, bfloat16.EncodeFloat32(fs))
	case tensor.I32:
		for i, v := range values {
			n := int32(saturate(v, math.MinInt32, math.MaxInt32))
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(n)) //nolint:gosec // G115: two's complement
		}
	case tensor.U8:
		for i, v := range values {
			dst[i] = uint8(saturate(v, 0, math.MaxUint8))
		}
	}
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Trunc(v)))
}

// toPlain returns the logical values of a buffer in b,f,y,x order.
func toPlain(l tensor.Layout, data []byte) []float64 {
	slots := decodeSlots(l.DataType, data)
	if l.Format == tensor.BFYX {
		return slots
	}
	s := l.Shape
	out := make([]float64, 0, l.Count())
	for b := 0; b < s.Batch; b++ {
		for f := 0; f < s.Feature; f++ {
			for y := 0; y < s.Y; y++ {
				for x := 0; x < s.X; x++ {
					out = append(out, slots[l.Offset(b, f, y, x)])
				}
			}
		}
	}
	return out
}

// fromPlain stores b,f,y,x ordered values into a buffer with layout l.
// Padding slots are zeroed.
func fromPlain(l tensor.Layout, values []float64, dst []byte) {
	if l.Format == tensor.BFYX {
		encodeSlots(l.DataType, values, dst)
		return
	}
	slots := make([]float64, l.PaddedCount())
	s := l.Shape
	i := 0
	for b := 0; b < s.Batch; b++ {
		for f := 0; f < s.Feature; f++ {
			for y := 0; y < s.Y; y++ {
				for x := 0; x < s.X; x++ {
					slots[l.Offset(b, f, y, x)] = values[i]
					i++
				}
			}
		}
	}
	encodeSlots(l.DataType, slots, dst)
}
