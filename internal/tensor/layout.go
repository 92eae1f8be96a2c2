package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Format describes the order in which the four dimensions are stored.
type Format int

// Supported memory formats. The plain formats are permutations of b,f,y,x
// stored row-major; BFYXF16 blocks the feature dimension in slices of 16 and
// pads the feature count up to a multiple of 16.
const (
	BFYX Format = iota
	YXFB
	BYXF
	FYXB
	BFYXF16
)

// featureBlock is the feature slice width of BFYXF16.
const featureBlock = 16

// String returns the lower-case format name.
func (f Format) String() string {
	switch f {
	case BFYX:
		return "bfyx"
	case YXFB:
		return "yxfb"
	case BYXF:
		return "byxf"
	case FYXB:
		return "fyxb"
	case BFYXF16:
		return "bfyx_f16"
	default:
		return "unknown"
	}
}

// ParseFormat parses the names returned by Format.String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bfyx":
		return BFYX, nil
	case "yxfb":
		return YXFB, nil
	case "byxf":
		return BYXF, nil
	case "fyxb":
		return FYXB, nil
	case "bfyx_f16", "b_fs_yx_fsv16":
		return BFYXF16, nil
	default:
		return 0, fmt.Errorf("tensor: unknown format %q", s)
	}
}

// order returns the storage order of the dimensions as indices into
// Shape.Dims, outermost first.
func (f Format) order() [4]int {
	switch f {
	case YXFB:
		return [4]int{2, 3, 1, 0}
	case BYXF:
		return [4]int{0, 2, 3, 1}
	case FYXB:
		return [4]int{1, 2, 3, 0}
	default:
		return [4]int{0, 1, 2, 3}
	}
}

// Layout is the immutable description of a buffer: element type, memory
// format and shape.
type Layout struct {
	DataType DataType
	Format   Format
	Shape    Shape
}

// NewLayout returns a Layout.
func NewLayout(dt DataType, format Format, shape Shape) Layout {
	return Layout{DataType: dt, Format: format, Shape: shape}
}

// Validate checks the shape, that the type and format are known and that
// ByteSize fits in an int.
func (l Layout) Validate() error {
	if l.DataType < F32 || l.DataType > U8 {
		return fmt.Errorf("tensor: unknown data type %d", int(l.DataType))
	}
	if l.Format < BFYX || l.Format > BFYXF16 {
		return fmt.Errorf("tensor: unknown format %d", int(l.Format))
	}
	if err := l.Shape.Validate(); err != nil {
		return err
	}
	if l.Shape.Feature > math.MaxInt-featureBlock {
		return fmt.Errorf("%w: %d features", ErrTooLarge, l.Shape.Feature)
	}
	if !fits(l.PaddedShape().Dims(), math.MaxInt/l.DataType.Size()) {
		return fmt.Errorf("%w: layout %s exceeds %d bytes", ErrTooLarge, l, math.MaxInt)
	}
	return nil
}

// Count returns the number of logical elements, the number of values a
// buffer with this layout exchanges with the host.
func (l Layout) Count() int {
	return l.Shape.NumElements()
}

// PaddedShape returns the shape including format padding.
func (l Layout) PaddedShape() Shape {
	s := l.Shape
	if l.Format == BFYXF16 {
		s.Feature = (s.Feature + featureBlock - 1) / featureBlock * featureBlock
	}
	return s
}

// PaddedCount returns the number of physical element slots.
func (l Layout) PaddedCount() int {
	return l.PaddedShape().NumElements()
}

// ByteSize returns the number of bytes a buffer with this layout occupies.
func (l Layout) ByteSize() int {
	return l.PaddedCount() * l.DataType.Size()
}

// StorageDims returns the logical dimensions in the order the format stores
// them, outermost first. Host values are exchanged row-major in this order.
func (l Layout) StorageDims() [4]int {
	dims := l.Shape.Dims()
	var out [4]int
	for i, d := range l.Format.order() {
		out[i] = dims[d]
	}
	return out
}

// IsPadded reports whether physical and logical element counts differ.
func (l Layout) IsPadded() bool {
	return l.PaddedCount() != l.Count()
}

// PhysicalIndex maps the i-th logical element to its physical slot. Logical
// order is row-major over the dimensions in the order the format names them.
func (l Layout) PhysicalIndex(i int) int {
	if l.Format != BFYXF16 {
		return i
	}
	s := l.Shape
	x := i % s.X
	i /= s.X
	y := i % s.Y
	i /= s.Y
	f := i % s.Feature
	b := i / s.Feature

	blocks := l.PaddedShape().Feature / featureBlock
	return (((b*blocks+f/featureBlock)*s.Y+y)*s.X+x)*featureBlock + f%featureBlock
}

// Offset returns the physical slot of the element at coordinates b,f,y,x.
func (l Layout) Offset(b, f, y, x int) int {
	coords := [4]int{b, f, y, x}
	dims := l.Shape.Dims()
	logical := 0
	for _, d := range l.Format.order() {
		logical = logical*dims[d] + coords[d]
	}
	return l.PhysicalIndex(logical)
}

// String formats the layout as "f32 bfyx [b:1 f:1 y:3 x:3]".
func (l Layout) String() string {
	return fmt.Sprintf("%s %s %s", l.DataType, l.Format, l.Shape)
}
