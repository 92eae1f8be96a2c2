package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrTooLarge is returned when the element or byte count of a shape or
// layout does not fit in an int.
var ErrTooLarge = errors.New("tensor: too large")

// Shape represents the dimensions of a buffer in b,f,y,x terms regardless of
// the memory format the buffer uses.
type Shape struct {
	Batch   int
	Feature int
	Y       int
	X       int
}

// NewShape returns a Shape from its four dimensions.
func NewShape(batch, feature, y, x int) Shape {
	return Shape{Batch: batch, Feature: feature, Y: y, X: x}
}

// ShapeOf builds a Shape from up to four dimensions given in b,f,y,x order.
// Missing leading dimensions are treated as 1, so ShapeOf(3, 3) is 1x1x3x3.
func ShapeOf(dims ...int) (Shape, error) {
	if len(dims) == 0 || len(dims) > 4 {
		return Shape{}, fmt.Errorf("tensor: shape needs 1 to 4 dimensions, got %d", len(dims))
	}
	full := [4]int{1, 1, 1, 1}
	copy(full[4-len(dims):], dims)
	s := Shape{Batch: full[0], Feature: full[1], Y: full[2], X: full[3]}
	return s, s.Validate()
}

// Dims returns the dimensions in b,f,y,x order.
func (s Shape) Dims() [4]int {
	return [4]int{s.Batch, s.Feature, s.Y, s.X}
}

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	return s.Batch * s.Feature * s.Y * s.X
}

// Validate checks that every dimension is positive and that the element
// count fits in an int.
func (s Shape) Validate() error {
	for i, dim := range s.Dims() {
		if dim <= 0 {
			return fmt.Errorf("tensor: invalid dimension %s: %d (must be > 0)", dimNames[i], dim)
		}
	}
	if !fits(s.Dims(), math.MaxInt) {
		return fmt.Errorf("%w: shape %s has more than %d elements", ErrTooLarge, s, math.MaxInt)
	}
	return nil
}

// fits reports whether the product of positive dims is at most limit.
func fits(dims [4]int, limit int) bool {
	n := 1
	for _, d := range dims {
		if n > limit/d {
			return false
		}
		n *= d
	}
	return true
}

// String formats the shape as b,f,y,x.
func (s Shape) String() string {
	return fmt.Sprintf("[b:%d f:%d y:%d x:%d]", s.Batch, s.Feature, s.Y, s.X)
}

var dimNames = [4]string{"batch", "feature", "y", "x"}
