// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/kgraph/internal/tensor"
)

// DType is a constraint for host element types: float32, float16.Float16,
// int32 and uint8.
type DType = tensor.DType

// DataType is the element type of a buffer.
type DataType = tensor.DataType

// Data type constants.
const (
	F32  DataType = tensor.F32
	F16  DataType = tensor.F16
	BF16 DataType = tensor.BF16
	I32  DataType = tensor.I32
	U8   DataType = tensor.U8
)

// Format is the storage order of the four dimensions.
type Format = tensor.Format

// Memory formats.
const (
	BFYX    Format = tensor.BFYX
	YXFB    Format = tensor.YXFB
	BYXF    Format = tensor.BYXF
	FYXB    Format = tensor.FYXB
	BFYXF16 Format = tensor.BFYXF16
)

// Shape holds the batch, feature, y and x extents.
type Shape = tensor.Shape

// Layout is a data type, format and shape.
type Layout = tensor.Layout

// NewShape returns a Shape from its four dimensions.
func NewShape(batch, feature, y, x int) Shape {
	return tensor.NewShape(batch, feature, y, x)
}

// ShapeOf builds a Shape from up to four dimensions in b,f,y,x order.
// Missing leading dimensions are 1.
func ShapeOf(dims ...int) (Shape, error) {
	return tensor.ShapeOf(dims...)
}

// NewLayout returns the layout of dt values stored in format.
func NewLayout(dt DataType, format Format, shape Shape) Layout {
	return tensor.NewLayout(dt, format, shape)
}

// ParseDataType parses names such as "f32", "float" or "half".
func ParseDataType(s string) (DataType, error) {
	return tensor.ParseDataType(s)
}

// ParseFormat parses format names such as "bfyx" or "bfyx_f16".
func ParseFormat(s string) (Format, error) {
	return tensor.ParseFormat(s)
}

// DataTypeOf returns the DataType of the host type T.
func DataTypeOf[T DType]() DataType {
	return tensor.DataTypeOf[T]()
}

// Encode converts values in logical order into the bytes of layout l.
func Encode[T DType](l Layout, values []T) ([]byte, error) {
	return tensor.Encode(l, values)
}

// Decode converts the bytes of layout l into values in logical order.
func Decode[T DType](l Layout, data []byte) ([]T, error) {
	return tensor.Decode[T](l, data)
}
