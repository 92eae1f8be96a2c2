// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor describes how buffer contents are laid out in device memory.
//
// # Overview
//
// A Layout combines three things:
//   - DataType: the element type (F32, F16, BF16, I32, U8)
//   - Format: the storage order of the four dimensions (BFYX, YXFB, BYXF,
//     FYXB) or the blocked BFYXF16 format
//   - Shape: the logical batch, feature, y and x extents
//
// Every format stores the same logical values; only the physical offsets
// differ. BFYXF16 pads the feature dimension to a multiple of 16, so its
// ByteSize counts padded elements while Count does not.
//
// # Basic Usage
//
//	l := tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 1, 3, 3))
//	l.Count()    // 9
//	l.ByteSize() // 36
//
// Encode and Decode convert between host slices in logical b,f,y,x order
// and the bytes a device buffer holds:
//
//	data, err := tensor.Encode(l, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
package tensor
