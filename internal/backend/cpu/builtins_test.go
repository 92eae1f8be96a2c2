package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/tensor"
)

func runBuiltin(t *testing.T, d *Device, op device.BuiltinOp, inputs ...[]float32) []byte {
	t.Helper()
	p, err := d.Builtin(op)
	require.NoError(t, err)

	args := make([]device.Memory, 0, len(inputs)+1)
	for i, values := range inputs {
		data, err := tensor.EncodeFloat32(op.Inputs[i], values)
		require.NoError(t, err)
		mem, err := d.Allocate(uint64(len(data)))
		require.NoError(t, err)
		require.NoError(t, d.Write(mem, data))
		args = append(args, mem)
	}
	out, err := d.Allocate(uint64(op.Output.ByteSize()))
	require.NoError(t, err)
	args = append(args, out)

	require.NoError(t, d.Dispatch(p, args, device.WorkSize{Global: []int{op.Output.Count()}}))
	data, err := d.Read(out)
	require.NoError(t, err)
	return data
}

func readF32(t *testing.T, l tensor.Layout, data []byte) []float32 {
	t.Helper()
	values, err := tensor.DecodeFloat32(l, data)
	require.NoError(t, err)
	return values
}

func TestBuiltin_Activation(t *testing.T) {
	d := New()
	defer d.Release()
	l := vector(t, 4)
	in := []float32{-2, -0.5, 0, 3}

	tests := []struct {
		mode   device.ActivationMode
		params []float32
		want   []float32
	}{
		{device.Relu, nil, []float32{0, 0, 0, 3}},
		{device.ReluNegativeSlope, []float32{0.5}, []float32{-1, -0.25, 0, 3}},
		{device.Linear, []float32{2, 1}, []float32{-3, 0, 1, 7}},
		{device.Clamp, []float32{-1, 1}, []float32{-1, -0.5, 0, 1}},
		{device.Abs, nil, []float32{2, 0.5, 0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			op := device.BuiltinOp{Kind: device.Activation, Activation: tt.mode, Params: tt.params, Inputs: []tensor.Layout{l}, Output: l}
			assert.Equal(t, tt.want, readF32(t, l, runBuiltin(t, d, op, in)))
		})
	}

	op := device.BuiltinOp{Kind: device.Activation, Activation: device.Sigmoid, Inputs: []tensor.Layout{l}, Output: l}
	got := readF32(t, l, runBuiltin(t, d, op, in))
	assert.InDelta(t, 0.5, got[2], 1e-6)
	assert.InDelta(t, 1/(1+math.Exp(-3)), got[3], 1e-6)
}

func TestBuiltin_Eltwise(t *testing.T) {
	d := New()
	defer d.Release()
	l := vector(t, 3)
	a := []float32{1, 2, 3}
	b := []float32{4, 1, 6}

	tests := []struct {
		mode   device.EltwiseMode
		params []float32
		want   []float32
	}{
		{device.Sum, nil, []float32{5, 3, 9}},
		{device.Sum, []float32{2, -1}, []float32{-2, 3, 0}},
		{device.Sub, nil, []float32{-3, 1, -3}},
		{device.Prod, nil, []float32{4, 2, 18}},
		{device.Div, nil, []float32{0.25, 2, 0.5}},
		{device.Max, nil, []float32{4, 2, 6}},
		{device.Min, nil, []float32{1, 1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			op := device.BuiltinOp{Kind: device.Eltwise, Eltwise: tt.mode, Params: tt.params, Inputs: []tensor.Layout{l, l}, Output: l}
			assert.Equal(t, tt.want, readF32(t, l, runBuiltin(t, d, op, a, b)))
		})
	}
}

func TestBuiltin_Softmax(t *testing.T) {
	d := New()
	defer d.Release()

	// Two features over a 1x2 plane; softmax runs across features.
	l := tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 2, 1, 2))
	op := device.BuiltinOp{Kind: device.Softmax, Inputs: []tensor.Layout{l}, Output: l}
	got := readF32(t, l, runBuiltin(t, d, op, []float32{0, 1, 0, 3}))

	assert.InDelta(t, 0.5, got[0], 1e-6)
	assert.InDelta(t, 0.5, got[2], 1e-6)
	assert.InDelta(t, 1/(1+math.Exp(2)), got[1], 1e-6)
	assert.InDelta(t, 1.0, float64(got[1]+got[3]), 1e-6)
}

func TestBuiltin_Reorder(t *testing.T) {
	d := New()
	defer d.Release()

	shape := tensor.NewShape(1, 2, 1, 3)
	src := tensor.NewLayout(tensor.F32, tensor.BFYX, shape)
	values := []float32{1, 2, 3, 4, 5, 6}

	t.Run("format", func(t *testing.T) {
		dst := tensor.NewLayout(tensor.F32, tensor.BYXF, shape)
		op := device.BuiltinOp{Kind: device.Reorder, Inputs: []tensor.Layout{src}, Output: dst}
		// byxf interleaves the two features at every x.
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, readF32(t, dst, runBuiltin(t, d, op, values)))
	})

	t.Run("padded", func(t *testing.T) {
		dst := tensor.NewLayout(tensor.F16, tensor.BFYXF16, shape)
		op := device.BuiltinOp{Kind: device.Reorder, Inputs: []tensor.Layout{src}, Output: dst}
		data := runBuiltin(t, d, op, values)
		assert.Len(t, data, dst.ByteSize())
		assert.Equal(t, values, readF32(t, dst, data))
	})

	t.Run("to int", func(t *testing.T) {
		dst := tensor.NewLayout(tensor.U8, tensor.BFYX, shape)
		op := device.BuiltinOp{Kind: device.Reorder, Inputs: []tensor.Layout{src}, Output: dst}
		data := runBuiltin(t, d, op, []float32{-1, 0.9, 2.5, 255, 300, 7})
		assert.Equal(t, []byte{0, 0, 2, 255, 255, 7}, data)
	})
}

func TestBuiltin_Invalid(t *testing.T) {
	d := New()
	defer d.Release()
	l := vector(t, 3)
	other := vector(t, 4)

	tests := []struct {
		name string
		op   device.BuiltinOp
		msg  string
	}{
		{"eltwise arity", device.BuiltinOp{Kind: device.Eltwise, Inputs: []tensor.Layout{l}, Output: l}, "at least 2 inputs"},
		{"activation arity", device.BuiltinOp{Kind: device.Activation, Inputs: []tensor.Layout{l, l}, Output: l}, "takes 1 input(s)"},
		{"shape", device.BuiltinOp{Kind: device.Softmax, Inputs: []tensor.Layout{other}, Output: l}, "differs from output shape"},
		{"params", device.BuiltinOp{Kind: device.Activation, Activation: device.Linear, Params: []float32{1}, Inputs: []tensor.Layout{l}, Output: l}, "takes 2 parameter(s)"},
		{"coefficients", device.BuiltinOp{Kind: device.Eltwise, Eltwise: device.Prod, Params: []float32{1, 2}, Inputs: []tensor.Layout{l, l}, Output: l}, "coefficients"},
		{"clamp", device.BuiltinOp{Kind: device.Activation, Activation: device.Clamp, Params: []float32{2, 1}, Inputs: []tensor.Layout{l}, Output: l}, "greater than max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Builtin(tt.op)
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}
