package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kgraph/internal/tensor"
)

func TestParseModes(t *testing.T) {
	for m, name := range activationNames {
		got, err := ParseActivation(name)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	for m, name := range eltwiseNames {
		got, err := ParseEltwise(name)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseActivation("gelu")
	assert.ErrorContains(t, err, `unknown activation "gelu"`)
	_, err = ParseEltwise("pow")
	assert.ErrorContains(t, err, `unknown eltwise mode "pow"`)
}

func TestActivationMode_NumParams(t *testing.T) {
	assert.Equal(t, 0, Relu.NumParams())
	assert.Equal(t, 1, ReluNegativeSlope.NumParams())
	assert.Equal(t, 2, Linear.NumParams())
	assert.Equal(t, 2, Clamp.NumParams())
	assert.Equal(t, "unknown", ActivationMode(99).String())
}

func TestBuiltinOp_Key(t *testing.T) {
	square := tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 1, 3, 3))
	half := tensor.NewLayout(tensor.F16, tensor.BFYX, square.Shape)

	relu := BuiltinOp{Kind: Activation, Activation: Relu, Inputs: []tensor.Layout{square}, Output: square}
	slope := BuiltinOp{Kind: Activation, Activation: ReluNegativeSlope, Params: []float32{0.1}, Inputs: []tensor.Layout{square}, Output: square}
	halfRelu := BuiltinOp{Kind: Activation, Activation: Relu, Inputs: []tensor.Layout{half}, Output: half}
	sum := BuiltinOp{Kind: Eltwise, Eltwise: Sum, Inputs: []tensor.Layout{square, square}, Output: square}

	keys := map[string]bool{}
	for _, op := range []BuiltinOp{relu, slope, halfRelu, sum} {
		keys[op.Key()] = true
	}
	assert.Len(t, keys, 4)
	assert.Equal(t, relu.Key(), BuiltinOp{Kind: Activation, Inputs: []tensor.Layout{square}, Output: square}.Key())
}

func TestRegistry(t *testing.T) {
	fail := errors.New("no hardware")
	Register("test-missing", func() (Device, error) { return nil, fail })

	assert.Contains(t, Names(), "test-missing")
	_, err := Open("test-missing")
	assert.ErrorIs(t, err, fail)

	_, err = Open("nope")
	assert.ErrorContains(t, err, `unknown device "nope"`)

	assert.Panics(t, func() {
		Register("test-missing", func() (Device, error) { return nil, fail })
	})
}

func TestCompileError(t *testing.T) {
	err := &CompileError{EntryPoint: "add_kernel", Log: "<kernel>:3:5: error: use of undeclared identifier 'x'"}
	assert.Equal(t, "device: failed to compile \"add_kernel\":\n<kernel>:3:5: error: use of undeclared identifier 'x'", err.Error())
}

func TestWorkSize_Items(t *testing.T) {
	assert.Equal(t, 9, WorkSize{Global: []int{9}}.Items())
	assert.Equal(t, 24, WorkSize{Global: []int{2, 3, 4}, Local: []int{1, 1, 2}}.Items())
}
