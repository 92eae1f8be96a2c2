//go:build windows

package webgpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/tensor"
)

func newDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available")
	}
	d, err := New(opts...)
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(d.Release)
	return d
}

func upload(t *testing.T, d *Device, values []float32) device.Memory {
	t.Helper()
	m, err := d.Allocate(uint64(4 * len(values)))
	require.NoError(t, err)
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	require.NoError(t, d.Write(m, data))
	return m
}

func download(t *testing.T, d *Device, m device.Memory) []float32 {
	t.Helper()
	data, err := d.Read(m)
	require.NoError(t, err)
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}

func TestDevice_AddShader(t *testing.T) {
	d := newDevice(t)
	assert.Equal(t, "wgsl", d.Info().Language)

	p, err := d.Compile([]string{addShader}, "add_kernel", "-DSCALE=1.0")
	require.NoError(t, err)
	defer p.Release()

	values := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	a, b := upload(t, d, values), upload(t, d, values)
	out, err := d.Allocate(36)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(p, []device.Memory{a, b, out}, device.WorkSize{Global: []int{9}}))
	require.NoError(t, d.Finish())
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16, 18}, download(t, d, out))
}

func TestDevice_Builtin(t *testing.T) {
	d := newDevice(t)
	l := tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 2, 1, 2))

	p, err := d.Builtin(device.BuiltinOp{Kind: device.Softmax, Inputs: []tensor.Layout{l}, Output: l})
	require.NoError(t, err)
	in := upload(t, d, []float32{0, 1, 0, 1})
	out, err := d.Allocate(16)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(p, []device.Memory{in, out}, device.WorkSize{Global: []int{4}}))
	got := download(t, d, out)
	for _, v := range got {
		assert.InDelta(t, 0.5, v, 1e-6)
	}
}

func TestDevice_Allocate(t *testing.T) {
	d := newDevice(t, WithMemoryLimit(64))

	m, err := d.Allocate(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), m.Size())
	data, err := d.Read(m)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), data)

	_, err = d.Allocate(100)
	assert.ErrorIs(t, err, device.ErrOutOfMemory)

	assert.ErrorContains(t, d.Write(m, []byte{1}), "1 bytes into a 6 byte allocation")
	m.Release()
	m.Release()
	assert.Equal(t, int64(0), d.MemoryStats().ActiveBuffers)

	// Reused buffers come back zeroed.
	m2, err := d.Allocate(6)
	require.NoError(t, err)
	data, err = d.Read(m2)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), data)
	assert.Equal(t, uint64(1), d.MemoryStats().PoolHits)
}

func TestDevice_FinishDropsStaging(t *testing.T) {
	d := newDevice(t)

	inputs := make([]device.Memory, 3)
	for i := range inputs {
		inputs[i] = upload(t, d, []float32{1, 2, 3, 4})
		defer inputs[i].Release()
	}
	// Allocate zero-fills through a staged write as well.
	assert.Equal(t, 6, d.MemoryStats().StagingBuffers)

	require.NoError(t, d.Finish())
	assert.Equal(t, 0, d.MemoryStats().StagingBuffers)
	assert.Equal(t, []float32{1, 2, 3, 4}, download(t, d, inputs[0]))
}

func TestDevice_CompileError(t *testing.T) {
	d := newDevice(t)
	_, err := d.Compile([]string{addShader}, "missing", "")
	var cerr *device.CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Log, "entry point 'missing' not found")
}
