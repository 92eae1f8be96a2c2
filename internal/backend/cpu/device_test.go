package cpu

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kgraph/internal/clc"
	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/tensor"
)

const addKernel = `
__kernel void add_kernel(const __global float* input0, const __global float* input1, __global float* output)
{
    const unsigned idx = get_global_id(0);
    output[idx] = input0[idx] + input1[idx];
}
`

func vector(t *testing.T, n int) tensor.Layout {
	t.Helper()
	return tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 1, 1, n))
}

func upload(t *testing.T, d *Device, l tensor.Layout, values []float32) device.Memory {
	t.Helper()
	mem, err := d.Allocate(uint64(l.ByteSize()))
	require.NoError(t, err)
	data, err := tensor.Encode(l, values)
	require.NoError(t, err)
	require.NoError(t, d.Write(mem, data))
	return mem
}

func download(t *testing.T, d *Device, l tensor.Layout, mem device.Memory) []float32 {
	t.Helper()
	data, err := d.Read(mem)
	require.NoError(t, err)
	values, err := tensor.Decode[float32](l, data)
	require.NoError(t, err)
	return values
}

func TestDevice_AddKernel(t *testing.T) {
	d := New()
	defer d.Release()

	l := vector(t, 9)
	in := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	a := upload(t, d, l, in)
	b := upload(t, d, l, in)
	out, err := d.Allocate(uint64(l.ByteSize()))
	require.NoError(t, err)

	p, err := d.Compile([]string{addKernel}, "add_kernel", "")
	require.NoError(t, err)
	assert.Equal(t, "add_kernel", p.EntryPoint())

	params := p.Params()
	require.Len(t, params, 3)
	assert.Equal(t, device.ParamInfo{Name: "input0", Element: "float", Buffer: true, ReadOnly: true}, params[0])
	assert.False(t, params[2].ReadOnly)

	require.NoError(t, d.Dispatch(p, []device.Memory{a, b, out}, device.WorkSize{Global: []int{9}}))
	require.NoError(t, d.Finish())
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16, 18}, download(t, d, l, out))
}

func TestDevice_CompileError(t *testing.T) {
	d := New()
	defer d.Release()

	_, err := d.Compile([]string{"__kernel void k(__global float* a) { a[0] = }"}, "k", "")
	var cerr *device.CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "k", cerr.EntryPoint)
	assert.Contains(t, cerr.Log, "error:")

	_, err = d.Compile([]string{addKernel}, "add_kernel", "-fancy-flag")
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Log, "invalid build option")
}

func TestDevice_DispatchFault(t *testing.T) {
	d := New()
	defer d.Release()

	l := vector(t, 4)
	mem := upload(t, d, l, []float32{1, 2, 3, 4})
	p, err := d.Compile([]string{`__kernel void shift(__global float* a) { a[get_global_id(0) + 1] = 0.0f; }`}, "shift", "")
	require.NoError(t, err)

	err = d.Dispatch(p, []device.Memory{mem}, device.WorkSize{Global: []int{4}})
	var rerr *clc.RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.GlobalID[0])
	assert.Contains(t, rerr.Msg, "out-of-bounds")
}

func TestDevice_DispatchArguments(t *testing.T) {
	d := New()
	defer d.Release()

	p, err := d.Compile([]string{addKernel}, "add_kernel", "")
	require.NoError(t, err)
	mem, err := d.Allocate(36)
	require.NoError(t, err)

	err = d.Dispatch(p, []device.Memory{mem}, device.WorkSize{Global: []int{9}})
	assert.ErrorContains(t, err, "1 arguments for 3 parameters")

	other := New()
	defer other.Release()
	foreign, err := other.Allocate(36)
	require.NoError(t, err)
	err = d.Dispatch(p, []device.Memory{mem, mem, foreign}, device.WorkSize{Global: []int{9}})
	assert.ErrorContains(t, err, "does not belong to this device")

	mem.Release()
	err = d.Dispatch(p, []device.Memory{mem, mem, mem}, device.WorkSize{Global: []int{9}})
	assert.ErrorIs(t, err, errReleased)
}

func TestDevice_MemoryLimit(t *testing.T) {
	d := New(WithMemoryLimit(64))
	defer d.Release()

	first, err := d.Allocate(48)
	require.NoError(t, err)
	assert.Equal(t, uint64(48), d.Allocated())

	_, err = d.Allocate(32)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
	assert.ErrorContains(t, err, "16 available")

	first.Release()
	first.Release()
	assert.Equal(t, uint64(0), d.Allocated())

	_, err = d.Allocate(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), d.Info().MaxAlloc)
}

func TestDevice_AllocateUnrepresentable(t *testing.T) {
	d := New()
	defer d.Release()

	for _, size := range []uint64{math.MaxUint64, 1 << 62} {
		_, err := d.Allocate(size)
		assert.ErrorIs(t, err, device.ErrOutOfMemory, "size %d", size)
	}
	assert.Equal(t, uint64(0), d.Allocated())
}

func TestDevice_WriteRead(t *testing.T) {
	d := New()
	defer d.Release()

	mem, err := d.Allocate(4)
	require.NoError(t, err)

	err = d.Write(mem, []byte{1, 2, 3})
	assert.ErrorContains(t, err, "3 bytes into a 4 byte allocation")

	src := []byte{1, 2, 3, 4}
	require.NoError(t, d.Write(mem, src))
	src[0] = 9 // the device keeps its own copy
	got, err := d.Read(mem)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, err = d.Allocate(0)
	assert.Error(t, err)
}

func TestDevice_ConcurrentDispatch(t *testing.T) {
	d := New(WithWorkers(4))
	defer d.Release()

	p, err := d.Compile([]string{addKernel}, "add_kernel", "")
	require.NoError(t, err)

	l := vector(t, 256)
	in := make([]float32, 256)
	want := make([]float32, 256)
	for i := range in {
		in[i] = float32(i)
		want[i] = float32(2 * i)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	outs := make([]device.Memory, 8)
	for g := range outs {
		a := upload(t, d, l, in)
		out, err := d.Allocate(uint64(l.ByteSize()))
		require.NoError(t, err)
		outs[g] = out

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[g] = d.Dispatch(p, []device.Memory{a, a, out}, device.WorkSize{Global: []int{256}})
		}()
	}
	wg.Wait()

	for g, out := range outs {
		require.NoError(t, errs[g])
		assert.Equal(t, want, download(t, d, l, out))
	}
}

func TestDevice_Release(t *testing.T) {
	d := New()
	mem, err := d.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, d.Write(mem, make([]byte, 16)))

	d.Release()
	d.Release()

	_, err = d.Allocate(16)
	assert.True(t, errors.Is(err, errReleased))
	assert.ErrorIs(t, d.Finish(), errReleased)
}

func TestDevice_Registered(t *testing.T) {
	assert.Contains(t, device.Names(), "cpu")

	d, err := device.Open("cpu")
	require.NoError(t, err)
	defer d.Release()

	info := d.Info()
	assert.Equal(t, "cpu", info.Name)
	assert.Equal(t, "opencl-c", info.Language)
	assert.NotEmpty(t, info.Features)
}
