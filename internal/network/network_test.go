package network

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/kgraph/internal/backend/cpu"
	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/tensor"
	"github.com/born-ml/kgraph/internal/topology"
)

const addKernel = `
__kernel void add_kernel(const __global float* input0, const __global float* input1, __global float* output)
{
    const unsigned idx = get_global_id(0);
    output[idx] = input0[idx] + input1[idx];
}
`

const scaleKernel = `
#ifndef SCALE
#define SCALE 1.0f
#endif
__kernel void scale(const __global float* in, __global float* out)
{
    size_t i = get_global_id(0);
    out[i] = in[i] * SCALE;
}
`

const shiftKernel = `
__kernel void shift(const __global float* in, __global float* out)
{
    int i = get_global_id(0);
    out[i] = in[i] - 10.0f;
}
`

var (
	square      = tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 1, 3, 3))
	oneToNine   = []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	addBindings = []topology.Binding{topology.InputArg(0), topology.InputArg(1), topology.OutputArg(0)}
	unary       = []topology.Binding{topology.InputArg(0), topology.OutputArg(0)}
)

// countingDevice wraps the CPU device and counts the work sent to it.
type countingDevice struct {
	device.Device
	dispatches atomic.Int32
	compiles   atomic.Int32
}

func (d *countingDevice) Compile(sources []string, entryPoint, flags string) (device.Program, error) {
	d.compiles.Add(1)
	return d.Device.Compile(sources, entryPoint, flags)
}

func (d *countingDevice) Dispatch(p device.Program, args []device.Memory, ws device.WorkSize) error {
	d.dispatches.Add(1)
	return d.Device.Dispatch(p, args, ws)
}

func newEngine(t *testing.T) (*engine.Engine, *countingDevice) {
	t.Helper()
	t.Setenv("KGRAPH_MAX_MEMORY", "")
	dev := &countingDevice{Device: cpu.New()}
	e := engine.New(dev, engine.WithDeviceOwnership())
	t.Cleanup(e.Release)
	return e, dev
}

func upload(t *testing.T, e *engine.Engine, l tensor.Layout, values []float32) *engine.Buffer {
	t.Helper()
	buf, err := e.Allocate(l)
	require.NoError(t, err)
	require.NoError(t, buf.UploadFloat32(values))
	return buf
}

func read(t *testing.T, outs *Outputs, name string) []float32 {
	t.Helper()
	buf, ok := outs.Get(name)
	require.True(t, ok, "missing output %q", name)
	values, err := buf.ReadFloat32()
	require.NoError(t, err)
	return values
}

func tutorialTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo := topology.New()
	require.NoError(t, topo.AddInput("input", square))
	require.NoError(t, topo.AddInput("input2", square))
	require.NoError(t, topo.AddCustom("add", []string{"input", "input2"}, []string{addKernel}, "add_kernel", addBindings, "", square))
	return topo
}

func TestExecute_AddKernel(t *testing.T) {
	e, dev := newEngine(t)
	net, err := Compile(t.Context(), e, tutorialTopology(t))
	require.NoError(t, err)
	defer net.Release()

	assert.Equal(t, []string{"input", "input2"}, net.InputNames())
	assert.Equal(t, []string{"add"}, net.OutputNames())

	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))

	outs, err := net.Execute(t.Context())
	require.NoError(t, err)
	defer outs.Release()

	assert.Equal(t, 1, outs.Len())
	assert.Equal(t, []string{"add"}, outs.Names())
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16, 18}, read(t, outs, "add"))
	assert.Equal(t, int32(1), dev.dispatches.Load())
}

func TestExecute_MissingInput(t *testing.T) {
	e, dev := newEngine(t)
	net, err := Compile(t.Context(), e, tutorialTopology(t))
	require.NoError(t, err)

	_, err = net.Execute(t.Context())
	var merr *MissingInputError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"input", "input2"}, merr.Names)

	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))
	before := e.Stats().Buffers
	_, err = net.Execute(t.Context())
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"input"}, merr.Names)

	assert.Equal(t, int32(0), dev.dispatches.Load())
	assert.Equal(t, before, e.Stats().Buffers)
}

func TestCompile_UnknownInput(t *testing.T) {
	e, dev := newEngine(t)
	topo := topology.New()
	require.NoError(t, topo.AddInput("input", square))
	require.NoError(t, topo.Add(topology.Node{
		Name:   "add",
		Kind:   topology.Custom,
		Inputs: []string{"input", "ghost"},
		Output: square,
		Custom: &topology.CustomKernel{Sources: []string{addKernel}, EntryPoint: "add_kernel", Bindings: addBindings},
	}))

	net, err := Compile(t.Context(), e, topo)
	var uerr *topology.UnknownInputError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, topology.UnknownInputError{Node: "add", Input: "ghost"}, *uerr)
	assert.Nil(t, net)
	assert.Equal(t, int32(0), dev.compiles.Load())
}

func TestCompile_Cycle(t *testing.T) {
	e, _ := newEngine(t)
	topo := topology.New()
	require.NoError(t, topo.AddInput("input", square))
	custom := func(name string, inputs ...string) topology.Node {
		return topology.Node{
			Name: name, Kind: topology.Custom, Inputs: inputs, Output: square,
			Custom: &topology.CustomKernel{Sources: []string{addKernel}, EntryPoint: "add_kernel", Bindings: addBindings},
		}
	}
	require.NoError(t, topo.Add(custom("a", "input", "b")))
	require.NoError(t, topo.Add(custom("b", "input", "a")))
	require.NoError(t, topo.Add(topology.Node{
		Name: "tail", Kind: topology.Builtin, Inputs: []string{"b"}, Output: square,
		Op: topology.Op{Kind: device.Activation, Activation: device.Relu},
	}))

	_, err := Compile(t.Context(), e, topo)
	var cerr *CyclicGraphError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"a", "b", "tail"}, cerr.Nodes)

	self := topology.New()
	require.NoError(t, self.Add(custom("loop", "loop", "loop")))
	_, err = Compile(t.Context(), e, self)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"loop"}, cerr.Nodes)
}

func TestCompile_KernelError(t *testing.T) {
	e, _ := newEngine(t)
	topo := topology.New()
	require.NoError(t, topo.AddInput("input", square))
	broken := "__kernel void broken(__global float* in, __global float* out) {\n    out[0] = in[0] +;\n}"
	require.NoError(t, topo.AddCustom("broken", []string{"input"}, []string{broken}, "broken", unary, "", square))

	net, err := Compile(t.Context(), e, topo)
	var kerr *KernelCompileError
	require.ErrorAs(t, err, &kerr)
	assert.Nil(t, net)
	assert.Equal(t, "broken", kerr.Node)
	assert.Equal(t, "broken", kerr.EntryPoint)
	assert.NotEmpty(t, kerr.Log)
	assert.Contains(t, kerr.Log, "<kernel>:2:")

	flags := topology.New()
	require.NoError(t, flags.AddInput("input", square))
	require.NoError(t, flags.AddCustom("scale", []string{"input"}, []string{scaleKernel}, "scale", unary, "-fno-such-flag", square))
	_, err = Compile(t.Context(), e, flags)
	require.ErrorAs(t, err, &kerr)
	assert.Contains(t, kerr.Log, "invalid build option")

	missing := topology.New()
	require.NoError(t, missing.AddInput("input", square))
	require.NoError(t, missing.AddCustom("scale", []string{"input"}, []string{scaleKernel}, "scale_kernel", unary, "", square))
	_, err = Compile(t.Context(), e, missing)
	require.ErrorAs(t, err, &kerr)
	assert.Contains(t, kerr.Log, "kernel 'scale_kernel' not found")
}

func TestCompile_FirstErrorInTopologicalOrder(t *testing.T) {
	e, _ := newEngine(t)
	topo := topology.New()
	require.NoError(t, topo.AddInput("input", square))
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, topo.AddCustom(name, []string{"input"}, []string{"__kernel void k( {"}, "k", unary, "-DNODE="+name, square))
	}

	_, err := Compile(t.Context(), e, topo, WithCompileWorkers(3))
	var kerr *KernelCompileError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "first", kerr.Node)
}

func TestCompile_Validation(t *testing.T) {
	e, _ := newEngine(t)
	ints := tensor.NewLayout(tensor.I32, tensor.BFYX, tensor.NewShape(1, 1, 3, 3))

	tests := []struct {
		name  string
		build func(topo *topology.Topology) error
		check func(t *testing.T, err error)
	}{
		{
			name: "work size exceeds buffers",
			build: func(topo *topology.Topology) error {
				return topo.AddCustom("add", []string{"input", "input2"}, []string{addKernel}, "add_kernel", addBindings, "", square,
					topology.WithWorkSize([]int{16}, nil))
			},
			check: func(t *testing.T, err error) {
				var lerr *LayoutMismatchError
				require.ErrorAs(t, err, &lerr)
				assert.Contains(t, lerr.Reason, "holds 9 element(s), global work size covers 16")
			},
		},
		{
			name: "element type",
			build: func(topo *topology.Topology) error {
				if err := topo.AddInput("ints", ints); err != nil {
					return err
				}
				return topo.AddCustom("add", []string{"input", "ints"}, []string{addKernel}, "add_kernel", addBindings, "", square)
			},
			check: func(t *testing.T, err error) {
				var lerr *LayoutMismatchError
				require.ErrorAs(t, err, &lerr)
				assert.Contains(t, lerr.Reason, "parameter 1 (input1) has element type float, input 1 (ints) is i32")
			},
		},
		{
			name: "parameter count",
			build: func(topo *topology.Topology) error {
				return topo.AddCustom("scale", []string{"input", "input2"}, []string{scaleKernel}, "scale", addBindings, "", square)
			},
			check: func(t *testing.T, err error) {
				var berr *topology.InvalidBindingError
				require.ErrorAs(t, err, &berr)
				assert.Contains(t, berr.Reason, "declares 2 parameter(s), 3 binding(s) given")
			},
		},
		{
			name: "read-only output",
			build: func(topo *topology.Topology) error {
				bindings := []topology.Binding{topology.OutputArg(0), topology.InputArg(0), topology.InputArg(1)}
				return topo.AddCustom("add", []string{"input", "input2"}, []string{addKernel}, "add_kernel", bindings, "", square)
			},
			check: func(t *testing.T, err error) {
				var berr *topology.InvalidBindingError
				require.ErrorAs(t, err, &berr)
				assert.Contains(t, berr.Reason, "read-only")
			},
		},
		{
			name: "scalar parameter",
			build: func(topo *topology.Topology) error {
				src := "__kernel void k(__global const float* in, float s, __global float* out) { out[get_global_id(0)] = in[get_global_id(0)] * s; }"
				return topo.AddCustom("k", []string{"input", "input2"}, []string{src}, "k", addBindings, "", square)
			},
			check: func(t *testing.T, err error) {
				var berr *topology.InvalidBindingError
				require.ErrorAs(t, err, &berr)
				assert.Contains(t, berr.Reason, "parameter 1 (s) is not a buffer")
			},
		},
		{
			name: "builtin shape",
			build: func(topo *topology.Topology) error {
				wide := tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 1, 1, 9))
				return topo.AddBuiltin("relu", []string{"input"}, topology.Op{Kind: device.Activation}, wide)
			},
			check: func(t *testing.T, err error) {
				var lerr *LayoutMismatchError
				require.ErrorAs(t, err, &lerr)
				assert.Equal(t, square, lerr.Got)
			},
		},
		{
			name: "builtin type",
			build: func(topo *topology.Topology) error {
				return topo.AddBuiltin("relu", []string{"input"}, topology.Op{Kind: device.Activation}, ints)
			},
			check: func(t *testing.T, err error) {
				var lerr *LayoutMismatchError
				require.ErrorAs(t, err, &lerr)
				assert.Contains(t, lerr.Reason, "floating point output")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := topology.New()
			require.NoError(t, topo.AddInput("input", square))
			require.NoError(t, topo.AddInput("input2", square))
			require.NoError(t, tt.build(topo))

			net, err := Compile(t.Context(), e, topo)
			assert.Nil(t, net)
			tt.check(t, err)
		})
	}
}

func TestCompile_Deterministic(t *testing.T) {
	e, dev := newEngine(t)
	topo := tutorialTopology(t)

	run := func() []float32 {
		net, err := Compile(t.Context(), e, topo)
		require.NoError(t, err)
		defer net.Release()
		require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
		require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))
		outs, err := net.Execute(t.Context())
		require.NoError(t, err)
		return read(t, outs, "add")
	}

	assert.Equal(t, run(), run())
	assert.Equal(t, int32(1), dev.compiles.Load())
	assert.Equal(t, 3, topo.Len())
}

func TestCompile_Flags(t *testing.T) {
	e, _ := newEngine(t)

	run := func(flags string) []float32 {
		topo := topology.New()
		require.NoError(t, topo.AddInput("input", square))
		require.NoError(t, topo.AddCustom("scale", []string{"input"}, []string{scaleKernel}, "scale", unary, flags, square))
		net, err := Compile(t.Context(), e, topo)
		require.NoError(t, err)
		require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
		outs, err := net.Execute(t.Context())
		require.NoError(t, err)
		return read(t, outs, "scale")
	}

	assert.Equal(t, oneToNine, run(""))
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16, 18}, run("-DSCALE=2.0f"))
	assert.Equal(t, []float32{3, 6, 9, 12, 15, 18, 21, 24, 27}, run("-D SCALE=3.0f -cl-mad-enable"))
}

func TestExecute_Pipeline(t *testing.T) {
	e, dev := newEngine(t)
	topo := tutorialTopology(t)
	bias := upload(t, e, square, oneToNine)
	require.NoError(t, topo.AddData("bias", bias))
	require.NoError(t, topo.AddCustom("shift", []string{"add"}, []string{shiftKernel}, "shift", unary, "", square))
	require.NoError(t, topo.AddBuiltin("relu", []string{"shift"}, topology.Op{Kind: device.Activation, Activation: device.Relu}, square))
	require.NoError(t, topo.AddBuiltin("sum", []string{"relu", "bias"}, topology.Op{Kind: device.Eltwise, Eltwise: device.Sum}, square))

	net, err := Compile(t.Context(), e, topo, WithName("pipeline"))
	require.NoError(t, err)
	defer net.Release()
	assert.Equal(t, "pipeline", net.Name())
	assert.Equal(t, []string{"sum"}, net.OutputNames())

	plan := net.Plan()
	require.Len(t, plan, 4)
	assert.Equal(t, Step{Node: "add", Kind: topology.Custom, EntryPoint: "add_kernel", Args: []string{"input", "input2", "add"}, WorkSize: device.WorkSize{Global: []int{9}}}, plan[0])
	assert.Equal(t, "shift", plan[1].Node)
	assert.Equal(t, "activation", plan[2].EntryPoint)
	assert.Equal(t, []string{"relu", "bias", "sum"}, plan[3].Args)

	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))
	outs, err := net.Execute(t.Context())
	require.NoError(t, err)

	// add: 2..18, shift: -8..8, relu: 0,0,0,0,0,2,4,6,8, plus bias 1..9.
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 8, 11, 14, 17}, read(t, outs, "sum"))
	assert.Equal(t, int32(4), dev.dispatches.Load())

	got, err := engine.Read[float32](bias)
	require.NoError(t, err)
	assert.Equal(t, oneToNine, got)
}

func TestExecute_Rebind(t *testing.T) {
	e, _ := newEngine(t)
	net, err := Compile(t.Context(), e, tutorialTopology(t))
	require.NoError(t, err)

	ones := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}
	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))
	first, err := net.Execute(t.Context())
	require.NoError(t, err)

	require.NoError(t, net.SetInputData("input2", upload(t, e, square, ones)))
	second, err := net.Execute(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16, 18}, read(t, first, "add"))
	assert.Equal(t, []float32{2, 3, 4, 5, 6, 7, 8, 9, 10}, read(t, second, "add"))
}

func TestSetInputData_Errors(t *testing.T) {
	e, _ := newEngine(t)
	net, err := Compile(t.Context(), e, tutorialTopology(t))
	require.NoError(t, err)
	buf := upload(t, e, square, oneToNine)

	var uerr *topology.UnknownInputError
	require.ErrorAs(t, net.SetInputData("nope", buf), &uerr)
	assert.Equal(t, "nope", uerr.Input)
	assert.ErrorAs(t, net.SetInputData("add", buf), &uerr)

	half := tensor.NewLayout(tensor.F16, tensor.BFYX, square.Shape)
	hbuf, err := e.Allocate(half)
	require.NoError(t, err)
	var lerr *LayoutMismatchError
	require.ErrorAs(t, net.SetInputData("input", hbuf), &lerr)
	assert.Equal(t, LayoutMismatchError{Node: "input", Want: square, Got: half}, *lerr)

	other, _ := newEngine(t)
	foreign := upload(t, other, square, oneToNine)
	assert.ErrorContains(t, net.SetInputData("input", foreign), "another engine")
	assert.Error(t, net.SetInputData("input", nil))
}

func TestExecute_ReleasedInput(t *testing.T) {
	e, dev := newEngine(t)
	net, err := Compile(t.Context(), e, tutorialTopology(t))
	require.NoError(t, err)

	a := upload(t, e, square, oneToNine)
	require.NoError(t, net.SetInputData("input", a))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))
	a.Release()

	_, err = net.Execute(t.Context())
	assert.ErrorIs(t, err, engine.ErrReleased)
	assert.Equal(t, int32(0), dev.dispatches.Load())
}

func TestExecute_DispatchFault(t *testing.T) {
	e, _ := newEngine(t)
	topo := topology.New()
	require.NoError(t, topo.AddInput("input", square))
	src := "__kernel void overrun(const __global float* in, __global float* out) { out[get_global_id(0) * 2] = in[0]; }"
	require.NoError(t, topo.AddCustom("overrun", []string{"input"}, []string{src}, "overrun", unary, "", square))

	net, err := Compile(t.Context(), e, topo)
	require.NoError(t, err)
	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))

	before := e.Stats().Buffers
	_, err = net.Execute(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "overrun"`)
	assert.Contains(t, err.Error(), "out-of-bounds")
	assert.Equal(t, before, e.Stats().Buffers)
}

func TestExecute_Canceled(t *testing.T) {
	e, dev := newEngine(t)
	net, err := Compile(t.Context(), e, tutorialTopology(t))
	require.NoError(t, err)
	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = net.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), dev.dispatches.Load())
}

func TestWithOutputs(t *testing.T) {
	e, dev := newEngine(t)
	topo := tutorialTopology(t)
	require.NoError(t, topo.AddInput("unused", square))
	require.NoError(t, topo.AddCustom("scaled", []string{"unused"}, []string{scaleKernel}, "scale", unary, "", square))
	require.NoError(t, topo.AddBuiltin("relu", []string{"add"}, topology.Op{Kind: device.Activation}, square))

	net, err := Compile(t.Context(), e, topo, WithOutputs("add", "relu", "add"))
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "relu"}, net.OutputNames())
	assert.Len(t, net.Plan(), 2)

	// "unused" feeds nothing the outputs need, so it may stay unbound.
	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))
	outs, err := net.Execute(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "relu"}, outs.Names())
	assert.Equal(t, read(t, outs, "add"), read(t, outs, "relu"))
	assert.Equal(t, int32(2), dev.dispatches.Load())

	_, err = Compile(t.Context(), e, topo, WithOutputs("missing"))
	assert.ErrorContains(t, err, `unknown output node "missing"`)
	_, err = Compile(t.Context(), e, topo, WithOutputs("input"))
	assert.ErrorContains(t, err, "is a input node")

	empty := topology.New()
	require.NoError(t, empty.AddInput("input", square))
	_, err = Compile(t.Context(), e, empty)
	assert.ErrorContains(t, err, "no compute nodes")
}

func TestExecute_ConcurrentNetworks(t *testing.T) {
	e, _ := newEngine(t)
	topo := tutorialTopology(t)

	var wg sync.WaitGroup
	results := make([][]float32, 4)
	for g := range results {
		net, err := Compile(t.Context(), e, topo)
		require.NoError(t, err)
		values := make([]float32, 9)
		for i := range values {
			values[i] = float32(g)
		}
		require.NoError(t, net.SetInputData("input", upload(t, e, square, values)))
		require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))

		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				outs, err := net.Execute(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				buf, _ := outs.Get("add")
				results[g], err = buf.ReadFloat32()
				assert.NoError(t, err)
				outs.Release()
			}
		}()
	}
	wg.Wait()

	for g, got := range results {
		for i, v := range got {
			assert.Equal(t, float32(g)+oneToNine[i], v)
		}
	}
}

// overlapDevice records the largest number of dispatches in flight at once.
type overlapDevice struct {
	device.Device
	inflight atomic.Int32
	peak     atomic.Int32
}

func (d *overlapDevice) Dispatch(p device.Program, args []device.Memory, ws device.WorkSize) error {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		peak := d.peak.Load()
		if n <= peak || d.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return d.Device.Dispatch(p, args, ws)
}

func TestExecute_ConcurrentSameNetwork(t *testing.T) {
	t.Setenv("KGRAPH_MAX_MEMORY", "")
	dev := &overlapDevice{Device: cpu.New()}
	e := engine.New(dev, engine.WithDeviceOwnership())
	t.Cleanup(e.Release)

	// add is an intermediate node, so every execution shares its scratch buffer.
	topo := tutorialTopology(t)
	require.NoError(t, topo.AddCustom("shift", []string{"add"}, []string{shiftKernel}, "shift", unary, "", square))
	net, err := Compile(t.Context(), e, topo)
	require.NoError(t, err)
	defer net.Release()
	require.Equal(t, []string{"shift"}, net.OutputNames())

	require.NoError(t, net.SetInputData("input", upload(t, e, square, oneToNine)))
	require.NoError(t, net.SetInputData("input2", upload(t, e, square, oneToNine)))

	want := []float32{-8, -6, -4, -2, 0, 2, 4, 6, 8}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				outs, err := net.Execute(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				buf, _ := outs.Get("shift")
				got, err := buf.ReadFloat32()
				assert.NoError(t, err)
				assert.Equal(t, want, got)
				outs.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dev.peak.Load(), "executions of one network must not interleave")
}

func TestRelease(t *testing.T) {
	e, _ := newEngine(t)
	topo := tutorialTopology(t)
	require.NoError(t, topo.AddBuiltin("relu", []string{"add"}, topology.Op{Kind: device.Activation}, square))

	before := e.Stats().Buffers
	net, err := Compile(t.Context(), e, topo)
	require.NoError(t, err)
	assert.Equal(t, before+1, e.Stats().Buffers, "scratch buffer for add")
	assert.NotEqual(t, net.ID().String(), "")

	net.Release()
	net.Release()
	assert.Equal(t, before, e.Stats().Buffers)

	_, err = net.Execute(t.Context())
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, net.SetInputData("input", nil), ErrReleased)
}

func TestCompile_ScratchAllocationFails(t *testing.T) {
	t.Setenv("KGRAPH_MAX_MEMORY", "")
	e := engine.New(cpu.New(), engine.WithDeviceOwnership(), engine.WithMemoryLimit(uint64(square.ByteSize())-1))
	defer e.Release()

	topo := tutorialTopology(t)
	require.NoError(t, topo.AddBuiltin("relu", []string{"add"}, topology.Op{Kind: device.Activation}, square))

	_, err := Compile(t.Context(), e, topo)
	var aerr *engine.AllocationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 0, e.Stats().Buffers)
}
