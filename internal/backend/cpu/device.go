// Package cpu implements the reference compute device. Kernels are OpenCL C
// compiled by internal/clc and run on goroutines; device memory is host
// memory owned by the device.
package cpu

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/born-ml/kgraph/internal/clc"
	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/envconfig"
	"github.com/born-ml/kgraph/internal/logutil"
	"github.com/born-ml/kgraph/internal/parallel"
)

func init() {
	device.Register("cpu", func() (device.Device, error) {
		return New(WithWorkers(int(envconfig.Workers()))), nil
	})
}

// errReleased is returned for any use of a released device or allocation.
var errReleased = errors.New("cpu: use of released object")

// Option configures a Device.
type Option func(*Device)

// WithWorkers sets the number of goroutines a dispatch spreads its work items
// over. Zero keeps the default of one per CPU.
func WithWorkers(n int) Option {
	return func(d *Device) {
		d.cfg = d.cfg.WithWorkers(n)
	}
}

// WithMemoryLimit caps the bytes the device may have allocated at once.
// Zero means unlimited.
func WithMemoryLimit(bytes uint64) Option {
	return func(d *Device) {
		d.limit = bytes
	}
}

// Device is the CPU compute device. It is safe for concurrent use; work is
// serialized on a single in-order stream.
type Device struct {
	stream *stream
	cfg    parallel.Config
	limit  uint64

	mu        sync.Mutex
	allocated uint64

	released atomic.Bool
}

// New creates a CPU device.
func New(opts ...Option) *Device {
	d := &Device{
		stream: newStream(),
		cfg:    parallel.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Info describes the device.
func (d *Device) Info() device.Info {
	return device.Info{
		Name:     "cpu",
		Vendor:   "kgraph",
		Language: "opencl-c",
		Features: append(features(), fmt.Sprintf("workers=%d", d.cfg.NumWorkers)),
		MaxAlloc: d.limit,
	}
}

// Allocated returns the bytes currently allocated on the device.
func (d *Device) Allocated() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Allocate reserves size bytes of zeroed memory.
func (d *Device) Allocate(size uint64) (device.Memory, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	if size == 0 {
		return nil, fmt.Errorf("cpu: allocate: zero-sized allocation")
	}

	d.mu.Lock()
	if d.limit > 0 && d.allocated+size > d.limit {
		avail := d.limit - d.allocated
		d.mu.Unlock()
		return nil, fmt.Errorf("cpu: allocate %d bytes (%d available): %w", size, avail, device.ErrOutOfMemory)
	}
	d.allocated += size
	d.mu.Unlock()

	data, err := makeBytes(size)
	if err != nil {
		d.free(size)
		return nil, err
	}
	return &memory{dev: d, data: data}, nil
}

// makeBytes allocates size bytes, reporting lengths the runtime cannot
// represent as out of memory.
func makeBytes(size uint64) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cpu: allocate %d bytes: %v: %w", size, r, device.ErrOutOfMemory)
		}
	}()
	if size > math.MaxInt {
		return nil, fmt.Errorf("cpu: allocate %d bytes: %w", size, device.ErrOutOfMemory)
	}
	return make([]byte, size), nil
}

func (d *Device) free(size uint64) {
	d.mu.Lock()
	d.allocated -= size
	d.mu.Unlock()
}

func (d *Device) memory(m device.Memory) (*memory, error) {
	mem, ok := m.(*memory)
	if !ok || mem.dev != d {
		return nil, fmt.Errorf("cpu: memory %T does not belong to this device", m)
	}
	if mem.released.Load() {
		return nil, errReleased
	}
	return mem, nil
}

// Write copies data into mem. The copy to device memory is queued behind any
// pending dispatch.
func (d *Device) Write(m device.Memory, data []byte) error {
	if d.released.Load() {
		return errReleased
	}
	mem, err := d.memory(m)
	if err != nil {
		return err
	}
	if len(data) != len(mem.data) {
		return fmt.Errorf("cpu: write: %d bytes into a %d byte allocation", len(data), len(mem.data))
	}

	staged := append([]byte(nil), data...)
	return d.stream.submit(func() {
		copy(mem.data, staged)
	})
}

// Read waits for pending work and returns a copy of mem.
func (d *Device) Read(m device.Memory) ([]byte, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	mem, err := d.memory(m)
	if err != nil {
		return nil, err
	}
	d.stream.synchronize()
	return append([]byte(nil), mem.data...), nil
}

// Compile builds an OpenCL C kernel.
func (d *Device) Compile(sources []string, entryPoint, flags string) (device.Program, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	k, prog, err := clc.CompileKernel(sources, entryPoint, flags)
	if err != nil {
		var cerr *clc.Error
		if errors.As(err, &cerr) {
			return nil, &device.CompileError{EntryPoint: entryPoint, Log: cerr.Log()}
		}
		return nil, fmt.Errorf("cpu: compile %q: %w", entryPoint, err)
	}
	if log := prog.BuildLog(); log != "" {
		slog.Debug("kernel compiled with warnings", "entry", entryPoint, "log", log)
	} else {
		slog.Debug("kernel compiled", "entry", entryPoint, "params", len(k.Params))
	}
	return newKernelProgram(k, d.cfg), nil
}

// Builtin returns the CPU implementation of an engine primitive.
func (d *Device) Builtin(op device.BuiltinOp) (device.Program, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	return newBuiltinProgram(op, d.cfg)
}

// Dispatch runs p over ws and waits for it to retire, so a fault raised by
// the kernel is returned here.
func (d *Device) Dispatch(p device.Program, args []device.Memory, ws device.WorkSize) error {
	if d.released.Load() {
		return errReleased
	}
	prog, ok := p.(*program)
	if !ok {
		return fmt.Errorf("cpu: program %T was not built by this device", p)
	}
	if len(args) != len(prog.params) {
		return fmt.Errorf("cpu: dispatch %q: %d arguments for %d parameters", prog.entry, len(args), len(prog.params))
	}

	bufs := make([][]byte, len(args))
	for i, a := range args {
		mem, err := d.memory(a)
		if err != nil {
			return fmt.Errorf("cpu: dispatch %q: argument %d: %w", prog.entry, i, err)
		}
		bufs[i] = mem.data
	}

	logutil.Trace("dispatch", "entry", prog.entry, "global", ws.Global, "local", ws.Local)
	return d.stream.run(func() error {
		return prog.run(bufs, ws)
	})
}

// Finish blocks until all queued work has completed.
func (d *Device) Finish() error {
	if d.released.Load() {
		return errReleased
	}
	d.stream.synchronize()
	return nil
}

// Release drains the stream and stops the device. Calling it twice is a
// no-op.
func (d *Device) Release() {
	if d.released.CompareAndSwap(false, true) {
		d.stream.close()
	}
}

type memory struct {
	dev      *Device
	data     []byte
	released atomic.Bool
}

func (m *memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *memory) Release() {
	if m.released.CompareAndSwap(false, true) {
		m.dev.free(uint64(len(m.data)))
	}
}
