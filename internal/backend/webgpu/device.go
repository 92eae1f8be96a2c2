//go:build windows

package webgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/logutil"
)

func init() {
	device.Register("webgpu", func() (device.Device, error) {
		return New()
	})
}

var errReleased = errors.New("webgpu: use of released object")

// storageUsage is the usage of every device allocation.
const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// Option configures a Device.
type Option func(*Device)

// WithMemoryLimit caps the bytes the device may have allocated at once.
func WithMemoryLimit(bytes uint64) Option {
	return func(d *Device) {
		d.limit = bytes
	}
}

// Device runs WGSL compute shaders on the default adapter. Commands are
// batched and submitted when data is read back or Finish is called.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     wgpu.AdapterInfo
	pool     *BufferPool
	fence    *wgpu.Buffer
	limit    uint64

	// mu serializes all use of the wgpu objects.
	mu      sync.Mutex
	pending []*wgpu.CommandBuffer
	// staging holds upload buffers until the queue has drained past their
	// copies.
	staging []*wgpu.Buffer

	memoryStats struct {
		allocatedBytes uint64
		peakBytes      uint64
		activeBuffers  int64
		mu             sync.Mutex
	}

	released atomic.Bool
}

// New opens the default adapter. It fails when WebGPU or the native library
// is unavailable.
func New(opts ...Option) (dev *Device, err error) {
	// wgpu panics when the native library cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	gpu, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := gpu.GetQueue()
	if queue == nil {
		gpu.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}

	d := &Device{
		instance: instance,
		adapter:  adapter,
		device:   gpu,
		queue:    queue,
		info:     adapter.GetInfo(),
		pool:     NewBufferPool(gpu),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.fence = gpu.CreateBuffer(&wgpu.BufferDescriptor{Usage: storageUsage, Size: 4})

	slog.Debug("webgpu device opened", "device", d.info.Device, "vendor", d.info.Vendor)
	return d, nil
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Info implements device.Device.
func (d *Device) Info() device.Info {
	name := "webgpu"
	if d.info.Device != "" {
		name = fmt.Sprintf("webgpu (%s)", d.info.Device)
	}
	return device.Info{
		Name:     name,
		Vendor:   d.info.Vendor,
		Language: "wgsl",
		Features: []string{fmt.Sprintf("backend=%v", d.info.BackendType), fmt.Sprintf("adapter=%v", d.info.AdapterType)},
		MaxAlloc: d.limit,
	}
}

// MemoryStats reports live device memory and buffer pool reuse.
type MemoryStats struct {
	AllocatedBytes uint64
	PeakBytes      uint64
	ActiveBuffers  int64
	PoolAllocated  uint64
	PoolReleased   uint64
	PoolHits       uint64
	PoolMisses     uint64
	PooledBuffers  int
	StagingBuffers int
}

// MemoryStats returns current memory usage.
func (d *Device) MemoryStats() MemoryStats {
	d.memoryStats.mu.Lock()
	stats := MemoryStats{
		AllocatedBytes: d.memoryStats.allocatedBytes,
		PeakBytes:      d.memoryStats.peakBytes,
		ActiveBuffers:  d.memoryStats.activeBuffers,
	}
	d.memoryStats.mu.Unlock()

	d.mu.Lock()
	stats.PoolAllocated, stats.PoolReleased, stats.PoolHits, stats.PoolMisses, stats.PooledBuffers = d.pool.Stats()
	stats.StagingBuffers = len(d.staging)
	d.mu.Unlock()
	return stats
}

// alignedSize rounds n up to the 4 byte granularity of buffer copies.
func alignedSize(n uint64) uint64 {
	return (n + 3) &^ 3
}

// Allocate implements device.Device.
func (d *Device) Allocate(size uint64) (device.Memory, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	if size == 0 {
		return nil, errors.New("webgpu: allocate: zero size")
	}
	alloc := alignedSize(size)

	d.memoryStats.mu.Lock()
	if d.limit > 0 && d.memoryStats.allocatedBytes+alloc > d.limit {
		avail := d.limit - d.memoryStats.allocatedBytes
		d.memoryStats.mu.Unlock()
		return nil, fmt.Errorf("webgpu: allocate %d bytes (%d available): %w", size, avail, device.ErrOutOfMemory)
	}
	d.memoryStats.allocatedBytes += alloc
	d.memoryStats.peakBytes = max(d.memoryStats.peakBytes, d.memoryStats.allocatedBytes)
	d.memoryStats.activeBuffers++
	d.memoryStats.mu.Unlock()

	d.mu.Lock()
	buf := d.pool.Acquire(alloc, storageUsage)
	d.mu.Unlock()

	m := &memory{dev: d, buf: buf, size: size, alloc: alloc}
	// Pooled buffers may hold data from a previous owner.
	if err := d.Write(m, make([]byte, size)); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

func (d *Device) memory(m device.Memory) (*memory, error) {
	mem, ok := m.(*memory)
	if !ok || mem.dev != d {
		return nil, errors.New("webgpu: memory does not belong to this device")
	}
	if mem.released.Load() {
		return nil, errReleased
	}
	return mem, nil
}

// Write implements device.Device. The copy is queued with the pending
// commands.
func (d *Device) Write(m device.Memory, data []byte) error {
	mem, err := d.memory(m)
	if err != nil {
		return err
	}
	if uint64(len(data)) != mem.size {
		return fmt.Errorf("webgpu: write: %d bytes into a %d byte allocation", len(data), mem.size)
	}
	padded := make([]byte, mem.alloc)
	copy(padded, data)

	d.mu.Lock()
	defer d.mu.Unlock()
	staging := d.createBuffer(padded, wgpu.BufferUsageCopySrc)
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, mem.buf, 0, mem.alloc)
	d.pending = append(d.pending, encoder.Finish(nil))
	d.staging = append(d.staging, staging)
	return nil
}

// Read implements device.Device.
func (d *Device) Read(m device.Memory) ([]byte, error) {
	mem, err := d.memory(m)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	data, err := d.readBuffer(mem.buf, mem.alloc)
	if err != nil {
		return nil, fmt.Errorf("webgpu: read: %w", err)
	}
	d.dropStagingLocked()
	return data[:mem.size], nil
}

// createBuffer creates a buffer holding data. d.mu must be held.
func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := buffer.GetMappedRange(0, size)
	//nolint:gosec // mapped range of size bytes
	copy(unsafe.Slice((*byte)(mapped), size), data)
	buffer.Unmap()
	return buffer
}

// readBuffer copies src back to the host through a staging buffer. Mapping
// waits for all submitted work. d.mu must be held.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("failed to map staging buffer: %w", err)
	}
	mapped := staging.GetMappedRange(0, size)
	result := make([]byte, size)
	//nolint:gosec // mapped range of size bytes
	copy(result, unsafe.Slice((*byte)(mapped), size))
	staging.Unmap()
	return result, nil
}

// dropStagingLocked frees every upload buffer. Callers have waited for the
// queue to drain, so their copies are complete. d.mu must be held.
func (d *Device) dropStagingLocked() {
	for _, s := range d.staging {
		s.Release()
	}
	d.staging = d.staging[:0]
}

// flushLocked submits the pending command buffers in one batch.
func (d *Device) flushLocked() {
	if len(d.pending) == 0 {
		return
	}
	d.queue.Submit(d.pending...)
	d.pending = d.pending[:0]
}

// Compile implements device.Device. Sources are WGSL; -D NAME=VALUE flags
// become module-scope constants.
func (d *Device) Compile(sources []string, entryPoint, flags string) (device.Program, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	sh, err := parseShader(sources, entryPoint, flags)
	if err != nil {
		return nil, err
	}
	p, err := d.pipeline(sh, 0)
	if err != nil {
		return nil, err
	}
	slog.Debug("compiled shader", "entry", entryPoint, "params", len(sh.params), "workgroup", sh.workgroup)
	return p, nil
}

// Builtin implements device.Device.
func (d *Device) Builtin(op device.BuiltinOp) (device.Program, error) {
	if d.released.Load() {
		return nil, errReleased
	}
	b, err := newBuiltin(op)
	if err != nil {
		return nil, err
	}
	p, err := d.pipeline(b.shader, b.items)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// pipeline creates the shader module and compute pipeline of sh.
func (d *Device) pipeline(sh *shader, items int) (p *program, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = &device.CompileError{EntryPoint: sh.entry, Log: fmt.Sprintf("error: %v", r)}
		}
	}()

	entry := sh.entry
	if items > 0 {
		entry = "main"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	module := d.device.CreateShaderModuleWGSL(sh.code)
	if module == nil {
		return nil, &device.CompileError{EntryPoint: sh.entry, Log: "error: shader module creation failed"}
	}
	pipe := d.device.CreateComputePipelineSimple(nil, module, entry)
	if pipe == nil {
		module.Release()
		return nil, &device.CompileError{EntryPoint: sh.entry, Log: "error: compute pipeline creation failed"}
	}
	return &program{shader: sh, module: module, pipeline: pipe, items: items}, nil
}

// Dispatch implements device.Device. The pass is queued with the pending
// commands.
func (d *Device) Dispatch(p device.Program, args []device.Memory, ws device.WorkSize) error {
	if d.released.Load() {
		return errReleased
	}
	prog, ok := p.(*program)
	if !ok {
		return fmt.Errorf("webgpu: dispatch: program %q was not built by this device", p.EntryPoint())
	}
	if len(args) != len(prog.shader.params) {
		return fmt.Errorf("webgpu: dispatch %q: %d arguments for %d parameters", prog.EntryPoint(), len(args), len(prog.shader.params))
	}
	if prog.items > 0 {
		ws = device.WorkSize{Global: []int{prog.items}}
	}
	groups, err := dispatchSize(ws, prog.shader.workgroup)
	if err != nil {
		return fmt.Errorf("webgpu: dispatch %q: %w", prog.EntryPoint(), err)
	}

	entries := make([]wgpu.BindGroupEntry, len(args))
	for i, a := range args {
		mem, err := d.memory(a)
		if err != nil {
			return fmt.Errorf("webgpu: dispatch %q: argument %d: %w", prog.EntryPoint(), i, err)
		}
		//nolint:gosec // binding indices are small
		entries[i] = wgpu.BufferBindingEntry(uint32(i), mem.buf, 0, mem.alloc)
	}
	logutil.Trace("webgpu dispatch", "entry", prog.EntryPoint(), "groups", groups)

	d.mu.Lock()
	defer d.mu.Unlock()
	bindGroup := d.device.CreateBindGroupSimple(prog.pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(prog.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
	d.pending = append(d.pending, encoder.Finish(nil))
	return nil
}

// Finish implements device.Device. It submits pending work and waits for
// the queue to drain by reading back a fence buffer.
func (d *Device) Finish() error {
	if d.released.Load() {
		return errReleased
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	if _, err := d.readBuffer(d.fence, 4); err != nil {
		return fmt.Errorf("webgpu: finish: %w", err)
	}
	d.dropStagingLocked()
	return nil
}

// Release implements device.Device.
func (d *Device) Release() {
	if !d.released.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	d.dropStagingLocked()

	d.pool.Clear()
	d.fence.Release()
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

// memory is a storage buffer. alloc is size rounded up for copies.
type memory struct {
	dev      *Device
	buf      *wgpu.Buffer
	size     uint64
	alloc    uint64
	released atomic.Bool
}

func (m *memory) Size() uint64 { return m.size }

// Release returns the buffer to the pool.
func (m *memory) Release() {
	if !m.released.CompareAndSwap(false, true) {
		return
	}
	d := m.dev
	d.memoryStats.mu.Lock()
	d.memoryStats.allocatedBytes -= m.alloc
	d.memoryStats.activeBuffers--
	d.memoryStats.mu.Unlock()

	if d.released.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	d.pool.Release(m.buf, m.alloc, storageUsage)
}

// program is a compiled compute pipeline. items, when set, fixes the number
// of invocations regardless of the requested work size.
type program struct {
	shader   *shader
	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
	items    int
}

func (p *program) EntryPoint() string { return p.shader.entry }

func (p *program) Params() []device.ParamInfo {
	return append([]device.ParamInfo(nil), p.shader.params...)
}

func (p *program) Release() {
	p.pipeline.Release()
	p.module.Release()
}
