// Package engine owns a compute device on behalf of networks: it allocates
// layout-tagged buffers, accounts for their memory and caches compiled
// programs.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/envconfig"
	"github.com/born-ml/kgraph/internal/tensor"
)

// ErrReleased is returned by operations on a released engine or buffer.
var ErrReleased = errors.New("engine: use of released object")

// Option configures an Engine.
type Option func(*Engine)

// WithMemoryLimit caps the bytes of live buffers. Zero means unlimited.
// Defaults to KGRAPH_MAX_MEMORY.
func WithMemoryLimit(bytes uint64) Option {
	return func(e *Engine) {
		e.limit = bytes
	}
}

// WithDeviceOwnership makes Release also release the device.
func WithDeviceOwnership() Option {
	return func(e *Engine) {
		e.ownsDevice = true
	}
}

// Stats reports engine memory and program cache usage.
type Stats struct {
	Allocated   uint64 // bytes in live buffers
	Peak        uint64
	Limit       uint64
	Buffers     int
	Programs    int
	CacheHits   uint64
	CacheMisses uint64
}

// Engine is a handle to one device. Multiple engines may coexist, even over
// the same device. An Engine is safe for concurrent use.
type Engine struct {
	dev        device.Device
	limit      uint64
	ownsDevice bool

	mu        sync.Mutex
	allocated uint64
	peak      uint64
	buffers   int
	programs  map[string]device.Program
	lookups   uint64
	misses    uint64

	compiles singleflight.Group
	released atomic.Bool
}

// New creates an engine over dev.
func New(dev device.Device, opts ...Option) *Engine {
	e := &Engine{
		dev:      dev,
		limit:    envconfig.MaxMemory(),
		programs: make(map[string]device.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open opens the named device and returns an engine that owns it. An empty
// name selects KGRAPH_DEVICE.
func Open(name string, opts ...Option) (*Engine, error) {
	if name == "" {
		name = envconfig.Device()
	}
	dev, err := device.Open(name)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return New(dev, append(opts, WithDeviceOwnership())...), nil
}

// Device returns the underlying device.
func (e *Engine) Device() device.Device {
	return e.dev
}

// Info describes the underlying device.
func (e *Engine) Info() device.Info {
	return e.dev.Info()
}

// Stats returns a snapshot of memory and cache counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Allocated:   e.allocated,
		Peak:        e.peak,
		Limit:       e.limit,
		Buffers:     e.buffers,
		Programs:    len(e.programs),
		CacheHits:   e.lookups - e.misses,
		CacheMisses: e.misses,
	}
}

// Allocate reserves device memory for a buffer with layout l. The memory is
// zeroed.
func (e *Engine) Allocate(l tensor.Layout) (*Buffer, error) {
	if e.released.Load() {
		return nil, ErrReleased
	}
	if err := l.Validate(); err != nil {
		if errors.Is(err, tensor.ErrTooLarge) {
			return nil, &AllocationError{Err: err}
		}
		return nil, fmt.Errorf("engine: allocate: %w", err)
	}
	size := uint64(l.ByteSize())

	e.mu.Lock()
	if e.limit > 0 && e.allocated+size > e.limit {
		avail := e.limit - e.allocated
		e.mu.Unlock()
		return nil, &AllocationError{Requested: size, Available: avail, Err: device.ErrOutOfMemory}
	}
	e.allocated += size
	e.peak = max(e.peak, e.allocated)
	e.buffers++
	e.mu.Unlock()

	mem, err := e.dev.Allocate(size)
	if err != nil {
		e.free(size)
		if errors.Is(err, device.ErrOutOfMemory) {
			return nil, &AllocationError{Requested: size, Err: err}
		}
		return nil, fmt.Errorf("engine: allocate %s: %w", l, err)
	}
	return &Buffer{eng: e, mem: mem, layout: l, root: &bufferState{}}, nil
}

func (e *Engine) free(size uint64) {
	e.mu.Lock()
	e.allocated -= size
	e.buffers--
	e.mu.Unlock()
}

// CompileProgram compiles a kernel from source, or returns the cached
// program when the same sources, entry point and flags were compiled before.
// Flags reach the device compiler verbatim. Compile failures are not cached.
func (e *Engine) CompileProgram(sources []string, entryPoint, flags string) (device.Program, error) {
	h := sha256.New()
	for _, s := range sources {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	fmt.Fprintf(h, "|%s|%s", entryPoint, flags)
	key := "kernel:" + hex.EncodeToString(h.Sum(nil))

	return e.cached(key, func() (device.Program, error) {
		slog.Debug("compiling kernel", "entry", entryPoint, "flags", flags, "device", e.dev.Info().Name)
		return e.dev.Compile(sources, entryPoint, flags)
	})
}

// BuiltinProgram returns the device program of an engine primitive.
func (e *Engine) BuiltinProgram(op device.BuiltinOp) (device.Program, error) {
	return e.cached("builtin:"+op.Key(), func() (device.Program, error) {
		slog.Debug("building primitive", "op", op.Key())
		return e.dev.Builtin(op)
	})
}

func (e *Engine) cached(key string, build func() (device.Program, error)) (device.Program, error) {
	if e.released.Load() {
		return nil, ErrReleased
	}

	e.mu.Lock()
	if p, ok := e.programs[key]; ok {
		e.lookups++
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	v, err, _ := e.compiles.Do(key, func() (any, error) {
		e.mu.Lock()
		p, ok := e.programs[key]
		e.mu.Unlock()
		if ok {
			return p, nil
		}

		p, err := build()
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.programs[key] = p
		e.misses++
		e.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lookups++
	e.mu.Unlock()
	return v.(device.Program), nil
}

// Dispatch runs p with buffers bound positionally to its parameters.
func (e *Engine) Dispatch(p device.Program, args []*Buffer, ws device.WorkSize) error {
	if e.released.Load() {
		return ErrReleased
	}
	mems := make([]device.Memory, len(args))
	for i, b := range args {
		if b.eng != e {
			return fmt.Errorf("engine: dispatch %q: argument %d belongs to another engine", p.EntryPoint(), i)
		}
		if b.Released() {
			return fmt.Errorf("engine: dispatch %q: argument %d: %w", p.EntryPoint(), i, ErrReleased)
		}
		mems[i] = b.mem
	}
	return e.dev.Dispatch(p, mems, ws)
}

// Finish blocks until all queued device work has completed.
func (e *Engine) Finish() error {
	if e.released.Load() {
		return ErrReleased
	}
	return e.dev.Finish()
}

// Release drops the program cache and, when the engine owns it, the device.
// Buffers still alive become unusable once the device is gone.
func (e *Engine) Release() {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	for key, p := range e.programs {
		p.Release()
		delete(e.programs, key)
	}
	e.mu.Unlock()

	if e.ownsDevice {
		e.dev.Release()
	}
}
