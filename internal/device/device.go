// Package device defines the boundary between the graph engine and a compute
// runtime: memory allocation, kernel compilation from source, kernel dispatch
// and host/device synchronization.
package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrOutOfMemory is returned (possibly wrapped) by Allocate when the device
// cannot satisfy a request.
var ErrOutOfMemory = errors.New("device: out of memory")

// Memory is an allocation on a device.
type Memory interface {
	// Size returns the allocation size in bytes.
	Size() uint64
	// Release frees the allocation. Calling it twice is a no-op.
	Release()
}

// ParamInfo describes one kernel parameter as declared in its source.
type ParamInfo struct {
	Name string
	// Element is the element type name of a buffer parameter as the kernel
	// language spells it ("float", "half", "int", ...). Empty if unknown.
	Element string
	// Buffer is true for pointer/storage parameters.
	Buffer bool
	// ReadOnly is true when the kernel cannot write through the parameter.
	ReadOnly bool
}

// Program is a compiled kernel ready for dispatch.
type Program interface {
	EntryPoint() string
	// Params returns the declared parameters in positional order.
	Params() []ParamInfo
	Release()
}

// WorkSize is the dispatch geometry. Global holds up to three dimensions;
// Local may be nil to let the device choose.
type WorkSize struct {
	Global []int
	Local  []int
}

// Items returns the number of work items in the global range.
func (w WorkSize) Items() int {
	n := 1
	for _, d := range w.Global {
		n *= d
	}
	return n
}

// Info is a static description of a device.
type Info struct {
	Name     string
	Vendor   string
	Language string // kernel source language, "opencl-c" or "wgsl"
	Features []string
	MaxAlloc uint64 // 0 when unknown
}

// Device is a compute runtime. Write and Dispatch may complete
// asynchronously; Read and Finish are barriers for all previously enqueued
// work.
type Device interface {
	Info() Info
	Allocate(size uint64) (Memory, error)
	Write(mem Memory, data []byte) error
	Read(mem Memory) ([]byte, error)
	// Compile builds a kernel from source fragments. A *CompileError carries
	// the compiler diagnostics when the source is rejected.
	Compile(sources []string, entryPoint, flags string) (Program, error)
	// Builtin returns the device implementation of an engine-provided
	// primitive. Its arguments are the op's inputs followed by its output.
	Builtin(op BuiltinOp) (Program, error)
	Dispatch(p Program, args []Memory, ws WorkSize) error
	Finish() error
	Release()
}

// CompileError is returned by Device.Compile when the kernel source or build
// options are rejected. Log holds the compiler output verbatim.
type CompileError struct {
	EntryPoint string
	Log        string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("device: failed to compile %q:\n%s", e.EntryPoint, e.Log)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() (Device, error))
)

// Register makes a device factory available by name. It panics if the name
// is already registered.
func Register(name string, open func() (Device, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		panic("device: device already registered: " + name)
	}
	registry[name] = open
}

// Open creates a device by its registered name.
func Open(name string) (Device, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("device: unknown device %q (registered: %v)", name, Names())
	}
	return open()
}

// Names lists the registered device names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
