package engine

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/tensor"
)

// bufferState is shared by a buffer and all of its views.
type bufferState struct {
	released atomic.Bool
}

// Buffer is device memory tagged with a fixed Layout.
type Buffer struct {
	eng    *Engine
	mem    device.Memory
	layout tensor.Layout
	root   *bufferState
	view   bool
}

// Layout returns the buffer layout.
func (b *Buffer) Layout() tensor.Layout {
	return b.layout
}

// Engine returns the engine the buffer was allocated on.
func (b *Buffer) Engine() *Engine {
	return b.eng
}

// Size returns the byte size of the buffer.
func (b *Buffer) Size() uint64 {
	return uint64(b.layout.ByteSize())
}

// Released reports whether the memory behind the buffer was freed.
func (b *Buffer) Released() bool {
	return b.root.released.Load()
}

// Release frees the device memory. Releasing a view is a no-op; releasing
// the allocating buffer invalidates its views too. Calling it twice is a
// no-op.
func (b *Buffer) Release() {
	if b.view || !b.root.released.CompareAndSwap(false, true) {
		return
	}
	b.mem.Release()
	b.eng.free(b.Size())
}

// View reinterprets the same memory with another layout of equal byte size.
func (b *Buffer) View(l tensor.Layout) (*Buffer, error) {
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("engine: view: %w", err)
	}
	if l.ByteSize() != b.layout.ByteSize() {
		return nil, &SizeMismatchError{Unit: "bytes", Want: b.layout.ByteSize(), Got: l.ByteSize()}
	}
	return &Buffer{eng: b.eng, mem: b.mem, layout: l, root: b.root, view: true}, nil
}

func (b *Buffer) write(data []byte) error {
	if b.Released() || b.eng.released.Load() {
		return ErrReleased
	}
	if err := b.eng.dev.Write(b.mem, data); err != nil {
		return fmt.Errorf("engine: write %s: %w", b.layout, err)
	}
	return nil
}

func (b *Buffer) read() ([]byte, error) {
	if b.Released() || b.eng.released.Load() {
		return nil, ErrReleased
	}
	data, err := b.eng.dev.Read(b.mem)
	if err != nil {
		return nil, fmt.Errorf("engine: read %s: %w", b.layout, err)
	}
	return data, nil
}

// Upload writes values into b in the logical order of its layout. T must
// match the layout data type; BF16 buffers are filled with UploadFloat32.
func Upload[T tensor.DType](b *Buffer, values []T) error {
	if n := b.layout.Count(); len(values) != n {
		return &SizeMismatchError{Unit: "values", Want: n, Got: len(values)}
	}
	data, err := tensor.Encode(b.layout, values)
	if err != nil {
		return fmt.Errorf("engine: upload: %w", err)
	}
	return b.write(data)
}

// Read waits for pending device work and returns the buffer values.
func Read[T tensor.DType](b *Buffer) ([]T, error) {
	data, err := b.read()
	if err != nil {
		return nil, err
	}
	values, err := tensor.Decode[T](b.layout, data)
	if err != nil {
		return nil, fmt.Errorf("engine: read: %w", err)
	}
	return values, nil
}

// UploadFloat32 writes float32 values into any floating point buffer,
// rounding to F16 or BF16 as needed.
func (b *Buffer) UploadFloat32(values []float32) error {
	if n := b.layout.Count(); len(values) != n {
		return &SizeMismatchError{Unit: "values", Want: n, Got: len(values)}
	}
	data, err := tensor.EncodeFloat32(b.layout, values)
	if err != nil {
		return fmt.Errorf("engine: upload: %w", err)
	}
	return b.write(data)
}

// ReadFloat32 reads a floating point buffer widened to float32.
func (b *Buffer) ReadFloat32() ([]float32, error) {
	data, err := b.read()
	if err != nil {
		return nil, err
	}
	values, err := tensor.DecodeFloat32(b.layout, data)
	if err != nil {
		return nil, fmt.Errorf("engine: read: %w", err)
	}
	return values, nil
}

// ReadAny reads the buffer as float64 values regardless of its data type.
func (b *Buffer) ReadAny() ([]float64, error) {
	if b.layout.DataType.IsFloat() {
		fs, err := b.ReadFloat32()
		return widen(fs), err
	}
	switch b.layout.DataType {
	case tensor.I32:
		is, err := Read[int32](b)
		return widen(is), err
	default:
		us, err := Read[uint8](b)
		return widen(us), err
	}
}

// UploadAny writes float64 values, converting to the layout data type.
// Integer types truncate toward zero and saturate at the bounds of the type;
// NaN becomes 0.
func (b *Buffer) UploadAny(values []float64) error {
	if b.layout.DataType.IsFloat() {
		return b.UploadFloat32(narrow[float32](values))
	}
	switch b.layout.DataType {
	case tensor.I32:
		return Upload(b, narrow[int32](values))
	default:
		return Upload(b, narrow[uint8](values))
	}
}

func widen[T float32 | int32 | uint8](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func narrow[T float32 | int32 | uint8](in []float64) []T {
	var lo, hi float64
	var zero T
	switch any(zero).(type) {
	case int32:
		lo, hi = math.MinInt32, math.MaxInt32
	case uint8:
		lo, hi = 0, math.MaxUint8
	}
	out := make([]T, len(in))
	for i, v := range in {
		if hi > 0 {
			if math.IsNaN(v) {
				v = 0
			}
			v = math.Max(lo, math.Min(hi, v))
		}
		out[i] = T(v)
	}
	return out
}
