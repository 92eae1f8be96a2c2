// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package engine owns a device and the buffers and programs created on it.
//
// # Basic Usage
//
//	eng, err := engine.Open("cpu")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Release()
//
//	l := tensor.NewLayout(tensor.F32, tensor.BFYX, tensor.NewShape(1, 1, 3, 3))
//	buf, err := eng.Allocate(l)
//	err = engine.Upload(buf, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
package engine

import (
	_ "github.com/born-ml/kgraph/internal/backend/cpu" // registers "cpu"
	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/tensor"
)

// Engine wraps one device.
type Engine = engine.Engine

// Buffer is device memory with a layout.
type Buffer = engine.Buffer

// Stats reports memory and program cache usage.
type Stats = engine.Stats

// Option configures an Engine.
type Option = engine.Option

// AllocationError is returned when a buffer cannot be allocated.
type AllocationError = engine.AllocationError

// SizeMismatchError is returned when host data does not match a layout.
type SizeMismatchError = engine.SizeMismatchError

// ErrReleased is returned when a released engine or buffer is used.
var ErrReleased = engine.ErrReleased

// New wraps dev.
func New(dev device.Device, opts ...Option) *Engine {
	return engine.New(dev, opts...)
}

// Open creates an engine on the named backend. The engine owns the device.
func Open(name string, opts ...Option) (*Engine, error) {
	return engine.Open(name, opts...)
}

// WithMemoryLimit caps the bytes held by live buffers.
func WithMemoryLimit(bytes uint64) Option {
	return engine.WithMemoryLimit(bytes)
}

// WithDeviceOwnership releases the device together with the engine.
func WithDeviceOwnership() Option {
	return engine.WithDeviceOwnership()
}

// Upload writes values in logical b,f,y,x order into b.
func Upload[T tensor.DType](b *Buffer, values []T) error {
	return engine.Upload(b, values)
}

// Read returns the contents of b in logical b,f,y,x order.
func Read[T tensor.DType](b *Buffer) ([]T, error) {
	return engine.Read[T](b)
}
