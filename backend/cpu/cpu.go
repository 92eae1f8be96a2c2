// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the CPU device. Custom kernels are written in an
// OpenCL C subset and interpreted; builtins run natively. Work items are
// split across goroutines.
//
// Importing the package registers the "cpu" backend:
//
//	dev := cpu.New(cpu.WithWorkers(4))
//	eng := engine.New(dev, engine.WithDeviceOwnership())
package cpu

import (
	"github.com/born-ml/kgraph/internal/backend/cpu"
)

// Device is the CPU device.
type Device = cpu.Device

// Option configures a Device.
type Option = cpu.Option

// New creates a CPU device.
func New(opts ...Option) *Device {
	return cpu.New(opts...)
}

// WithWorkers sets the number of goroutines per dispatch.
func WithWorkers(n int) Option {
	return cpu.WithWorkers(n)
}

// WithMemoryLimit caps the bytes the device may allocate.
func WithMemoryLimit(bytes uint64) Option {
	return cpu.WithMemoryLimit(bytes)
}
