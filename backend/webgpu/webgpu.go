//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device.
//
// Custom kernels are WGSL compute shaders. Parameters are declared as
// @group(0) bindings numbered in argument order, and the entry point needs
// a literal @workgroup_size. Compile flags of the form -DNAME=VALUE become
// WGSL constants:
//
//	gpu, err := webgpu.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng := engine.New(gpu, engine.WithDeviceOwnership())
//	defer eng.Release()
//
// Importing the package registers the "webgpu" backend.
package webgpu

import (
	internalwebgpu "github.com/born-ml/kgraph/internal/backend/webgpu"
)

// Device is the WebGPU device.
type Device = internalwebgpu.Device

// Option configures a Device.
type Option = internalwebgpu.Option

// New opens the default adapter. Call Release when done.
//
// Returns an error if no compatible GPU is present.
func New(opts ...Option) (*Device, error) {
	return internalwebgpu.New(opts...)
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

// WithMemoryLimit caps the bytes the device may allocate.
func WithMemoryLimit(bytes uint64) Option {
	return internalwebgpu.WithMemoryLimit(bytes)
}
