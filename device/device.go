// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device defines what a compute backend provides: memory, kernel
// compilation, builtin primitives and dispatch.
//
// Backends register themselves by name; import backend/cpu or
// backend/webgpu and call Open with "cpu" or "webgpu".
package device

import (
	"github.com/born-ml/kgraph/internal/device"
)

// Device is a compute backend.
type Device = device.Device

// Memory is a device allocation.
type Memory = device.Memory

// Program is a compiled kernel or builtin primitive.
type Program = device.Program

// ParamInfo describes one kernel parameter.
type ParamInfo = device.ParamInfo

// Info identifies a device.
type Info = device.Info

// WorkSize is the global and optional local dispatch range.
type WorkSize = device.WorkSize

// CompileError carries the build log of a kernel that failed to compile.
type CompileError = device.CompileError

// ErrOutOfMemory is returned when an allocation exceeds the device limit.
var ErrOutOfMemory = device.ErrOutOfMemory

// OpKind selects a builtin primitive.
type OpKind = device.OpKind

// Builtin primitives.
const (
	Activation OpKind = device.Activation
	Eltwise    OpKind = device.Eltwise
	Softmax    OpKind = device.Softmax
	Reorder    OpKind = device.Reorder
)

// ActivationMode selects the activation function.
type ActivationMode = device.ActivationMode

// Activation functions.
const (
	Relu              ActivationMode = device.Relu
	ReluNegativeSlope ActivationMode = device.ReluNegativeSlope
	Linear            ActivationMode = device.Linear
	Clamp             ActivationMode = device.Clamp
	Sigmoid           ActivationMode = device.Sigmoid
	Tanh              ActivationMode = device.Tanh
	Abs               ActivationMode = device.Abs
	Exp               ActivationMode = device.Exp
)

// EltwiseMode selects the element-wise combination.
type EltwiseMode = device.EltwiseMode

// Element-wise modes.
const (
	Sum  EltwiseMode = device.Sum
	Sub  EltwiseMode = device.Sub
	Prod EltwiseMode = device.Prod
	Div  EltwiseMode = device.Div
	Max  EltwiseMode = device.Max
	Min  EltwiseMode = device.Min
)

// BuiltinOp is a builtin primitive with its layouts attached.
type BuiltinOp = device.BuiltinOp

// ParseActivation parses an activation name such as "relu".
func ParseActivation(s string) (ActivationMode, error) {
	return device.ParseActivation(s)
}

// ParseEltwise parses an element-wise mode name such as "sum".
func ParseEltwise(s string) (EltwiseMode, error) {
	return device.ParseEltwise(s)
}

// Register makes a backend available under name.
func Register(name string, open func() (Device, error)) {
	device.Register(name, open)
}

// Open creates a device of the named backend.
func Open(name string) (Device, error) {
	return device.Open(name)
}

// Names lists the registered backends.
func Names() []string {
	return device.Names()
}
