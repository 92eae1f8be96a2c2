// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package topology describes a compute graph before compilation.
//
// Nodes are inputs, constant data, builtin primitives or custom kernels.
// A custom kernel lists its sources, entry point, compile flags and the
// bindings that map kernel parameters to node inputs and the output:
//
//	topo := topology.New()
//	_ = topo.AddInput("input0", l)
//	_ = topo.AddInput("input1", l)
//	_ = topo.AddCustom("add", []string{"input0", "input1"},
//	    []string{src}, "add_kernel",
//	    []topology.Binding{topology.InputArg(0), topology.InputArg(1), topology.OutputArg(0)},
//	    "", l)
package topology

import (
	"github.com/born-ml/kgraph/internal/topology"
)

// Topology is an ordered set of named nodes.
type Topology = topology.Topology

// Node is one graph node.
type Node = topology.Node

// Kind is the node variant.
type Kind = topology.Kind

// Node kinds.
const (
	Input   Kind = topology.Input
	Data    Kind = topology.Data
	Builtin Kind = topology.Builtin
	Custom  Kind = topology.Custom
)

// Op describes a builtin primitive.
type Op = topology.Op

// CustomKernel describes a user kernel.
type CustomKernel = topology.CustomKernel

// CustomOption configures a custom kernel.
type CustomOption = topology.CustomOption

// Binding maps a kernel parameter to a node input or the output.
type Binding = topology.Binding

// Role tells inputs from outputs in a Binding.
type Role = topology.Role

// Binding roles.
const (
	RoleInput  Role = topology.RoleInput
	RoleOutput Role = topology.RoleOutput
)

// Errors returned while building a topology.
type (
	DuplicateNameError  = topology.DuplicateNameError
	UnknownInputError   = topology.UnknownInputError
	InvalidBindingError = topology.InvalidBindingError
)

// ErrInvalidNode is wrapped by errors about malformed nodes.
var ErrInvalidNode = topology.ErrInvalidNode

// New returns an empty topology.
func New() *Topology {
	return topology.New()
}

// InputArg binds a kernel parameter to the i-th node input.
func InputArg(i int) Binding {
	return topology.InputArg(i)
}

// OutputArg binds a kernel parameter to the node output.
func OutputArg(i int) Binding {
	return topology.OutputArg(i)
}

// WithWorkSize sets the global and local work size of a custom kernel.
func WithWorkSize(global, local []int) CustomOption {
	return topology.WithWorkSize(global, local)
}
