// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package network compiles a topology for an engine and executes it.
//
// # Basic Usage
//
//	net, err := network.Compile(ctx, eng, topo)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer net.Release()
//
//	_ = net.SetInputData("input0", a)
//	_ = net.SetInputData("input1", b)
//	outs, err := net.Execute(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer outs.Release()
//	buf, _ := outs.Get("add")
package network

import (
	"context"

	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/network"
	"github.com/born-ml/kgraph/internal/topology"
)

// Network is a compiled topology.
type Network = network.Network

// Outputs holds the buffers of one execution.
type Outputs = network.Outputs

// Step is one dispatch in the execution plan.
type Step = network.Step

// Option configures compilation.
type Option = network.Option

// Errors returned by Compile and Execute.
type (
	CyclicGraphError    = network.CyclicGraphError
	KernelCompileError  = network.KernelCompileError
	LayoutMismatchError = network.LayoutMismatchError
	MissingInputError   = network.MissingInputError
)

// ErrReleased is returned when a released network is used.
var ErrReleased = network.ErrReleased

// Compile validates topo and builds every program it needs on eng.
func Compile(ctx context.Context, eng *engine.Engine, topo *topology.Topology, opts ...Option) (*Network, error) {
	return network.Compile(ctx, eng, topo, opts...)
}

// WithOutputs selects the nodes whose buffers Execute returns.
func WithOutputs(names ...string) Option {
	return network.WithOutputs(names...)
}

// WithName names the network in logs.
func WithName(name string) Option {
	return network.WithName(name)
}

// WithCompileWorkers bounds the number of kernels compiled at once.
func WithCompileWorkers(n int) Option {
	return network.WithCompileWorkers(n)
}
