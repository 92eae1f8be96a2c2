// Package network compiles a topology into an execution plan and runs it on
// an engine.
//
// A Network moves through three states: compiled, inputs bound and executed.
// SetInputData may be called at any time; Execute validates every binding
// before it dispatches anything, runs the plan in topological order and
// waits for the device before returning freshly allocated output buffers.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/logutil"
	"github.com/born-ml/kgraph/internal/topology"
)

// ErrReleased is returned by operations on a released network.
var ErrReleased = errors.New("network: use of released network")

type step struct {
	node    int
	program device.Program
	args    []int // node indices; a node's own index stands for its output
	ws      device.WorkSize
}

// Step describes one dispatch of the plan.
type Step struct {
	Node       string
	Kind       topology.Kind
	EntryPoint string
	Args       []string // node names in kernel parameter order
	WorkSize   device.WorkSize
}

// Network is a compiled topology bound to one engine. Executions of one
// network are serialized; distinct networks may execute concurrently.
type Network struct {
	id      uuid.UUID
	name    string
	eng     *engine.Engine
	nodes   []topology.Node
	steps   []step
	outputs []int
	scratch map[int]*engine.Buffer

	inputs     map[string]int
	inputOrder []string
	required   []string

	bindMu sync.Mutex
	bound  map[string]*engine.Buffer

	execMu   sync.Mutex
	released atomic.Bool
}

// ID returns the unique id the network logs under.
func (n *Network) ID() uuid.UUID {
	return n.id
}

// Name returns the name given with WithName.
func (n *Network) Name() string {
	return n.name
}

// Engine returns the engine the network runs on.
func (n *Network) Engine() *engine.Engine {
	return n.eng
}

// InputNames returns the input nodes in topology order.
func (n *Network) InputNames() []string {
	return slices.Clone(n.inputOrder)
}

// OutputNames returns the nodes Execute returns buffers for.
func (n *Network) OutputNames() []string {
	names := make([]string, len(n.outputs))
	for k, i := range n.outputs {
		names[k] = n.nodes[i].Name
	}
	return names
}

// Plan describes the dispatches Execute performs, in order.
func (n *Network) Plan() []Step {
	out := make([]Step, len(n.steps))
	for k, s := range n.steps {
		args := make([]string, len(s.args))
		for a, i := range s.args {
			args[a] = n.nodes[i].Name
		}
		out[k] = Step{
			Node:       n.nodes[s.node].Name,
			Kind:       n.nodes[s.node].Kind,
			EntryPoint: s.program.EntryPoint(),
			Args:       args,
			WorkSize:   device.WorkSize{Global: slices.Clone(s.ws.Global), Local: slices.Clone(s.ws.Local)},
		}
	}
	return out
}

// SetInputData binds buf to the named input node. The network borrows the
// buffer: the caller keeps it alive and unmodified while an execution that
// reads it is running.
func (n *Network) SetInputData(name string, buf *engine.Buffer) error {
	if n.released.Load() {
		return ErrReleased
	}
	i, ok := n.inputs[name]
	if !ok {
		return &topology.UnknownInputError{Input: name}
	}
	if buf == nil {
		return fmt.Errorf("network: input %q: nil buffer", name)
	}
	if want := n.nodes[i].Output; buf.Layout() != want {
		return &LayoutMismatchError{Node: name, Want: want, Got: buf.Layout()}
	}
	if buf.Engine() != n.eng {
		return fmt.Errorf("network: input %q: buffer belongs to another engine", name)
	}

	n.bindMu.Lock()
	n.bound[name] = buf
	n.bindMu.Unlock()
	return nil
}

// Execute runs the plan and returns the output buffers, which the caller
// owns. Missing or released inputs are reported before anything is
// dispatched. ctx is checked between dispatches.
func (n *Network) Execute(ctx context.Context) (*Outputs, error) {
	n.execMu.Lock()
	defer n.execMu.Unlock()

	if n.released.Load() {
		return nil, ErrReleased
	}

	values, err := n.bindValues()
	if err != nil {
		return nil, err
	}

	outs := newOutputs()
	for _, i := range n.outputs {
		buf, err := n.eng.Allocate(n.nodes[i].Output)
		if err != nil {
			outs.Release()
			return nil, fmt.Errorf("network: output %q: %w", n.nodes[i].Name, err)
		}
		values[i] = buf
		outs.set(n.nodes[i].Name, buf)
	}

	start := time.Now()
	for _, s := range n.steps {
		name := n.nodes[s.node].Name
		if err := ctx.Err(); err != nil {
			outs.Release()
			return nil, fmt.Errorf("network: execute stopped before node %q: %w", name, err)
		}

		args := make([]*engine.Buffer, len(s.args))
		for a, i := range s.args {
			args[a] = values[i]
		}
		logutil.Trace("dispatch", "network", n.name, "node", name, "entry", s.program.EntryPoint(), "global", s.ws.Global)
		if err := n.eng.Dispatch(s.program, args, s.ws); err != nil {
			outs.Release()
			return nil, fmt.Errorf("network: node %q: %w", name, err)
		}
	}

	if err := n.eng.Finish(); err != nil {
		outs.Release()
		return nil, fmt.Errorf("network: finish: %w", err)
	}
	slog.Debug("network executed", "network", n.name, "id", n.id, "steps", len(n.steps), "elapsed", time.Since(start))
	return outs, nil
}

// bindValues resolves the buffer of every node the plan reads, except the
// outputs, and fails if any required input is unusable.
func (n *Network) bindValues() ([]*engine.Buffer, error) {
	n.bindMu.Lock()
	bound := make(map[string]*engine.Buffer, len(n.bound))
	for k, v := range n.bound {
		bound[k] = v
	}
	n.bindMu.Unlock()

	var missing []string
	for _, name := range n.required {
		if _, ok := bound[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingInputError{Names: missing}
	}

	values := make([]*engine.Buffer, len(n.nodes))
	for name, buf := range bound {
		i := n.inputs[name]
		if buf.Released() {
			return nil, fmt.Errorf("network: input %q: %w", name, engine.ErrReleased)
		}
		if want := n.nodes[i].Output; buf.Layout() != want {
			return nil, &LayoutMismatchError{Node: name, Want: want, Got: buf.Layout()}
		}
		values[i] = buf
	}
	for i, node := range n.nodes {
		if node.Kind != topology.Data {
			continue
		}
		if node.Data.Released() {
			return nil, fmt.Errorf("network: data node %q: %w", node.Name, engine.ErrReleased)
		}
		values[i] = node.Data
	}
	for i, buf := range n.scratch {
		values[i] = buf
	}
	return values, nil
}

// Release frees the scratch buffers. Bound inputs, data buffers and
// returned outputs are not owned by the network and stay valid.
func (n *Network) Release() {
	if !n.released.CompareAndSwap(false, true) {
		return
	}
	n.execMu.Lock()
	defer n.execMu.Unlock()
	for i, buf := range n.scratch {
		buf.Release()
		delete(n.scratch, i)
	}
}
