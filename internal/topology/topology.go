// Package topology describes a compute graph as an append-only list of named
// nodes. Nodes refer to their inputs by name; names are resolved to node
// indices when a network is compiled.
package topology

import (
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/tensor"
)

// CustomOption configures a custom node.
type CustomOption func(*CustomKernel)

// WithWorkSize sets the dispatch geometry of a custom kernel. local may be
// nil.
func WithWorkSize(global, local []int) CustomOption {
	return func(c *CustomKernel) {
		c.GlobalWorkSize = global
		c.LocalWorkSize = local
	}
}

// Topology is an append-only collection of nodes. It is not safe for
// concurrent mutation; Clone it to extend a graph another caller is
// compiling.
type Topology struct {
	nodes []Node
	index map[string]int
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{index: make(map[string]int)}
}

// Len returns the number of nodes.
func (t *Topology) Len() int {
	return len(t.nodes)
}

// Nodes returns copies of the nodes in insertion order.
func (t *Topology) Nodes() []Node {
	out := make([]Node, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Node returns a copy of the named node.
func (t *Topology) Node(name string) (Node, bool) {
	i, ok := t.index[name]
	if !ok {
		return Node{}, false
	}
	return t.nodes[i].Clone(), true
}

// Index returns the arena index of the named node.
func (t *Topology) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Clone returns an independent copy that can be extended without affecting
// t.
func (t *Topology) Clone() *Topology {
	c := &Topology{
		nodes: t.Nodes(),
		index: make(map[string]int, len(t.index)),
	}
	for name, i := range t.index {
		c.index[name] = i
	}
	return c
}

// AddInput declares an input the caller binds before execution.
func (t *Topology) AddInput(name string, layout tensor.Layout) error {
	return t.add(Node{Name: name, Kind: Input, Output: layout}, true)
}

// AddData adds a constant buffer. Networks read it but never write it; the
// caller keeps ownership.
func (t *Topology) AddData(name string, buf *engine.Buffer) error {
	return t.add(Node{Name: name, Kind: Data, Data: buf}, true)
}

// AddBuiltin adds an engine-provided primitive over inputs.
func (t *Topology) AddBuiltin(name string, inputs []string, op Op, output tensor.Layout) error {
	return t.add(Node{Name: name, Kind: Builtin, Inputs: inputs, Op: op, Output: output}, true)
}

// AddCustom adds a node computed by a user kernel. Every input must already
// be in the topology. bindings lists the kernel parameters in order: each
// input index appears exactly once and one OutputArg(0) receives the node
// output. flags are passed to the device compiler verbatim.
func (t *Topology) AddCustom(name string, inputs, sources []string, entryPoint string, bindings []Binding, flags string, output tensor.Layout, opts ...CustomOption) error {
	c := &CustomKernel{
		Sources:      sources,
		EntryPoint:   entryPoint,
		Bindings:     bindings,
		CompileFlags: flags,
	}
	for _, opt := range opts {
		opt(c)
	}
	return t.add(Node{Name: name, Kind: Custom, Inputs: inputs, Output: output, Custom: c}, true)
}

// Add appends a node built by the caller. Input names are not checked until
// the topology is compiled, so nodes may be added in any order.
func (t *Topology) Add(n Node) error {
	return t.add(n, false)
}

func (t *Topology) add(n Node, resolve bool) error {
	if _, ok := t.index[n.Name]; ok {
		return &DuplicateNameError{Name: n.Name}
	}
	n = n.Clone()
	if err := n.validate(); err != nil {
		return err
	}
	if resolve {
		for _, in := range n.Inputs {
			if _, ok := t.index[in]; !ok {
				return &UnknownInputError{Node: n.Name, Input: in}
			}
		}
	}

	t.index[n.Name] = len(t.nodes)
	t.nodes = append(t.nodes, n)
	return nil
}
