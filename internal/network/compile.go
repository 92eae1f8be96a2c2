package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/emirpasic/gods/v2/lists/arraylist"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/tensor"
	"github.com/born-ml/kgraph/internal/topology"
)

// graph is a topology snapshot with names resolved to arena indices.
type graph struct {
	nodes     []topology.Node
	inputs    [][]int
	consumers [][]int
	order     []int
}

func resolve(nodes []topology.Node) (*graph, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.Name] = i
	}

	g := &graph{
		nodes:     nodes,
		inputs:    make([][]int, len(nodes)),
		consumers: make([][]int, len(nodes)),
	}
	for i, n := range nodes {
		for _, name := range n.Inputs {
			j, ok := index[name]
			if !ok {
				return nil, &topology.UnknownInputError{Node: n.Name, Input: name}
			}
			g.inputs[i] = append(g.inputs[i], j)
			g.consumers[j] = append(g.consumers[j], i)
		}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// sort orders the nodes with Kahn's algorithm. Ties keep insertion order, so
// a topology built with Add* calls executes in the order it was written.
func (g *graph) sort() ([]int, error) {
	indegree := make([]int, len(g.nodes))
	queue := arraylist.New[int]()
	for i := range g.nodes {
		indegree[i] = len(g.inputs[i])
		if indegree[i] == 0 {
			queue.Add(i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for !queue.Empty() {
		i, _ := queue.Get(0)
		queue.Remove(0)
		order = append(order, i)
		for _, c := range g.consumers[i] {
			indegree[c]--
			if indegree[c] == 0 {
				queue.Add(c)
			}
		}
	}

	if len(order) < len(g.nodes) {
		var cyclic []string
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, g.nodes[i].Name)
			}
		}
		return nil, &CyclicGraphError{Nodes: cyclic}
	}
	return order, nil
}

func isCompute(k topology.Kind) bool {
	return k == topology.Builtin || k == topology.Custom
}

func (g *graph) inputLayouts(i int) []tensor.Layout {
	out := make([]tensor.Layout, len(g.inputs[i]))
	for k, j := range g.inputs[i] {
		out[k] = g.nodes[j].Output
	}
	return out
}

// selectOutputs returns the requested output nodes, or every compute node
// nobody consumes.
func (g *graph) selectOutputs(names []string) ([]int, error) {
	if len(names) == 0 {
		var outs []int
		for i, n := range g.nodes {
			if isCompute(n.Kind) && len(g.consumers[i]) == 0 {
				outs = append(outs, i)
			}
		}
		if len(outs) == 0 {
			return nil, errors.New("network: topology has no compute nodes")
		}
		return outs, nil
	}

	var outs []int
	for _, name := range names {
		i := slices.IndexFunc(g.nodes, func(n topology.Node) bool { return n.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("network: unknown output node %q", name)
		}
		if !isCompute(g.nodes[i].Kind) {
			return nil, fmt.Errorf("network: output %q is a %s node", name, g.nodes[i].Kind)
		}
		if !slices.Contains(outs, i) {
			outs = append(outs, i)
		}
	}
	return outs, nil
}

// ancestors marks the outputs and every node they depend on.
func (g *graph) ancestors(outputs []int) []bool {
	needed := make([]bool, len(g.nodes))
	stack := slices.Clone(outputs)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[i] {
			continue
		}
		needed[i] = true
		stack = append(stack, g.inputs[i]...)
	}
	return needed
}

// checkBuiltins validates builtin input layouts against their output.
// Reorder may change the data type and format; the others may only change
// the format.
func (g *graph) checkBuiltins() error {
	for _, i := range g.order {
		n := g.nodes[i]
		if n.Kind != topology.Builtin {
			continue
		}
		out := n.Output
		if n.Op.Kind != device.Reorder && !out.DataType.IsFloat() {
			return &LayoutMismatchError{Node: n.Name, Got: out,
				Reason: fmt.Sprintf("%s needs a floating point output, got %s", n.Op.Kind, out.DataType)}
		}
		for k, l := range g.inputLayouts(i) {
			in := n.Inputs[k]
			if l.Shape != out.Shape {
				return &LayoutMismatchError{Node: n.Name, Want: out, Got: l,
					Reason: fmt.Sprintf("input %d (%s) has shape %s, output has %s", k, in, l.Shape, out.Shape)}
			}
			if n.Op.Kind != device.Reorder && l.DataType != out.DataType {
				return &LayoutMismatchError{Node: n.Name, Want: out, Got: l,
					Reason: fmt.Sprintf("input %d (%s) is %s, output is %s", k, in, l.DataType, out.DataType)}
			}
		}
	}
	return nil
}

func (g *graph) checkData(eng *engine.Engine) error {
	for _, n := range g.nodes {
		if n.Kind != topology.Data {
			continue
		}
		if n.Data.Engine() != eng {
			return fmt.Errorf("network: data node %q was allocated on another engine", n.Name)
		}
		if n.Data.Released() {
			return fmt.Errorf("network: data node %q: %w", n.Name, engine.ErrReleased)
		}
	}
	return nil
}

// compileKernels builds the program of every compute node, at most workers
// at a time. When several nodes fail, the error of the first in topological
// order is returned.
func (g *graph) compileKernels(ctx context.Context, eng *engine.Engine, workers int) ([]device.Program, error) {
	progs := make([]device.Program, len(g.nodes))
	errs := make([]error, len(g.nodes))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for _, i := range g.order {
		if !isCompute(g.nodes[i].Kind) {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			progs[i], errs[i] = g.compileNode(eng, i)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("network: compile: %w", err)
	}

	for _, i := range g.order {
		if errs[i] != nil {
			return nil, errs[i]
		}
	}
	return progs, nil
}

func (g *graph) compileNode(eng *engine.Engine, i int) (device.Program, error) {
	n := g.nodes[i]
	if n.Kind == topology.Builtin {
		p, err := eng.BuiltinProgram(n.Op.BuiltinOp(g.inputLayouts(i), n.Output))
		if err != nil {
			return nil, fmt.Errorf("network: node %q: %w", n.Name, err)
		}
		return p, nil
	}

	c := n.Custom
	p, err := eng.CompileProgram(c.Sources, c.EntryPoint, c.CompileFlags)
	if err != nil {
		var cerr *device.CompileError
		if errors.As(err, &cerr) {
			log := cerr.Log
			if log == "" {
				log = cerr.Error()
			}
			return nil, &KernelCompileError{Node: n.Name, EntryPoint: c.EntryPoint, Log: log}
		}
		return nil, fmt.Errorf("network: node %q: %w", n.Name, err)
	}
	return p, nil
}

// checkCustom validates the bindings of a custom node against the parameters
// its kernel declares.
func (g *graph) checkCustom(i int, p device.Program) error {
	n := g.nodes[i]
	c := n.Custom
	params := p.Params()
	if len(params) != len(c.Bindings) {
		return &topology.InvalidBindingError{Node: n.Name,
			Reason: fmt.Sprintf("kernel %q declares %d parameter(s), %d binding(s) given", c.EntryPoint, len(params), len(c.Bindings))}
	}

	items := c.WorkSize(n.Output).Items()
	for pos, b := range c.Bindings {
		prm := params[pos]
		layout, what := n.Output, "the output"
		if b.Role == topology.RoleInput {
			layout = g.nodes[g.inputs[i][b.Index]].Output
			what = fmt.Sprintf("input %d (%s)", b.Index, n.Inputs[b.Index])
		}

		if !prm.Buffer {
			return &topology.InvalidBindingError{Node: n.Name,
				Reason: fmt.Sprintf("parameter %d (%s) is not a buffer", pos, prm.Name)}
		}
		if b.Role == topology.RoleOutput && prm.ReadOnly {
			return &topology.InvalidBindingError{Node: n.Name,
				Reason: fmt.Sprintf("parameter %d (%s) is read-only but bound to the output", pos, prm.Name)}
		}
		if prm.Element != "" {
			if dt, err := tensor.ParseDataType(prm.Element); err != nil || dt != layout.DataType {
				return &LayoutMismatchError{Node: n.Name, Got: layout,
					Reason: fmt.Sprintf("parameter %d (%s) has element type %s, %s is %s", pos, prm.Name, prm.Element, what, layout.DataType)}
			}
		}
		if layout.PaddedCount() < items {
			return &LayoutMismatchError{Node: n.Name, Got: layout,
				Reason: fmt.Sprintf("%s holds %d element(s), global work size covers %d", what, layout.PaddedCount(), items)}
		}
	}
	return nil
}

// Compile turns a topology into an executable network on eng. The topology
// is snapshotted and never modified; it may be extended or compiled again
// afterwards.
func Compile(ctx context.Context, eng *engine.Engine, topo *topology.Topology, opts ...Option) (*Network, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	g, err := resolve(topo.Nodes())
	if err != nil {
		return nil, err
	}
	outputs, err := g.selectOutputs(o.outputs)
	if err != nil {
		return nil, err
	}
	if err := g.checkData(eng); err != nil {
		return nil, err
	}
	if err := g.checkBuiltins(); err != nil {
		return nil, err
	}
	progs, err := g.compileKernels(ctx, eng, o.compileWorkers)
	if err != nil {
		return nil, err
	}
	for _, i := range g.order {
		if g.nodes[i].Kind == topology.Custom {
			if err := g.checkCustom(i, progs[i]); err != nil {
				return nil, err
			}
		}
	}

	n := &Network{
		id:      uuid.New(),
		name:    o.name,
		eng:     eng,
		nodes:   g.nodes,
		outputs: outputs,
		inputs:  make(map[string]int),
		bound:   make(map[string]*engine.Buffer),
		scratch: make(map[int]*engine.Buffer),
	}
	if err := n.plan(g, progs); err != nil {
		n.Release()
		return nil, err
	}

	slog.Debug("network compiled", "network", n.name, "id", n.id, "nodes", len(g.nodes), "steps", len(n.steps), "outputs", n.OutputNames())
	return n, nil
}

// plan builds the dispatch steps of every node the outputs need and
// allocates a scratch buffer, sized exactly to its layout, for each
// intermediate result.
func (n *Network) plan(g *graph, progs []device.Program) error {
	needed := g.ancestors(n.outputs)
	for i, node := range g.nodes {
		if node.Kind != topology.Input {
			continue
		}
		n.inputs[node.Name] = i
		n.inputOrder = append(n.inputOrder, node.Name)
		if needed[i] {
			n.required = append(n.required, node.Name)
		}
	}
	slices.Sort(n.required)

	for _, i := range g.order {
		node := g.nodes[i]
		if !needed[i] || !isCompute(node.Kind) {
			continue
		}

		s := step{node: i, program: progs[i]}
		switch node.Kind {
		case topology.Builtin:
			s.args = append(slices.Clone(g.inputs[i]), i)
			s.ws = device.WorkSize{Global: []int{node.Output.Count()}}
		case topology.Custom:
			for _, b := range node.Custom.Bindings {
				if b.Role == topology.RoleOutput {
					s.args = append(s.args, i)
				} else {
					s.args = append(s.args, g.inputs[i][b.Index])
				}
			}
			s.ws = node.Custom.WorkSize(node.Output)
		}
		n.steps = append(n.steps, s)

		if !slices.Contains(n.outputs, i) {
			buf, err := n.eng.Allocate(node.Output)
			if err != nil {
				return fmt.Errorf("network: node %q: %w", node.Name, err)
			}
			n.scratch[i] = buf
		}
	}
	return nil
}
