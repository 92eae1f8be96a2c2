// Package topofile reads and writes topologies as YAML.
//
// A file lists its nodes in any order; references are resolved when the
// topology is compiled. Custom kernels carry their OpenCL C inline or in
// files next to the topology:
//
//	name: custom-primitive
//	nodes:
//	  - name: input
//	    kind: input
//	    layout: {type: f32, format: bfyx, shape: [1, 1, 3, 3]}
//	    values: [1, 2, 3, 4, 5, 6, 7, 8, 9]
//	  - name: add
//	    kind: custom
//	    inputs: [input, input]
//	    layout: {type: f32, format: bfyx, shape: [1, 1, 3, 3]}
//	    kernel:
//	      files: [add_kernel.cl]
//	      entry: add_kernel
//	      bindings: [input0, input1, output0]
package topofile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/network"
	"github.com/born-ml/kgraph/internal/topology"
)

// Decode reads a topology file. Unknown fields are rejected.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("topofile: empty document")
		}
		return nil, fmt.Errorf("topofile: %w", err)
	}
	return &f, nil
}

// Load reads the topology file at path and inlines kernel files, which are
// resolved relative to the directory of path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topofile: %w", err)
	}
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range f.Nodes {
		k := f.Nodes[i].Kernel
		if k == nil {
			continue
		}
		for _, name := range k.Files {
			if !filepath.IsAbs(name) {
				name = filepath.Join(dir, name)
			}
			src, err := os.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("topofile: node %q: %w", f.Nodes[i].Name, err)
			}
			k.Sources = append(k.Sources, string(src))
		}
		k.Files = nil
	}
	return f, nil
}

// Marshal encodes f as YAML.
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("topofile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("topofile: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes f to path.
func (f *File) Save(path string) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Graph is a topology built from a file together with the buffers of its
// data nodes.
type Graph struct {
	Name     string
	Topology *topology.Topology
	Outputs  []string
	Values   map[string][]float64 // default values of input nodes

	data []*engine.Buffer
}

// Build creates the topology on eng. Data nodes are allocated and uploaded;
// Release frees them.
func (f *File) Build(eng *engine.Engine) (*Graph, error) {
	g := &Graph{
		Name:     f.Name,
		Topology: topology.New(),
		Outputs:  slices.Clone(f.Outputs),
		Values:   make(map[string][]float64),
	}
	for _, fn := range f.Nodes {
		n, err := g.node(eng, fn)
		if err != nil {
			g.Release()
			return nil, fmt.Errorf("topofile: node %q: %w", fn.Name, err)
		}
		if err := g.Topology.Add(n); err != nil {
			g.Release()
			return nil, fmt.Errorf("topofile: %w", err)
		}
	}
	return g, nil
}

func (g *Graph) node(eng *engine.Engine, fn Node) (topology.Node, error) {
	n := topology.Node{Name: fn.Name, Inputs: slices.Clone(fn.Inputs)}

	var err error
	if n.Output, err = fn.Layout.layout(); err != nil {
		return n, err
	}

	switch fn.Kind {
	case KindInput:
		n.Kind = topology.Input
		if len(fn.Values) > 0 {
			if len(fn.Values) != n.Output.Count() {
				return n, &engine.SizeMismatchError{Unit: "values", Want: n.Output.Count(), Got: len(fn.Values)}
			}
			g.Values[fn.Name] = slices.Clone(fn.Values)
		}
	case KindData:
		n.Kind = topology.Data
		if eng == nil {
			return n, errors.New("data nodes need an engine")
		}
		buf, err := eng.Allocate(n.Output)
		if err != nil {
			return n, err
		}
		g.data = append(g.data, buf)
		if err := buf.UploadAny(fn.Values); err != nil {
			return n, err
		}
		n.Data = buf
	case KindBuiltin:
		n.Kind = topology.Builtin
		if n.Op, err = parseOp(fn); err != nil {
			return n, err
		}
	case KindCustom:
		n.Kind = topology.Custom
		if fn.Kernel == nil {
			return n, errors.New("custom node without a kernel")
		}
		if len(fn.Kernel.Files) > 0 {
			return n, fmt.Errorf("kernel files %v not loaded", fn.Kernel.Files)
		}
		c := &topology.CustomKernel{
			Sources:        slices.Clone(fn.Kernel.Sources),
			EntryPoint:     fn.Kernel.Entry,
			CompileFlags:   fn.Kernel.Flags,
			GlobalWorkSize: slices.Clone(fn.Kernel.Global),
			LocalWorkSize:  slices.Clone(fn.Kernel.Local),
		}
		for _, s := range fn.Kernel.Bindings {
			b, err := parseBinding(s)
			if err != nil {
				return n, err
			}
			c.Bindings = append(c.Bindings, b)
		}
		n.Custom = c
	default:
		return n, fmt.Errorf("unknown kind %q", fn.Kind)
	}
	return n, nil
}

func parseOp(fn Node) (topology.Op, error) {
	op := topology.Op{Params: slices.Clone(fn.Params)}
	var err error
	switch fn.Op {
	case "activation":
		op.Kind = device.Activation
		op.Activation, err = device.ParseActivation(fn.Mode)
	case "eltwise":
		op.Kind = device.Eltwise
		op.Eltwise, err = device.ParseEltwise(fn.Mode)
	case "softmax":
		op.Kind = device.Softmax
	case "reorder":
		op.Kind = device.Reorder
	default:
		err = fmt.Errorf("unknown op %q", fn.Op)
	}
	return op, err
}

// Compile compiles the topology on eng with the file's name and outputs.
func (g *Graph) Compile(ctx context.Context, eng *engine.Engine, opts ...network.Option) (*network.Network, error) {
	if g.Name != "" {
		opts = append([]network.Option{network.WithName(g.Name)}, opts...)
	}
	if len(g.Outputs) > 0 {
		opts = append([]network.Option{network.WithOutputs(g.Outputs...)}, opts...)
	}
	return network.Compile(ctx, eng, g.Topology, opts...)
}

// Bind uploads input values and binds them to net. Values in overrides take
// precedence over the file defaults; inputs with neither stay unbound. The
// returned buffers belong to the caller.
func (g *Graph) Bind(net *network.Network, overrides map[string][]float64) ([]*engine.Buffer, error) {
	var bufs []*engine.Buffer
	release := func() {
		for _, b := range bufs {
			b.Release()
		}
	}

	for name := range overrides {
		if !slices.Contains(net.InputNames(), name) {
			return nil, &topology.UnknownInputError{Input: name}
		}
	}
	for _, name := range net.InputNames() {
		values, ok := overrides[name]
		if !ok {
			values, ok = g.Values[name]
		}
		if !ok {
			continue
		}
		n, _ := g.Topology.Node(name)
		buf, err := net.Engine().Allocate(n.Output)
		if err != nil {
			release()
			return nil, fmt.Errorf("topofile: input %q: %w", name, err)
		}
		bufs = append(bufs, buf)
		if err := buf.UploadAny(values); err != nil {
			release()
			return nil, fmt.Errorf("topofile: input %q: %w", name, err)
		}
		if err := net.SetInputData(name, buf); err != nil {
			release()
			return nil, err
		}
	}
	return bufs, nil
}

// Release frees the data node buffers.
func (g *Graph) Release() {
	for _, b := range g.data {
		b.Release()
	}
	g.data = nil
}

// FromTopology describes topo as a file. Data node contents are read back
// from their buffers.
func FromTopology(topo *topology.Topology) (*File, error) {
	f := &File{}
	for _, n := range topo.Nodes() {
		fn := Node{
			Name:   n.Name,
			Inputs: n.Inputs,
			Layout: layoutOf(n.Output),
		}
		switch n.Kind {
		case topology.Input:
			fn.Kind = KindInput
		case topology.Data:
			fn.Kind = KindData
			values, err := n.Data.ReadAny()
			if err != nil {
				return nil, fmt.Errorf("topofile: node %q: %w", n.Name, err)
			}
			fn.Values = values
		case topology.Builtin:
			fn.Kind = KindBuiltin
			fn.Op = n.Op.Kind.String()
			switch n.Op.Kind {
			case device.Activation:
				fn.Mode = n.Op.Activation.String()
			case device.Eltwise:
				fn.Mode = n.Op.Eltwise.String()
			}
			fn.Params = n.Op.Params
		case topology.Custom:
			fn.Kind = KindCustom
			c := n.Custom
			k := &Kernel{
				Sources: c.Sources,
				Entry:   c.EntryPoint,
				Flags:   c.CompileFlags,
				Global:  c.GlobalWorkSize,
				Local:   c.LocalWorkSize,
			}
			for _, b := range c.Bindings {
				k.Bindings = append(k.Bindings, b.String())
			}
			fn.Kernel = k
		}
		f.Nodes = append(f.Nodes, fn)
	}
	return f, nil
}
