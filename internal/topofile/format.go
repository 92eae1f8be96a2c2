package topofile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/kgraph/internal/tensor"
	"github.com/born-ml/kgraph/internal/topology"
)

// Node kinds as written in a file.
const (
	KindInput   = "input"
	KindData    = "data"
	KindBuiltin = "builtin"
	KindCustom  = "custom"
)

// File is the YAML form of a topology.
type File struct {
	Name    string   `yaml:"name,omitempty"`    // Network name
	Outputs []string `yaml:"outputs,omitempty"` // Requested outputs; empty means every sink
	Nodes   []Node   `yaml:"nodes"`
}

// Node is one topology node. Kind selects which of the optional fields apply.
type Node struct {
	Name   string    `yaml:"name"`
	Kind   string    `yaml:"kind"`
	Inputs []string  `yaml:"inputs,omitempty"`
	Layout Layout    `yaml:"layout"`
	Values []float64 `yaml:"values,omitempty,flow"` // data contents, or default input values

	Op     string    `yaml:"op,omitempty"`   // builtin: activation, eltwise, softmax, reorder
	Mode   string    `yaml:"mode,omitempty"` // builtin: activation or eltwise mode
	Params []float32 `yaml:"params,omitempty,flow"`

	Kernel *Kernel `yaml:"kernel,omitempty"` // custom
}

// Kernel describes the program of a custom node. Files are resolved relative
// to the topology file by Load and appended to Sources.
type Kernel struct {
	Sources  []string `yaml:"sources,omitempty"`
	Files    []string `yaml:"files,omitempty"`
	Entry    string   `yaml:"entry"`
	Flags    string   `yaml:"flags,omitempty"`
	Bindings []string `yaml:"bindings,flow"` // input0, input1, ..., output0
	Global   []int    `yaml:"global,omitempty,flow"`
	Local    []int    `yaml:"local,omitempty,flow"`
}

// Layout is a tensor layout. Shape lists up to four dimensions in b,f,y,x
// order; missing leading dimensions are 1.
type Layout struct {
	Type   string `yaml:"type"`
	Format string `yaml:"format,omitempty"`
	Shape  []int  `yaml:"shape,flow"`
}

func (l Layout) layout() (tensor.Layout, error) {
	dt, err := tensor.ParseDataType(l.Type)
	if err != nil {
		return tensor.Layout{}, err
	}
	format, err := tensor.ParseFormat(l.Format)
	if err != nil {
		return tensor.Layout{}, err
	}
	shape, err := tensor.ShapeOf(l.Shape...)
	if err != nil {
		return tensor.Layout{}, err
	}
	out := tensor.NewLayout(dt, format, shape)
	return out, out.Validate()
}

func layoutOf(l tensor.Layout) Layout {
	dims := l.Shape.Dims()
	return Layout{Type: l.DataType.String(), Format: l.Format.String(), Shape: dims[:]}
}

// parseBinding parses the names produced by topology.Binding.String.
func parseBinding(s string) (topology.Binding, error) {
	role, digits := topology.RoleInput, ""
	switch {
	case strings.HasPrefix(s, "input"):
		digits = strings.TrimPrefix(s, "input")
	case strings.HasPrefix(s, "output"):
		role, digits = topology.RoleOutput, strings.TrimPrefix(s, "output")
	default:
		return topology.Binding{}, fmt.Errorf("binding %q: want inputN or outputN", s)
	}
	if digits == "" {
		digits = "0"
	}
	i, err := strconv.Atoi(digits)
	if err != nil || i < 0 {
		return topology.Binding{}, fmt.Errorf("binding %q: bad index", s)
	}
	return topology.Binding{Role: role, Index: i}, nil
}
