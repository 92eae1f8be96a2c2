package topology

import (
	"fmt"
	"slices"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/engine"
	"github.com/born-ml/kgraph/internal/tensor"
)

// Kind tags the variant of a Node.
type Kind int

// Node kinds.
const (
	Input Kind = iota
	Data
	Builtin
	Custom
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Data:
		return "data"
	case Builtin:
		return "builtin"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Role says whether a kernel argument reads a node input or writes the
// node output.
type Role int

// Binding roles.
const (
	RoleInput Role = iota
	RoleOutput
)

func (r Role) String() string {
	if r == RoleOutput {
		return "output"
	}
	return "input"
}

// Binding maps one kernel parameter, by position in the binding list, to an
// input of the node or to its output.
type Binding struct {
	Role  Role
	Index int
}

// InputArg binds a kernel parameter to the i-th node input.
func InputArg(i int) Binding { return Binding{Role: RoleInput, Index: i} }

// OutputArg binds a kernel parameter to the i-th node output. Nodes have a
// single output, so i must be 0.
func OutputArg(i int) Binding { return Binding{Role: RoleOutput, Index: i} }

func (b Binding) String() string {
	return fmt.Sprintf("%s%d", b.Role, b.Index)
}

// Op is an engine-provided primitive. Its layouts are filled in by the
// network compiler.
type Op struct {
	Kind       device.OpKind
	Activation device.ActivationMode
	Eltwise    device.EltwiseMode
	Params     []float32
}

// BuiltinOp attaches layouts to the op.
func (o Op) BuiltinOp(inputs []tensor.Layout, output tensor.Layout) device.BuiltinOp {
	return device.BuiltinOp{
		Kind:       o.Kind,
		Activation: o.Activation,
		Eltwise:    o.Eltwise,
		Params:     slices.Clone(o.Params),
		Inputs:     inputs,
		Output:     output,
	}
}

// CustomKernel describes a node computed by user kernel source.
type CustomKernel struct {
	Sources      []string
	EntryPoint   string
	Bindings     []Binding
	CompileFlags string
	// GlobalWorkSize defaults to {Output.Count()} when empty.
	GlobalWorkSize []int
	// LocalWorkSize may be empty to let the device choose.
	LocalWorkSize []int
}

// WorkSize returns the dispatch geometry of the kernel for a node with the
// given output layout.
func (c *CustomKernel) WorkSize(output tensor.Layout) device.WorkSize {
	ws := device.WorkSize{Global: slices.Clone(c.GlobalWorkSize), Local: slices.Clone(c.LocalWorkSize)}
	if len(ws.Global) == 0 {
		ws.Global = []int{output.Count()}
	}
	return ws
}

// Node is one vertex of a topology. Kind selects which of Op, Data and
// Custom is set.
type Node struct {
	Name   string
	Kind   Kind
	Inputs []string
	Output tensor.Layout

	Op     Op             // Builtin
	Data   *engine.Buffer // Data; shared, not copied
	Custom *CustomKernel  // Custom
}

// Clone returns a deep copy of n. A Data node keeps pointing at the same
// buffer.
func (n Node) Clone() Node {
	n.Inputs = slices.Clone(n.Inputs)
	n.Op.Params = slices.Clone(n.Op.Params)
	if n.Custom != nil {
		c := *n.Custom
		c.Sources = slices.Clone(c.Sources)
		c.Bindings = slices.Clone(c.Bindings)
		c.GlobalWorkSize = slices.Clone(c.GlobalWorkSize)
		c.LocalWorkSize = slices.Clone(c.LocalWorkSize)
		n.Custom = &c
	}
	return n
}

// validate checks everything about n that does not depend on other nodes.
func (n *Node) validate() error {
	if n.Name == "" {
		return fmt.Errorf("topology: %w: empty node name", ErrInvalidNode)
	}
	for _, in := range n.Inputs {
		if in == "" {
			return invalidNode(n.Name, "empty input name")
		}
	}

	switch n.Kind {
	case Input:
		if len(n.Inputs) != 0 {
			return invalidNode(n.Name, "input nodes take no inputs")
		}
	case Data:
		if n.Data == nil {
			return invalidNode(n.Name, "data node without a buffer")
		}
		if n.Data.Released() {
			return invalidNode(n.Name, "data buffer was released")
		}
		if len(n.Inputs) != 0 {
			return invalidNode(n.Name, "data nodes take no inputs")
		}
		n.Output = n.Data.Layout()
	case Builtin:
		if err := n.validateOp(); err != nil {
			return err
		}
	case Custom:
		if err := n.validateCustom(); err != nil {
			return err
		}
	default:
		return invalidNode(n.Name, "unknown kind %d", int(n.Kind))
	}

	if err := n.Output.Validate(); err != nil {
		return invalidNode(n.Name, "output layout: %v", err)
	}
	return nil
}

func (n *Node) validateOp() error {
	op := n.Op
	switch op.Kind {
	case device.Eltwise:
		if len(n.Inputs) < 2 {
			return &InvalidBindingError{Node: n.Name, Reason: fmt.Sprintf("eltwise needs at least 2 inputs, got %d", len(n.Inputs))}
		}
		if len(op.Params) != 0 && (op.Eltwise != device.Sum || len(op.Params) != len(n.Inputs)) {
			return invalidNode(n.Name, "eltwise %s: %d coefficients for %d inputs", op.Eltwise, len(op.Params), len(n.Inputs))
		}
	case device.Activation, device.Softmax, device.Reorder:
		if len(n.Inputs) != 1 {
			return &InvalidBindingError{Node: n.Name, Reason: fmt.Sprintf("%s takes 1 input, got %d", op.Kind, len(n.Inputs))}
		}
		if op.Kind == device.Activation && len(op.Params) != op.Activation.NumParams() {
			return invalidNode(n.Name, "activation %s takes %d parameter(s), got %d", op.Activation, op.Activation.NumParams(), len(op.Params))
		}
	default:
		return invalidNode(n.Name, "unknown builtin op %d", int(op.Kind))
	}
	return nil
}

func (n *Node) validateCustom() error {
	c := n.Custom
	if c == nil {
		return invalidNode(n.Name, "custom node without a kernel")
	}
	if c.EntryPoint == "" {
		return invalidNode(n.Name, "empty entry point")
	}
	if !slices.ContainsFunc(c.Sources, func(s string) bool { return s != "" }) {
		return invalidNode(n.Name, "no kernel source")
	}
	if err := validateWorkSize(c.GlobalWorkSize, c.LocalWorkSize); err != nil {
		return invalidNode(n.Name, "%v", err)
	}
	return validateBindings(n.Name, len(n.Inputs), c.Bindings)
}

// validateBindings requires every input index exactly once and a single
// output binding with index 0.
func validateBindings(node string, inputs int, bindings []Binding) error {
	seen := make([]bool, inputs)
	outputs := 0
	for pos, b := range bindings {
		switch b.Role {
		case RoleInput:
			if b.Index < 0 || b.Index >= inputs {
				return &InvalidBindingError{Node: node, Reason: fmt.Sprintf("argument %d binds input %d, node has %d input(s)", pos, b.Index, inputs)}
			}
			if seen[b.Index] {
				return &InvalidBindingError{Node: node, Reason: fmt.Sprintf("argument %d binds input %d a second time", pos, b.Index)}
			}
			seen[b.Index] = true
		case RoleOutput:
			if b.Index != 0 {
				return &InvalidBindingError{Node: node, Reason: fmt.Sprintf("argument %d binds output %d, node has 1 output", pos, b.Index)}
			}
			outputs++
		default:
			return &InvalidBindingError{Node: node, Reason: fmt.Sprintf("argument %d has unknown role %d", pos, int(b.Role))}
		}
	}
	if outputs != 1 {
		return &InvalidBindingError{Node: node, Reason: fmt.Sprintf("want exactly 1 output binding, got %d", outputs)}
	}
	for i, ok := range seen {
		if !ok {
			return &InvalidBindingError{Node: node, Reason: fmt.Sprintf("input %d is not bound", i)}
		}
	}
	return nil
}

func validateWorkSize(global, local []int) error {
	if len(global) > 3 {
		return fmt.Errorf("global work size has %d dimensions, at most 3 allowed", len(global))
	}
	for d, g := range global {
		if g <= 0 {
			return fmt.Errorf("global work size %d in dimension %d must be positive", g, d)
		}
	}
	if len(local) == 0 {
		return nil
	}
	if len(local) != len(global) {
		return fmt.Errorf("local work size has %d dimensions, global has %d", len(local), len(global))
	}
	for d, l := range local {
		if l <= 0 || global[d]%l != 0 {
			return fmt.Errorf("local work size %d does not divide global work size %d in dimension %d", l, global[d], d)
		}
	}
	return nil
}
