package device

import (
	"fmt"
	"strings"

	"github.com/born-ml/kgraph/internal/tensor"
)

// OpKind selects an engine-provided primitive.
type OpKind int

// Builtin primitive kinds.
const (
	Activation OpKind = iota
	Eltwise
	Softmax
	Reorder
)

func (k OpKind) String() string {
	switch k {
	case Activation:
		return "activation"
	case Eltwise:
		return "eltwise"
	case Softmax:
		return "softmax"
	case Reorder:
		return "reorder"
	default:
		return "unknown"
	}
}

// ActivationMode is the function applied by an Activation op.
type ActivationMode int

// Activation functions. Params: ReluNegativeSlope{slope}, Linear{a, b}
// computing a*x+b, Clamp{min, max}.
const (
	Relu ActivationMode = iota
	ReluNegativeSlope
	Linear
	Clamp
	Sigmoid
	Tanh
	Abs
	Exp
)

var activationNames = map[ActivationMode]string{
	Relu:              "relu",
	ReluNegativeSlope: "relu_negative_slope",
	Linear:            "linear",
	Clamp:             "clamp",
	Sigmoid:           "sigmoid",
	Tanh:              "tanh",
	Abs:               "abs",
	Exp:               "exp",
}

func (m ActivationMode) String() string {
	if s, ok := activationNames[m]; ok {
		return s
	}
	return "unknown"
}

// NumParams returns how many Params the mode expects.
func (m ActivationMode) NumParams() int {
	switch m {
	case ReluNegativeSlope:
		return 1
	case Linear, Clamp:
		return 2
	default:
		return 0
	}
}

// EltwiseMode combines two or more inputs element by element.
type EltwiseMode int

// Eltwise modes. Sum accepts optional per-input coefficients in Params.
const (
	Sum EltwiseMode = iota
	Sub
	Prod
	Div
	Max
	Min
)

var eltwiseNames = map[EltwiseMode]string{
	Sum:  "sum",
	Sub:  "sub",
	Prod: "prod",
	Div:  "div",
	Max:  "max",
	Min:  "min",
}

func (m EltwiseMode) String() string {
	if s, ok := eltwiseNames[m]; ok {
		return s
	}
	return "unknown"
}

// BuiltinOp describes an engine-provided primitive together with the
// layouts it runs on.
type BuiltinOp struct {
	Kind       OpKind
	Activation ActivationMode
	Eltwise    EltwiseMode
	Params     []float32
	Inputs     []tensor.Layout
	Output     tensor.Layout
}

// Key returns a string that identifies the op and its layouts, suitable as
// a program cache key.
func (op BuiltinOp) Key() string {
	var sb strings.Builder
	sb.WriteString(op.Kind.String())
	switch op.Kind {
	case Activation:
		sb.WriteString("/" + op.Activation.String())
	case Eltwise:
		sb.WriteString("/" + op.Eltwise.String())
	}
	fmt.Fprintf(&sb, "%v", op.Params)
	for _, l := range op.Inputs {
		sb.WriteString("|" + l.String())
	}
	sb.WriteString("->" + op.Output.String())
	return sb.String()
}

// ParseActivation parses an activation name as returned by String.
func ParseActivation(s string) (ActivationMode, error) {
	for m, name := range activationNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("device: unknown activation %q", s)
}

// ParseEltwise parses an eltwise mode name as returned by String.
func ParseEltwise(s string) (EltwiseMode, error) {
	for m, name := range eltwiseNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("device: unknown eltwise mode %q", s)
}
