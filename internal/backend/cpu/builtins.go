package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/parallel"
	"github.com/born-ml/kgraph/internal/tensor"
)

// newBuiltinProgram builds a primitive that reads its inputs in logical
// b,f,y,x order, computes in float64 and writes the output layout.
func newBuiltinProgram(op device.BuiltinOp, cfg parallel.Config) (*program, error) {
	if err := checkBuiltin(op); err != nil {
		return nil, err
	}

	var compute func(in [][]float64) []float64
	switch op.Kind {
	case device.Activation:
		fn, err := activation(op.Activation, op.Params)
		if err != nil {
			return nil, err
		}
		compute = func(in [][]float64) []float64 {
			v := in[0]
			parallel.ForRange(len(v), func(s, e int) { fn(v[s:e]) }, cfg)
			return v
		}
	case device.Eltwise:
		fn, err := eltwise(op.Eltwise, op.Params, len(op.Inputs))
		if err != nil {
			return nil, err
		}
		compute = fn
	case device.Softmax:
		shape := op.Output.Shape
		compute = func(in [][]float64) []float64 {
			softmax(in[0], shape, cfg)
			return in[0]
		}
	case device.Reorder:
		compute = func(in [][]float64) []float64 { return in[0] }
	default:
		return nil, fmt.Errorf("cpu: unsupported builtin %s", op.Kind)
	}

	params := make([]device.ParamInfo, 0, len(op.Inputs)+1)
	for i, l := range op.Inputs {
		params = append(params, device.ParamInfo{
			Name:     fmt.Sprintf("input%d", i),
			Element:  cName(l.DataType),
			Buffer:   true,
			ReadOnly: true,
		})
	}
	params = append(params, device.ParamInfo{Name: "output", Element: cName(op.Output.DataType), Buffer: true})

	return &program{
		entry:  op.Kind.String(),
		params: params,
		run: func(bufs [][]byte, _ device.WorkSize) error {
			in := make([][]float64, len(op.Inputs))
			for i, l := range op.Inputs {
				if len(bufs[i]) != l.ByteSize() {
					return fmt.Errorf("cpu: %s: input %d holds %d bytes, layout %s needs %d", op.Kind, i, len(bufs[i]), l, l.ByteSize())
				}
				in[i] = toPlain(l, bufs[i])
			}
			out := bufs[len(op.Inputs)]
			if len(out) != op.Output.ByteSize() {
				return fmt.Errorf("cpu: %s: output holds %d bytes, layout %s needs %d", op.Kind, len(out), op.Output, op.Output.ByteSize())
			}
			fromPlain(op.Output, compute(in), out)
			return nil
		},
	}, nil
}

func checkBuiltin(op device.BuiltinOp) error {
	want := 1
	if op.Kind == device.Eltwise {
		if len(op.Inputs) < 2 {
			return fmt.Errorf("cpu: eltwise needs at least 2 inputs, got %d", len(op.Inputs))
		}
		want = len(op.Inputs)
	}
	if len(op.Inputs) != want {
		return fmt.Errorf("cpu: %s takes %d input(s), got %d", op.Kind, want, len(op.Inputs))
	}
	for i, l := range op.Inputs {
		if l.Shape != op.Output.Shape {
			return fmt.Errorf("cpu: %s: input %d shape %s differs from output shape %s", op.Kind, i, l.Shape, op.Output.Shape)
		}
	}
	return nil
}

func activation(mode device.ActivationMode, params []float32) (func([]float64), error) {
	if len(params) != mode.NumParams() {
		return nil, fmt.Errorf("cpu: activation %s takes %d parameter(s), got %d", mode, mode.NumParams(), len(params))
	}
	apply := func(f func(float64) float64) func([]float64) {
		return func(v []float64) {
			for i, x := range v {
				v[i] = f(x)
			}
		}
	}

	switch mode {
	case device.Relu:
		return apply(func(x float64) float64 { return math.Max(0, x) }), nil
	case device.ReluNegativeSlope:
		slope := float64(params[0])
		return apply(func(x float64) float64 {
			if x < 0 {
				return x * slope
			}
			return x
		}), nil
	case device.Linear:
		a, b := float64(params[0]), float64(params[1])
		return func(v []float64) {
			floats.Scale(a, v)
			floats.AddConst(b, v)
		}, nil
	case device.Clamp:
		lo, hi := float64(params[0]), float64(params[1])
		if lo > hi {
			return nil, fmt.Errorf("cpu: clamp: min %g is greater than max %g", lo, hi)
		}
		return apply(func(x float64) float64 { return math.Min(hi, math.Max(lo, x)) }), nil
	case device.Sigmoid:
		return apply(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }), nil
	case device.Tanh:
		return apply(math.Tanh), nil
	case device.Abs:
		return apply(math.Abs), nil
	case device.Exp:
		return apply(math.Exp), nil
	default:
		return nil, fmt.Errorf("cpu: unsupported activation %s", mode)
	}
}

// eltwise folds the inputs left to right into a copy of the first one.
func eltwise(mode device.EltwiseMode, coeffs []float32, n int) (func([][]float64) []float64, error) {
	if len(coeffs) != 0 && (mode != device.Sum || len(coeffs) != n) {
		return nil, fmt.Errorf("cpu: eltwise %s: %d coefficients for %d inputs", mode, len(coeffs), n)
	}

	var fold func(acc, in []float64, i int)
	switch mode {
	case device.Sum:
		fold = func(acc, in []float64, i int) {
			if len(coeffs) > 0 {
				floats.AddScaled(acc, float64(coeffs[i]), in)
				return
			}
			floats.Add(acc, in)
		}
	case device.Sub:
		fold = func(acc, in []float64, _ int) { floats.Sub(acc, in) }
	case device.Prod:
		fold = func(acc, in []float64, _ int) { floats.Mul(acc, in) }
	case device.Div:
		fold = func(acc, in []float64, _ int) { floats.Div(acc, in) }
	case device.Max:
		fold = func(acc, in []float64, _ int) {
			for j := range acc {
				acc[j] = math.Max(acc[j], in[j])
			}
		}
	case device.Min:
		fold = func(acc, in []float64, _ int) {
			for j := range acc {
				acc[j] = math.Min(acc[j], in[j])
			}
		}
	default:
		return nil, fmt.Errorf("cpu: unsupported eltwise mode %s", mode)
	}

	return func(in [][]float64) []float64 {
		acc := in[0]
		if mode == device.Sum && len(coeffs) > 0 {
			floats.Scale(float64(coeffs[0]), acc)
		}
		for i := 1; i < len(in); i++ {
			fold(acc, in[i], i)
		}
		return acc
	}, nil
}

// softmax normalizes v in place across the feature dimension at every
// (batch, y, x) position.
func softmax(v []float64, s tensor.Shape, cfg parallel.Config) {
	plane := s.Y * s.X
	parallel.ForBatch(s.Batch, plane, func(b, p int) {
		row := make([]float64, s.Feature)
		base := b*s.Feature*plane + p
		for f := range row {
			row[f] = v[base+f*plane]
		}
		floats.AddConst(-floats.Max(row), row)
		for f, x := range row {
			row[f] = math.Exp(x)
		}
		floats.Scale(1/floats.Sum(row), row)
		for f, x := range row {
			v[base+f*plane] = x
		}
	}, cfg)
}
