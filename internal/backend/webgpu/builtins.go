package webgpu

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/tensor"
)

// builtin is the generated shader of an engine primitive together with the
// number of invocations it needs.
type builtin struct {
	shader *shader
	items  int
}

const elementwiseTemplate = `%s
@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= arrayLength(&output)) {
        return;
    }
%s
}
`

const softmaxTemplate = `@group(0) @binding(0) var<storage, read> input0: array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;

const FEATURES: u32 = %du;
const PLANE: u32 = %du;
const POSITIONS: u32 = %du;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let pos = gid.x;
    if (pos >= POSITIONS) {
        return;
    }
    let base = (pos / PLANE) * FEATURES * PLANE + pos %% PLANE;

    var max_val: f32 = input0[base];
    for (var f: u32 = 1u; f < FEATURES; f = f + 1u) {
        max_val = max(max_val, input0[base + f * PLANE]);
    }
    var sum: f32 = 0.0;
    for (var f: u32 = 0u; f < FEATURES; f = f + 1u) {
        let e = exp(input0[base + f * PLANE] - max_val);
        output[base + f * PLANE] = e;
        sum = sum + e;
    }
    for (var f: u32 = 0u; f < FEATURES; f = f + 1u) {
        output[base + f * PLANE] = output[base + f * PLANE] / sum;
    }
}
`

// newBuiltin generates the shader of op. Primitives run on unpadded f32
// buffers that share one layout; softmax additionally needs bfyx.
func newBuiltin(op device.BuiltinOp) (*builtin, error) {
	out := op.Output
	if out.DataType != tensor.F32 || out.IsPadded() {
		return nil, fmt.Errorf("webgpu: %s supports unpadded f32 buffers only, output is %s", op.Kind, out)
	}
	for i, l := range op.Inputs {
		if l != out {
			return nil, fmt.Errorf("webgpu: %s: input %d layout %s differs from output layout %s", op.Kind, i, l, out)
		}
	}

	var (
		code  string
		items = out.Count()
		err   error
	)
	switch op.Kind {
	case device.Activation:
		if len(op.Inputs) != 1 {
			return nil, fmt.Errorf("webgpu: activation takes 1 input, got %d", len(op.Inputs))
		}
		var expr string
		if expr, err = activationExpr(op.Activation, op.Params); err != nil {
			return nil, err
		}
		code = fmt.Sprintf(elementwiseTemplate, declarations(1), maxWorkgroupSize,
			"    let x = input0[i];\n    output[i] = "+expr+";")
	case device.Eltwise:
		var body string
		if body, err = eltwiseBody(op.Eltwise, op.Params, len(op.Inputs)); err != nil {
			return nil, err
		}
		code = fmt.Sprintf(elementwiseTemplate, declarations(len(op.Inputs)), maxWorkgroupSize, body)
	case device.Softmax:
		if len(op.Inputs) != 1 {
			return nil, fmt.Errorf("webgpu: softmax takes 1 input, got %d", len(op.Inputs))
		}
		if out.Format != tensor.BFYX {
			return nil, fmt.Errorf("webgpu: softmax needs bfyx, got %s", out.Format)
		}
		s := out.Shape
		items = s.Batch * s.Y * s.X
		code = fmt.Sprintf(softmaxTemplate, s.Feature, s.Y*s.X, items, maxWorkgroupSize)
	default:
		return nil, fmt.Errorf("webgpu: unsupported builtin %s", op.Kind)
	}

	sh, err := parseShader([]string{code}, "main", "")
	if err != nil {
		return nil, fmt.Errorf("webgpu: generated %s shader: %w", op.Kind, err)
	}
	sh.entry = op.Kind.String()
	return &builtin{shader: sh, items: items}, nil
}

func declarations(inputs int) string {
	var sb strings.Builder
	for i := range inputs {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read> input%d: array<f32>;\n", i, i)
	}
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> output: array<f32>;\n", inputs)
	return sb.String()
}

func activationExpr(mode device.ActivationMode, params []float32) (string, error) {
	if len(params) != mode.NumParams() {
		return "", fmt.Errorf("webgpu: activation %s takes %d parameter(s), got %d", mode, mode.NumParams(), len(params))
	}
	p := make([]string, len(params))
	for i, v := range params {
		lit, err := floatLiteral(v)
		if err != nil {
			return "", fmt.Errorf("webgpu: activation %s: %w", mode, err)
		}
		p[i] = lit
	}

	switch mode {
	case device.Relu:
		return "max(x, 0.0)", nil
	case device.ReluNegativeSlope:
		return "select(x, x * " + p[0] + ", x < 0.0)", nil
	case device.Linear:
		return p[0] + " * x + " + p[1], nil
	case device.Clamp:
		if params[0] > params[1] {
			return "", fmt.Errorf("webgpu: clamp: min %g is greater than max %g", params[0], params[1])
		}
		return "clamp(x, " + p[0] + ", " + p[1] + ")", nil
	case device.Sigmoid:
		return "1.0 / (1.0 + exp(-x))", nil
	case device.Tanh:
		return "tanh(x)", nil
	case device.Abs:
		return "abs(x)", nil
	case device.Exp:
		return "exp(x)", nil
	default:
		return "", fmt.Errorf("webgpu: unsupported activation %s", mode)
	}
}

func eltwiseBody(mode device.EltwiseMode, coeffs []float32, n int) (string, error) {
	if n < 2 {
		return "", fmt.Errorf("webgpu: eltwise needs at least 2 inputs, got %d", n)
	}
	if len(coeffs) != 0 && (mode != device.Sum || len(coeffs) != n) {
		return "", fmt.Errorf("webgpu: eltwise %s: %d coefficients for %d inputs", mode, len(coeffs), n)
	}
	term := func(k int) (string, error) {
		v := fmt.Sprintf("input%d[i]", k)
		if len(coeffs) == 0 {
			return v, nil
		}
		lit, err := floatLiteral(coeffs[k])
		return lit + " * " + v, err
	}

	var sb strings.Builder
	first, err := term(0)
	if err != nil {
		return "", err
	}
	sb.WriteString("    var acc = " + first + ";\n")
	for k := 1; k < n; k++ {
		t, err := term(k)
		if err != nil {
			return "", err
		}
		switch mode {
		case device.Sum:
			sb.WriteString("    acc = acc + " + t + ";\n")
		case device.Sub:
			sb.WriteString("    acc = acc - " + t + ";\n")
		case device.Prod:
			sb.WriteString("    acc = acc * " + t + ";\n")
		case device.Div:
			sb.WriteString("    acc = acc / " + t + ";\n")
		case device.Max:
			sb.WriteString("    acc = max(acc, " + t + ");\n")
		case device.Min:
			sb.WriteString("    acc = min(acc, " + t + ");\n")
		default:
			return "", fmt.Errorf("webgpu: unsupported eltwise mode %s", mode)
		}
	}
	sb.WriteString("    output[i] = acc;")
	return sb.String(), nil
}

// floatLiteral renders v as a parenthesized WGSL f32 literal.
func floatLiteral(v float32) (string, error) {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return "", fmt.Errorf("parameter %v is not finite", v)
	}
	s := strconv.FormatFloat(float64(v), 'f', -1, 32)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return "(" + s + ")", nil
}
