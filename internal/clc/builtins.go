package clc

import (
	"math"
	"strings"
)

type workItem struct {
	dim        int
	global     [3]int
	local      [3]int
	group      [3]int
	globalSize [3]int
	localSize  [3]int
	numGroups  [3]int
}

// workItemFuncs maps the work-item query built-ins to their value for a
// valid dimension and the value OpenCL returns for an out-of-range one.
var workItemFuncs = map[string]struct {
	get func(w *workItem, d int) int
	def int
}{
	"get_global_id":     {func(w *workItem, d int) int { return w.global[d] }, 0},
	"get_local_id":      {func(w *workItem, d int) int { return w.local[d] }, 0},
	"get_group_id":      {func(w *workItem, d int) int { return w.group[d] }, 0},
	"get_global_size":   {func(w *workItem, d int) int { return w.globalSize[d] }, 1},
	"get_local_size":    {func(w *workItem, d int) int { return w.localSize[d] }, 1},
	"get_num_groups":    {func(w *workItem, d int) int { return w.numGroups[d] }, 1},
	"get_global_offset": {func(*workItem, int) int { return 0 }, 0},
}

var math1 = map[string]func(float64) float64{
	"fabs":    math.Abs,
	"exp":     math.Exp,
	"exp2":    math.Exp2,
	"exp10":   func(x float64) float64 { return math.Pow(10, x) },
	"expm1":   math.Expm1,
	"log":     math.Log,
	"log2":    math.Log2,
	"log10":   math.Log10,
	"log1p":   math.Log1p,
	"sqrt":    math.Sqrt,
	"rsqrt":   func(x float64) float64 { return 1 / math.Sqrt(x) },
	"cbrt":    math.Cbrt,
	"sin":     math.Sin,
	"cos":     math.Cos,
	"tan":     math.Tan,
	"asin":    math.Asin,
	"acos":    math.Acos,
	"atan":    math.Atan,
	"sinh":    math.Sinh,
	"cosh":    math.Cosh,
	"tanh":    math.Tanh,
	"asinh":   math.Asinh,
	"acosh":   math.Acosh,
	"atanh":   math.Atanh,
	"floor":   math.Floor,
	"ceil":    math.Ceil,
	"round":   math.Round,
	"rint":    math.RoundToEven,
	"trunc":   math.Trunc,
	"erf":     math.Erf,
	"erfc":    math.Erfc,
	"tgamma":  math.Gamma,
	"degrees": func(x float64) float64 { return x * 180 / math.Pi },
	"radians": func(x float64) float64 { return x * math.Pi / 180 },
	"sign": func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	},
	"lgamma": func(x float64) float64 {
		v, _ := math.Lgamma(x)
		return v
	},
}

var math2 = map[string]func(x, y float64) float64{
	"pow":       math.Pow,
	"powr":      math.Pow,
	"fmax":      fmax,
	"fmin":      fmin,
	"fmod":      math.Mod,
	"remainder": math.Remainder,
	"atan2":     math.Atan2,
	"hypot":     math.Hypot,
	"copysign":  math.Copysign,
	"fdim":      math.Dim,
	"step": func(edge, x float64) float64 {
		if x < edge {
			return 0
		}
		return 1
	},
}

var math3 = map[string]func(x, y, z float64) float64{
	"fma": math.FMA,
	"mad": func(x, y, z float64) float64 { return x*y + z },
	"mix": func(x, y, a float64) float64 { return x + (y-x)*a },
	"smoothstep": func(e0, e1, x float64) float64 {
		t := math.Max(0, math.Min(1, (x-e0)/(e1-e0)))
		return t * t * (3 - 2*t)
	},
}

var classify = map[string]func(float64) bool{
	"isnan":    math.IsNaN,
	"isinf":    func(x float64) bool { return math.IsInf(x, 0) },
	"isfinite": func(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) },
	"isnormal": func(x float64) bool { return x != 0 && !math.IsNaN(x) && !math.IsInf(x, 0) && math.Abs(x) >= 0x1p-126 },
	"signbit":  math.Signbit,
}

var unsupportedBuiltins = map[string]string{
	"barrier":               "barrier is not supported",
	"work_group_barrier":    "barrier is not supported",
	"mem_fence":             "memory fences are not supported",
	"read_mem_fence":        "memory fences are not supported",
	"write_mem_fence":       "memory fences are not supported",
	"printf":                "printf is not supported",
	"async_work_group_copy": "async copies require local memory, which is not supported",
}

func fmax(x, y float64) float64 {
	switch {
	case math.IsNaN(x):
		return y
	case math.IsNaN(y):
		return x
	}
	return math.Max(x, y)
}

func fmin(x, y float64) float64 {
	switch {
	case math.IsNaN(x):
		return y
	case math.IsNaN(y):
		return x
	}
	return math.Min(x, y)
}

var roundingModes = map[string]func(float64) float64{
	"rte": math.RoundToEven,
	"rtz": math.Trunc,
	"rtp": math.Ceil,
	"rtn": math.Floor,
}

// builtinCall type-checks a call to a built-in function. It reports false
// when name is not a built-in.
func (p *parser) builtinCall(name token, args []expr) (expr, bool) {
	fname := name.text
	if msg, ok := unsupportedBuiltins[fname]; ok {
		p.errorf(name, "%s", msg)
	}
	if strings.HasPrefix(fname, "native_") || strings.HasPrefix(fname, "half_") {
		base := fname[strings.IndexByte(fname, '_')+1:]
		if _, ok := math1[base]; ok {
			fname = base
		} else if _, ok := math2[base]; ok {
			fname = base
		} else if base == "recip" || base == "divide" {
			fname = base
		}
	}

	arity := func(n int) {
		if len(args) != n {
			p.errorf(name, "'%s' expects %d argument(s), have %d", name.text, n, len(args))
		}
		for _, a := range args {
			p.scalarOperand(a)
		}
	}

	if wi, ok := workItemFuncs[fname]; ok {
		arity(1)
		dim := p.coerce(args[0], kUInt)
		return expr{typ: ctype{kind: kULong}, at: name, eval: func(f *frame) value {
			d := uint64(dim(f))
			if d >= uint64(f.item.dim) {
				return value(wi.def)
			}
			return value(wi.get(f.item, int(d)))
		}}, true
	}
	if fname == "get_work_dim" {
		arity(0)
		return expr{typ: ctype{kind: kUInt}, at: name, eval: func(f *frame) value { return value(f.item.dim) }}, true
	}

	if fn, ok := math1[fname]; ok {
		arity(1)
		k := floatKind(args...)
		x := p.coerce(args[0], k)
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value { return fromFloat(fn(x(f).float()), k) }}, true
	}
	if fn, ok := math2[fname]; ok {
		arity(2)
		k := floatKind(args...)
		x, y := p.coerce(args[0], k), p.coerce(args[1], k)
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value { return fromFloat(fn(x(f).float(), y(f).float()), k) }}, true
	}
	if fn, ok := math3[fname]; ok {
		arity(3)
		k := floatKind(args...)
		x, y, z := p.coerce(args[0], k), p.coerce(args[1], k), p.coerce(args[2], k)
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value {
			return fromFloat(fn(x(f).float(), y(f).float(), z(f).float()), k)
		}}, true
	}
	if fn, ok := classify[fname]; ok {
		arity(1)
		x := p.coerce(args[0], floatKind(args...))
		return intExpr(name, func(f *frame) value { return boolValue(fn(x(f).float())) }), true
	}

	switch fname {
	case "recip":
		arity(1)
		k := floatKind(args...)
		x := p.coerce(args[0], k)
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value { return fromFloat(1/x(f).float(), k) }}, true
	case "divide":
		arity(2)
		k := floatKind(args...)
		x, y := p.coerce(args[0], k), p.coerce(args[1], k)
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value { return fromFloat(x(f).float()/y(f).float(), k) }}, true
	case "max", "min":
		arity(2)
		k := genericKind(args...)
		x, y := p.coerce(args[0], k), p.coerce(args[1], k)
		pick := maxOf(k)
		if fname == "min" {
			pick = minOf(k)
		}
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value { return pick(x(f), y(f)) }}, true
	case "clamp":
		arity(3)
		k := genericKind(args...)
		x, lo, hi := p.coerce(args[0], k), p.coerce(args[1], k), p.coerce(args[2], k)
		lower, upper := maxOf(k), minOf(k)
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value {
			return upper(lower(x(f), lo(f)), hi(f))
		}}, true
	case "abs":
		arity(1)
		k := genericKind(args...)
		x := p.coerce(args[0], k)
		rk := k
		if k.isInteger() {
			rk = k.toUnsigned()
		}
		return expr{typ: ctype{kind: rk}, at: name, eval: func(f *frame) value { return absOf(x(f), k, rk) }}, true
	case "select":
		arity(3)
		k := promote(args[0].typ.kind, args[1].typ.kind)
		a, b, c, ck := p.coerce(args[0], k), p.coerce(args[1], k), args[2].eval, args[2].typ.kind
		return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value {
			if truth(c(f), ck) {
				return b(f)
			}
			return a(f)
		}}, true
	}

	if strings.HasPrefix(fname, "convert_") {
		return p.convertCall(name, args), true
	}
	return expr{}, false
}

// convertCall handles convert_<type>[_sat][_<rounding>].
func (p *parser) convertCall(name token, args []expr) expr {
	parts := strings.Split(strings.TrimPrefix(name.text, "convert_"), "_")
	k, ok := typeNames[parts[0]]
	if !ok || k == kVoid {
		if isVectorType(parts[0]) {
			p.errorf(name, "vector type '%s' is not supported", parts[0])
		}
		p.errorf(name, "implicit declaration of function '%s' is invalid in OpenCL", name.text)
	}
	var sat bool
	round := math.Trunc
	for _, opt := range parts[1:] {
		if opt == "sat" && !sat {
			sat = true
			continue
		}
		r, ok := roundingModes[opt]
		if !ok {
			p.errorf(name, "implicit declaration of function '%s' is invalid in OpenCL", name.text)
		}
		round = r
	}
	if len(args) != 1 {
		p.errorf(name, "'%s' expects 1 argument(s), have %d", name.text, len(args))
	}
	p.scalarOperand(args[0])

	x, from := args[0].eval, args[0].typ.kind
	rounds := from.isFloat() && k.isInteger()
	return expr{typ: ctype{kind: k}, at: name, eval: func(f *frame) value {
		v := x(f)
		if rounds {
			v = floatValue(round(v.float()))
		}
		if sat {
			return saturate(v, from, k)
		}
		return convert(v, from, k)
	}}
}

// maxOf returns max for operands of kind k. Floating point kinds follow
// fmax and ignore a NaN operand.
func maxOf(k scalarKind) func(x, y value) value {
	if k.isFloat() {
		return func(x, y value) value { return floatValue(fmax(x.float(), y.float())) }
	}
	less := compareOp("<", k)
	return func(x, y value) value {
		if less(x, y) {
			return y
		}
		return x
	}
}

func minOf(k scalarKind) func(x, y value) value {
	if k.isFloat() {
		return func(x, y value) value { return floatValue(fmin(x.float(), y.float())) }
	}
	less := compareOp("<", k)
	return func(x, y value) value {
		if less(y, x) {
			return y
		}
		return x
	}
}

// absOf returns |v| for v of kind k as a value of kind rk, the unsigned
// counterpart for integer kinds.
func absOf(v value, k, rk scalarKind) value {
	switch {
	case k.isFloat():
		return fromFloat(math.Abs(v.float()), rk)
	case !k.isUnsigned() && int64(v) < 0:
		return fromBits(-uint64(v), rk)
	}
	return fromBits(uint64(v), rk)
}

// floatKind is the result kind of a math built-in: the promoted argument
// kind, or float when every argument is an integer.
func floatKind(args ...expr) scalarKind {
	k := args[0].typ.kind
	for _, a := range args[1:] {
		k = promote(k, a.typ.kind)
	}
	if !k.isFloat() {
		return kFloat
	}
	return k
}

// genericKind is the promoted kind of the arguments of max, min, clamp and
// abs, which accept integers as well as floating point values.
func genericKind(args ...expr) scalarKind {
	k := promoteInt(args[0].typ.kind)
	for _, a := range args[1:] {
		k = promote(k, a.typ.kind)
	}
	return k
}
