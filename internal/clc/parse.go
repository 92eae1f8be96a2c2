package clc

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type ctrl int

const (
	ctrlNone ctrl = iota
	ctrlBreak
	ctrlContinue
	ctrlReturn
)

// stmt executes one statement against a work item's frame.
type stmt func(*frame) ctrl

type buffer struct {
	data []byte
	kind scalarKind
	n    int
}

type frame struct {
	slots []value
	bufs  []buffer
	ret   value
	item  *workItem
}

type ctype struct {
	kind     scalarKind
	pointer  bool
	readOnly bool
}

func (t ctype) String() string {
	s := t.kind.String()
	if t.pointer {
		if t.readOnly {
			s = "const " + s
		}
		s += " *"
	}
	return s
}

// lvalue addresses a private variable slot or a buffer element. loc is
// evaluated once per access so compound assignments see one location.
type lvalue struct {
	loc      func(*frame) int
	load     func(*frame, int) value
	store    func(*frame, int, value)
	readOnly bool
}

type expr struct {
	typ  ctype
	at   token
	eval func(*frame) value // nil for pointer expressions
	lv   *lvalue
	buf  int // pointer expressions: index into frame.bufs
	name string
}

type variable struct {
	name    string
	typ     ctype
	slot    int
	param   bool
	used    bool
	isConst bool
	decl    token
}

type scope struct {
	vars  map[string]*variable
	order []*variable
}

type callSite struct {
	fn *function
	at token
}

type function struct {
	name   string
	ret    ctype
	kernel bool
	params []*variable
	body   stmt
	nslots int
	nbufs  int
	decl   token
	calls  []callSite
}

type declSpec struct {
	at      token
	kind    scalarKind
	isConst bool
	space   string
	kernel  bool
}

type bailout struct{ err *Error }

type parser struct {
	toks     []token
	pos      int
	opts     options
	funcs    map[string]*function
	forder   []*function
	scopes   []*scope
	cur      *function
	nslots   int
	loops    int
	warnings []Diagnostic
}

func newParser(toks []token, opts options) *parser {
	return &parser{toks: toks, opts: opts, funcs: make(map[string]*function)}
}

var (
	qualifierWords = map[string]bool{
		"const": true, "volatile": true, "restrict": true, "__restrict": true,
		"inline": true, "__inline": true, "static": true,
	}
	spaceWords = map[string]string{
		"__global": "global", "global": "global",
		"__constant": "constant", "constant": "constant",
		"__local": "local", "local": "local",
		"__private": "private", "private": "private",
	}
	unsupportedTypeWords = map[string]string{
		"struct":    "structures are not supported",
		"union":     "unions are not supported",
		"enum":      "enumerations are not supported",
		"typedef":   "typedef is not supported",
		"extern":    "extern declarations are not supported",
		"image1d_t": "image types are not supported",
		"image2d_t": "image types are not supported",
		"image3d_t": "image types are not supported",
		"sampler_t": "sampler types are not supported",
		"event_t":   "event types are not supported",
	}
	binaryPrec = map[string]int{
		"||": 1, "&&": 2, "|": 3, "^": 4, "&": 5,
		"==": 6, "!=": 6, "<": 7, ">": 7, "<=": 7, ">=": 7,
		"<<": 8, ">>": 8, "+": 9, "-": 9, "*": 10, "/": 10, "%": 10,
	}
	assignOps = map[string]bool{
		"=": true, "+=": true, "-=": true, "*=": true, "/=": true, "%=": true,
		"<<=": true, ">>=": true, "&=": true, "|=": true, "^=": true,
	}
	integerOps = map[string]bool{"%": true, "&": true, "|": true, "^": true, "<<": true, ">>": true}
)

type namedConstant struct {
	v float64
	k scalarKind
}

var namedConstants = map[string]namedConstant{
	"true":        {1, kInt},
	"false":       {0, kInt},
	"M_PI":        {math.Pi, kDouble},
	"M_PI_F":      {math.Pi, kFloat},
	"M_E":         {math.E, kDouble},
	"M_E_F":       {math.E, kFloat},
	"M_LN2":       {math.Ln2, kDouble},
	"M_LN2_F":     {math.Ln2, kFloat},
	"M_LOG2E":     {math.Log2E, kDouble},
	"M_LOG2E_F":   {math.Log2E, kFloat},
	"M_SQRT2":     {math.Sqrt2, kDouble},
	"M_SQRT2_F":   {math.Sqrt2, kFloat},
	"MAXFLOAT":    {math.MaxFloat32, kFloat},
	"FLT_MAX":     {math.MaxFloat32, kFloat},
	"FLT_MIN":     {0x1p-126, kFloat},
	"FLT_EPSILON": {0x1p-23, kFloat},
	"INFINITY":    {math.Inf(1), kFloat},
	"HUGE_VALF":   {math.Inf(1), kFloat},
	"NAN":         {math.NaN(), kFloat},
	"CHAR_BIT":    {8, kInt},
	"INT_MAX":     {math.MaxInt32, kInt},
	"INT_MIN":     {math.MinInt32, kInt},
	"UINT_MAX":    {math.MaxUint32, kUInt},
}

func (p *parser) program() (prog *Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			prog, err = nil, b.err
		}
	}()

	for p.peek().kind != tEOF {
		p.external()
	}
	p.checkCalls()

	prog = &Program{kernels: make(map[string]*Kernel), warnings: p.warnings}
	for _, fn := range p.forder {
		if !fn.kernel || fn.body == nil {
			continue
		}
		k := &Kernel{Name: fn.name, body: fn.body, nslots: fn.nslots, nbufs: fn.nbufs}
		for _, v := range fn.params {
			k.Params = append(k.Params, Param{
				Name:     v.name,
				Type:     v.typ.kind.String(),
				Pointer:  v.typ.pointer,
				ReadOnly: v.typ.readOnly,
				kind:     v.typ.kind,
				slot:     v.slot,
			})
		}
		prog.kernels[k.Name] = k
		prog.order = append(prog.order, k.Name)
	}
	return prog, nil
}

// checkCalls rejects calls to functions that were declared but never
// defined, and call cycles through prototypes.
func (p *parser) checkCalls() {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*function]int)
	var visit func(fn *function)
	visit = func(fn *function) {
		color[fn] = grey
		for _, c := range fn.calls {
			if c.fn.body == nil {
				p.errorf(c.at, "function '%s' is declared but never defined", c.fn.name)
			}
			switch color[c.fn] {
			case grey:
				p.errorf(c.at, "recursion is not supported in OpenCL")
			case white:
				visit(c.fn)
			}
		}
		color[fn] = black
	}
	for _, fn := range p.forder {
		if color[fn] == white {
			visit(fn)
		}
	}
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(punct string) bool {
	if p.peek().is(punct) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(punct string) token {
	t := p.peek()
	if !t.is(punct) {
		p.errorf(t, "expected '%s', found %s", punct, t)
	}
	return p.next()
}

func (p *parser) expectIdent() token {
	t := p.peek()
	if t.kind != tIdent {
		p.errorf(t, "expected identifier, found %s", t)
	}
	return p.next()
}

func (p *parser) errorf(t token, format string, args ...any) {
	panic(bailout{errAt(t, format, args...)})
}

func (p *parser) warnf(t token, format string, args ...any) {
	p.warnings = append(p.warnings, Diagnostic{Line: t.line, Col: t.col, Warning: true, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) pushScope() {
	p.scopes = append(p.scopes, &scope{vars: make(map[string]*variable)})
}

func (p *parser) popScope() {
	s := p.scopes[len(p.scopes)-1]
	p.scopes = p.scopes[:len(p.scopes)-1]
	for _, v := range s.order {
		if !v.used && !v.param {
			p.warnf(v.decl, "unused variable '%s' [-Wunused-variable]", v.name)
		}
	}
}

func (p *parser) declare(v *variable) {
	s := p.scopes[len(p.scopes)-1]
	if _, dup := s.vars[v.name]; dup {
		p.errorf(v.decl, "redefinition of '%s'", v.name)
	}
	s.vars[v.name] = v
	s.order = append(s.order, v)
}

func (p *parser) lookup(name string) *variable {
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if v, ok := p.scopes[i].vars[name]; ok {
			return v
		}
	}
	return nil
}

// isVectorType reports names like float4 or uchar16.
func isVectorType(name string) bool {
	base := strings.TrimRight(name, "0123456789")
	if base == name {
		return false
	}
	k, ok := typeNames[base]
	if !ok || k == kVoid || k == kBool {
		return false
	}
	switch name[len(base):] {
	case "2", "3", "4", "8", "16":
		return true
	}
	return false
}

func (p *parser) startsType(t token) bool {
	if t.kind != tIdent {
		return false
	}
	_, isType := typeNames[t.text]
	_, isSpace := spaceWords[t.text]
	_, isUnsupported := unsupportedTypeWords[t.text]
	switch t.text {
	case "unsigned", "signed", "__kernel", "kernel", "__attribute__":
		return true
	}
	return isType || isSpace || isUnsupported || qualifierWords[t.text] || isVectorType(t.text)
}

func (p *parser) declSpecifiers() declSpec {
	spec := declSpec{at: p.peek()}
	var sawType, sawUnsigned, sawSigned bool

loop:
	for {
		t := p.peek()
		if t.kind != tIdent {
			break
		}
		switch {
		case t.text == "__kernel" || t.text == "kernel":
			spec.kernel = true
		case t.text == "__attribute__":
			p.next()
			p.skipParens()
			continue
		case t.text == "const":
			spec.isConst = true
		case qualifierWords[t.text]:
		case spaceWords[t.text] != "":
			spec.space = spaceWords[t.text]
			if spec.space == "local" {
				p.errorf(t, "the __local address space is not supported")
			}
		case t.text == "unsigned":
			sawUnsigned = true
		case t.text == "signed":
			sawSigned = true
		case isVectorType(t.text):
			p.errorf(t, "vector type '%s' is not supported", t.text)
		case unsupportedTypeWords[t.text] != "":
			p.errorf(t, "%s", unsupportedTypeWords[t.text])
		default:
			k, ok := typeNames[t.text]
			if !ok {
				break loop
			}
			switch {
			case !sawType:
				spec.kind = k
				sawType = true
			case k == kInt && (spec.kind == kShort || spec.kind == kLong):
			case k == kLong && spec.kind == kLong:
			case (k == kShort || k == kLong) && spec.kind == kInt:
				spec.kind = k
			default:
				p.errorf(t, "cannot combine with previous '%s' declaration specifier", spec.kind)
			}
		}
		p.next()
	}

	switch {
	case sawUnsigned && !sawType:
		spec.kind = kUInt
	case sawUnsigned:
		if !spec.kind.isInteger() || spec.kind == kBool {
			p.errorf(spec.at, "'%s' cannot be signed or unsigned", spec.kind)
		}
		spec.kind = spec.kind.toUnsigned()
	case sawSigned && !sawType:
		spec.kind = kInt
	case !sawType:
		p.errorf(p.peek(), "expected a type, found %s", p.peek())
	}
	return spec
}

func (p *parser) skipParens() {
	p.expect("(")
	for depth := 1; depth > 0; {
		t := p.next()
		switch {
		case t.kind == tEOF:
			p.errorf(t, "expected ')'")
		case t.is("("):
			depth++
		case t.is(")"):
			depth--
		}
	}
}

// pointerDecl consumes '*' and the qualifiers that may follow it and
// returns the indirection depth.
func (p *parser) pointerDecl() int {
	depth := 0
	for p.accept("*") {
		depth++
		for t := p.peek(); t.kind == tIdent && (qualifierWords[t.text] || spaceWords[t.text] != ""); t = p.peek() {
			p.next()
		}
	}
	if depth > 1 {
		p.errorf(p.peek(), "pointers to pointers are not supported")
	}
	return depth
}

func (p *parser) external() {
	spec := p.declSpecifiers()
	depth := p.pointerDecl()
	name := p.expectIdent()
	if !p.peek().is("(") {
		p.errorf(name, "program scope variables are not supported")
	}
	if depth > 0 {
		p.errorf(name, "functions returning pointers are not supported")
	}
	if spec.kernel && spec.kind != kVoid {
		p.errorf(spec.at, "kernel must have void return type")
	}
	p.function(spec, name)
}

func (p *parser) function(spec declSpec, name token) {
	params := p.paramList(spec.kernel)

	fn, exists := p.funcs[name.text]
	if !exists {
		fn = &function{name: name.text, ret: ctype{kind: spec.kind}, kernel: spec.kernel, params: params, decl: name}
		p.funcs[name.text] = fn
		p.forder = append(p.forder, fn)
	} else if !sameSignature(fn, spec, params) {
		p.errorf(name, "conflicting types for '%s'", name.text)
	}

	if p.accept(";") {
		return
	}
	if !p.peek().is("{") {
		p.errorf(p.peek(), "expected function body after function declarator")
	}
	if fn.body != nil {
		p.errorf(name, "redefinition of '%s'", name.text)
	}

	fn.params = params
	p.cur, p.nslots = fn, 0
	p.pushScope()
	for _, v := range params {
		if v.name == "" {
			p.errorf(v.decl, "parameter name omitted")
		}
		if !v.typ.pointer {
			p.nslots++
		} else {
			fn.nbufs++
		}
		p.declare(v)
	}
	body := p.block()
	p.popScope()

	fn.body = body
	fn.nslots = p.nslots
	p.cur = nil
}

func sameSignature(fn *function, spec declSpec, params []*variable) bool {
	if fn.ret.kind != spec.kind || fn.kernel != spec.kernel || len(fn.params) != len(params) {
		return false
	}
	for i, v := range params {
		if fn.params[i].typ != v.typ {
			return false
		}
	}
	return true
}

// paramList parses a parameter list. Scalars take frame slots and pointers
// take buffer slots, both numbered in declaration order, so a prototype and
// its definition agree.
func (p *parser) paramList(kernel bool) []*variable {
	p.expect("(")
	if p.accept(")") {
		return nil
	}
	if p.peek().text == "void" && p.peekAt(1).is(")") {
		p.next()
		p.next()
		return nil
	}

	var (
		params         []*variable
		nscalar, nbufs int
	)
	for {
		ps := p.declSpecifiers()
		depth := p.pointerDecl()
		at := p.peek()
		var name string
		if at.kind == tIdent {
			name = p.next().text
		}
		if p.peek().is("[") {
			p.errorf(p.peek(), "array parameters are not supported")
		}

		t := ctype{kind: ps.kind, pointer: depth > 0, readOnly: ps.isConst || ps.space == "constant"}
		switch {
		case t.pointer && t.kind == kVoid:
			p.errorf(at, "void pointers are not supported")
		case !t.pointer && t.kind == kVoid:
			p.errorf(at, "parameter has incomplete type 'void'")
		case t.pointer && kernel && ps.space != "global" && ps.space != "constant":
			p.errorf(at, "pointer arguments to kernel functions must reside in '__global' or '__constant' address space")
		case !t.pointer && (ps.space == "global" || ps.space == "constant"):
			p.errorf(at, "parameter may not be qualified with an address space")
		}

		v := &variable{name: name, typ: t, param: true, isConst: ps.isConst && !t.pointer, decl: at}
		if t.pointer {
			v.slot = nbufs
			nbufs++
		} else {
			v.slot = nscalar
			nscalar++
		}
		params = append(params, v)
		if !p.accept(",") {
			break
		}
	}
	p.expect(")")
	return params
}

func seq(list []stmt) stmt {
	switch len(list) {
	case 0:
		return nop
	case 1:
		return list[0]
	}
	return func(f *frame) ctrl {
		for _, s := range list {
			if c := s(f); c != ctrlNone {
				return c
			}
		}
		return ctrlNone
	}
}

func nop(*frame) ctrl { return ctrlNone }

func orNop(s stmt) stmt {
	if s == nil {
		return nop
	}
	return s
}

func (p *parser) block() stmt {
	p.expect("{")
	p.pushScope()
	var list []stmt
	for !p.peek().is("}") {
		if p.peek().kind == tEOF {
			p.errorf(p.peek(), "expected '}'")
		}
		if s := p.statement(); s != nil {
			list = append(list, s)
		}
	}
	p.next()
	p.popScope()
	return seq(list)
}

func (p *parser) statement() stmt {
	t := p.peek()
	switch {
	case t.is("{"):
		return p.block()
	case t.is(";"):
		p.next()
		return nil
	case t.kind == tIdent:
		switch t.text {
		case "if":
			return p.ifStmt()
		case "for":
			return p.forStmt()
		case "while":
			return p.whileStmt()
		case "do":
			return p.doStmt()
		case "break", "continue":
			p.next()
			p.expect(";")
			if p.loops == 0 {
				p.errorf(t, "'%s' statement not in loop statement", t.text)
			}
			if t.text == "break" {
				return func(*frame) ctrl { return ctrlBreak }
			}
			return func(*frame) ctrl { return ctrlContinue }
		case "return":
			return p.returnStmt()
		case "switch", "case", "default":
			p.errorf(t, "switch statements are not supported")
		case "goto":
			p.errorf(t, "goto is not supported")
		}
		if p.startsType(t) {
			return p.declaration()
		}
	}
	e := p.expression()
	p.expect(";")
	return exprStmt(e)
}

func exprStmt(e expr) stmt {
	if e.eval == nil {
		return nil
	}
	eval := e.eval
	return func(f *frame) ctrl {
		eval(f)
		return ctrlNone
	}
}

func (p *parser) condition() func(*frame) bool {
	e := p.expression()
	p.scalarOperand(e)
	eval, k := e.eval, e.typ.kind
	return func(f *frame) bool { return truth(eval(f), k) }
}

func (p *parser) ifStmt() stmt {
	p.next()
	p.expect("(")
	cond := p.condition()
	p.expect(")")
	then := orNop(p.statement())

	if t := p.peek(); t.kind == tIdent && t.text == "else" {
		p.next()
		els := orNop(p.statement())
		return func(f *frame) ctrl {
			if cond(f) {
				return then(f)
			}
			return els(f)
		}
	}
	return func(f *frame) ctrl {
		if cond(f) {
			return then(f)
		}
		return ctrlNone
	}
}

func (p *parser) loopBody() stmt {
	p.loops++
	defer func() { p.loops-- }()
	return orNop(p.statement())
}

func (p *parser) forStmt() stmt {
	p.next()
	p.expect("(")
	p.pushScope()
	defer p.popScope()

	var init stmt
	switch {
	case p.accept(";"):
	case p.startsType(p.peek()):
		init = p.declaration()
	default:
		init = exprStmt(p.expression())
		p.expect(";")
	}
	var cond func(*frame) bool
	if !p.peek().is(";") {
		cond = p.condition()
	}
	p.expect(";")
	var post func(*frame) value
	if !p.peek().is(")") {
		post = p.expression().eval
	}
	p.expect(")")
	return loop(init, cond, post, p.loopBody())
}

func (p *parser) whileStmt() stmt {
	p.next()
	p.expect("(")
	cond := p.condition()
	p.expect(")")
	return loop(nil, cond, nil, p.loopBody())
}

func loop(init stmt, cond func(*frame) bool, post func(*frame) value, body stmt) stmt {
	return func(f *frame) ctrl {
		if init != nil {
			init(f)
		}
		for cond == nil || cond(f) {
			switch body(f) {
			case ctrlBreak:
				return ctrlNone
			case ctrlReturn:
				return ctrlReturn
			}
			if post != nil {
				post(f)
			}
		}
		return ctrlNone
	}
}

func (p *parser) doStmt() stmt {
	p.next()
	body := p.loopBody()
	if t := p.expectIdent(); t.text != "while" {
		p.errorf(t, "expected 'while' in do/while loop")
	}
	p.expect("(")
	cond := p.condition()
	p.expect(")")
	p.expect(";")
	return func(f *frame) ctrl {
		for {
			switch body(f) {
			case ctrlBreak:
				return ctrlNone
			case ctrlReturn:
				return ctrlReturn
			}
			if !cond(f) {
				return ctrlNone
			}
		}
	}
}

func (p *parser) returnStmt() stmt {
	t := p.next()
	ret := p.cur.ret.kind
	if p.accept(";") {
		if ret != kVoid {
			p.errorf(t, "non-void function '%s' should return a value", p.cur.name)
		}
		return func(*frame) ctrl { return ctrlReturn }
	}
	e := p.expression()
	p.expect(";")
	if ret == kVoid {
		p.errorf(t, "void function '%s' should not return a value", p.cur.name)
	}
	p.scalarOperand(e)
	val := p.coerce(e, ret)
	return func(f *frame) ctrl {
		f.ret = val(f)
		return ctrlReturn
	}
}

func (p *parser) declaration() stmt {
	spec := p.declSpecifiers()
	if spec.kernel {
		p.errorf(spec.at, "kernel functions cannot be declared inside a function")
	}
	if spec.kind == kVoid {
		p.errorf(spec.at, "variable has incomplete type 'void'")
	}
	if spec.space == "global" || spec.space == "constant" {
		p.errorf(spec.at, "function scope variables cannot be declared in the %s address space", spec.space)
	}

	var list []stmt
	for {
		if p.peek().is("*") {
			p.errorf(p.peek(), "pointer variables are not supported; index kernel arguments directly")
		}
		name := p.expectIdent()
		if p.peek().is("[") {
			p.errorf(p.peek(), "arrays are not supported")
		}
		v := &variable{name: name.text, typ: ctype{kind: spec.kind}, slot: p.nslots, isConst: spec.isConst, decl: name}
		p.nslots++

		slot := v.slot
		if p.accept("=") {
			init := p.assignment()
			p.scalarOperand(init)
			val := p.coerce(init, spec.kind)
			list = append(list, func(f *frame) ctrl {
				f.slots[slot] = val(f)
				return ctrlNone
			})
		} else {
			list = append(list, func(f *frame) ctrl {
				f.slots[slot] = 0
				return ctrlNone
			})
		}
		p.declare(v)
		if !p.accept(",") {
			break
		}
	}
	p.expect(";")
	return seq(list)
}

// scalarOperand rejects pointer and void operands.
func (p *parser) scalarOperand(e expr) {
	switch {
	case e.typ.pointer:
		p.errorf(e.at, "pointer '%s' cannot be used as a value; pointer arithmetic is not supported", e.name)
	case e.typ.kind == kVoid:
		p.errorf(e.at, "void value cannot be used in an expression")
	}
}

func (p *parser) coerce(e expr, k scalarKind) func(*frame) value {
	eval, from := e.eval, e.typ.kind
	if from == k {
		return eval
	}
	return func(f *frame) value { return convert(eval(f), from, k) }
}

func intExpr(at token, eval func(*frame) value) expr {
	return expr{typ: ctype{kind: kInt}, at: at, eval: eval}
}

// constExpr yields v, which must already be a value of kind k.
func constExpr(at token, v value, k scalarKind) expr {
	return expr{typ: ctype{kind: k}, at: at, eval: func(*frame) value { return v }}
}

func lvalueExpr(t ctype, at token, lv *lvalue) expr {
	return expr{typ: t, at: at, lv: lv, eval: func(f *frame) value { return lv.load(f, lv.loc(f)) }}
}

func (p *parser) expression() expr {
	e := p.assignment()
	for p.peek().is(",") {
		p.next()
		r := p.assignment()
		if e.eval == nil || r.eval == nil {
			p.errorf(r.at, "pointer operands are not supported in comma expressions")
		}
		l, rv := e.eval, r.eval
		e = expr{typ: r.typ, at: r.at, eval: func(f *frame) value {
			l(f)
			return rv(f)
		}}
	}
	return e
}

func (p *parser) assignment() expr {
	lhs := p.conditional()
	if t := p.peek(); t.kind == tPunct && assignOps[t.text] {
		p.next()
		rhs := p.assignment()
		return p.assign(t, lhs, rhs)
	}
	return lhs
}

func (p *parser) conditional() expr {
	c := p.binaryExpr(0)
	if !p.peek().is("?") {
		return c
	}
	q := p.next()
	p.scalarOperand(c)
	a := p.expression()
	p.expect(":")
	b := p.conditional()
	p.scalarOperand(a)
	p.scalarOperand(b)

	k := promote(a.typ.kind, b.typ.kind)
	ce, ck, x, y := c.eval, c.typ.kind, p.coerce(a, k), p.coerce(b, k)
	return expr{typ: ctype{kind: k}, at: q, eval: func(f *frame) value {
		if truth(ce(f), ck) {
			return x(f)
		}
		return y(f)
	}}
}

func (p *parser) binaryExpr(minPrec int) expr {
	lhs := p.castExpr()
	for {
		t := p.peek()
		prec, ok := binaryPrec[t.text]
		if t.kind != tPunct || !ok || prec <= minPrec {
			return lhs
		}
		p.next()
		rhs := p.binaryExpr(prec)
		lhs = p.binary(t, lhs, rhs)
	}
}

func (p *parser) binary(op token, a, b expr) expr {
	p.scalarOperand(a)
	p.scalarOperand(b)
	x, y := a.eval, b.eval
	xk, yk := a.typ.kind, b.typ.kind

	switch op.text {
	case "&&":
		return intExpr(op, func(f *frame) value {
			return boolValue(truth(x(f), xk) && truth(y(f), yk))
		})
	case "||":
		return intExpr(op, func(f *frame) value {
			return boolValue(truth(x(f), xk) || truth(y(f), yk))
		})
	case "==", "!=", "<", ">", "<=", ">=":
		k := promote(xk, yk)
		cmp := compareOp(op.text, k)
		cx, cy := p.coerce(a, k), p.coerce(b, k)
		return intExpr(op, func(f *frame) value { return boolValue(cmp(cx(f), cy(f))) })
	}

	if integerOps[op.text] && (!a.typ.kind.isInteger() || !b.typ.kind.isInteger()) {
		p.errorf(op, "invalid operands to binary expression ('%s' and '%s')", a.typ, b.typ)
	}
	k := promote(a.typ.kind, b.typ.kind)
	cy := p.coerce(b, k)
	if op.text == "<<" || op.text == ">>" {
		k = promoteInt(a.typ.kind)
		cy = y
	}
	fn := arith(op, k)
	cx := p.coerce(a, k)
	return expr{typ: ctype{kind: k}, at: op, eval: func(f *frame) value { return fn(cx(f), cy(f)) }}
}

// compareOp returns the relational operator op for operands of kind k.
func compareOp(op string, k scalarKind) func(x, y value) bool {
	switch {
	case k.isFloat():
		return ordered(op, value.float)
	case k.isUnsigned():
		return ordered(op, func(v value) uint64 { return uint64(v) })
	default:
		return ordered(op, func(v value) int64 { return int64(v) })
	}
}

func ordered[T cmp.Ordered](op string, as func(value) T) func(x, y value) bool {
	switch op {
	case "==":
		return func(x, y value) bool { return as(x) == as(y) }
	case "!=":
		return func(x, y value) bool { return as(x) != as(y) }
	case "<":
		return func(x, y value) bool { return as(x) < as(y) }
	case ">":
		return func(x, y value) bool { return as(x) > as(y) }
	case "<=":
		return func(x, y value) bool { return as(x) <= as(y) }
	default:
		return func(x, y value) bool { return as(x) >= as(y) }
	}
}

// arith returns the arithmetic operator op evaluated in kind k. Operands
// must already be converted to k; shift counts may be any integer.
func arith(op token, k scalarKind) func(x, y value) value {
	if k.isFloat() {
		switch op.text {
		case "+":
			return func(x, y value) value { return fromFloat(x.float()+y.float(), k) }
		case "-":
			return func(x, y value) value { return fromFloat(x.float()-y.float(), k) }
		case "*":
			return func(x, y value) value { return fromFloat(x.float()*y.float(), k) }
		default:
			return func(x, y value) value { return fromFloat(x.float()/y.float(), k) }
		}
	}

	unsigned := k.isUnsigned()
	mask := uint64(k.bits() - 1)
	switch op.text {
	case "+":
		return func(x, y value) value { return fromBits(uint64(x+y), k) }
	case "-":
		return func(x, y value) value { return fromBits(uint64(x-y), k) }
	case "*":
		return func(x, y value) value { return fromBits(uint64(x*y), k) }
	case "&":
		return func(x, y value) value { return fromBits(uint64(x&y), k) }
	case "|":
		return func(x, y value) value { return fromBits(uint64(x|y), k) }
	case "^":
		return func(x, y value) value { return fromBits(uint64(x^y), k) }
	case "<<":
		return func(x, y value) value { return fromBits(uint64(x)<<(uint64(y)&mask), k) }
	case ">>":
		return func(x, y value) value {
			s := uint64(y) & mask
			if unsigned {
				return fromBits(uint64(x)>>s, k)
			}
			return fromBits(uint64(int64(x)>>s), k)
		}
	default:
		rem := op.text == "%"
		return func(x, y value) value {
			if y == 0 {
				trap(op, "integer division by zero")
			}
			if unsigned {
				if rem {
					return fromBits(uint64(x%y), k)
				}
				return fromBits(uint64(x/y), k)
			}
			a, b := int64(x), int64(y)
			if rem {
				return fromBits(uint64(a%b), k)
			}
			return fromBits(uint64(a/b), k)
		}
	}
}

func (p *parser) assignable(op token, e expr) *lvalue {
	if e.lv == nil {
		p.errorf(op, "expression is not assignable")
	}
	if e.lv.readOnly {
		p.errorf(op, "cannot assign to read-only location")
	}
	return e.lv
}

func (p *parser) assign(op token, lhs, rhs expr) expr {
	lv := p.assignable(op, lhs)
	p.scalarOperand(rhs)
	k := lhs.typ.kind

	if op.text == "=" {
		val := p.coerce(rhs, k)
		return expr{typ: lhs.typ, at: op, eval: func(f *frame) value {
			i := lv.loc(f)
			v := val(f)
			lv.store(f, i, v)
			return v
		}}
	}

	bop := op
	bop.text = strings.TrimSuffix(op.text, "=")
	if integerOps[bop.text] && (!k.isInteger() || !rhs.typ.kind.isInteger()) {
		p.errorf(op, "invalid operands to binary expression ('%s' and '%s')", lhs.typ, rhs.typ)
	}
	ck := promote(k, rhs.typ.kind)
	y := p.coerce(rhs, ck)
	if bop.text == "<<" || bop.text == ">>" {
		ck = promoteInt(k)
		y = rhs.eval
	}
	fn := arith(bop, ck)
	return expr{typ: lhs.typ, at: op, eval: func(f *frame) value {
		i := lv.loc(f)
		v := convert(fn(convert(lv.load(f, i), k, ck), y(f)), ck, k)
		lv.store(f, i, v)
		return v
	}}
}

func (p *parser) incdec(op token, e expr, prefix bool) expr {
	lv := p.assignable(op, e)
	k := e.typ.kind
	delta := int64(1)
	if op.text == "--" {
		delta = -1
	}
	return expr{typ: e.typ, at: op, eval: func(f *frame) value {
		i := lv.loc(f)
		old := lv.load(f, i)
		var v value
		if k.isFloat() {
			v = fromFloat(old.float()+float64(delta), k)
		} else {
			v = fromBits(uint64(old)+uint64(delta), k)
		}
		lv.store(f, i, v)
		if prefix {
			return v
		}
		return old
	}}
}

func (p *parser) castExpr() expr {
	if !p.peek().is("(") || !p.startsType(p.peekAt(1)) {
		return p.unary()
	}
	lp := p.next()
	spec := p.declSpecifiers()
	if p.peek().is("*") {
		p.errorf(p.peek(), "casts to pointer types are not supported")
	}
	p.expect(")")
	e := p.castExpr()
	if spec.kind == kVoid {
		eval := e.eval
		if eval == nil {
			eval = func(*frame) value { return 0 }
		}
		return expr{typ: ctype{kind: kVoid}, at: lp, eval: eval}
	}
	p.scalarOperand(e)
	return expr{typ: ctype{kind: spec.kind}, at: lp, eval: p.coerce(e, spec.kind)}
}

func (p *parser) unary() expr {
	t := p.peek()
	if t.kind == tIdent && t.text == "sizeof" {
		return p.sizeof()
	}
	if t.kind != tPunct {
		return p.postfix()
	}

	switch t.text {
	case "++", "--":
		p.next()
		return p.incdec(t, p.unary(), true)
	case "*":
		p.next()
		e := p.castExpr()
		if !e.typ.pointer {
			p.errorf(t, "indirection requires pointer operand ('%s' invalid)", e.typ)
		}
		return p.element(e, constExpr(t, 0, kInt), t)
	case "&":
		p.errorf(t, "taking the address of a value is not supported")
	case "+", "-", "!", "~":
	default:
		return p.postfix()
	}

	p.next()
	e := p.castExpr()
	p.scalarOperand(e)
	if t.text == "!" {
		x, xk := e.eval, e.typ.kind
		return intExpr(t, func(f *frame) value { return boolValue(!truth(x(f), xk)) })
	}

	k := promoteInt(e.typ.kind)
	x := p.coerce(e, k)
	res := expr{typ: ctype{kind: k}, at: t}
	switch {
	case t.text == "+":
		res.eval = x
	case t.text == "-" && k.isFloat():
		res.eval = func(f *frame) value { return floatValue(-x(f).float()) }
	case t.text == "-":
		res.eval = func(f *frame) value { return fromBits(-uint64(x(f)), k) }
	default:
		if !k.isInteger() {
			p.errorf(t, "invalid argument type '%s' to unary expression", e.typ)
		}
		res.eval = func(f *frame) value { return fromBits(^uint64(x(f)), k) }
	}
	return res
}

func (p *parser) sizeof() expr {
	t := p.next()
	if p.peek().is("(") && p.startsType(p.peekAt(1)) {
		p.next()
		spec := p.declSpecifiers()
		depth := p.pointerDecl()
		p.expect(")")
		if depth > 0 {
			return constExpr(t, 8, kULong)
		}
		return constExpr(t, value(spec.kind.size()), kULong)
	}
	e := p.unary()
	if e.typ.pointer {
		return constExpr(t, 8, kULong)
	}
	return constExpr(t, value(e.typ.kind.size()), kULong)
}

func (p *parser) postfix() expr {
	e := p.primary()
	for {
		t := p.peek()
		switch {
		case t.is("["):
			p.next()
			idx := p.expression()
			p.expect("]")
			e = p.element(e, idx, t)
		case t.is("++"), t.is("--"):
			p.next()
			e = p.incdec(t, e, false)
		case t.is("."), t.is("->"):
			p.errorf(t, "member access is not supported")
		default:
			return e
		}
	}
}

// element indexes a buffer. Every access is bounds checked against the
// size of the buffer bound at dispatch time.
func (p *parser) element(base, idx expr, at token) expr {
	if !base.typ.pointer {
		p.errorf(at, "subscripted value is not a pointer")
	}
	p.scalarOperand(idx)
	if !idx.typ.kind.isInteger() {
		p.errorf(idx.at, "array subscript is not an integer")
	}

	bi, k, name, ix := base.buf, base.typ.kind, base.name, idx.eval
	unsigned := idx.typ.kind.isUnsigned()
	lv := &lvalue{
		readOnly: base.typ.readOnly,
		loc: func(f *frame) int {
			v := ix(f)
			n := f.bufs[bi].n
			switch {
			case unsigned && uint64(v) >= uint64(n):
				trap(at, "out-of-bounds access: index %d into '%s' of %d elements", uint64(v), name, n)
			case !unsigned && (int64(v) < 0 || int64(v) >= int64(n)):
				trap(at, "out-of-bounds access: index %d into '%s' of %d elements", int64(v), name, n)
			}
			return int(v)
		},
		load: func(f *frame, i int) value {
			return loadElem(f.bufs[bi].data, i, k)
		},
		store: func(f *frame, i int, v value) {
			storeElem(f.bufs[bi].data, i, k, v)
		},
	}
	return lvalueExpr(ctype{kind: k}, at, lv)
}

func loadSlot(f *frame, i int) value     { return f.slots[i] }
func storeSlot(f *frame, i int, v value) { f.slots[i] = v }

func (p *parser) varExpr(v *variable, at token) expr {
	if v.typ.pointer {
		return expr{typ: v.typ, at: at, buf: v.slot, name: v.name}
	}
	slot := v.slot
	lv := &lvalue{
		loc:      func(*frame) int { return slot },
		load:     loadSlot,
		store:    storeSlot,
		readOnly: v.isConst,
	}
	return lvalueExpr(v.typ, at, lv)
}

func (p *parser) primary() expr {
	t := p.next()
	switch t.kind {
	case tInt:
		return p.intLiteral(t)
	case tFloat:
		return p.floatLiteral(t)
	case tString:
		p.errorf(t, "string literals are not supported")
	case tPunct:
		if t.is("(") {
			e := p.expression()
			p.expect(")")
			return e
		}
		p.errorf(t, "expected expression, found %s", t)
	case tEOF:
		p.errorf(t, "expected expression, found %s", t)
	}

	if p.peek().is("(") {
		return p.call(t)
	}
	if v := p.lookup(t.text); v != nil {
		v.used = true
		return p.varExpr(v, t)
	}
	if c, ok := namedConstants[t.text]; ok {
		return constExpr(t, fromFloat(c.v, c.k), c.k)
	}
	if _, ok := p.funcs[t.text]; ok {
		p.errorf(t, "function pointers are not supported")
	}
	p.errorf(t, "use of undeclared identifier '%s'", t.text)
	return expr{}
}

type argBind struct {
	pointer bool
	from    int
	to      int
	eval    func(*frame) value
}

func (p *parser) call(name token) expr {
	p.expect("(")
	var args []expr
	if !p.accept(")") {
		for {
			args = append(args, p.assignment())
			if !p.accept(",") {
				break
			}
		}
		p.expect(")")
	}

	if e, ok := p.builtinCall(name, args); ok {
		return e
	}
	fn, ok := p.funcs[name.text]
	if !ok {
		p.errorf(name, "implicit declaration of function '%s' is invalid in OpenCL", name.text)
	}
	if fn == p.cur {
		p.errorf(name, "recursion is not supported in OpenCL")
	}
	switch {
	case len(args) < len(fn.params):
		p.errorf(name, "too few arguments to function call, expected %d, have %d", len(fn.params), len(args))
	case len(args) > len(fn.params):
		p.errorf(name, "too many arguments to function call, expected %d, have %d", len(fn.params), len(args))
	}
	p.cur.calls = append(p.cur.calls, callSite{fn: fn, at: name})

	binds := make([]argBind, len(args))
	for i, prm := range fn.params {
		a := args[i]
		if !prm.typ.pointer {
			p.scalarOperand(a)
			binds[i] = argBind{to: prm.slot, eval: p.coerce(a, prm.typ.kind)}
			continue
		}
		if !a.typ.pointer || a.typ.kind != prm.typ.kind {
			p.errorf(a.at, "passing '%s' to parameter of incompatible type '%s'", a.typ, prm.typ)
		}
		if a.typ.readOnly && !prm.typ.readOnly {
			p.errorf(a.at, "passing '%s' to parameter of type '%s' discards qualifiers", a.typ, prm.typ)
		}
		binds[i] = argBind{pointer: true, from: a.buf, to: prm.slot}
	}

	return expr{typ: fn.ret, at: name, eval: func(f *frame) value {
		callee := &frame{
			slots: make([]value, fn.nslots),
			bufs:  make([]buffer, fn.nbufs),
			item:  f.item,
		}
		for _, b := range binds {
			if b.pointer {
				callee.bufs[b.to] = f.bufs[b.from]
			} else {
				callee.slots[b.to] = b.eval(f)
			}
		}
		fn.body(callee)
		return callee.ret
	}}
}

// parseIntLiteral returns the value and lower-cased suffix of an integer or
// character constant.
func parseIntLiteral(text string) (uint64, string, error) {
	if strings.HasPrefix(text, "'") {
		inner := text[1 : len(text)-1]
		if inner == `\0` {
			return 0, "", nil
		}
		r, _, tail, err := strconv.UnquoteChar(inner, '\'')
		if err != nil || tail != "" {
			return 0, "", fmt.Errorf("invalid character constant %s", text)
		}
		return uint64(r), "", nil
	}

	i := len(text)
	for i > 0 && strings.ContainsRune("uUlL", rune(text[i-1])) {
		i--
	}
	digits, suffix := text[:i], strings.ToLower(text[i:])
	switch suffix {
	case "", "u", "l", "ul", "lu", "ll", "ull", "llu":
	default:
		return 0, "", fmt.Errorf("invalid suffix '%s' on integer constant", text[i:])
	}
	v, err := strconv.ParseUint(digits, 0, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid integer constant '%s'", text)
	}
	return v, suffix, nil
}

func (p *parser) intLiteral(t token) expr {
	v, suffix, err := parseIntLiteral(t.text)
	if err != nil {
		p.errorf(t, "%v", err)
	}
	unsigned := strings.Contains(suffix, "u")
	long := strings.Contains(suffix, "l")
	decimal := !strings.HasPrefix(t.text, "0") || t.text == "0"

	var k scalarKind
	switch {
	case long && unsigned:
		k = kULong
	case long:
		k = kLong
		if v > math.MaxInt64 {
			k = kULong
		}
	case unsigned:
		k = kUInt
		if v > math.MaxUint32 {
			k = kULong
		}
	case v <= math.MaxInt32:
		k = kInt
	case !decimal && v <= math.MaxUint32:
		k = kUInt
	case v <= math.MaxInt64:
		k = kLong
	default:
		k = kULong
	}
	return constExpr(t, fromBits(v, k), k)
}

func (p *parser) floatLiteral(t token) expr {
	text := t.text
	k := kDouble
	if p.opts.singlePrecLits {
		k = kFloat
	}
	switch text[len(text)-1] {
	case 'f', 'F':
		k, text = kFloat, text[:len(text)-1]
	case 'h', 'H':
		k, text = kHalf, text[:len(text)-1]
	case 'l', 'L':
		p.errorf(t, "long double is not supported")
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		p.errorf(t, "invalid floating constant '%s'", t.text)
	}
	return constExpr(t, fromFloat(v, k), k)
}
