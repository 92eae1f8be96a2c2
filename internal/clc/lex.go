package clc

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tEOF tokKind = iota
	tIdent
	tInt
	tFloat
	tString
	tPunct
)

type token struct {
	kind  tokKind
	text  string
	line  int
	col   int
	pline int  // logical line; backslash continuations do not advance it
	space bool // preceded by whitespace
	bol   bool // first token of a logical line
}

func (t token) is(punct string) bool {
	return t.kind == tPunct && t.text == punct
}

func (t token) String() string {
	if t.kind == tEOF {
		return "end of input"
	}
	return "'" + t.text + "'"
}

func errAt(t token, format string, args ...any) *Error {
	return &Error{Diagnostics: []Diagnostic{{Line: t.line, Col: t.col, Msg: fmt.Sprintf(format, args...)}}}
}

var puncts = []string{
	"<<=", ">>=", "...",
	"->", "++", "--", "<<", ">>", "<=", ">=", "==", "!=", "&&", "||",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "##",
}

const singlePuncts = "+-*/%<>=!&|^~?:;,.()[]{}#"

type lexer struct {
	src   string
	pos   int
	line  int
	col   int
	pline int
	space bool
	bol   bool
}

func lex(src string) ([]token, error) {
	lx := &lexer{src: src, line: 1, col: 1, pline: 1, bol: true}
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tEOF {
			return toks, nil
		}
	}
}

func (lx *lexer) peek(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) advance(n int) {
	for i := 0; i < n && lx.pos < len(lx.src); i++ {
		if lx.src[lx.pos] == '\n' {
			lx.line++
			lx.col = 1
		} else {
			lx.col++
		}
		lx.pos++
	}
}

func (lx *lexer) skipSpace() error {
	for lx.pos < len(lx.src) {
		c := lx.peek(0)
		switch {
		case c == '\n':
			lx.advance(1)
			lx.pline++
			lx.bol = true
			lx.space = true
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			lx.advance(1)
			lx.space = true
		case c == '\\' && (lx.peek(1) == '\n' || lx.peek(1) == '\r' && lx.peek(2) == '\n'):
			if lx.peek(1) == '\r' {
				lx.advance(1)
			}
			lx.advance(2)
		case c == '/' && lx.peek(1) == '/':
			for lx.pos < len(lx.src) && lx.peek(0) != '\n' {
				lx.advance(1)
			}
			lx.space = true
		case c == '/' && lx.peek(1) == '*':
			line, col := lx.line, lx.col
			end := strings.Index(lx.src[lx.pos+2:], "*/")
			if end < 0 {
				return errAt(token{line: line, col: col}, "unterminated /* comment")
			}
			lx.advance(end + 4)
			lx.space = true
		default:
			return nil
		}
	}
	return nil
}

func (lx *lexer) next() (token, error) {
	if err := lx.skipSpace(); err != nil {
		return token{}, err
	}
	t := token{line: lx.line, col: lx.col, pline: lx.pline, space: lx.space, bol: lx.bol}
	lx.space, lx.bol = false, false

	if lx.pos >= len(lx.src) {
		t.kind = tEOF
		return t, nil
	}

	start := lx.pos
	c := lx.peek(0)
	switch {
	case isIdentStart(c):
		for lx.pos < len(lx.src) && isIdentChar(lx.peek(0)) {
			lx.advance(1)
		}
		t.kind = tIdent
	case isDigit(c) || c == '.' && isDigit(lx.peek(1)):
		t.kind = lx.number()
	case c == '"' || c == '\'':
		lx.advance(1)
		for lx.pos < len(lx.src) && lx.peek(0) != c && lx.peek(0) != '\n' {
			if lx.peek(0) == '\\' {
				lx.advance(1)
			}
			lx.advance(1)
		}
		if lx.peek(0) != c {
			return t, errAt(t, "missing terminating %c character", c)
		}
		lx.advance(1)
		t.kind = tString
		if c == '\'' {
			t.kind = tInt
		}
	default:
		t.kind = tPunct
		for _, p := range puncts {
			if strings.HasPrefix(lx.src[lx.pos:], p) {
				lx.advance(len(p))
				t.text = p
				return t, nil
			}
		}
		if !strings.ContainsRune(singlePuncts, rune(c)) {
			return t, errAt(t, "invalid character '%c' in source", c)
		}
		lx.advance(1)
	}
	t.text = lx.src[start:lx.pos]
	return t, nil
}

func (lx *lexer) number() tokKind {
	kind := tInt
	if lx.peek(0) == '0' && (lx.peek(1) == 'x' || lx.peek(1) == 'X') {
		lx.advance(2)
		for isHexDigit(lx.peek(0)) {
			lx.advance(1)
		}
	} else {
		for isDigit(lx.peek(0)) {
			lx.advance(1)
		}
		if lx.peek(0) == '.' {
			kind = tFloat
			lx.advance(1)
			for isDigit(lx.peek(0)) {
				lx.advance(1)
			}
		}
		if c := lx.peek(0); c == 'e' || c == 'E' {
			kind = tFloat
			lx.advance(1)
			if c := lx.peek(0); c == '+' || c == '-' {
				lx.advance(1)
			}
			for isDigit(lx.peek(0)) {
				lx.advance(1)
			}
		}
	}
	for isIdentChar(lx.peek(0)) {
		lx.advance(1)
	}
	return kind
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

type condFrame struct {
	parentActive bool
	active       bool
	taken        bool
	elseSeen     bool
	at           token
}

// preprocess lexes src and applies directives and object-like macro
// expansion. predefined holds -D style definitions.
func preprocess(src string, predefined map[string]string) ([]token, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	macros := make(map[string][]token, len(predefined))
	for name, value := range predefined {
		vt, err := lex(value)
		if err != nil {
			return nil, &Error{Diagnostics: []Diagnostic{{Msg: fmt.Sprintf("invalid build option: bad value for macro '%s'", name)}}}
		}
		macros[name] = vt[:len(vt)-1]
	}

	var (
		out   []token
		conds []condFrame
	)
	active := func() bool {
		return len(conds) == 0 || conds[len(conds)-1].active
	}

	for i := 0; i < len(toks); {
		t := toks[i]
		if t.kind == tEOF {
			break
		}
		if t.is("#") && t.bol {
			j := i + 1
			for j < len(toks) && toks[j].kind != tEOF && toks[j].pline == t.pline {
				j++
			}
			if err := directive(t, toks[i+1:j], macros, &conds, active()); err != nil {
				return nil, err
			}
			i = j
			continue
		}
		if active() {
			out = expand(out, t, macros, nil)
		}
		i++
	}
	if len(conds) > 0 {
		return nil, errAt(conds[len(conds)-1].at, "unterminated conditional directive")
	}
	return append(out, toks[len(toks)-1]), nil
}

func directive(hash token, line []token, macros map[string][]token, conds *[]condFrame, active bool) error {
	if len(line) == 0 {
		return nil
	}
	name := line[0]
	args := line[1:]
	top := func() *condFrame {
		if len(*conds) == 0 {
			return nil
		}
		return &(*conds)[len(*conds)-1]
	}

	switch name.text {
	case "define":
		if !active {
			return nil
		}
		if len(args) == 0 || args[0].kind != tIdent {
			return errAt(name, "macro name must be an identifier")
		}
		if len(args) > 1 && args[1].is("(") && !args[1].space {
			return errAt(args[1], "function-like macros are not supported")
		}
		macros[args[0].text] = append([]token(nil), args[1:]...)
	case "undef":
		if active {
			if len(args) == 0 || args[0].kind != tIdent {
				return errAt(name, "macro name must be an identifier")
			}
			delete(macros, args[0].text)
		}
	case "ifdef", "ifndef":
		if len(args) == 0 || args[0].kind != tIdent {
			return errAt(name, "macro name missing in #%s", name.text)
		}
		_, defined := macros[args[0].text]
		cond := defined == (name.text == "ifdef")
		*conds = append(*conds, condFrame{parentActive: active, active: active && cond, taken: cond, at: hash})
	case "if":
		cond, err := evalCondition(name, args, macros)
		if err != nil {
			return err
		}
		*conds = append(*conds, condFrame{parentActive: active, active: active && cond, taken: cond, at: hash})
	case "elif":
		f := top()
		if f == nil || f.elseSeen {
			return errAt(name, "#elif without #if")
		}
		if f.taken {
			f.active = false
			return nil
		}
		cond, err := evalCondition(name, args, macros)
		if err != nil {
			return err
		}
		f.active = f.parentActive && cond
		f.taken = cond
	case "else":
		f := top()
		if f == nil || f.elseSeen {
			return errAt(name, "#else without #if")
		}
		f.active = f.parentActive && !f.taken
		f.taken = true
		f.elseSeen = true
	case "endif":
		if top() == nil {
			return errAt(name, "#endif without #if")
		}
		*conds = (*conds)[:len(*conds)-1]
	case "pragma":
	case "error":
		if active {
			return errAt(name, "#error %s", joinTokens(args))
		}
	case "include":
		if active {
			return errAt(name, "#include is not supported")
		}
	default:
		if active {
			return errAt(name, "invalid preprocessing directive #%s", name.text)
		}
	}
	return nil
}

// evalCondition supports the forms an OpenCL kernel typically guards code
// with: an integer constant (possibly from a macro) and [!]defined(NAME).
func evalCondition(at token, args []token, macros map[string][]token) (bool, error) {
	negate := false
	for len(args) > 0 && args[0].is("!") {
		negate = !negate
		args = args[1:]
	}

	var result bool
	switch {
	case len(args) > 0 && args[0].text == "defined":
		rest := args[1:]
		if len(rest) == 3 && rest[0].is("(") && rest[1].kind == tIdent && rest[2].is(")") {
			rest = rest[1:2]
		}
		if len(rest) != 1 || rest[0].kind != tIdent {
			return false, errAt(at, "macro name missing in defined()")
		}
		_, result = macros[rest[0].text]
	default:
		var expanded []token
		for _, t := range args {
			expanded = expand(expanded, t, macros, nil)
		}
		if len(expanded) != 1 || expanded[0].kind != tInt {
			return false, errAt(at, "unsupported #%s expression", at.text)
		}
		v, _, err := parseIntLiteral(expanded[0].text)
		if err != nil {
			return false, errAt(expanded[0], "%v", err)
		}
		result = v != 0
	}
	return result != negate, nil
}

func expand(out []token, t token, macros map[string][]token, hidden map[string]bool) []token {
	body, ok := macros[t.text]
	if t.kind != tIdent || !ok || hidden[t.text] {
		return append(out, t)
	}

	inner := make(map[string]bool, len(hidden)+1)
	for k := range hidden {
		inner[k] = true
	}
	inner[t.text] = true

	for i, r := range body {
		r.line, r.col, r.pline, r.bol = t.line, t.col, t.pline, false
		if i == 0 {
			r.space = t.space
		}
		out = expand(out, r, macros, inner)
	}
	return out
}

func joinTokens(toks []token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.text
	}
	return strings.Join(parts, " ")
}
