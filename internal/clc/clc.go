// Package clc compiles and interprets a subset of OpenCL C.
//
// It backs the CPU device: kernel sources are preprocessed, parsed and
// type-checked into a tree of closures once, and every work item of a
// dispatch then runs those closures against its own private frame. The
// subset covers scalar types, buffer parameters in the global and constant
// address spaces, the usual C statements and operators, helper functions,
// object-like macros and the common math and work-item built-ins. Vector
// types, local memory, barriers, images and pointer arithmetic are rejected
// with a diagnostic.
package clc

import (
	"fmt"
	"strings"
)

// Diagnostic is one compiler message.
type Diagnostic struct {
	Line    int
	Col     int
	Warning bool
	Msg     string
	Source  string // offending source line, without trailing newline
}

func (d Diagnostic) String() string {
	kind := "error"
	if d.Warning {
		kind = "warning"
	}
	if d.Line == 0 {
		return kind + ": " + d.Msg
	}
	s := fmt.Sprintf("<kernel>:%d:%d: %s: %s", d.Line, d.Col, kind, d.Msg)
	if d.Source != "" && d.Col > 0 {
		s += "\n" + d.Source + "\n" + caret(d.Source, d.Col)
	}
	return s
}

func caret(line string, col int) string {
	var sb strings.Builder
	for i := 0; i < col-1 && i < len(line); i++ {
		if line[i] == '\t' {
			sb.WriteByte('\t')
		} else {
			sb.WriteByte(' ')
		}
	}
	sb.WriteByte('^')
	return sb.String()
}

// Error is returned by Compile when the program is rejected.
type Error struct {
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	return e.Log()
}

// Log renders all diagnostics the way a compiler prints them.
func (e *Error) Log() string {
	lines := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// Param is a kernel parameter.
type Param struct {
	Name     string
	Type     string // element type for buffers, value type otherwise
	Pointer  bool
	ReadOnly bool
	kind     scalarKind
	slot     int // buffer index for pointers, frame slot for scalars
}

// Size returns the element size in bytes of a buffer parameter.
func (p Param) Size() int {
	return p.kind.size()
}

// Kernel is a compiled __kernel function.
type Kernel struct {
	Name   string
	Params []Param

	body   stmt
	nslots int
	nbufs  int
}

// Program is the result of compiling a set of source fragments.
type Program struct {
	kernels  map[string]*Kernel
	order    []string
	warnings []Diagnostic
}

// Kernel returns the kernel with the given name.
func (p *Program) Kernel(name string) (*Kernel, bool) {
	k, ok := p.kernels[name]
	return k, ok
}

// Kernels returns the names of all kernels in declaration order.
func (p *Program) Kernels() []string {
	return append([]string(nil), p.order...)
}

// BuildLog returns warnings emitted during a successful build.
func (p *Program) BuildLog() string {
	return (&Error{Diagnostics: p.warnings}).Log()
}

// Compile builds a program from source fragments and build options. The
// fragments are joined with newlines, mirroring clCreateProgramWithSource.
func Compile(sources []string, options string) (*Program, error) {
	opts, err := parseOptions(options)
	if err != nil {
		return nil, &Error{Diagnostics: []Diagnostic{{Msg: err.Error()}}}
	}

	src := strings.Join(sources, "\n")
	toks, err := preprocess(src, opts.defines)
	if err != nil {
		return nil, withSource(err, src)
	}

	p := newParser(toks, opts)
	prog, err := p.program()
	if err != nil {
		return nil, withSource(err, src)
	}

	if opts.werror && len(prog.warnings) > 0 {
		diags := make([]Diagnostic, len(prog.warnings))
		for i, w := range prog.warnings {
			w.Warning = false
			diags[i] = w
		}
		return nil, withSource(&Error{Diagnostics: diags}, src)
	}
	if opts.nowarn {
		prog.warnings = nil
	}
	attachSource(prog.warnings, src)
	return prog, nil
}

// CompileKernel compiles the sources and returns the named kernel.
func CompileKernel(sources []string, entryPoint, options string) (*Kernel, *Program, error) {
	prog, err := Compile(sources, options)
	if err != nil {
		return nil, nil, err
	}
	k, ok := prog.Kernel(entryPoint)
	if !ok {
		msg := fmt.Sprintf("kernel '%s' not found in program", entryPoint)
		if names := prog.Kernels(); len(names) > 0 {
			msg += fmt.Sprintf(" (kernels: %s)", strings.Join(names, ", "))
		}
		return nil, nil, &Error{Diagnostics: []Diagnostic{{Msg: msg}}}
	}
	return k, prog, nil
}

func withSource(err error, src string) error {
	if e, ok := err.(*Error); ok {
		attachSource(e.Diagnostics, src)
		return e
	}
	return &Error{Diagnostics: []Diagnostic{{Msg: err.Error()}}}
}

func attachSource(diags []Diagnostic, src string) {
	lines := strings.Split(src, "\n")
	for i := range diags {
		if l := diags[i].Line; l > 0 && l <= len(lines) {
			diags[i].Source = strings.TrimRight(lines[l-1], "\r")
		}
	}
}
