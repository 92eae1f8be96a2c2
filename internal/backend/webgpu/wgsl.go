// Package webgpu implements a compute device on WebGPU through go-webgpu.
// Custom kernels are WGSL compute shaders; their storage bindings in group 0
// are the kernel parameters, in binding order.
package webgpu

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/kgraph/internal/device"
)

// maxWorkgroupSize is the default limit on invocations per workgroup.
const maxWorkgroupSize = 256

var (
	bindingRe = regexp.MustCompile(`@group\(\s*(\d+)\s*\)\s*@binding\(\s*(\d+)\s*\)\s*var\s*<\s*(\w+)\s*(?:,\s*(\w+)\s*)?>\s*(\w+)\s*:\s*([^;]+);`)
	entryRe   = regexp.MustCompile(`((?:@\w+\s*(?:\([^)]*\))?\s*)+)fn\s+(\w+)\s*\(`)
	sizeRe    = regexp.MustCompile(`@workgroup_size\(([^)]*)\)`)
	identRe   = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// wgslElements maps WGSL scalar types to the names kernel parameters use
// for element types.
var wgslElements = map[string]string{
	"f32": "float",
	"f16": "half",
	"i32": "int",
	"u32": "uint",
}

// shader is a WGSL module checked for one entry point.
type shader struct {
	code      string
	entry     string
	params    []device.ParamInfo
	workgroup [3]int
}

// diagnostics collects messages formatted like compiler output.
type diagnostics []string

func (d *diagnostics) errorf(line int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		*d = append(*d, fmt.Sprintf("<shader>:%d: error: %s", line, msg))
		return
	}
	*d = append(*d, "error: "+msg)
}

func (d diagnostics) err(entry string) error {
	if len(d) == 0 {
		return nil
	}
	return &device.CompileError{EntryPoint: entry, Log: strings.Join(d, "\n")}
}

// parseShader applies the -D definitions in flags, then reads the parameter
// bindings and workgroup size of entry.
func parseShader(sources []string, entry, flags string) (*shader, error) {
	var diags diagnostics
	prelude, err := defines(flags)
	if err != nil {
		diags.errorf(0, "%v", err)
		return nil, diags.err(entry)
	}

	body := strings.Join(sources, "\n")
	if strings.TrimSpace(body) == "" {
		diags.errorf(0, "empty shader source")
		return nil, diags.err(entry)
	}
	s := &shader{code: prelude + body, entry: entry}
	offset := strings.Count(prelude, "\n")
	lineOf := func(pos int) int { return strings.Count(s.code[:pos], "\n") + 1 - offset }

	type binding struct {
		index int
		param device.ParamInfo
		line  int
	}
	var bindings []binding
	for _, m := range bindingRe.FindAllStringSubmatchIndex(s.code, -1) {
		sub := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return s.code[m[2*i]:m[2*i+1]]
		}
		line := lineOf(m[0])
		if sub(1) != "0" {
			diags.errorf(line, "binding %s of %s: only group 0 is supported", sub(2), sub(5))
			continue
		}
		index, _ := strconv.Atoi(sub(2))
		p := device.ParamInfo{Name: sub(5)}
		switch sub(3) {
		case "storage":
			p.Buffer = true
			p.ReadOnly = sub(4) != "read_write"
			p.Element = elementOf(strings.TrimSpace(sub(6)))
		case "uniform":
		default:
			diags.errorf(line, "unsupported address space %q for %s", sub(3), sub(5))
			continue
		}
		bindings = append(bindings, binding{index: index, param: p, line: line})
	}
	slices.SortFunc(bindings, func(a, b binding) int { return a.index - b.index })
	for i, b := range bindings {
		if b.index != i {
			diags.errorf(b.line, "binding %d of %s: bindings must be numbered 0..%d without gaps", b.index, b.param.Name, len(bindings)-1)
			break
		}
		s.params = append(s.params, b.param)
	}

	found := false
	for _, m := range entryRe.FindAllStringSubmatchIndex(s.code, -1) {
		if s.code[m[4]:m[5]] != entry {
			continue
		}
		attrs := s.code[m[2]:m[3]]
		line := lineOf(m[4])
		if !strings.Contains(attrs, "@compute") {
			diags.errorf(line, "function '%s' is not a compute entry point", entry)
			break
		}
		found = true
		size := sizeRe.FindStringSubmatch(attrs)
		if size == nil {
			diags.errorf(line, "entry point '%s' has no @workgroup_size", entry)
			break
		}
		wg, err := workgroupSize(size[1])
		if err != nil {
			diags.errorf(line, "%v", err)
			break
		}
		s.workgroup = wg
	}
	if !found && len(diags) == 0 {
		diags.errorf(0, "entry point '%s' not found in shader", entry)
	}
	if err := diags.err(entry); err != nil {
		return nil, err
	}
	return s, nil
}

func elementOf(typ string) string {
	typ = strings.ReplaceAll(typ, " ", "")
	if inner, ok := strings.CutPrefix(typ, "array<"); ok {
		typ = strings.TrimSuffix(inner, ">")
		if i := strings.IndexByte(typ, ','); i >= 0 {
			typ = typ[:i]
		}
	}
	return wgslElements[typ]
}

// workgroupSize parses the arguments of @workgroup_size. Only integer
// literals are understood.
func workgroupSize(args string) ([3]int, error) {
	wg := [3]int{1, 1, 1}
	fields := strings.Split(args, ",")
	if len(fields) > 3 {
		return wg, fmt.Errorf("@workgroup_size takes at most 3 arguments, got %d", len(fields))
	}
	total := 1
	for d, f := range fields {
		f = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(f), "u"), "i")
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return wg, fmt.Errorf("@workgroup_size argument %q must be a positive integer literal", strings.TrimSpace(fields[d]))
		}
		wg[d] = n
		total *= n
	}
	if total > maxWorkgroupSize {
		return wg, fmt.Errorf("workgroup of %d invocations exceeds the limit of %d", total, maxWorkgroupSize)
	}
	return wg, nil
}

// defines turns -D options into module-scope constants. WGSL has no
// preprocessor, so a definition must be a valid const initializer.
func defines(flags string) (string, error) {
	var sb strings.Builder
	fields := strings.Fields(flags)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		var def string
		switch {
		case f == "-D":
			if i+1 >= len(fields) {
				return "", fmt.Errorf("invalid build option: missing macro name after '-D'")
			}
			i++
			def = fields[i]
		case strings.HasPrefix(f, "-D"):
			def = f[2:]
		default:
			return "", fmt.Errorf("invalid build option: '%s'", f)
		}
		name, value, ok := strings.Cut(def, "=")
		if !ok {
			value = "1"
		}
		if !identRe.MatchString(name) {
			return "", fmt.Errorf("invalid build option: macro name '%s' is not an identifier", name)
		}
		fmt.Fprintf(&sb, "const %s = %s;\n", name, value)
	}
	return sb.String(), nil
}

// dispatchSize returns the workgroup counts covering ws.
func dispatchSize(ws device.WorkSize, wg [3]int) ([3]uint32, error) {
	counts := [3]uint32{1, 1, 1}
	if len(ws.Global) == 0 || len(ws.Global) > 3 {
		return counts, fmt.Errorf("global work size must have 1 to 3 dimensions, got %d", len(ws.Global))
	}
	if len(ws.Local) > 0 && len(ws.Local) != len(ws.Global) {
		return counts, fmt.Errorf("local work size has %d dimensions, global has %d", len(ws.Local), len(ws.Global))
	}
	for d, g := range ws.Global {
		if g <= 0 {
			return counts, fmt.Errorf("global work size %d in dimension %d must be positive", g, d)
		}
		if len(ws.Local) > 0 && ws.Local[d] != wg[d] {
			return counts, fmt.Errorf("local work size %d in dimension %d differs from the shader workgroup size %d", ws.Local[d], d, wg[d])
		}
		counts[d] = uint32((g + wg[d] - 1) / wg[d])
	}
	return counts, nil
}
