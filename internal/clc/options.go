package clc

import (
	"fmt"
	"strings"
)

type options struct {
	defines        map[string]string
	werror         bool
	nowarn         bool
	singlePrecLits bool
}

// Optimisation and math options accepted and otherwise ignored: the
// interpreter always evaluates in IEEE double and rounds on store.
var acceptedOptions = map[string]bool{
	"-cl-mad-enable":                true,
	"-cl-fast-relaxed-math":         true,
	"-cl-no-signed-zeros":           true,
	"-cl-unsafe-math-optimizations": true,
	"-cl-finite-math-only":          true,
	"-cl-denorms-are-zero":          true,
	"-cl-opt-disable":               true,
	"-cl-strict-aliasing":           true,
	"-cl-kernel-arg-info":           true,
	"-cl-uniform-work-group-size":   true,
}

var acceptedStd = map[string]bool{"CL1.1": true, "CL1.2": true, "CL2.0": true, "CL3.0": true}

// parseOptions interprets a clBuildProgram option string.
func parseOptions(s string) (options, error) {
	opts := options{defines: map[string]string{
		"__OPENCL_VERSION__":   "120",
		"__OPENCL_C_VERSION__": "120",
		"CL_VERSION_1_2":       "120",
		"__ENDIAN_LITTLE__":    "1",
	}}

	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-D":
			if i+1 >= len(fields) {
				return opts, fmt.Errorf("invalid build option: missing macro name after '-D'")
			}
			i++
			if err := opts.define(fields[i]); err != nil {
				return opts, err
			}
		case strings.HasPrefix(f, "-D"):
			if err := opts.define(f[2:]); err != nil {
				return opts, err
			}
		case f == "-Werror":
			opts.werror = true
		case f == "-w":
			opts.nowarn = true
		case f == "-cl-single-precision-constant":
			opts.singlePrecLits = true
		case strings.HasPrefix(f, "-cl-std="):
			if !acceptedStd[strings.TrimPrefix(f, "-cl-std=")] {
				return opts, fmt.Errorf("invalid build option: unsupported language version '%s'", f)
			}
		case acceptedOptions[f]:
		default:
			return opts, fmt.Errorf("invalid build option: '%s'", f)
		}
	}
	return opts, nil
}

func (o *options) define(def string) error {
	name, value, ok := strings.Cut(def, "=")
	if !ok {
		value = "1"
	}
	if !isIdent(name) {
		return fmt.Errorf("invalid build option: macro name '%s' is not an identifier", name)
	}
	o.defines[name] = value
	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}
