package network

import (
	"runtime"

	"github.com/born-ml/kgraph/internal/envconfig"
)

type options struct {
	name           string
	outputs        []string
	compileWorkers int
}

func defaultOptions() options {
	workers := int(envconfig.CompileWorkers())
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return options{name: "network", compileWorkers: workers}
}

// Option configures Compile.
type Option func(*options)

// WithOutputs selects the nodes whose buffers Execute returns. By default
// every builtin or custom node without consumers is an output. Nodes the
// outputs do not depend on are compiled but never dispatched.
func WithOutputs(names ...string) Option {
	return func(o *options) {
		o.outputs = append([]string(nil), names...)
	}
}

// WithName names the network in logs.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithCompileWorkers bounds how many kernels compile concurrently.
// Defaults to KGRAPH_COMPILE_WORKERS, or one per CPU.
func WithCompileWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.compileWorkers = n
		}
	}
}
