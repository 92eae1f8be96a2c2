// Package envconfig reads the KGRAPH_* environment variables. Every getter
// reads the environment on each call, so tests may change it with t.Setenv.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Device returns the name of the device to open.
// Configurable via KGRAPH_DEVICE. Default: cpu.
func Device() string {
	if s := Var("KGRAPH_DEVICE"); s != "" {
		return strings.ToLower(s)
	}
	return "cpu"
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (default), 1 or true DEBUG, 2 TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("KGRAPH_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// MaxMemory caps the bytes an engine may have allocated at once. 0 disables the cap.
	MaxMemory = Uint64("KGRAPH_MAX_MEMORY", 0)
	// Workers sets the goroutines the CPU device spreads work items over. 0 uses every CPU.
	Workers = Uint("KGRAPH_WORKERS", 0)
	// CompileWorkers bounds concurrent kernel compilation in the network compiler. 0 uses every CPU.
	CompileWorkers = Uint("KGRAPH_COMPILE_WORKERS", 0)
)

// Var returns an environment variable stripped of leading and trailing
// quotes or spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Uint returns a getter for an unsigned integer variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a getter for a byte count or other 64-bit value with a default.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one variable for `kgraph env` style listings.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"KGRAPH_DEVICE":          {"KGRAPH_DEVICE", Device(), "Device to run networks on (default: cpu)"},
		"KGRAPH_DEBUG":           {"KGRAPH_DEBUG", LogLevel(), "Show additional debug information (e.g. KGRAPH_DEBUG=1)"},
		"KGRAPH_MAX_MEMORY":      {"KGRAPH_MAX_MEMORY", MaxMemory(), "Maximum bytes an engine may allocate (0 = unlimited)"},
		"KGRAPH_WORKERS":         {"KGRAPH_WORKERS", Workers(), "Goroutines per CPU kernel dispatch (0 = number of CPUs)"},
		"KGRAPH_COMPILE_WORKERS": {"KGRAPH_COMPILE_WORKERS", CompileWorkers(), "Kernels compiled concurrently (0 = number of CPUs)"},
	}
}
