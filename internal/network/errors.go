package network

import (
	"fmt"
	"strings"

	"github.com/born-ml/kgraph/internal/tensor"
)

// CyclicGraphError is returned by Compile when the nodes cannot be ordered.
// Nodes lists every node on or behind a cycle, in topology order.
type CyclicGraphError struct {
	Nodes []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("network: topology has a cycle through %s", strings.Join(e.Nodes, ", "))
}

// KernelCompileError carries the device compiler output for a node whose
// kernel failed to build.
type KernelCompileError struct {
	Node       string
	EntryPoint string
	Log        string
}

func (e *KernelCompileError) Error() string {
	return fmt.Sprintf("network: node %q: failed to compile kernel %q:\n%s", e.Node, e.EntryPoint, e.Log)
}

// LayoutMismatchError is returned when a buffer or a node input does not
// have the layout a node needs.
type LayoutMismatchError struct {
	Node   string
	Want   tensor.Layout
	Got    tensor.Layout
	Reason string // set when the mismatch is not a plain layout inequality
}

func (e *LayoutMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("network: node %q: layout mismatch: %s", e.Node, e.Reason)
	}
	return fmt.Sprintf("network: node %q: layout mismatch: want %s, got %s", e.Node, e.Want, e.Got)
}

// MissingInputError is returned by Execute, before any dispatch, when
// required inputs have no data bound.
type MissingInputError struct {
	Names []string // sorted
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("network: no data bound for input(s) %s", strings.Join(e.Names, ", "))
}
