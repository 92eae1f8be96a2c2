package topology

import (
	"errors"
	"fmt"
)

// ErrInvalidNode is wrapped by errors for malformed node descriptions.
var ErrInvalidNode = errors.New("invalid node")

// DuplicateNameError is returned when a node name is already used.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("topology: duplicate node name %q", e.Name)
}

// UnknownInputError is returned when a node references a name that is not
// in the topology, or when a network input name does not match an input
// node.
type UnknownInputError struct {
	Node  string // referencing node, empty for network input bindings
	Input string
}

func (e *UnknownInputError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("topology: unknown input %q", e.Input)
	}
	return fmt.Sprintf("topology: node %q references unknown input %q", e.Node, e.Input)
}

// InvalidBindingError is returned when a node's argument bindings do not
// match its inputs or its kernel's parameters.
type InvalidBindingError struct {
	Node   string
	Reason string
}

func (e *InvalidBindingError) Error() string {
	return fmt.Sprintf("topology: node %q has invalid bindings: %s", e.Node, e.Reason)
}

func invalidNode(name, format string, args ...any) error {
	return fmt.Errorf("topology: node %q: %w: %s", name, ErrInvalidNode, fmt.Sprintf(format, args...))
}
