package engine

import "fmt"

// AllocationError is returned when the device or the engine's memory limit
// cannot satisfy an allocation.
type AllocationError struct {
	Requested uint64 // 0 when the layout size itself overflows
	Available uint64 // 0 when the device does not report it
	Err       error
}

func (e *AllocationError) Error() string {
	if e.Requested == 0 {
		return fmt.Sprintf("engine: cannot allocate: %v", e.Err)
	}
	if e.Available > 0 {
		return fmt.Sprintf("engine: cannot allocate %d bytes (%d available): %v", e.Requested, e.Available, e.Err)
	}
	return fmt.Sprintf("engine: cannot allocate %d bytes: %v", e.Requested, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// SizeMismatchError is returned when a host slice or view does not match
// the size of a buffer.
type SizeMismatchError struct {
	Unit string // "values" or "bytes"
	Want int
	Got  int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("engine: size mismatch: want %d %s, got %d", e.Want, e.Unit, e.Got)
}
