package clc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/kgraph/internal/parallel"
)

// RuntimeError reports a fault raised by one work item of a dispatch.
type RuntimeError struct {
	Kernel   string
	GlobalID [3]int
	Line     int
	Col      int
	Msg      string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("clc: kernel '%s' work item (%d,%d,%d) at %d:%d: %s",
		e.Kernel, e.GlobalID[0], e.GlobalID[1], e.GlobalID[2], e.Line, e.Col, e.Msg)
}

type trapSignal struct {
	at  token
	msg string
}

func trap(at token, format string, args ...any) {
	panic(trapSignal{at: at, msg: fmt.Sprintf(format, args...)})
}

type ndRange struct {
	dim    int
	global [3]int
	local  [3]int
	groups [3]int
	total  int
}

func newNDRange(global, local []int) (ndRange, error) {
	if len(global) < 1 || len(global) > 3 {
		return ndRange{}, fmt.Errorf("clc: work dimension %d out of range [1, 3]", len(global))
	}
	if local != nil && len(local) != len(global) {
		return ndRange{}, fmt.Errorf("clc: local work size has %d dimensions, global has %d", len(local), len(global))
	}

	nd := ndRange{dim: len(global), total: 1}
	for d := 0; d < 3; d++ {
		g, l := 1, 1
		if d < len(global) {
			g = global[d]
			if local != nil {
				l = local[d]
			}
		}
		if g <= 0 {
			return ndRange{}, fmt.Errorf("clc: global work size must be positive, got %d in dimension %d", g, d)
		}
		if l <= 0 || g%l != 0 {
			return ndRange{}, fmt.Errorf("clc: global work size %d is not a multiple of local work size %d in dimension %d", g, l, d)
		}
		nd.global[d], nd.local[d], nd.groups[d] = g, l, g/l
		nd.total *= g
	}
	return nd, nil
}

func (nd *ndRange) item() *workItem {
	return &workItem{dim: nd.dim, globalSize: nd.global, localSize: nd.local, numGroups: nd.groups}
}

// set positions w at the n-th work item, dimension 0 varying fastest.
func (nd *ndRange) set(w *workItem, n int) {
	for d := 0; d < 3; d++ {
		id := n % nd.global[d]
		n /= nd.global[d]
		w.global[d] = id
		w.local[d] = id % nd.local[d]
		w.group[d] = id / nd.local[d]
	}
}

type scalarArg struct {
	slot int
	v    value
}

// Run executes the kernel over an NDRange of up to three dimensions. args
// bind positionally to Params: a buffer parameter shares the given bytes and
// the kernel reads and writes them in place; a scalar parameter takes its
// little-endian encoding. local may be nil, in which case every work group
// holds one item.
//
// Work items are spread over goroutines per cfg. The first fault stops the
// dispatch and is returned as a *RuntimeError; buffers may then hold partial
// results.
func (k *Kernel) Run(args [][]byte, global, local []int, cfg parallel.Config) error {
	if len(args) != len(k.Params) {
		return fmt.Errorf("clc: kernel '%s' takes %d arguments, got %d", k.Name, len(k.Params), len(args))
	}
	nd, err := newNDRange(global, local)
	if err != nil {
		return err
	}

	bufs := make([]buffer, k.nbufs)
	var scalars []scalarArg
	for i, prm := range k.Params {
		a, size := args[i], prm.Size()
		if prm.Pointer {
			if len(a)%size != 0 {
				return fmt.Errorf("clc: argument %d (%s): %d bytes is not a whole number of %s elements", i, prm.Name, len(a), prm.Type)
			}
			bufs[prm.slot] = buffer{data: a, kind: prm.kind, n: len(a) / size}
			continue
		}
		if len(a) != size {
			return fmt.Errorf("clc: argument %d (%s): expected %d bytes for %s, got %d", i, prm.Name, size, prm.Type, len(a))
		}
		scalars = append(scalars, scalarArg{slot: prm.slot, v: loadElem(a, 0, prm.kind)})
	}

	var (
		failed atomic.Bool
		once   sync.Once
		runErr error
	)
	parallel.ForRange(nd.total, func(start, end int) {
		f := &frame{slots: make([]value, k.nslots), bufs: bufs, item: nd.item()}
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			rerr := &RuntimeError{Kernel: k.Name, GlobalID: f.item.global}
			if t, ok := r.(trapSignal); ok {
				rerr.Line, rerr.Col, rerr.Msg = t.at.line, t.at.col, t.msg
			} else {
				rerr.Msg = fmt.Sprint(r)
			}
			failed.Store(true)
			once.Do(func() { runErr = rerr })
		}()

		for n := start; n < end && !failed.Load(); n++ {
			nd.set(f.item, n)
			for _, s := range scalars {
				f.slots[s.slot] = s.v
			}
			k.body(f)
		}
	}, cfg)
	return runErr
}
