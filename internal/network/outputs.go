package network

import (
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/born-ml/kgraph/internal/engine"
)

// Outputs maps output node names to their buffers, in the order the network
// lists its outputs.
type Outputs struct {
	om *orderedmap.OrderedMap[string, *engine.Buffer]
}

func newOutputs() *Outputs {
	return &Outputs{om: orderedmap.New[string, *engine.Buffer]()}
}

func (o *Outputs) set(name string, buf *engine.Buffer) {
	o.om.Set(name, buf)
}

// Get returns the buffer of the named output.
func (o *Outputs) Get(name string) (*engine.Buffer, bool) {
	return o.om.Get(name)
}

// Len returns the number of outputs.
func (o *Outputs) Len() int {
	return o.om.Len()
}

// Names returns the output names in order.
func (o *Outputs) Names() []string {
	names := make([]string, 0, o.om.Len())
	for pair := o.om.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// All iterates over the outputs in order.
func (o *Outputs) All() iter.Seq2[string, *engine.Buffer] {
	return func(yield func(string, *engine.Buffer) bool) {
		for pair := o.om.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// Release frees every output buffer.
func (o *Outputs) Release() {
	for _, buf := range o.All() {
		buf.Release()
	}
}
