package cpu

import (
	"fmt"

	"github.com/born-ml/kgraph/internal/clc"
	"github.com/born-ml/kgraph/internal/device"
	"github.com/born-ml/kgraph/internal/parallel"
)

// program is a kernel the CPU device can dispatch: either an OpenCL C kernel
// or a builtin primitive.
type program struct {
	entry  string
	params []device.ParamInfo
	run    func(bufs [][]byte, ws device.WorkSize) error
}

func (p *program) EntryPoint() string { return p.entry }

func (p *program) Params() []device.ParamInfo {
	return append([]device.ParamInfo(nil), p.params...)
}

// Release is a no-op; programs hold no device resources.
func (p *program) Release() {}

func newKernelProgram(k *clc.Kernel, cfg parallel.Config) *program {
	params := make([]device.ParamInfo, len(k.Params))
	for i, prm := range k.Params {
		params[i] = device.ParamInfo{
			Name:     prm.Name,
			Element:  prm.Type,
			Buffer:   prm.Pointer,
			ReadOnly: prm.ReadOnly,
		}
	}
	return &program{
		entry:  k.Name,
		params: params,
		run: func(bufs [][]byte, ws device.WorkSize) error {
			if err := k.Run(bufs, ws.Global, ws.Local, cfg); err != nil {
				return fmt.Errorf("cpu: %w", err)
			}
			return nil
		},
	}
}
