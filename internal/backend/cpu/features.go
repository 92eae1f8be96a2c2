package cpu

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// features lists the instruction set extensions of the host, reported in
// the device info.
func features() []string {
	list := []string{runtime.GOARCH}
	add := func(ok bool, name string) {
		if ok {
			list = append(list, name)
		}
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41 || cpu.X86.HasSSE42, "sse4")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasASIMDHP, "asimdhp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return list
}
