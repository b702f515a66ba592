package vm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/jamlee-t/kvmhost/internal/kvm"
)

// regPtr returns a pointer to the general-purpose register reg holds
// within regs, for the small set of 64-bit registers this host's
// register dump cares about. Used only for diagnostics on an
// unhandled or failed vmexit, where logging which register an
// instruction touched is more useful than the raw RIP alone.
func regPtr(regs *kvm.Regs, reg x86asm.Reg) (*uint64, bool) {
	switch reg {
	case x86asm.RAX:
		return &regs.RAX, true
	case x86asm.RBX:
		return &regs.RBX, true
	case x86asm.RCX:
		return &regs.RCX, true
	case x86asm.RDX:
		return &regs.RDX, true
	case x86asm.RSI:
		return &regs.RSI, true
	case x86asm.RDI:
		return &regs.RDI, true
	case x86asm.RSP:
		return &regs.RSP, true
	case x86asm.RBP:
		return &regs.RBP, true
	case x86asm.RIP:
		return &regs.RIP, true
	default:
		return nil, false
	}
}

// dumpRegs lists the registers a diagnostic dump cares about, in the
// order they are printed.
var dumpRegs = []x86asm.Reg{
	x86asm.RIP, x86asm.RAX, x86asm.RBX, x86asm.RCX,
	x86asm.RDX, x86asm.RSI, x86asm.RDI, x86asm.RSP,
}

// dumpState renders a one-line register summary for diagnostic
// logging when the vCPU exits with an unhandled or failed reason.
func (m *Machine) dumpState() string {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return fmt.Sprintf("<failed to read registers: %v>", err)
	}

	s := ""
	for _, r := range dumpRegs {
		v, ok := regPtr(&regs, r)
		if !ok {
			continue
		}
		s += fmt.Sprintf("%s=%#x ", r, *v)
	}

	return s
}
