// Package registers holds the general-purpose register snapshot that is
// captured once per logical CPU before virtualization begins and thereafter
// owned exclusively by the per-CPU guest dispatch loop.
package registers

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Registers is the GPR/RIP/RSP/RFLAGS snapshot for both 32 and 64-bit guests.
// Field names mirror the GPR list an x86_64 VM-entry/VM-exit cares about.
type Registers struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// captureCurrent is implemented in registers_amd64.s. It fills in every GPR
// from the point of the call, RFLAGS as pushed by PUSHFQ, and RIP/RSP such
// that resuming this snapshot continues execution right after the call that
// captured it -- this is what lets the captured state become the guest's
// initial state.
func captureCurrent(r *Registers)

// CaptureCurrent snapshots the calling CPU's register state. It must be
// called exactly once per logical CPU, immediately before virtualization
// begins; the dispatch loop owns the result afterwards.
func CaptureCurrent() Registers {
	var r Registers
	captureCurrent(&r)

	return r
}

// ErrUnsupportedReg is returned by GetReg for a register x86asm cannot
// resolve against this GPR set (segment registers, FPU/XMM, ...).
var ErrUnsupportedReg = fmt.Errorf("register not addressable in this GPR set")

// GetReg returns a pointer to the field of r that backs the decoded register
// reg, so that an instruction emulator (CPUID/RDMSR/WRMSR/XSETBV) can read or
// write it generically after decoding the trapped instruction's operands.
func GetReg(r *Registers, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX, x86asm.EAX, x86asm.AX, x86asm.AL:
		return &r.RAX, nil
	case x86asm.RBX, x86asm.EBX, x86asm.BX, x86asm.BL:
		return &r.RBX, nil
	case x86asm.RCX, x86asm.ECX, x86asm.CX, x86asm.CL:
		return &r.RCX, nil
	case x86asm.RDX, x86asm.EDX, x86asm.DX, x86asm.DL:
		return &r.RDX, nil
	case x86asm.RSI, x86asm.ESI, x86asm.SI:
		return &r.RSI, nil
	case x86asm.RDI, x86asm.EDI, x86asm.DI:
		return &r.RDI, nil
	case x86asm.RSP, x86asm.ESP, x86asm.SP:
		return &r.RSP, nil
	case x86asm.RBP, x86asm.EBP, x86asm.BP:
		return &r.RBP, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedReg, reg)
	}
}
