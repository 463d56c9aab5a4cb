package guest

import (
	"fmt"
	"strings"
)

// dump formats this VmxGuest's register and VMCS guest-state snapshot for
// the fatal-mismatch panic path in Run. It is best-effort: a VMREAD that
// fails (e.g. because the VMCS was never made current) is shown as an
// error rather than aborting the dump.
func (g *VmxGuest) dump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "cpu %d registers:\n", g.id)
	fmt.Fprintf(&b, "  rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x\n",
		g.registers.RAX, g.registers.RBX, g.registers.RCX, g.registers.RDX)
	fmt.Fprintf(&b, "  rsi=%#016x rdi=%#016x rbp=%#016x rsp=%#016x\n",
		g.registers.RSI, g.registers.RDI, g.registers.RBP, g.registers.RSP)
	fmt.Fprintf(&b, "  rip=%#016x rflags=%#016x\n", g.registers.RIP, g.registers.RFLAGS)

	fmt.Fprintf(&b, "vmcs:\n")
	for _, f := range []struct {
		name     string
		encoding uint64
	}{
		{"GUEST_CR0", guestCR0},
		{"GUEST_CR3", guestCR3},
		{"GUEST_CR4", guestCR4},
		{"GUEST_RIP", guestRIP},
		{"GUEST_RSP", guestRSP},
		{"GUEST_RFLAGS", guestRFLAGS},
		{"GUEST_CS_SELECTOR", guestCSSelector},
		{"GUEST_ACTIVITY_STATE", guestActivityState},
		{"VM_EXIT_REASON", vmExitReason},
		{"EXIT_QUALIFICATION", exitQualification},
	} {
		value, err := vmReadFn(f.encoding)
		if err != nil {
			fmt.Fprintf(&b, "  %s: %v\n", f.name, err)
			continue
		}
		fmt.Fprintf(&b, "  %s=%#x\n", f.name, value)
	}

	return b.String()
}
