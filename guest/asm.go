package guest

import "github.com/hvgo/barevisor/registers"

// runVMXGuest is implemented in run_guest_amd64.s. It is the single
// narrow assembly boundary for entering and leaving the guest (the other
// is registers.captureCurrent, on the "before virtualization" side): it
// loads the guest's GPRs from regs, programs the VMCS host-state RIP/RSP
// fields to resume inside this same function, and executes VMLAUNCH or
// VMRESUME. On a genuine VM-exit it returns 0 with regs holding the
// guest's GPRs at the moment of exit; if VM-entry itself fails, it returns
// the post-failure RFLAGS and leaves regs untouched.
func runVMXGuest(regs *registers.Registers, launch bool) (rflagsOnEntryFailure uint64)
