package guest

import "github.com/hvgo/barevisor/vmx"

// vmReadFn and vmWriteFn indirect the VMCS read/write primitives through
// package-level variables, the same seam vmx.rdmsrHook uses for RDMSR: it
// lets this package's own tests drive the dispatch loop and reset handlers
// against a fake VMCS instead of real hardware.
//
// getAdjustedCr0Fn and getAdjustedCr4Fn indirect vmx.GetAdjustedCr0/Cr4 the
// same way: both execute RDMSR against the VMX capability MSRs, which is a
// privileged instruction this package's tests must not require real
// hardware (or ring 0) to exercise.
var (
	vmReadFn  = vmx.VmRead
	vmWriteFn = vmx.VmWrite

	getAdjustedCr0Fn = vmx.GetAdjustedCr0
	getAdjustedCr4Fn = vmx.GetAdjustedCr4
)
