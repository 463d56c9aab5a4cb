package vmx

import (
	"fmt"
	"unsafe"

	"github.com/hvgo/barevisor/platform"
)

// addrOf returns the virtual address of v, for translation to a physical
// address via platform.Ops.PA.
func addrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}

// Enabler owns the VMXON region for one logical CPU, once that CPU has
// entered VMX root operation.
type Enabler struct {
	region *VmxonRegion
}

// Enable performs the per-CPU VMX-enable sequence: force CR0/CR4 to their
// mandatory bits, lock IA32_FEATURE_CONTROL with VMX-outside-SMX set, then
// VMXON using a freshly allocated, revision-stamped VMXON region. The
// returned Enabler must be disabled with Disable before the processor can
// safely leave VMX root operation.
func Enable(ops platform.Ops) (*Enabler, error) {
	WriteCR0(GetAdjustedCr0(CR0()))
	WriteCR4(GetAdjustedCr4(CR4()))
	UpdateFeatureControlMSR()

	region := NewVmxonRegion()
	if err := Vmxon(ops.PA(addrOf(region))); err != nil {
		return nil, fmt.Errorf("VMXON: %w", err)
	}

	return &Enabler{region: region}, nil
}

// Disable leaves VMX root operation entered by Enable.
func (e *Enabler) Disable() error {
	return Vmxoff()
}
