// Package vmx wraps the privileged x86 instructions and control-register
// bookkeeping needed to enter and stay in VMX root operation: CR0/CR4
// adjustment, the IA32_FEATURE_CONTROL MSR, VMXON/VMCLEAR/VMPTRLD,
// VMREAD/VMWRITE, and VMLAUNCH/VMRESUME. The handful of instructions that
// cannot be expressed in Go live in asm_amd64.s; everything else in this
// package is a thin, testable layer on top of them.
package vmx

import (
	"errors"
	"fmt"
)

// MSR addresses from the Intel SDM, volume 4.
const (
	msrFeatureControl    = 0x3A
	msrVMXBasic          = 0x480
	msrVMXPinbasedCtls   = 0x481
	msrVMXProcbasedCtls  = 0x482
	msrVMXExitCtls       = 0x483
	msrVMXEntryCtls      = 0x484
	msrVMXProcbasedCtls2 = 0x48B
	msrVMXTruePinbased   = 0x48D
	msrVMXTrueProcbased  = 0x48E
	msrVMXTrueExit       = 0x48F
	msrVMXTrueEntry      = 0x490
	msrVMXProcbasedCtls3 = 0x492
	msrVMXCR0Fixed0      = 0x486
	msrVMXCR0Fixed1      = 0x487
	msrVMXCR4Fixed0      = 0x488
	msrVMXCR4Fixed1      = 0x489

	featureControlLockBit       = 1 << 0
	featureControlVMXOutsideSMX = 1 << 2

	vmxBasicTrueControlsFlag = 1 << 55
)

// VmxControl names one of the six VM-execution/entry/exit control fields
// that need capability-MSR adjustment before being written to the VMCS.
type VmxControl int

const (
	PinBased VmxControl = iota
	ProcessorBased
	ProcessorBased2
	ProcessorBased3
	VmExit
	VmEntry
)

func (c VmxControl) String() string {
	switch c {
	case PinBased:
		return "PinBased"
	case ProcessorBased:
		return "ProcessorBased"
	case ProcessorBased2:
		return "ProcessorBased2"
	case ProcessorBased3:
		return "ProcessorBased3"
	case VmExit:
		return "VmExit"
	case VmEntry:
		return "VmEntry"
	default:
		return fmt.Sprintf("VmxControl(%d)", int(c))
	}
}

// ErrUnsupportedFeature is returned by AdjustVmxControl when the requested
// bits cannot be satisfied by the processor's capability MSR.
var ErrUnsupportedFeature = errors.New("requested VMX control feature is not supported by this processor")

// ErrVmInstructionFailed is returned by the VM-instruction wrappers
// (Vmxon, VmClear, VmPtrld, VmRead, VmWrite, VmLaunch, VmResume) whenever
// the hardware reports VMfailInvalid or VMfailValid (RFLAGS.CF or .ZF set).
var ErrVmInstructionFailed = errors.New("VMX instruction failed")

// rdmsrHook, wrmsrHook and the CR0/CR4 read/write hooks are indirected
// through package-level variables, rather than called directly, so this
// package's own tests -- including Enable's VMX-enable sequence -- can
// substitute fakes for the capability-adjustment and control-register
// logic without real hardware access.
var (
	rdmsrHook = rdmsr
	wrmsrHook = wrmsr

	readCR0Hook  = readCR0
	writeCR0Hook = writeCR0
	readCR4Hook  = readCR4
	writeCR4Hook = writeCR4
)

// RDMSR and WRMSR wrap the eponymous instructions. They go through
// rdmsrHook/wrmsrHook so this package's own tests can substitute fakes
// without touching hardware; downstream packages take RDMSR as a function
// value (e.g. mtrr.ReadMSR) and pass their own fakes in tests.
func RDMSR(addr uint32) uint64 {
	return rdmsrHook(addr)
}

func WRMSR(addr uint32, value uint64) {
	wrmsrHook(addr, value)
}

// CR0, CR3 and CR4 read/write the eponymous control registers.
func CR0() uint64       { return readCR0Hook() }
func WriteCR0(v uint64) { writeCR0Hook(v) }
func CR3() uint64       { return readCR3() }
func WriteCR3(v uint64) { writeCR3(v) }
func CR4() uint64       { return readCR4Hook() }
func WriteCR4(v uint64) { writeCR4Hook(v) }
func WriteCR2(v uint64) { writeCR2(v) }

// WriteDebugRegisters loads DR0-DR3, DR6 and DR7, as the INIT-signal
// handler requires.
func WriteDebugRegisters(dr0, dr1, dr2, dr3, dr6, dr7 uint64) {
	writeDR0(dr0)
	writeDR1(dr1)
	writeDR2(dr2)
	writeDR3(dr3)
	writeDR6(dr6)
	writeDR7(dr7)
}

// CS, SS, DS, ES, FS, GS, TR and LDTR read the current selector out of the
// eponymous segment register.
func CS() uint16   { return segCS() }
func SS() uint16   { return segSS() }
func DS() uint16   { return segDS() }
func ES() uint16   { return segES() }
func FS() uint16   { return segFS() }
func GS() uint16   { return segGS() }
func TR() uint16   { return segTR() }
func LDTR() uint16 { return segLDTR() }

// SGDT and SIDT read the current GDTR/IDTR pseudo-descriptor.
func SGDT() (base uint64, limit uint16) { return sgdt() }
func SIDT() (base uint64, limit uint16) { return sidt() }

// LAR returns the LAR-format access rights for selector and whether it
// resolved to a valid, present descriptor.
func LAR(selector uint16) (accessRights uint32, ok bool) {
	v, o := lar(selector)
	return v, o != 0
}

// LSL returns the segment limit for selector and whether it resolved.
func LSL(selector uint16) (limit uint32, ok bool) {
	v, o := lsl(selector)
	return v, o != 0
}

// adjustFixed applies the FIXED0/FIXED1 rule shared by CR0 and CR4: bits set
// in fixed0 must be 1, bits clear in fixed1 must be 0, everything else keeps
// the caller's requested value.
func adjustFixed(value, fixed0, fixed1 uint64) uint64 {
	return (value & fixed1) | fixed0
}

// GetAdjustedCr0 returns cr0 with the bits VMX entry requires forced to
// their mandatory value, per IA32_VMX_CR0_FIXED0/FIXED1.
func GetAdjustedCr0(cr0 uint64) uint64 {
	return adjustFixed(cr0, RDMSR(msrVMXCR0Fixed0), RDMSR(msrVMXCR0Fixed1))
}

// GetAdjustedCr4 returns cr4 with the bits VMX entry requires forced to
// their mandatory value, per IA32_VMX_CR4_FIXED0/FIXED1.
func GetAdjustedCr4(cr4 uint64) uint64 {
	return adjustFixed(cr4, RDMSR(msrVMXCR4Fixed0), RDMSR(msrVMXCR4Fixed1))
}

// UpdateFeatureControlMSR sets the lock bit and the VMXON-outside-SMX bit in
// IA32_FEATURE_CONTROL when the lock bit is not already set. Once locked,
// the MSR cannot be written again until the next reset, so a processor that
// already locked it with VMX enabled is left untouched.
func UpdateFeatureControlMSR() {
	fc := RDMSR(msrFeatureControl)
	if fc&featureControlLockBit == 0 {
		WRMSR(msrFeatureControl, fc|featureControlVMXOutsideSMX|featureControlLockBit)
	}
}

// capabilityMSR returns the IA32_VMX_BASIC-selected capability MSR address
// for control, honoring the TRUE_* vs non-TRUE selection rule (bit 55 of
// IA32_VMX_BASIC). ProcessorBased2 has no TRUE variant and is always used
// directly; ProcessorBased3 is not a capability-pair MSR at all and is
// handled separately by AdjustVmxControl.
func capabilityMSR(control VmxControl, trueCapable bool) uint32 {
	switch control {
	case PinBased:
		if trueCapable {
			return msrVMXTruePinbased
		}
		return msrVMXPinbasedCtls
	case ProcessorBased:
		if trueCapable {
			return msrVMXTrueProcbased
		}
		return msrVMXProcbasedCtls
	case VmExit:
		if trueCapable {
			return msrVMXTrueExit
		}
		return msrVMXExitCtls
	case VmEntry:
		if trueCapable {
			return msrVMXTrueEntry
		}
		return msrVMXEntryCtls
	case ProcessorBased2:
		return msrVMXProcbasedCtls2
	default:
		return 0
	}
}

// AdjustVmxControl returns the requested control value after forcing bits
// to satisfy the processor's capability MSR for control, per the
// capability-MSR adjustment rule: bits set in the low 32 (allowed-0) are
// forced to 1, bits clear in the high 32 (allowed-1) are forced to 0.
//
// ProcessorBased3 has no FIXED0/allowed-0 half at all (IA32_VMX_PROCBASED_CTLS3
// is allowed-1 only): any requested bit outside that mask is unsupported.
func AdjustVmxControl(control VmxControl, requested uint64) (uint64, error) {
	if control == ProcessorBased3 {
		allowed1 := RDMSR(msrVMXProcbasedCtls3)
		effective := requested & allowed1
		if effective|requested != effective {
			return 0, fmt.Errorf("%w: %v requested=%#x effective=%#x", ErrUnsupportedFeature, control, requested, effective)
		}
		return effective, nil
	}

	basic := RDMSR(msrVMXBasic)
	trueCapable := basic&vmxBasicTrueControlsFlag != 0

	capabilities := RDMSR(capabilityMSR(control, trueCapable))
	allowed0 := capabilities & 0xFFFFFFFF
	allowed1 := capabilities >> 32

	effective := requested
	effective |= allowed0
	effective &= allowed1

	if effective|requested != effective {
		return 0, fmt.Errorf("%w: %v requested=%#x effective=%#x", ErrUnsupportedFeature, control, requested, effective)
	}

	return effective, nil
}

// VmxonRegion and VmcsRegion are the two hardware-defined, page-aligned
// memory regions VMX instructions operate on. Both begin with a 32-bit VMCS
// revision identifier and are otherwise opaque to software.
//
// See: 25.11.5 VMXON Region / 25.2 Format of the VMCS Region.
type VmxonRegion struct {
	RevisionID uint32
	_          [4092]byte
}

type VmcsRegion struct {
	RevisionID uint32
	_          [4092]byte
}

// NewVmxonRegion returns a zeroed, revision-stamped VMXON region, ready to
// be passed to Vmxon after translating its address with platform.Ops.PA.
func NewVmxonRegion() *VmxonRegion {
	r := &VmxonRegion{}
	r.RevisionID = uint32(RDMSR(msrVMXBasic))
	return r
}

// NewVmcsRegion returns a zeroed, revision-stamped VMCS region, ready to be
// passed to VmClear and VmPtrld.
func NewVmcsRegion() *VmcsRegion {
	r := &VmcsRegion{}
	r.RevisionID = uint32(RDMSR(msrVMXBasic))
	return r
}

func vmResult(ok uint8, op string) error {
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrVmInstructionFailed, op)
	}
	return nil
}

// vmxonHook is indirected the same way rdmsrHook is, so Enable's tests can
// substitute a fake for the actual VMXON instruction.
var vmxonHook = vmxon

// Vmxon enters VMX root operation using the VMXON region at physical
// address pa.
func Vmxon(pa uint64) error { return vmResult(vmxonHook(pa), "VMXON") }

// VmClear initializes the VMCS at physical address pa to the clear state.
func VmClear(pa uint64) error { return vmResult(vmclear(pa), "VMCLEAR") }

// VmPtrld makes the VMCS at physical address pa current.
func VmPtrld(pa uint64) error { return vmResult(vmptrld(pa), "VMPTRLD") }

// VmRead reads the VMCS field at encoding from the current VMCS.
func VmRead(encoding uint64) (uint64, error) {
	value, ok := vmread(encoding)
	return value, vmResult(ok, "VMREAD")
}

// VmWrite writes value to the VMCS field at encoding in the current VMCS.
func VmWrite(encoding, value uint64) error { return vmResult(vmwrite(encoding, value), "VMWRITE") }

// VmLaunch and VmResume enter the guest via the current VMCS. They return
// only if VM-entry itself failed, with an error; after a successful entry,
// the next VM-exit resumes at the VMCS host-state RIP, not here.
func VmLaunch() error { return vmResult(vmlaunch(), "VMLAUNCH") }
func VmResume() error { return vmResult(vmresume(), "VMRESUME") }

// vmxoffHook is indirected the same way vmxonHook is, so Enabler.Disable's
// tests can substitute a fake for the actual VMXOFF instruction.
var vmxoffHook = vmxoff

// Vmxoff leaves VMX root operation.
func Vmxoff() error { return vmResult(vmxoffHook(), "VMXOFF") }
