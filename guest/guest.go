// Package guest owns the VMCS for one logical CPU: its configuration
// (control/guest/host-state fields), the INIT/SIPI reset handlers, and the
// VM-entry/VM-exit dispatch loop.
package guest

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/hvgo/barevisor/apicid"
	"github.com/hvgo/barevisor/ept"
	"github.com/hvgo/barevisor/platform"
	"github.com/hvgo/barevisor/registers"
	"github.com/hvgo/barevisor/segment"
	"github.com/hvgo/barevisor/vmx"
)

// addrOf returns the virtual address of v, for translation to a physical
// address via platform.Ops.PA.
func addrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}

// readMemory8 reads 8 bytes directly from virtual address va. Used only to
// walk this processor's own live GDT, which a bare-metal hypervisor
// addresses directly -- there is no host OS page-protection boundary here.
func readMemory8(va uint64) [8]byte {
	return *(*[8]byte)(unsafe.Pointer(uintptr(va)))
}

// Exit-reason numbers this dispatch loop understands. Any other value is a
// fatal architectural mismatch: this hypervisor never requested a
// VM-execution control that would cause an exit it cannot handle, so
// seeing one means the VMCS was misconfigured.
const (
	exitReasonInitSignal = 3
	exitReasonSipi       = 4
	exitReasonCPUID      = 10
	exitReasonRDMSR      = 31
	exitReasonWRMSR      = 32
	exitReasonXSetBV     = 55
)

// ExitReason classifies a recoverable VM-exit; anything not representable
// here is fatal and panics instead.
type ExitReason int

const (
	InitSignal ExitReason = iota
	StartupIPI
	Cpuid
	Rdmsr
	Wrmsr
	XSetBV
)

func (r ExitReason) String() string {
	switch r {
	case InitSignal:
		return "InitSignal"
	case StartupIPI:
		return "StartupIPI"
	case Cpuid:
		return "Cpuid"
	case Rdmsr:
		return "Rdmsr"
	case Wrmsr:
		return "Wrmsr"
	case XSetBV:
		return "XSetBV"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// Exit carries a recoverable VM-exit's classification and, for
// instruction-based exits, the RIP to resume at after emulation.
type Exit struct {
	Reason   ExitReason
	NextRIP  uint64
}

// activityState mirrors the VMCS guest activity-state encoding (Intel SDM
// Table 25-3).
type activityState uint32

const (
	activityActive      activityState = 0
	activityHlt         activityState = 1
	activityShutdown    activityState = 2
	activityWaitForSipi activityState = 3
)

// SharedData is the per-machine state every logical CPU's VMCS references:
// the EPT identity map and the MSR bitmap. Built once and shared read-only
// across all VmxGuest instances.
type SharedData struct {
	Epts       *ept.Tables
	MSRBitmap  *[4096]byte
}

// VmxGuest owns one logical CPU's VMCS and its in-flight register state.
// id is this processor's sequential index (apicid.Registry), used to label
// the register dump; Initialize receives this CPU's host overrides directly
// from the caller.
type VmxGuest struct {
	id       int
	registers registers.Registers
	vmcs     *vmx.VmcsRegion
	launched bool
}

// New allocates a fresh, unconfigured VMCS for logical processor id.
func New(id int) *VmxGuest {
	return &VmxGuest{id: id, vmcs: vmx.NewVmcsRegion()}
}

// Activate makes this guest's VMCS current via VMCLEAR then VMPTRLD, per
// the VMCS state-transition sequence the SDM requires before any VMREAD or
// VMWRITE against it (Figure 25-1).
func (g *VmxGuest) Activate(ops platform.Ops) error {
	pa := ops.PA(addrOf(g.vmcs))

	if err := vmx.VmClear(pa); err != nil {
		return fmt.Errorf("VMCLEAR: %w", err)
	}
	if err := vmx.VmPtrld(pa); err != nil {
		return fmt.Errorf("VMPTRLD: %w", err)
	}

	return nil
}

// Initialize configures the control, guest-state and host-state fields of
// the now-current VMCS from regs, which must be the snapshot taken by
// registers.CaptureCurrent immediately before virtualization began.
func (g *VmxGuest) Initialize(ops platform.Ops, overrides platform.HostOverrides, shared *SharedData, regs registers.Registers) error {
	g.registers = regs

	if err := g.initializeControl(ops, shared); err != nil {
		return err
	}
	g.initializeGuest()
	g.initializeHost(ops, overrides)

	return nil
}

func (g *VmxGuest) initializeControl(ops platform.Ops, shared *SharedData) error {
	exitCtl, err := vmx.AdjustVmxControl(vmx.VmExit, exitControlHostAddressSpaceSize)
	if err != nil {
		return err
	}
	if err := vmWriteFn(vmExitControls, exitCtl); err != nil {
		return err
	}

	entryCtl, err := vmx.AdjustVmxControl(vmx.VmEntry, entryControlIA32eModeGuest)
	if err != nil {
		return err
	}
	if err := vmWriteFn(vmEntryControls, entryCtl); err != nil {
		return err
	}

	pinCtl, err := vmx.AdjustVmxControl(vmx.PinBased, 0)
	if err != nil {
		return err
	}
	if err := vmWriteFn(pinBasedExecControl, pinCtl); err != nil {
		return err
	}

	procCtl, err := vmx.AdjustVmxControl(vmx.ProcessorBased, primaryUseMSRBitmaps|primarySecondaryControls)
	if err != nil {
		return err
	}
	if err := vmWriteFn(primaryProcBasedExecCtrl, procCtl); err != nil {
		return err
	}

	proc2Ctl, err := vmx.AdjustVmxControl(vmx.ProcessorBased2,
		secondaryEnableEPT|secondaryUnrestrictedGuest|secondaryEnableRDTSCP|secondaryEnableINVPCID|secondaryEnableXSAVESXRSTORS)
	if err != nil {
		return err
	}
	if err := vmWriteFn(secondaryProcBasedExecCtrl, proc2Ctl); err != nil {
		return err
	}

	if err := vmWriteFn(msrBitmapFull, ops.PA(addrOf(shared.MSRBitmap))); err != nil {
		return err
	}

	eptp := shared.Epts.Eptp(ops)
	return vmWriteFn(eptPointerFull, uint64(eptp))
}

// initializeGuest copies the currently running CPU's state into the
// guest-state VMCS fields, under the assumption that nothing has changed
// since regs was captured: the guest resumes exactly where virtualization
// began, as if it never happened.
func (g *VmxGuest) initializeGuest() {
	idtBase, idtLimit := vmx.SIDT()
	gdtBase, gdtLimit := vmx.SGDT()

	cs, ss, ds, es, fs, gs, tr, ldtr := vmx.CS(), vmx.SS(), vmx.DS(), vmx.ES(), vmx.FS(), vmx.GS(), vmx.TR(), vmx.LDTR()

	vmWriteFn(guestESSelector, uint64(es))
	vmWriteFn(guestCSSelector, uint64(cs))
	vmWriteFn(guestSSSelector, uint64(ss))
	vmWriteFn(guestDSSelector, uint64(ds))
	vmWriteFn(guestFSSelector, uint64(fs))
	vmWriteFn(guestGSSelector, uint64(gs))
	vmWriteFn(guestTRSelector, uint64(tr))
	vmWriteFn(guestLDTRSelector, uint64(ldtr))

	for _, sel := range []struct {
		limitField uint64
		selector   uint16
	}{
		{guestESLimit, es}, {guestCSLimit, cs}, {guestSSLimit, ss},
		{guestDSLimit, ds}, {guestFSLimit, fs}, {guestGSLimit, gs}, {guestTRLimit, tr},
	} {
		limit, _ := vmx.LSL(sel.selector)
		vmWriteFn(sel.limitField, uint64(limit))
	}

	for _, sel := range []struct {
		arField   uint64
		selector  uint16
	}{
		{guestESAccessRights, es}, {guestCSAccessRights, cs}, {guestSSAccessRights, ss},
		{guestDSAccessRights, ds}, {guestFSAccessRights, fs}, {guestGSAccessRights, gs}, {guestTRAccessRights, tr},
	} {
		native, _ := vmx.LAR(sel.selector)
		vmWriteFn(sel.arField, uint64(segment.AccessRights(native)))
	}
	vmWriteFn(guestLDTRAccessRights, uint64(segment.AccessRights(0)))

	vmWriteFn(guestFSBase, vmx.RDMSR(msrFSBase))
	vmWriteFn(guestGSBase, vmx.RDMSR(msrGSBase))

	trDesc, err := segment.FromGDTR(segment.GDTR{Base: gdtBase, Limit: gdtLimit}, tr, gdtReader(gdtBase))
	if err == nil {
		vmWriteFn(guestTRBase, trDesc.Base)
	}

	vmWriteFn(guestGDTRBase, gdtBase)
	vmWriteFn(guestGDTRLimit, uint64(gdtLimit))
	vmWriteFn(guestIDTRBase, idtBase)
	vmWriteFn(guestIDTRLimit, uint64(idtLimit))

	vmWriteFn(guestSysenterCS, vmx.RDMSR(msrSysenterCS))
	vmWriteFn(guestSysenterEIP, vmx.RDMSR(msrSysenterEIP))
	vmWriteFn(guestSysenterESP, vmx.RDMSR(msrSysenterESP))

	// No VMCS shadowing: the link pointer must be all-ones to avoid
	// VM-entry failures (SDM 25.4.2).
	vmWriteFn(guestVMCSLinkPtrFull, ^uint64(0))

	vmWriteFn(guestCR0, vmx.CR0())
	vmWriteFn(guestCR3, vmx.CR3())
	vmWriteFn(guestCR4, vmx.CR4())
	vmWriteFn(guestRSP, g.registers.RSP)
	vmWriteFn(guestRIP, g.registers.RIP)
	vmWriteFn(guestRFLAGS, g.registers.RFLAGS)
}

func (g *VmxGuest) initializeHost(ops platform.Ops, overrides platform.HostOverrides) {
	cr3 := vmx.CR3()
	if overrides.PageTableRoot != nil {
		cr3 = *overrides.PageTableRoot
	}

	tr := vmx.TR()
	liveGDTBase, liveGDTLimit := vmx.SGDT()
	liveIDTBase, _ := vmx.SIDT()

	effectiveGDTBase := liveGDTBase
	if overrides.GDTBase != nil && overrides.TRSelector != nil {
		effectiveGDTBase = *overrides.GDTBase
		tr = *overrides.TRSelector
	}

	var tssBase uint64
	if overrides.TSSBase != nil {
		tssBase = *overrides.TSSBase
	} else {
		desc, err := segment.FromGDTR(segment.GDTR{Base: effectiveGDTBase, Limit: liveGDTLimit}, tr, gdtReader(effectiveGDTBase))
		if err == nil {
			tssBase = desc.Base
		}
	}

	effectiveIDTBase := liveIDTBase
	if overrides.IDTBase != nil {
		effectiveIDTBase = *overrides.IDTBase
	}

	const rplAndTIMask = ^uint64(0b111)

	vmWriteFn(hostESSelector, uint64(vmx.ES())&rplAndTIMask)
	vmWriteFn(hostCSSelector, uint64(vmx.CS())&rplAndTIMask)
	vmWriteFn(hostSSSelector, uint64(vmx.SS())&rplAndTIMask)
	vmWriteFn(hostDSSelector, uint64(vmx.DS())&rplAndTIMask)
	vmWriteFn(hostFSSelector, uint64(vmx.FS())&rplAndTIMask)
	vmWriteFn(hostGSSelector, uint64(vmx.GS())&rplAndTIMask)
	vmWriteFn(hostTRSelector, uint64(tr)&rplAndTIMask)

	vmWriteFn(hostCR0, vmx.CR0())
	vmWriteFn(hostCR3, cr3)
	vmWriteFn(hostCR4, vmx.CR4())

	vmWriteFn(hostFSBase, vmx.RDMSR(msrFSBase))
	vmWriteFn(hostGSBase, vmx.RDMSR(msrGSBase))
	vmWriteFn(hostTRBase, tssBase)
	vmWriteFn(hostGDTRBase, effectiveGDTBase)
	vmWriteFn(hostIDTRBase, effectiveIDTBase)
}

// gdtReader returns a segment.FromGDTR-compatible reader backed by direct
// memory access at gdtBase; used only for this processor's own live GDT.
func gdtReader(gdtBase uint64) func(off uint32) [8]byte {
	return func(off uint32) [8]byte {
		return readMemory8(gdtBase + uint64(off))
	}
}

// Registers returns a pointer to the in-flight register snapshot, so an
// instruction emulator can read/write GPR operands (registers.GetReg).
func (g *VmxGuest) Registers() *registers.Registers {
	return &g.registers
}

// ErrUnhandledExit is wrapped into the panic raised for any VM-exit reason
// this dispatch loop does not recognize -- a fatal architectural mismatch.
var ErrUnhandledExit = errors.New("unhandled VM-exit reason")

// Run enters the guest and returns once a VM-exit has been classified. It
// panics, dumping the VMCS, on VM-entry failure or an unrecognized exit
// reason: both are fatal architectural mismatches this hypervisor cannot
// recover from.
func (g *VmxGuest) Run() Exit {
	vmWriteFn(guestRIP, g.registers.RIP)
	vmWriteFn(guestRSP, g.registers.RSP)
	vmWriteFn(guestRFLAGS, g.registers.RFLAGS)

	launch := !g.launched
	flags := runVMXGuest(&g.registers, launch)
	if flags&rflagsCarryOrZero() != 0 {
		panic(fmt.Sprintf("VM-entry failed: rflags=%#x\n%s", flags, g.dump()))
	}
	g.launched = true

	g.registers.RIP, _ = vmReadFn(guestRIP)
	g.registers.RSP, _ = vmReadFn(guestRSP)
	g.registers.RFLAGS, _ = vmReadFn(guestRFLAGS)

	reason, _ := vmReadFn(vmExitReason)

	switch uint16(reason) {
	case exitReasonInitSignal:
		g.handleInitSignal()
		return Exit{Reason: InitSignal}
	case exitReasonSipi:
		g.handleSipiSignal()
		return Exit{Reason: StartupIPI}
	case exitReasonCPUID:
		return Exit{Reason: Cpuid, NextRIP: g.nextRIP()}
	case exitReasonRDMSR:
		return Exit{Reason: Rdmsr, NextRIP: g.nextRIP()}
	case exitReasonWRMSR:
		return Exit{Reason: Wrmsr, NextRIP: g.nextRIP()}
	case exitReasonXSetBV:
		return Exit{Reason: XSetBV, NextRIP: g.nextRIP()}
	default:
		panic(fmt.Errorf("%w: %d\n%s", ErrUnhandledExit, reason, g.dump()))
	}
}

func (g *VmxGuest) nextRIP() uint64 {
	length, _ := vmReadFn(vmExitInstructionLen)
	return g.registers.RIP + length
}

// rflagsCarryOrZero returns the mask runVMXGuest's failure convention
// checks: CF (VMfailInvalid) or ZF (VMfailValid).
func rflagsCarryOrZero() uint64 { return 1<<0 | 1<<6 }

// ApicIDFrom resolves the apicID observed on this VmxGuest's logical CPU
// to its registry index, once apicid.Registry.Init has run.
func ApicIDFrom(reg *apicid.Registry, cpuid apicid.CPUID) (int, bool) {
	return reg.ProcessorIDFrom(apicid.Get(cpuid))
}
