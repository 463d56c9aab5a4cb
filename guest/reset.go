package guest

import (
	"github.com/hvgo/barevisor/cpuid"
	"github.com/hvgo/barevisor/registers"
	"github.com/hvgo/barevisor/vmx"
)

// Access-rights values for the real-mode-style segments INIT and SIPI
// establish (Intel SDM Table 9-1): 16-bit code/data, present, DPL 0. LDTR
// and TR are also left present (bit 7 set) at reset, just marked as an LDT
// (type 2) and a 32/64-bit busy TSS (type 11) respectively.
const (
	arCodeExecuteReadAccessed = 0x9B
	arDataReadWriteAccessed   = 0x93
	arLDTPresent              = 0x82
	arTSSBusyPresent          = 0x8B
)

const rflagsReservedBit1 = 1 << 1

// CR0 bits that an UnrestrictedGuest-enabled VMCS is allowed to run with
// clear, even though IA32_VMX_CR0_FIXED0 always reports both as must-be-1.
const (
	cr0BitPE = 1 << 0
	cr0BitPG = 1 << 31
)

// adjustedGuestCR0 applies vmx's mandatory FIXED0/FIXED1 bits to requested,
// then -- if the secondary processor-based controls this VMCS actually has
// programmed enable UnrestrictedGuest -- restores PE and PG to their
// requested values instead of the forced-on ones. Without this, a guest
// reset to CR0=0 would still VM-enter with PE set and never see real-address
// mode. The secondary controls are read back from the VMCS rather than
// assumed, since UnrestrictedGuest is a request initializeControl makes
// through AdjustVmxControl and may not be honored on every processor.
func adjustedGuestCR0(requested uint64) uint64 {
	adjusted := getAdjustedCr0Fn(requested)

	secondary, _ := vmReadFn(secondaryProcBasedExecCtrl)
	if secondary&secondaryUnrestrictedGuest == 0 {
		return adjusted
	}

	adjusted &^= cr0BitPE | cr0BitPG
	adjusted |= requested & (cr0BitPE | cr0BitPG)

	return adjusted
}

// handleInitSignal drives every guest-state field this VMCS owns to its
// Intel SDM Table 9-1 power-up/INIT reset value. GPRs live in g.registers,
// not the VMCS, so they are zeroed there directly; Run re-derives
// guestRIP/RSP/RFLAGS from g.registers on the next entry.
func (g *VmxGuest) handleInitSignal() {
	g.registers = zeroedRegistersWithResetRIP()

	vmWriteFn(guestCR3, 0)
	vmWriteFn(cr0ReadShadow, 0)
	vmWriteFn(cr4ReadShadow, 0)

	// CR0.ET, CD and NW are architecturally set at reset; PE and PG stay
	// clear so the guest starts in real-address mode (adjustedGuestCR0
	// leaves them at the requested value when UnrestrictedGuest is enabled).
	const cr0Reset = 1<<4 | 1<<29 | 1<<30 // ET | NW | CD
	vmWriteFn(guestCR0, adjustedGuestCR0(cr0Reset))
	vmWriteFn(guestCR4, getAdjustedCr4Fn(0))

	vmWriteFn(guestCSSelector, 0xF000)
	vmWriteFn(guestCSBase, 0xFFFF0000)
	vmWriteFn(guestCSLimit, 0xFFFF)
	vmWriteFn(guestCSAccessRights, arCodeExecuteReadAccessed)

	for _, seg := range []struct{ selector, base, limit, ar uint64 }{
		{guestSSSelector, guestSSBase, guestSSLimit, guestSSAccessRights},
		{guestDSSelector, guestDSBase, guestDSLimit, guestDSAccessRights},
		{guestESSelector, guestESBase, guestESLimit, guestESAccessRights},
		{guestFSSelector, guestFSBase, guestFSLimit, guestFSAccessRights},
		{guestGSSelector, guestGSBase, guestGSLimit, guestGSAccessRights},
	} {
		vmWriteFn(seg.selector, 0)
		vmWriteFn(seg.base, 0)
		vmWriteFn(seg.limit, 0xFFFF)
		vmWriteFn(seg.ar, arDataReadWriteAccessed)
	}

	vmWriteFn(guestLDTRSelector, 0)
	vmWriteFn(guestLDTRBase, 0)
	vmWriteFn(guestLDTRLimit, 0xFFFF)
	vmWriteFn(guestLDTRAccessRights, arLDTPresent)

	vmWriteFn(guestTRSelector, 0)
	vmWriteFn(guestTRBase, 0)
	vmWriteFn(guestTRLimit, 0xFFFF)
	vmWriteFn(guestTRAccessRights, arTSSBusyPresent)

	vmWriteFn(guestGDTRBase, 0)
	vmWriteFn(guestGDTRLimit, 0xFFFF)
	vmWriteFn(guestIDTRBase, 0)
	vmWriteFn(guestIDTRLimit, 0xFFFF)

	vmx.WriteDebugRegisters(0, 0, 0, 0, 0xFFFF0FF0, 0x400)

	vmWriteFn(guestIA32EFERFull, 0)
	vmWriteFn(guestFSBase, 0)
	vmWriteFn(guestGSBase, 0)
	vmWriteFn(guestSysenterCS, 0)
	vmWriteFn(guestSysenterESP, 0)
	vmWriteFn(guestSysenterEIP, 0)

	entryCtl, _ := vmReadFn(vmEntryControls)
	vmWriteFn(vmEntryControls, entryCtl&^entryControlIA32eModeGuest)

	vmWriteFn(guestActivityState, uint64(activityWaitForSipi))
}

// zeroedRegistersWithResetRIP returns the GPR snapshot Table 9-1 specifies:
// every GPR clear except RDX, which is set to 0x600 (family 6) with this
// processor's CPUID extended model ID in bits 19:16, and RIP/RFLAGS at their
// documented reset values.
func zeroedRegistersWithResetRIP() (r registers.Registers) {
	eax, _, _, _ := cpuid.CPUID(1)
	extendedModel := (eax >> 16) & 0xF

	r.RIP = 0xFFF0
	r.RFLAGS = rflagsReservedBit1
	r.RDX = uint64(0x600 | extendedModel<<16)

	return r
}

// handleSipiSignal wakes a guest processor parked in WaitForSipi, per
// Intel SDM 9.8's Startup IPI semantics: the vector names a page, and
// execution resumes at offset 0 within the segment that page identifies.
func (g *VmxGuest) handleSipiSignal() {
	qualification, _ := vmReadFn(exitQualification)
	vector := qualification & 0xFF

	vmWriteFn(guestCSSelector, vector<<8)
	vmWriteFn(guestCSBase, vector<<12)
	vmWriteFn(guestActivityState, uint64(activityActive))

	g.registers.RIP = 0
}
