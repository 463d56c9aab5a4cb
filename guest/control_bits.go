package guest

// VM-execution/entry/exit control bits this hypervisor requests, named per
// their SDM flag names (24.6, 24.7, 24.8). Capability adjustment
// (vmx.AdjustVmxControl) may add further mandatory-1 bits on top of these.
const (
	exitControlHostAddressSpaceSize = 1 << 9

	entryControlIA32eModeGuest = 1 << 9

	primaryUseMSRBitmaps      = 1 << 28
	primarySecondaryControls  = 1 << 31

	secondaryEnableEPT              = 1 << 1
	secondaryEnableRDTSCP           = 1 << 3
	secondaryUnrestrictedGuest      = 1 << 7
	secondaryEnableINVPCID          = 1 << 12
	secondaryEnableXSAVESXRSTORS    = 1 << 20
)

// MSR addresses used directly by guest/host-state initialization.
const (
	msrSysenterCS  = 0x174
	msrSysenterESP = 0x175
	msrSysenterEIP = 0x176
	msrFSBaseMSR   = 0xC0000100
	msrGSBaseMSR   = 0xC0000101
)

// msrFSBase/msrGSBase are the names used at call sites; aliased here to
// keep the MSR-address block above self-contained.
const (
	msrFSBase = msrFSBaseMSR
	msrGSBase = msrGSBaseMSR
)
