package vmx

import (
	"testing"

	"github.com/hvgo/barevisor/platform"
)

// stubHardware swaps every hook Enable/Disable touch for an in-memory fake
// and restores the originals on cleanup.
func stubHardware(t *testing.T) (cr0, cr4 *uint64, msrs map[uint32]uint64, vmxonCalls *int) {
	t.Helper()

	cr0V, cr4V := new(uint64), new(uint64)
	msrValues := map[uint32]uint64{
		msrVMXCR0Fixed0: 1 << 0, // PE must be 1
		msrVMXCR0Fixed1: ^uint64(0),
		msrVMXCR4Fixed0: 1 << 13, // VMXE must be 1
		msrVMXCR4Fixed1: ^uint64(0),
		msrVMXBasic:     0x1234, // revision ID for the VMXON region
	}
	calls := 0

	origRead, origWrite := rdmsrHook, wrmsrHook
	origCR0Read, origCR0Write := readCR0Hook, writeCR0Hook
	origCR4Read, origCR4Write := readCR4Hook, writeCR4Hook
	origVmxon, origVmxoff := vmxonHook, vmxoffHook

	rdmsrHook = func(addr uint32) uint64 { return msrValues[addr] }
	wrmsrHook = func(addr uint32, value uint64) { msrValues[addr] = value }
	readCR0Hook = func() uint64 { return *cr0V }
	writeCR0Hook = func(v uint64) { *cr0V = v }
	readCR4Hook = func() uint64 { return *cr4V }
	writeCR4Hook = func(v uint64) { *cr4V = v }
	vmxonHook = func(pa uint64) uint8 { calls++; return 1 }
	vmxoffHook = func() uint8 { return 1 }

	t.Cleanup(func() {
		rdmsrHook, wrmsrHook = origRead, origWrite
		readCR0Hook, writeCR0Hook = origCR0Read, origCR0Write
		readCR4Hook, writeCR4Hook = origCR4Read, origCR4Write
		vmxonHook, vmxoffHook = origVmxon, origVmxoff
	})

	return cr0V, cr4V, msrValues, &calls
}

func TestEnableForcesFixedBitsLocksFeatureControlAndEntersRoot(t *testing.T) {
	t.Parallel()

	cr0, cr4, msrs, vmxonCalls := stubHardware(t)
	ops := platform.NewFake(1)

	e, err := Enable(ops)
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if *cr0&(1<<0) == 0 {
		t.Errorf("CR0.PE not forced on: %#x", *cr0)
	}
	if *cr4&(1<<13) == 0 {
		t.Errorf("CR4.VMXE not forced on: %#x", *cr4)
	}
	if msrs[msrFeatureControl]&(featureControlLockBit|featureControlVMXOutsideSMX) != featureControlLockBit|featureControlVMXOutsideSMX {
		t.Errorf("feature-control MSR not locked with VMX-outside-SMX: %#x", msrs[msrFeatureControl])
	}
	if *vmxonCalls != 1 {
		t.Errorf("VMXON called %d times, want 1", *vmxonCalls)
	}
	if e.region.RevisionID != 0x1234 {
		t.Errorf("region revision ID = %#x, want 0x1234", e.region.RevisionID)
	}

	if err := e.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}

func TestEnableReturnsErrorOnVmxonFailure(t *testing.T) {
	t.Parallel()

	_, _, _, _ = stubHardware(t)
	vmxonHook = func(pa uint64) uint8 { return 0 }

	ops := platform.NewFake(1)
	if _, err := Enable(ops); err == nil {
		t.Error("Enable succeeded despite a failing VMXON")
	}
}
