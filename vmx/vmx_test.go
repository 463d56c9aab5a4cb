package vmx

import (
	"errors"
	"testing"
)

func TestAdjustFixed(t *testing.T) {
	t.Parallel()

	// Bits in fixed0 forced to 1, bits clear in fixed1 forced to 0,
	// everything else keeps the requested value.
	got := adjustFixed(0b0110, 0b1000, 0b1110)
	want := uint64(0b1110)
	if got != want {
		t.Errorf("got %#b, want %#b", got, want)
	}
}

func TestAdjustVmxControlAppliesCapabilityMSR(t *testing.T) {
	t.Parallel()

	// Capability MSR low=0x16 (allowed-0), high=0xFFFFFFFF (allowed-1),
	// requested=0x1 => effective=0x17.
	restore := stubRDMSR(t, func(addr uint32) uint64 {
		switch addr {
		case msrVMXBasic:
			return 0 // TRUE_* not supported, use the plain capability MSR
		case msrVMXPinbasedCtls:
			return 0x16 | (0xFFFFFFFF << 32)
		default:
			t.Fatalf("unexpected RDMSR(%#x)", addr)
			return 0
		}
	})
	defer restore()

	got, err := AdjustVmxControl(PinBased, 0x1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x17 {
		t.Errorf("got %#x, want 0x17", got)
	}
}

func TestAdjustVmxControlUnsupportedFeature(t *testing.T) {
	t.Parallel()

	restore := stubRDMSR(t, func(addr uint32) uint64 {
		switch addr {
		case msrVMXBasic:
			return 0
		case msrVMXPinbasedCtls:
			// allowed1 clears bit 0: requesting it is unsatisfiable.
			return 0 | (0xFFFFFFFE << 32)
		default:
			t.Fatalf("unexpected RDMSR(%#x)", addr)
			return 0
		}
	})
	defer restore()

	_, err := AdjustVmxControl(PinBased, 0x1)
	if !errors.Is(err, ErrUnsupportedFeature) {
		t.Errorf("got %v, want ErrUnsupportedFeature", err)
	}
}

func TestAdjustVmxControlSelectsTrueCapabilityMSR(t *testing.T) {
	t.Parallel()

	var queried uint32

	restore := stubRDMSR(t, func(addr uint32) uint64 {
		switch addr {
		case msrVMXBasic:
			return vmxBasicTrueControlsFlag
		case msrVMXTrueProcbased:
			queried = addr
			return 0 | (0xFFFFFFFF << 32)
		default:
			t.Fatalf("unexpected RDMSR(%#x)", addr)
			return 0
		}
	})
	defer restore()

	if _, err := AdjustVmxControl(ProcessorBased, 0); err != nil {
		t.Fatal(err)
	}
	if queried != msrVMXTrueProcbased {
		t.Errorf("did not consult the TRUE_* capability MSR")
	}
}

func TestAdjustVmxControlProcessorBased3HasNoAllowed0(t *testing.T) {
	t.Parallel()

	restore := stubRDMSR(t, func(addr uint32) uint64 {
		if addr != msrVMXProcbasedCtls3 {
			t.Fatalf("unexpected RDMSR(%#x)", addr)
		}
		return 0b101
	})
	defer restore()

	got, err := AdjustVmxControl(ProcessorBased3, 0b001)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0b001 {
		t.Errorf("got %#b, want 0b001", got)
	}
}

// stubRDMSR temporarily swaps RDMSR for a fake, for tests of the pure
// capability-adjustment logic that would otherwise require real hardware
// MSR access. It is restored via the returned func.
func stubRDMSR(t *testing.T, fn func(uint32) uint64) func() {
	t.Helper()

	orig := rdmsrHook
	rdmsrHook = fn

	return func() { rdmsrHook = orig }
}
