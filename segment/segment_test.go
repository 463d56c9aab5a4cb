package segment_test

import (
	"errors"
	"testing"

	"github.com/hvgo/barevisor/segment"
)

func TestAccessRightsNullSelectorIsUnusable(t *testing.T) {
	t.Parallel()

	got := segment.AccessRights(0)
	if got&0x10000 == 0 {
		t.Errorf("got %#x, want unusable bit (16) set", got)
	}
	if got != 0x10000 {
		t.Errorf("got %#x, want exactly the unusable flag", got)
	}
}

func TestAccessRightsMasksReservedBits(t *testing.T) {
	t.Parallel()

	for _, native := range []uint32{0xFFFFFFFF, 0x00C0_9B00, 0x0000_0093} {
		got := segment.AccessRights(native)
		if got&0x10000 != 0 {
			t.Errorf("AccessRights(%#x) set the unusable bit for a non-null selector", native)
		}
		if got&^uint32(0b1111_0000_1111_1111) != 0 {
			t.Errorf("AccessRights(%#x) = %#x has bits outside the VMX-defined mask", native, got)
		}
	}
}

// TestAccessRightsRoundTripsRealisticLARValue pins AccessRights against a
// concrete LAR-format input: a present, DPL-0, 32-bit code-segment
// descriptor (access byte 0x9B, flags nibble 0xC for G|D/B) loaded at the
// bit position LAR actually reports it -- bits 8-15 for the access byte,
// bits 20-23 for the flags nibble -- not the raw descriptor byte layout.
func TestAccessRightsRoundTripsRealisticLARValue(t *testing.T) {
	t.Parallel()

	const native = 0x9B<<8 | 0xC<<20
	if got := segment.AccessRights(native); got != 0xC09B {
		t.Errorf("AccessRights(%#x) = %#x, want 0xC09B", native, got)
	}
}

func TestFromGDTRDecodesCodeSegmentBase(t *testing.T) {
	t.Parallel()

	// A single non-system descriptor at index 1 (selector 0x08) with
	// base=0x12345678, limit=0xFFFFF.
	raw := map[uint32][8]byte{
		8: {0xFF, 0xFF, 0x78, 0x56, 0x34, 0b1001_1010, 0xAF, 0x12},
	}

	desc, err := segment.FromGDTR(segment.GDTR{Limit: 0xFFFF, Base: 0}, 0x08, func(off uint32) [8]byte {
		return raw[off]
	})
	if err != nil {
		t.Fatal(err)
	}

	if desc.Base != 0x12345678 {
		t.Errorf("got base %#x, want 0x12345678", desc.Base)
	}
	if desc.System {
		t.Errorf("code segment descriptor decoded as a system descriptor")
	}
}

func TestFromGDTRRejectsOutOfRangeSelector(t *testing.T) {
	t.Parallel()

	_, err := segment.FromGDTR(segment.GDTR{Limit: 7, Base: 0}, 0x08, func(uint32) [8]byte {
		t.Fatal("readGDT should not be called for an out-of-range selector")
		return [8]byte{}
	})
	if !errors.Is(err, segment.ErrSelectorOutOfRange) {
		t.Errorf("got %v, want ErrSelectorOutOfRange", err)
	}
}
