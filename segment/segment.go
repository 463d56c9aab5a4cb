// Package segment resolves GDT-relative segment descriptors (needed to find
// the host TSS base for the VMCS host-state TR field) and re-encodes native
// segment access rights into the format the VMCS expects.
package segment

import (
	"errors"
	"fmt"
)

// Descriptor is a decoded 8-byte (or, for a TSS, 16-byte) GDT entry. Only
// the fields the host-state setup needs are kept.
type Descriptor struct {
	Base  uint64
	Limit uint32

	// System is true for TSS/LDT-style descriptors, whose base address is
	// encoded across a 16-byte descriptor pair rather than 8 bytes.
	System bool
}

// GDTR mirrors the operand SGDT/LGDT store: a 16-bit limit and a 64-bit
// linear base address of the GDT.
type GDTR struct {
	Limit uint16
	Base  uint64
}

// ErrSelectorOutOfRange is returned by FromGDTR when selector indexes past
// the end of the table described by gdtr.
var ErrSelectorOutOfRange = errors.New("segment selector indexes past the end of the GDT")

// raw8 is the layout of a non-system 8-byte GDT entry; system descriptors
// (TSS, LDT) use two consecutive raw8 slots, the second holding BaseUpper.
type raw8 struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMiddle uint8
	AccessByte uint8
	Limit19_16AndFlags uint8
	BaseHigh   uint8
}

// FromGDTR reads the descriptor at selector (its index field, bits 3-15)
// out of the raw GDT bytes described by gdtr, mirroring the lookup the host
// TR base needs before the current GDT/TR can be reused verbatim in a
// custom host-state setup.
//
// readGDT reads 8 bytes of GDT memory starting at byte offset off from the
// table's linear base; callers pass direct access to the live GDT (see
// guest's gdtReader) or, in tests, a fake.
func FromGDTR(gdtr GDTR, selector uint16, readGDT func(off uint32) [8]byte) (Descriptor, error) {
	index := selector >> 3
	off := uint32(index) * 8

	if uint32(off)+8 > uint32(gdtr.Limit)+1 {
		return Descriptor{}, fmt.Errorf("%w: selector=%#x limit=%#x", ErrSelectorOutOfRange, selector, gdtr.Limit)
	}

	low := decodeRaw8(readGDT(off))

	systemBit := low.AccessByte & (1 << 4)
	desc := Descriptor{
		Base:   uint64(low.BaseLow) | uint64(low.BaseMiddle)<<16 | uint64(low.BaseHigh)<<24,
		Limit:  uint32(low.LimitLow) | uint32(low.Limit19_16AndFlags&0x0F)<<16,
		System: systemBit == 0,
	}

	if desc.System {
		// A system descriptor (e.g. TSS) spans two 8-byte slots; the high
		// slot's low 32 bits hold BaseUpper.
		high := decodeRaw8(readGDT(off + 8))
		baseUpper := uint64(high.LimitLow) | uint64(high.BaseLow)<<16
		desc.Base |= baseUpper << 32
	}

	return desc, nil
}

func decodeRaw8(b [8]byte) raw8 {
	return raw8{
		LimitLow:           uint16(b[0]) | uint16(b[1])<<8,
		BaseLow:            uint16(b[2]) | uint16(b[3])<<8,
		BaseMiddle:         b[4],
		AccessByte:         b[5],
		Limit19_16AndFlags: b[6],
		BaseHigh:           b[7],
	}
}

const accessRightsUnusableFlag = 1 << 16

// AccessRights converts a native (LAR-format) segment access-rights value
// into the VMX guest-state format: unusable (bit 16 set, everything else
// zero) for a null/absent segment, otherwise the native byte shifted down
// by 8 and masked to the 12 bits the VMCS actually defines.
func AccessRights(native uint32) uint32 {
	if native == 0 {
		return accessRightsUnusableFlag
	}

	return (native >> 8) & 0b1111_0000_1111_1111
}
