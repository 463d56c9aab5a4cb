package mtrr_test

import (
	"testing"

	"github.com/hvgo/barevisor/mtrr"
)

// fakeMSRs builds a ReadMSR backed by a plain map, the way the vmx package's
// real RDMSR would be stubbed out in unit tests for anything MSR-driven.
func fakeMSRs(values map[uint32]uint64) mtrr.ReadMSR {
	return func(addr uint32) uint64 {
		return values[addr]
	}
}

func TestFindTypeInsideVariableRange(t *testing.T) {
	t.Parallel()

	// default = WB (6) with MTRRs enabled (bit 11), one variable range
	// covering [0, 0x80000) as UC (0).
	msrs := fakeMSRs(map[uint32]uint64{
		0x2FF: 6 | 1<<11,
		0x200: 0, // PhysBase0: base 0, type UC
		0x201: (^uint64(0x80000-1) & ((1 << 36) - 1)) | 1<<11,
	})

	m := mtrr.Read(msrs, 1)

	got, ok := m.Find(mtrr.Range{Base: 0x1000, Size: 0x1000})
	if !ok {
		t.Fatalf("Find([0x1000,0x2000)) not found")
	}
	if got != mtrr.Uncacheable {
		t.Errorf("got %v, want UC", got)
	}
}

func TestFindStraddlingBoundaryIsAmbiguous(t *testing.T) {
	t.Parallel()

	msrs := fakeMSRs(map[uint32]uint64{
		0x2FF: 6 | 1<<11,
		0x200: 0,
		0x201: (^uint64(0x80000-1) & ((1 << 36) - 1)) | 1<<11,
	})

	m := mtrr.Read(msrs, 1)

	_, ok := m.Find(mtrr.Range{Base: 0x7F000, Size: 0x81000 - 0x7F000})
	if ok {
		t.Errorf("Find(straddling range) should be ambiguous, got ok=true")
	}
}

func TestFindDefaultWhenDisabled(t *testing.T) {
	t.Parallel()

	msrs := fakeMSRs(map[uint32]uint64{
		0x2FF: uint64(mtrr.WriteBack), // enable bit unset
	})

	m := mtrr.Read(msrs, 0)

	got, ok := m.Find(mtrr.Range{Base: 0x100000, Size: 0x1000})
	if !ok || got != mtrr.WriteBack {
		t.Errorf("got (%v,%v), want (WB,true)", got, ok)
	}
}

func TestMemoryTypeString(t *testing.T) {
	t.Parallel()

	if mtrr.WriteBack.String() != "WB" {
		t.Errorf("got %q, want WB", mtrr.WriteBack.String())
	}
}
