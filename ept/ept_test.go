package ept

import (
	"testing"

	"github.com/hvgo/barevisor/mtrr"
	"github.com/hvgo/barevisor/platform"
)

func flatMTRR(t mtrr.MemoryType) *mtrr.Map {
	msrs := func(addr uint32) uint64 {
		if addr == 0x2FF {
			return uint64(t) | 1<<11
		}
		return 0
	}
	return mtrr.Read(msrs, 0)
}

func TestEntryBitfieldRoundTrip(t *testing.T) {
	t.Parallel()

	var e Entry
	e.SetReadable(true)
	e.SetWritable(true)
	e.SetMemoryType(mtrr.WriteBack)
	e.SetPFN(0x123456)

	if !e.Readable() || !e.Writable() || e.Executable() {
		t.Errorf("unexpected permission bits: %+v", e)
	}
	if e.MemoryType() != mtrr.WriteBack {
		t.Errorf("got memory type %v, want WB", e.MemoryType())
	}
	if e.PFN() != 0x123456 {
		t.Errorf("got PFN %#x, want 0x123456", e.PFN())
	}
}

func TestBuildIdentityFirstRegionUses4KPages(t *testing.T) {
	t.Parallel()

	var tables Tables
	ops := platform.NewFake(1)

	if err := tables.BuildIdentity(ops, flatMTRR(mtrr.WriteBack)); err != nil {
		t.Fatal(err)
	}

	pml4e := tables.pml4.entries[0]
	if !pml4e.Readable() || !pml4e.Writable() || !pml4e.Executable() {
		t.Fatalf("PML4E not fully permissioned: %+v", pml4e)
	}

	pde0 := tables.pd[0].entries[0]
	if pde0.Large() {
		t.Errorf("first PDE should route through the dedicated PT, not be a large page")
	}

	pte0 := tables.pt.entries[0]
	if pte0.PFN() != 0 {
		t.Errorf("got PTE0 PFN %#x, want 0", pte0.PFN())
	}
	if pte0.MemoryType() != mtrr.WriteBack {
		t.Errorf("got PTE0 memory type %v, want WB", pte0.MemoryType())
	}
}

func TestBuildIdentitySecondRegionUsesLargePages(t *testing.T) {
	t.Parallel()

	var tables Tables
	ops := platform.NewFake(1)

	if err := tables.BuildIdentity(ops, flatMTRR(mtrr.WriteBack)); err != nil {
		t.Fatal(err)
	}

	pde1 := tables.pd[0].entries[1]
	if !pde1.Large() {
		t.Errorf("second PDE should be a 2MiB large page")
	}
	if pde1.PFN() != (largePageSize >> pageShift) {
		t.Errorf("got PDE1 PFN %#x, want %#x", pde1.PFN(), largePageSize>>pageShift)
	}
}

func TestEptpFields(t *testing.T) {
	t.Parallel()

	var tables Tables
	ops := platform.NewFake(1)

	p := tables.Eptp(ops)
	if p.MemoryType() != mtrr.WriteBack {
		t.Errorf("got EPTP memory type %v, want WB", p.MemoryType())
	}
	if p.PageWalkLengthMinusOne() != 3 {
		t.Errorf("got page walk length - 1 = %d, want 3", p.PageWalkLengthMinusOne())
	}
}
