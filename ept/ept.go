// Package ept builds a 4-level identity mapping of the host's physical
// address space for use as EPT: the first 2 MiB mapped at 4 KiB granularity
// through a dedicated page table (so MTRR memory types below that boundary
// are honored precisely), the remainder mapped with 2 MiB large pages.
package ept

import (
	"fmt"
	"unsafe"

	"github.com/hvgo/barevisor/mtrr"
	"github.com/hvgo/barevisor/platform"
)

const (
	pageShift      = 12
	pageSize       = 1 << pageShift
	largePageSize  = 2 * 1024 * 1024
	entriesPerTable = 512
)

// Entry is one EPT PML4E/PDPTE/PDE/PTE: a packed 64-bit value accessed
// through bit-range methods rather than a Go struct, mirroring the
// bitfield layout hardware defines (Intel SDM Figure 29-1).
type Entry uint64

func (e Entry) bit(pos uint) bool { return uint64(e)&(1<<pos) != 0 }

func (e *Entry) setBit(pos uint, v bool) {
	if v {
		*e |= Entry(1 << pos)
	} else {
		*e &^= Entry(1 << pos)
	}
}

func (e Entry) field(lo, hi uint) uint64 {
	mask := uint64(1)<<(hi-lo+1) - 1
	return (uint64(e) >> lo) & mask
}

func (e *Entry) setField(lo, hi uint, v uint64) {
	mask := uint64(1)<<(hi-lo+1) - 1
	*e = Entry((uint64(*e) &^ (mask << lo)) | ((v & mask) << lo))
}

func (e Entry) Readable() bool        { return e.bit(0) }
func (e *Entry) SetReadable(v bool)   { e.setBit(0, v) }
func (e Entry) Writable() bool        { return e.bit(1) }
func (e *Entry) SetWritable(v bool)   { e.setBit(1, v) }
func (e Entry) Executable() bool      { return e.bit(2) }
func (e *Entry) SetExecutable(v bool) { e.setBit(2, v) }
func (e Entry) MemoryType() mtrr.MemoryType      { return mtrr.MemoryType(e.field(3, 5)) }
func (e *Entry) SetMemoryType(t mtrr.MemoryType) { e.setField(3, 5, uint64(t)) }
func (e Entry) Large() bool        { return e.bit(7) }
func (e *Entry) SetLarge(v bool)   { e.setBit(7, v) }
func (e Entry) PFN() uint64        { return e.field(12, 51) }
func (e *Entry) SetPFN(pfn uint64) { e.setField(12, 51, pfn) }

// Pointer is the EPTP VMCS field value: points to the PML4 of an Entry
// table and describes how the processor should walk it (Intel SDM Table
// 25-9).
type Pointer uint64

func (p Pointer) field(lo, hi uint) uint64 {
	mask := uint64(1)<<(hi-lo+1) - 1
	return (uint64(p) >> lo) & mask
}

func (p *Pointer) setField(lo, hi uint, v uint64) {
	mask := uint64(1)<<(hi-lo+1) - 1
	*p = Pointer((uint64(*p) &^ (mask << lo)) | ((v & mask) << lo))
}

func (p Pointer) MemoryType() mtrr.MemoryType         { return mtrr.MemoryType(p.field(0, 2)) }
func (p *Pointer) SetMemoryType(t mtrr.MemoryType)     { p.setField(0, 2, uint64(t)) }
func (p Pointer) PageWalkLengthMinusOne() uint64       { return p.field(3, 5) }
func (p *Pointer) SetPageWalkLengthMinusOne(v uint64)  { p.setField(3, 5, v) }
func (p Pointer) PFN() uint64         { return p.field(12, 51) }
func (p *Pointer) SetPFN(pfn uint64)  { p.setField(12, 51, pfn) }

// table is one 4 KiB, 512-entry level of the EPT radix tree.
type table struct {
	entries [entriesPerTable]Entry
}

// Tables is the full identity-map page-table hierarchy: one PML4 pointing
// at one PDPT, whose 512 entries each point at a PD, the first of which is
// backed by a dedicated PT for 4 KiB granularity below 2 MiB.
type Tables struct {
	pml4 table
	pdpt table
	pd   [entriesPerTable]table
	pt   table
}

// BuildIdentity populates Tables with an identity mapping of the physical
// address space, consulting mtrr for the memory type of each region. Only
// this method is exported: the rest of the construction is an
// implementation detail of the radix-tree walk.
func (t *Tables) BuildIdentity(ops platform.Ops, m *mtrr.Map) error {
	pml4e := &t.pml4.entries[0]
	pml4e.SetReadable(true)
	pml4e.SetWritable(true)
	pml4e.SetExecutable(true)
	pml4e.SetPFN(ops.PA(addrOf(&t.pdpt)) >> pageShift)

	pa := uint64(0)

	for i := range t.pdpt.entries {
		pdpte := &t.pdpt.entries[i]
		pdpte.SetReadable(true)
		pdpte.SetWritable(true)
		pdpte.SetExecutable(true)
		pdpte.SetPFN(ops.PA(addrOf(&t.pd[i])) >> pageShift)

		for j := range t.pd[i].entries {
			pde := &t.pd[i].entries[j]

			if pa == 0 {
				// First 2 MiB: route through the dedicated 4 KiB PT so
				// MTRR boundaries inside it are honored exactly.
				pde.SetReadable(true)
				pde.SetWritable(true)
				pde.SetExecutable(true)
				pde.SetPFN(ops.PA(addrOf(&t.pt)) >> pageShift)

				for k := range t.pt.entries {
					pte := &t.pt.entries[k]

					kind, ok := m.Find(mtrr.Range{Base: pa, Size: pageSize})
					if !ok {
						return fmt.Errorf("could not resolve a memory type for %#x", pa)
					}

					pte.SetReadable(true)
					pte.SetWritable(true)
					pte.SetExecutable(true)
					pte.SetMemoryType(kind)
					pte.SetPFN(pa >> pageShift)
					pa += pageSize
				}
			} else {
				// The rest: 2 MiB large pages. MTRR is assumed configured
				// at 2 MiB-or-greater granularity beyond the first region.
				kind, ok := m.Find(mtrr.Range{Base: pa, Size: largePageSize})
				if !ok {
					return fmt.Errorf("could not resolve a memory type for %#x", pa)
				}

				pde.SetReadable(true)
				pde.SetWritable(true)
				pde.SetExecutable(true)
				pde.SetMemoryType(kind)
				pde.SetLarge(true)
				pde.SetPFN(pa >> pageShift)
				pa += largePageSize
			}
		}
	}

	return nil
}

// Eptp returns the EPTP VMCS field value for t: write-back access to the
// EPT paging structures themselves (the cheapest correct choice per the
// SDM) and a 4-level page walk.
func (t *Tables) Eptp(ops platform.Ops) Pointer {
	var p Pointer
	p.SetPFN(ops.PA(addrOf(&t.pml4)) >> pageShift)
	p.SetMemoryType(mtrr.WriteBack)
	p.SetPageWalkLengthMinusOne(3)

	return p
}

func addrOf[T any](v *T) uintptr {
	return uintptr(unsafe.Pointer(v))
}
