// Package mtrr parses the IA32 Memory Type Range Registers into a queryable
// set of physical-address intervals, so the EPT builder can pick a memory
// type for each guest-physical page it maps.
package mtrr

import "fmt"

// MemoryType is an IA32 PAT/MTRR memory type encoding.
type MemoryType uint8

const (
	Uncacheable    MemoryType = 0
	WriteCombining MemoryType = 1
	WriteThrough   MemoryType = 4
	WriteProtected MemoryType = 5
	WriteBack      MemoryType = 6
)

func (t MemoryType) String() string {
	switch t {
	case Uncacheable:
		return "UC"
	case WriteCombining:
		return "WC"
	case WriteThrough:
		return "WT"
	case WriteProtected:
		return "WP"
	case WriteBack:
		return "WB"
	default:
		return fmt.Sprintf("MemoryType(%#x)", uint8(t))
	}
}

// MSR addresses used to build the map. Names match the Intel SDM.
const (
	msrMtrrCap          = 0x0FE
	msrMtrrDefType      = 0x2FF
	msrMtrrPhysBase0    = 0x200
	msrMtrrPhysMask0    = 0x201
	physMaskValidBit    = 1 << 11
	defTypeEnableBit    = 1 << 11
	physBaseTypeMask    = 0xFF
	variableRangeStride = 2
)

// Range is a half-open physical-address interval [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

// End returns the exclusive end of the range.
func (r Range) End() uint64 { return r.Base + r.Size }

// Overlaps reports whether r and other share any address.
func (r Range) Overlaps(other Range) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// entry is one fixed-size variable-range MTRR, already decoded.
type entry struct {
	rng  Range
	kind MemoryType
}

// Map is the decoded, queryable MTRR state: a default type plus a set of
// variable-range overrides. It never mutates after construction.
type Map struct {
	defaultType MemoryType
	enabled     bool
	variable    []entry
}

// ReadMSR abstracts the RDMSR primitive so Map can be built in tests without
// real hardware MSR access.
type ReadMSR func(addr uint32) uint64

// Read builds a Map from the running CPU's MTRR MSRs. variableCount is the
// number of variable-range register pairs to decode, chosen by the caller;
// Read does not consult IA32_MTRRCAP itself.
func Read(readMSR ReadMSR, variableCount int) *Map {
	defType := readMSR(msrMtrrDefType)

	m := &Map{
		defaultType: MemoryType(defType & physBaseTypeMask),
		enabled:     defType&defTypeEnableBit != 0,
	}

	for i := 0; i < variableCount; i++ {
		base := readMSR(msrMtrrPhysBase0 + uint32(i*variableRangeStride))
		mask := readMSR(msrMtrrPhysMask0 + uint32(i*variableRangeStride))

		if mask&physMaskValidBit == 0 {
			continue
		}

		// The mask's physical-address bits mark which address bits are
		// significant; the lowest set bit gives the region size.
		maskAddr := mask &^ (physMaskValidBit - 1) &^ (physMaskValidBit)
		size := lowestSetBit(maskAddr)
		if size == 0 {
			continue
		}

		m.variable = append(m.variable, entry{
			rng:  Range{Base: base &^ (physMaskValidBit - 1), Size: size},
			kind: MemoryType(base & physBaseTypeMask),
		})
	}

	return m
}

func lowestSetBit(addrMask uint64) uint64 {
	// addrMask has all bits above the region's alignment set to 1 and all
	// bits within the region cleared; inverting and adding 1 isolates the
	// region size as a power of two, the same trick the SDM describes for
	// decoding PhysMask.
	inv := ^addrMask
	return addrMask & (inv + 1)
}

// Find reports the memory type covering rng, when exactly one variable-range
// entry covers it fully and no other overlaps. A lookup that straddles a
// variable-range boundary or finds no full coverage is ambiguous and falls
// through to the default type and ok=true only when the whole range lies
// outside every variable range; genuinely partial overlap returns ok=false.
func (m *Map) Find(rng Range) (MemoryType, bool) {
	if !m.enabled {
		return m.defaultType, true
	}

	covering := -1
	anyOverlap := false

	for i, e := range m.variable {
		if !e.rng.Overlaps(rng) {
			continue
		}
		anyOverlap = true

		if e.rng.Base <= rng.Base && rng.End() <= e.rng.End() {
			if covering != -1 {
				return 0, false
			}
			covering = i
		} else {
			return 0, false
		}
	}

	if covering != -1 {
		return m.variable[covering].kind, true
	}
	if anyOverlap {
		return 0, false
	}

	return m.defaultType, true
}
