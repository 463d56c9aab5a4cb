// Package apicid maintains the mapping from each logical CPU's local APIC
// ID to a sequential processor index, built once at startup by fanning out
// over every processor.
package apicid

import (
	"sync"

	"github.com/hvgo/barevisor/platform"
)

// CPUID is the raw CPUID leaf/subleaf primitive this package needs; kept as
// a narrow function type so it can be injected in tests instead of reading
// the real processor, mirroring how package cpuid exposes Raw.
type CPUID func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Get returns the calling logical CPU's local APIC ID from CPUID leaf 1,
// EBX bits 31:24 (Intel SDM Table 3-8; AMD CPUID Fn0000_0001_EBX agrees).
func Get(cpuid CPUID) uint8 {
	_, ebx, _, _ := cpuid(1, 0)
	return uint8(ebx >> 24)
}

// Registry is the APIC-ID -> processor-index map. The zero value is ready
// to use; Init populates it exactly once.
type Registry struct {
	mu          sync.RWMutex
	byAPICID    map[uint8]int
	nextIndex   int
	initialized bool
}

// Init populates the registry by running on every logical processor and
// recording its APIC ID against a freshly allocated, sequential index. It
// must be called exactly once, before any ProcessorIDFrom lookup; calling
// it twice panics, mirroring the original's debug assertion that the
// processor count starts at zero.
func (r *Registry) Init(ops platform.Ops, cpuid CPUID) {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		panic("apicid: Registry.Init called more than once")
	}
	r.byAPICID = make(map[uint8]int)
	r.initialized = true
	r.mu.Unlock()

	ops.RunOnAllProcessors(func() {
		id := Get(cpuid)

		r.mu.Lock()
		defer r.mu.Unlock()

		if _, exists := r.byAPICID[id]; exists {
			panic("apicid: duplicate APIC ID observed during Init")
		}
		r.byAPICID[id] = r.nextIndex
		r.nextIndex++
	})
}

// ProcessorIDFrom returns the processor index registered for apicID, and
// whether one was found.
func (r *Registry) ProcessorIDFrom(apicID uint8) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAPICID[apicID]
	return id, ok
}

// Count returns how many processors have been registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.nextIndex
}
