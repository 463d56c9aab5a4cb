// Package cpuid wraps the raw CPUID instruction and the feature-bit tables
// used to decode it. Unlike its ioctl-based ancestor, nothing here talks to
// a hypervisor transport: every caller in this repository (guest, the
// capabilities CLI) reads the host processor directly.
package cpuid

func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

// Raw executes CPUID for (leaf, subleaf) and returns the four output
// registers, unmodified.
func Raw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidLow(leaf, subleaf)
}

// CPUID executes CPUID for leaf with subleaf 0, the common case.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return Raw(leaf, 0)
}

// HasF1Edx reports whether feature bit f is set in CPUID.1:EDX.
func HasF1Edx(f F1Edx) bool {
	_, _, _, edx := CPUID(1)
	return edx&(1<<uint32(f)) != 0
}

// HasF7_0Edx reports whether feature bit f is set in CPUID.(EAX=7,ECX=0):EDX.
func HasF7_0Edx(f F7_0Edx) bool {
	_, _, _, edx := Raw(7, 0)
	return edx&(1<<uint32(f)) != 0
}
