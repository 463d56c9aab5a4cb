package apicid_test

import (
	"testing"

	"github.com/hvgo/barevisor/apicid"
	"github.com/hvgo/barevisor/platform"
)

func fakeCPUIDWithAPICID(id uint8) apicid.CPUID {
	return func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf != 1 {
			return 0, 0, 0, 0
		}
		return 0, uint32(id) << 24, 0, 0
	}
}

func TestInitRegistersEachProcessor(t *testing.T) {
	t.Parallel()

	ops := platform.NewFake(4)

	// Simulate 4 distinct logical CPUs, each reporting their own APIC ID by
	// indexing a shared counter the fake's RunOnAllProcessors advances.
	apicIDs := []uint8{0, 2, 4, 6}
	call := 0
	cpuid := func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		id := apicIDs[call]
		call++
		return fakeCPUIDWithAPICIDResult(leaf, id)
	}

	var reg apicid.Registry
	reg.Init(ops, cpuid)

	if reg.Count() != 4 {
		t.Fatalf("got Count()=%d, want 4", reg.Count())
	}

	for i, id := range apicIDs {
		got, ok := reg.ProcessorIDFrom(id)
		if !ok {
			t.Fatalf("ProcessorIDFrom(%d) not found", id)
		}
		if got != i {
			t.Errorf("ProcessorIDFrom(%d) = %d, want %d", id, got, i)
		}
	}
}

func fakeCPUIDWithAPICIDResult(leaf uint32, id uint8) (uint32, uint32, uint32, uint32) {
	if leaf != 1 {
		return 0, 0, 0, 0
	}
	return 0, uint32(id) << 24, 0, 0
}

func TestInitTwiceePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Errorf("second Init call should panic")
		}
	}()

	ops := platform.NewFake(1)
	var reg apicid.Registry
	reg.Init(ops, fakeCPUIDWithAPICID(1))
	reg.Init(ops, fakeCPUIDWithAPICID(1))
}

func TestProcessorIDFromUnknownAPICID(t *testing.T) {
	t.Parallel()

	ops := platform.NewFake(1)
	var reg apicid.Registry
	reg.Init(ops, fakeCPUIDWithAPICID(5))

	if _, ok := reg.ProcessorIDFrom(99); ok {
		t.Errorf("ProcessorIDFrom(99) should not be found")
	}
}
