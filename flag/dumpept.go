package flag

import (
	"fmt"
	"io"
	"os"

	"github.com/hvgo/barevisor/ept"
	"github.com/hvgo/barevisor/mtrr"
	"github.com/hvgo/barevisor/platform"
	"github.com/hvgo/barevisor/vmx"
)

// DumpEPTCmd builds an identity-mapped EPT table set against a simulated
// platform.Ops (real physical-address translation needs the driver
// runtime's page tables) and prints its EPTP and the MTRR memory type of
// the first byte and of byte MemSize-1. MemSize only picks that second
// address; the EPT itself always maps 512 GiB.
type DumpEPTCmd struct {
	Processors int `default:"1" help:"Simulated processor count for the fake platform."`
	MemSize    int `default:"134217728" help:"Simulated physical address space size, in bytes."`
}

func (d *DumpEPTCmd) Run() error {
	return dumpEPT(os.Stdout, d.Processors, d.MemSize, vmx.RDMSR)
}

func dumpEPT(w io.Writer, numCPU, memSize int, readMSR mtrr.ReadMSR) error {
	ops := platform.NewFake(numCPU)
	m := mtrr.Read(readMSR, 8)

	var t ept.Tables
	if err := t.BuildIdentity(ops, m); err != nil {
		return fmt.Errorf("build identity EPT: %w", err)
	}

	eptp := t.Eptp(ops)
	fmt.Fprintf(w, "eptp=%#016x memory-type=%s page-walk-length=%d pml4-pfn=%#x\n",
		uint64(eptp), eptp.MemoryType(), eptp.PageWalkLengthMinusOne()+1, eptp.PFN())

	firstRegion, _ := m.Find(mtrr.Range{Base: 0, Size: 1})
	lastRegion, _ := m.Find(mtrr.Range{Base: uint64(memSize) - 1, Size: 1})
	fmt.Fprintf(w, "region [0x0) memory-type=%s\n", firstRegion)
	fmt.Fprintf(w, "region [%#x) memory-type=%s\n", memSize-1, lastRegion)

	return nil
}
