package flag

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hvgo/barevisor/cpuid"
	"github.com/hvgo/barevisor/mtrr"
	"github.com/hvgo/barevisor/vmx"
)

// CapabilitiesCmd dumps everything about this machine's VMX/MTRR posture
// that can be read without entering VMX root operation: CPUID feature
// bits, the capability-adjusted control values AdjustVmxControl would
// produce, and the MTRR memory-type map.
type CapabilitiesCmd struct {
	// VariableMTRRs bounds how many IA32_MTRR_PHYSBASEn/PHYSMASKn pairs to
	// probe; 8 covers every processor shipped since the pre-Nehalem era.
	VariableMTRRs int `default:"8" help:"Number of variable-range MTRR pairs to probe."`
}

func (c *CapabilitiesCmd) Run() error {
	return reportCapabilities(os.Stdout, runtime.NumCPU(), c.VariableMTRRs, cpuid.Raw, vmx.RDMSR, true)
}

type cpuidFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

type cpuReport struct {
	processorID int
	vendor      string
	hasVMX      bool
}

// reportCapabilities fans the per-processor vendor/VMX-presence probe out
// across every logical CPU concurrently. When pin is true, each goroutine
// is pinned to its logical CPU with unix.SchedSetaffinity first, so the
// CPUID it executes actually reflects that processor; tests pass pin=false
// since a sandboxed cpuset may not allow pinning to every index below
// numCPU. It then prints, once, the MTRR memory type of physical address 0
// (MTRRs are, by construction, identical across processors).
func reportCapabilities(w io.Writer, numCPU, variableMTRRs int, cpu cpuidFunc, readMSR mtrr.ReadMSR, pin bool) error {
	reports := make([]cpuReport, numCPU)

	var g errgroup.Group
	for i := 0; i < numCPU; i++ {
		i := i
		g.Go(func() error {
			if pin {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()

				if err := pinToProcessor(i); err != nil {
					return fmt.Errorf("pin to cpu %d: %w", i, err)
				}
			}

			reports[i] = collectCPUReport(i, cpu)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range reports {
		fmt.Fprintf(w, "cpu %d: vendor=%s vmx=%v\n", r.processorID, r.vendor, r.hasVMX)
	}

	for _, ctl := range []vmx.VmxControl{vmx.PinBased, vmx.ProcessorBased, vmx.VmExit, vmx.VmEntry} {
		effective, err := vmx.AdjustVmxControl(ctl, 0)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", ctl, err)
			continue
		}
		fmt.Fprintf(w, "%s: mandatory-1 bits=%#x\n", ctl, effective)
	}

	m := mtrr.Read(readMSR, variableMTRRs)
	typeAtZero, _ := m.Find(mtrr.Range{Base: 0, Size: 1})
	fmt.Fprintf(w, "mtrr type at 0x0: %s\n", typeAtZero)

	return nil
}

func collectCPUReport(id int, cpu cpuidFunc) cpuReport {
	_, ebx, ecx, edx := cpu(0, 0)
	vendor := string(le32(ebx)) + string(le32(edx)) + string(le32(ecx))

	_, _, ecx1, _ := cpu(1, 0)
	const cpuid1ECXVMXBit = 1 << 5

	return cpuReport{
		processorID: id,
		vendor:      vendor,
		hasVMX:      ecx1&cpuid1ECXVMXBit != 0,
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// pinToProcessor restricts the calling OS thread's affinity to logical
// processor id, so a subsequent CPUID reflects that specific CPU rather
// than wherever the Go scheduler happened to place the goroutine.
func pinToProcessor(id int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(id)

	return unix.SchedSetaffinity(0, &set)
}
