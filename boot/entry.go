// Package boot is the control-flow glue every physical CPU's vector table
// jumps to exactly once, at reset: CoreEntry(cpu_id). It sequences master
// election, memory/console/GIC bring-up, PSCI wake-up of the other
// physical CPUs, per-VM placement, and the barrier rounds that keep every
// CPU in lock-step through each phase: build-then-run sequencing
// generalized from "one VM, one goroutine" to the system's many-VM,
// many-physical-CPU bring-up.
package boot

import (
	"fmt"
	"sync"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/console"
	"github.com/bao-go/hvcore/cpu"
	"github.com/bao-go/hvcore/except"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/ipc"
	"github.com/bao-go/hvcore/mm"
	"github.com/bao-go/hvcore/psci"
	"github.com/bao-go/hvcore/vgic"
	"github.com/bao-go/hvcore/vmm"
)

// HVImageSize is the footprint MemoryInit reserves for the hypervisor's
// own text+data+bss before handing out any other page -- boot assembly
// (out of scope) is what actually knows the real image size; this is the
// placeholder a host build uses instead.
const HVImageSize = 2 * 1024 * 1024

const hvStackPagesPerCPU = 4

// minPhysicalSPIs is the smallest physical distributor size this core
// ever programs, large enough to cover every SGI/PPI plus a modest SPI
// range even for a single-VM, deviceless configuration.
const minPhysicalSPIs = 64

// mem and gctl are what the master CPU builds exactly once and every other CPU
// reads after BootSync; the barrier's happens-before edge makes the
// handoff safe without a second publish step, the same reasoning
// vmm.VM.ready() relies on for per-VM bring-up.
var (
	mu   sync.Mutex
	mem  *mm.Memory
	gctl *gic.Controller
)

// currentGic returns the published physical GIC controller, or nil if the
// master CPU has not reached the publish step yet -- only safe to call
// from a drainCtlrChanges hook, since a message can only exist in an
// inbox once a VM is running, which is always after the master has
// published.
func currentGic() *gic.Controller {
	mu.Lock()
	defer mu.Unlock()
	return gctl
}

// drainCtlrChanges is the barrier.MsgHook every CoreEntry rendezvous
// passes to SyncAndClearMsg: on every spin iteration it applies any
// pending VGICD CTLR broadcasts for cpuID against getGic()'s ICH_HCR_EL2.
// getGic is called fresh on each iteration rather than once up front,
// since the first rendezvous this core passes through can start spinning
// before the master has published the controller.
func drainCtlrChanges(cpuID int, getGic func() *gic.Controller) func() {
	return func() {
		cpu.DrainMessages(cpuID, func(m cpu.Message) {
			if m.Kind == cpu.MsgVGicdCtlrChanged {
				vgic.ApplyCtlrToHCR(getGic(), uint32(m.Arg))
			}
		})
	}
}

// ResetForTest clears this package's singleton and every collaborator
// singleton CoreEntry touches, so tests can call CoreEntry repeatedly
// across independent boot scenarios.
func ResetForTest() {
	mu.Lock()
	mem, gctl = nil, nil
	mu.Unlock()

	config.ResetForTest()
	cpu.ResetForTest()
	vmm.ResetForTest()
	ipc.ResetForTest()
	console.ResetForTest()
}

// physicalSPICount is the broadest SPI range any configured VM's emulated
// distributor exposes. Hardware-backed interrupt forwarding reuses
// physical IRQ ids 1:1 with their virtual ids (vmm.VM.initDev), so the
// physical distributor must be programmed to cover at least that range.
func physicalSPICount() int {
	n := minPhysicalSPIs
	for _, vm := range config.Table().VMList {
		if vm.VMPlatform.VGic.IntNum > n {
			n = vm.VMPlatform.VGic.IntNum
		}
	}
	return n
}

// wakeSecondaries issues PSCI CPU_ON for every physical CPU other than
// the master, pointing each at secondaryEntry -- the boot-time PSCI usage
// distinct from the guest-facing SMC64 subset except.Dispatcher answers.
func wakeSecondaries(masterID int, ops archops.Ops, secondaryEntry addr.PA) error {
	p := config.Platform()
	fw := psci.Firmware{Ops: ops}
	for id := 0; id < p.CPUNum; id++ {
		if id == masterID {
			continue
		}
		mpidr, err := p.CPUIDToMPIDR(id)
		if err != nil {
			return fmt.Errorf("boot: wakeSecondaries: cpu %d: %w", id, err)
		}
		if rc := fw.CPUOn(mpidr, uint64(secondaryEntry), 0); rc != 0 {
			return fmt.Errorf("boot: CPU_ON for cpu %d returned %d", id, rc)
		}
	}
	return nil
}

// CoreEntry is every physical CPU's one-time bring-up path. arena stands
// in for the physical memory boot assembly has already identity-mapped;
// secondaryEntry is the address the master points every other physical
// CPU's CPU_ON call at (this core's own CoreEntry trampoline, on real
// hardware). cpuID is already resolved from MPIDR_EL1 via cpu.DeriveID by
// the caller.
func CoreEntry(cpuID int, ops archops.Ops, arena *mm.Arena, secondaryEntry addr.PA) (*vmm.VCpu, *except.Dispatcher, error) {
	p := config.Platform()
	cpu.Init(p.CPUNum)

	isMaster := cpu.ElectMaster()
	if isMaster {
		m, err := mm.MemoryInit(arena, addr.PA(0), HVImageSize, p.CPUNum, hvStackPagesPerCPU)
		if err != nil {
			return nil, nil, fmt.Errorf("boot: MemoryInit: %w", err)
		}
		if err := ipc.Init(m.Pool); err != nil {
			return nil, nil, fmt.Errorf("boot: ipc.Init: %w", err)
		}

		g := gic.NewController(arena, ops, p.CPUNum)
		g.Init(physicalSPICount())

		console.Init(console.DefaultWriter(arena, p.ConsoleBase))

		mu.Lock()
		mem, gctl = m, g
		mu.Unlock()

		vmm.Init()

		if err := wakeSecondaries(cpuID, ops, secondaryEntry); err != nil {
			return nil, nil, err
		}
	}

	cpu.BootSync().SyncAndClearMsg(drainCtlrChanges(cpuID, currentGic))

	mu.Lock()
	m, g := mem, gctl
	mu.Unlock()

	g.EachCPUInit(cpuID)

	vc, err := vmm.AssignVCpu(cpuID, g, ops, m)
	if err != nil {
		return nil, nil, fmt.Errorf("boot: AssignVCpu: %w", err)
	}

	d := except.NewDispatcher(g, ops)
	d.RegisterHW(int(p.Arch.GIC.MaintenanceID), func(int) { d.GicMaintenance() })

	cpu.BootSync().SyncAndClearMsg(drainCtlrChanges(cpuID, func() *gic.Controller { return g }))

	return vc, d, nil
}
