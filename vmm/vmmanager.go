package vmm

import (
	"sync"

	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/hverr"
	"github.com/bao-go/hvcore/mm"
)

var (
	initOnce sync.Once
	vms      []*VM
)

// Init builds the static VM array from the config table's VM list. Called
// once, by whichever CPU reaches it first -- every field each VM starts
// with here (id, cpu_mask) is read-only afterwards; AssignVCpu fills in
// the rest as physical CPUs claim their slots.
func Init() {
	initOnce.Do(func() {
		list := config.Table().VMList
		vms = make([]*VM, len(list))
		for i := range list {
			cfg := list[i]
			vms[i] = &VM{ID: i, CpuMask: cfg.CPUMask, cfg: &cfg}
		}
	})
}

// AssignVCpu is the single per-physical-CPU entry point into VM bring-up:
// it finds the statically-configured VM that claims physCpuID's bit in
// its cpu_mask, becomes that VM's master on the first such claim (running
// masterInit), and always returns a freshly built VCpu for the caller.
func AssignVCpu(physCpuID int, g *gic.Controller, ops archops.Ops, mem *mm.Memory) (*VCpu, error) {
	for _, vm := range vms {
		if vm.CpuMask&(1<<uint(physCpuID)) == 0 {
			continue
		}

		vm.mu.Lock()
		isMaster := vm.claimed == 0
		vm.claimed++
		vm.mu.Unlock()

		if isMaster {
			vm.MasterCpu = physCpuID
			if err := vm.masterInit(g, mem); err != nil {
				return nil, err
			}
		} else {
			for !vm.ready() {
			}
		}

		vcpu, err := vm.vcpuInit(physCpuID, g, ops)
		if err != nil {
			return nil, err
		}
		vm.SyncToken.SyncBarrier()
		return vcpu, nil
	}
	return nil, hverr.New(hverr.KindNotFound, "vmm.AssignVCpu")
}

// Lookup returns the VM with the given id, for diagnostics and tests.
func Lookup(id int) (*VM, bool) {
	if id < 0 || id >= len(vms) {
		return nil, false
	}
	return vms[id], true
}

// ResetForTest clears the package-level VM list so tests can call Init
// repeatedly. Only intended for _test.go use.
func ResetForTest() {
	initOnce = sync.Once{}
	vms = nil
}
