package vmm

import (
	"math/bits"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/cpu"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/hverr"
	"github.com/bao-go/hvcore/ipc"
	"github.com/bao-go/hvcore/mm"
	"github.com/bao-go/hvcore/vgic"
)

// VMRecursiveIndex is the root-table slot every VM's stage-2 AddressSpace
// reserves for its self-referential entry, mirroring mm.HVRecursiveIndex
// for the hypervisor's own stage-1 AS. Guest IPA space and the
// hypervisor's VA space are disjoint tables, so reusing the same slot
// number carries no risk of collision.
const VMRecursiveIndex = 510

// maxGuestIPA bounds the single SecVM section every VM's stage-2 AS
// installs: a 1TB window is far beyond anything a statically-partitioned
// image declares, leaving room for every configured region and device
// without per-VM section sizing.
const maxGuestIPA = addr.VA(1) << 40

// vmidOff/vmidMask place VMID in the top bits of VTTBR_EL2 and the root
// table physical address in the rest.
const (
	vmidOff  = 48
	vmidMask = uint64(0xFFFF) << vmidOff
)

// masterInit builds the VM's stage-2 AddressSpace, sync token and
// emulated distributor, then performs the master-only parts of bring-up
// (memory regions, devices, IPC). Only the first physical CPU to claim
// this VM calls it; every other claimant busy-waits on vm.ready().
func (vm *VM) masterInit(g *gic.Controller, mem *mm.Memory) error {
	dscr := mm.StandardAArch64()
	as, err := mm.NewAddressSpace(dscr, mem.Arena, mem.Pool, VMRecursiveIndex, []mm.Section{
		{ID: mm.SecVM, Begin: 0, End: maxGuestIPA, Shared: false},
	})
	if err != nil {
		return err
	}

	cfg := vm.cfg
	vcpuNum := bits.OnesCount64(cfg.CPUMask)

	vgicD := vgic.NewVGicD(g, cfg.VMPlatform.VGic.IntNum, vcpuNum)
	vgicD.OnCtlrChange = func(newCtlr uint32) {
		msg := cpu.Message{
			Kind: cpu.MsgVGicdCtlrChanged,
			VMID: vm.ID,
			Arg:  uint64(newCtlr),
		}
		for id := 0; id < config.Platform().CPUNum; id++ {
			if id != vm.MasterCpu && vm.CpuMask&(1<<uint(id)) != 0 {
				cpu.PostMessage(id, msg)
			}
		}
	}

	vm.mu.Lock()
	vm.CpuNum = vcpuNum
	vm.AddrSpace = as
	vm.Arch.VGicD = vgicD
	vm.Arch.VGicDAddr = cfg.VMPlatform.VGic.GICDBase
	vm.Arch.VGicRAddr = cfg.VMPlatform.VGic.GICRBase
	vm.mu.Unlock()

	vm.SyncToken.Init(vcpuNum)

	if err := vm.initMemRegions(mem); err != nil {
		return err
	}
	if err := vm.initDev(); err != nil {
		return err
	}
	if err := vm.initIPC(vm.MasterCpu); err != nil {
		return err
	}
	return nil
}

// ready reports whether masterInit has installed the VM's AddressSpace,
// the signal every non-master claimant busy-waits on before touching
// shared VM state (the host-testable stand-in for the real core's
// "publish VMInstallInfo, peers poke their own hypervisor root table"
// step -- there is exactly one shared mm.AddressSpace per VM here instead
// of one physical root table per CPU, so there is nothing to propagate).
func (vm *VM) ready() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.AddrSpace != nil
}

// vcpuInit builds the vCpu record for physCpuID: GPR/SPSR reset, PSCI
// power state, virtual GIC redistributor, and the arch_init sequence
// that makes this vCpu's stage-2 translation live on the calling core.
func (vm *VM) vcpuInit(physCpuID int, g *gic.Controller, ops archops.Ops) (*VCpu, error) {
	cfg := vm.cfg
	vcpuID := popcountBelow(cfg.CPUMask, physCpuID)

	psci := PSCIOff
	if vcpuID == 0 {
		psci = PSCIOn
	}

	priv := vgic.NewVGicR(g, vcpuID, physCpuID, vcpuID == vm.CpuNum-1)

	vc := &VCpu{
		ID:        vcpuID,
		PhysCpuID: physCpuID,
		Active:    true,
		vm:        vm,
		Arch: VCpuArch{
			VMPIDR:   vmpidrFor(vcpuID),
			PSCI:     psci,
			VGicPriv: priv,
		},
	}
	vc.Regs.ELR = uint64(cfg.Entry)
	vc.Regs.SPSR = spsrInitial

	root := vm.AddrSpace.PageTable().Root()
	vttbr := (uint64(vm.ID) << vmidOff & vmidMask) | (uint64(root) &^ vmidMask)
	ops.WriteSysReg(archops.VMPIDR_EL2, vc.Arch.VMPIDR)
	ops.WriteSysReg(archops.VTTBR_EL2, vttbr)
	ops.TLBInvalidateGuest()

	vm.mu.Lock()
	vm.VCpus = append(vm.VCpus, vc)
	vm.mu.Unlock()
	return vc, nil
}

// vmpidrFor builds the value VMPIDR_EL2 presents to the guest: the M bit
// (bit 31, "multiprocessor extensions present") set, affinity 0 set to
// the vCPU's own id -- the guest always sees a single-cluster topology
// regardless of the physical cluster layout the vCPUs actually run on.
func vmpidrFor(vcpuID int) uint64 {
	const mBit = 1 << 31
	return mBit | uint64(vcpuID)
}

// initMemRegions maps every configured VMRegionDescriptor into the VM's
// stage-2 AS, following the three-way split on how the guest image
// overlaps a given region.
func (vm *VM) initMemRegions(mem *mm.Memory) error {
	cfg := vm.cfg
	imgBase := cfg.BaseAddr
	imgEnd := imgBase + addr.VA(cfg.Size)
	imgPA := mem.Pool.Base()
	if vm.ID < len(mem.VMLoadAddr) {
		imgPA = mem.VMLoadAddr[vm.ID]
	}
	flags := mm.FlagRead | mm.FlagWrite | mm.FlagExec | mm.FlagUser

	for _, r := range cfg.VMPlatform.VMRegions {
		regionEnd := r.Base + addr.VA(r.Size)
		intersects := r.Base < imgEnd && regionEnd > imgBase && cfg.Size > 0

		switch {
		case intersects && r.PlacePhys:
			offset := uint64(0)
			if imgBase > r.Base {
				offset = uint64(imgBase - r.Base)
			}
			mem.Arena.Copy(r.Phys+addr.PA(offset), mem.Arena.Bytes(imgPA, int(cfg.Size)))
			if err := vm.AddrSpace.Map(r.Base, r.Phys, r.Size, flags); err != nil {
				return err
			}
		case intersects && cfg.Inplace:
			if err := vm.AddrSpace.Map(r.Base, imgPA, r.Size, flags); err != nil {
				return err
			}
		case intersects:
			pages := int(addr.PA(r.Size).AlignUp(addr.PageSize)) / addr.PageSize
			pp, ok := mem.Pool.Alloc(pages, false)
			if !ok {
				return hverr.New(hverr.KindOutOfMemory, "vmm.initMemRegions")
			}
			offset := uint64(0)
			if imgBase > r.Base {
				offset = uint64(imgBase - r.Base)
			}
			mem.Arena.Copy(pp.Base+addr.PA(offset), mem.Arena.Bytes(imgPA, int(cfg.Size)))
			if err := vm.AddrSpace.Map(r.Base, pp.Base, r.Size, flags); err != nil {
				return err
			}
		case r.PlacePhys:
			if err := vm.AddrSpace.Map(r.Base, r.Phys, r.Size, flags); err != nil {
				return err
			}
		default:
			pages := int(addr.PA(r.Size).AlignUp(addr.PageSize)) / addr.PageSize
			pp, ok := mem.Pool.Alloc(pages, false)
			if !ok {
				return hverr.New(hverr.KindOutOfMemory, "vmm.initMemRegions")
			}
			if err := vm.AddrSpace.Map(r.Base, pp.Base, r.Size, flags); err != nil {
				return err
			}
		}
	}
	return nil
}

// initDev maps every configured device 1:1 (guest IPA == physical
// address, the universal convention for passed-through MMIO devices) and
// assigns its interrupts to the emulated distributor as hardware-backed.
func (vm *VM) initDev() error {
	for _, d := range vm.cfg.VMPlatform.Devs {
		if err := vm.AddrSpace.Map(addr.VA(d.PhysAddr), d.PhysAddr, d.Size, mm.FlagRead|mm.FlagWrite|mm.FlagDevice); err != nil {
			return err
		}
		for _, irq := range d.IRQs {
			vm.Arch.VGicD.SetHW(int(irq), int(irq))
		}
	}
	return nil
}

// initIPC attaches every configured shared-memory channel into the VM's
// stage-2 AS at its declared guest VA.
func (vm *VM) initIPC(masterPhysCpu int) error {
	for _, decl := range vm.cfg.VMPlatform.IPCs {
		sh, ok := ipc.Lookup(decl.ShmemID)
		if !ok {
			return hverr.New(hverr.KindNotFound, "vmm.initIPC")
		}
		sh.RegisterMaster(masterPhysCpu)
		if err := vm.AddrSpace.Map(decl.VA, sh.Base(), sh.Size(),
			mm.FlagRead|mm.FlagWrite|mm.FlagShareable); err != nil {
			return err
		}
		vm.IPCs = append(vm.IPCs, sh)
		for _, irq := range decl.IRQs {
			vm.Arch.VGicD.SetHW(int(irq), int(irq))
		}
	}
	return nil
}

// EmulGetMem returns the handler covering va, if any configured emulated
// device region claims it (a linear scan).
func (vm *VM) EmulGetMem(va addr.VA) (vgic.EmulMem, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, m := range vm.EmulMem {
		if m.Contains(va) {
			return m, true
		}
	}
	return vgic.EmulMem{}, false
}

// gicdWindowSize is the architectural GICD MMIO frame: one 64KB page.
const gicdWindowSize = 0x10000

// GicHandler resolves va against the VM's emulated distributor and the
// trapping vCpu's own redistributor frame before falling back to
// EmulGetMem's generic device list. The GICD/GICR handlers are bound to
// vcpuID at call time rather than at registration time, since a single
// shared GICD window is accessed by every vCpu in the VM with a
// different ownership identity each time.
func (vm *VM) GicHandler(vcpuID int, va addr.VA) (func(*vgic.EmulAccess) bool, bool) {
	vm.mu.Lock()
	gicdBase, gicrBase := vm.Arch.VGicDAddr, vm.Arch.VGicRAddr
	vgicD := vm.Arch.VGicD
	var priv *vgic.VGicR
	for _, c := range vm.VCpus {
		if c.ID == vcpuID {
			priv = c.Arch.VGicPriv
			break
		}
	}
	vm.mu.Unlock()

	if vgicD != nil && va >= gicdBase && uint64(va-gicdBase) < gicdWindowSize {
		return vgicD.Handler(vcpuID), true
	}
	if priv != nil {
		frame := addr.VA(gic.GICR_FrameSize)
		base := gicrBase + frame*addr.VA(vcpuID)
		if va >= base && uint64(va-base) < uint64(frame) {
			return priv.Handler(), true
		}
	}
	if m, ok := vm.EmulGetMem(va); ok {
		return m.Handler, true
	}
	return nil, false
}

// VM (weak back-reference accessor) lets an except.Dispatcher recover the
// owning VM from a trapping vCpu without a stored pointer cycle living
// outside this package.
func (vc *VCpu) VM() *VM { return vc.vm }
