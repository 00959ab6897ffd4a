package except

import (
	"testing"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/ipc"
	"github.com/bao-go/hvcore/mm"
	"github.com/bao-go/hvcore/vgic"
	"github.com/bao-go/hvcore/vmm"
)

func newTestVCpu(t *testing.T, table *config.ConfigTable) (*vmm.VCpu, *gic.Controller, *archops.Host) {
	t.Helper()
	config.ResetForTest()
	vmm.ResetForTest()
	ipc.ResetForTest()
	t.Cleanup(func() {
		config.ResetForTest()
		vmm.ResetForTest()
		ipc.ResetForTest()
	})

	config.Init(&config.PlatformDescriptor{
		CPUNum:  1,
		Regions: []config.MemRegion{{Base: 0, Size: 16 * 1024 * 1024}},
		Arch: config.ArchDescriptor{
			GIC: config.GICDescriptor{
				GICDAddr: addr.PA(16 * 1024 * 1024),
				GICRAddr: addr.PA(16*1024*1024 + 0x10000),
			},
		},
	}, table)

	arena, err := mm.NewArena(32 * 1024 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	mem, err := mm.MemoryInit(arena, addr.PA(0x100000), 0x10000, 1, 1)
	if err != nil {
		t.Fatalf("MemoryInit: %v", err)
	}
	if err := ipc.Init(mem.Pool); err != nil {
		t.Fatalf("ipc.Init: %v", err)
	}

	ops := archops.NewHost()
	g := gic.NewController(arena, ops, 1)
	g.Init(64)

	vmm.Init()
	vc, err := vmm.AssignVCpu(0, g, ops, mem)
	if err != nil {
		t.Fatalf("AssignVCpu: %v", err)
	}
	return vc, g, ops
}

func oneVMTable() *config.ConfigTable {
	return &config.ConfigTable{
		VMList: []config.VMConfig{
			{
				BaseAddr: 0x4000_0000,
				Size:     0x1000,
				Entry:    0x4000_0000,
				CPUMask:  0b1,
				VMPlatform: config.VMPlatform{
					VMRegions: []config.VMRegionDescriptor{{Base: 0x4000_0000, Size: 0x1000}},
					Devs:      []config.DeviceDescriptor{{PhysAddr: 0x9000_0000, Size: 0x1000, IRQs: []uint32{40}}},
					VGic:      config.VGicLayout{IntNum: 64},
				},
			},
		},
	}
}

// enableIRQ40 drives a GICD_ISENABLER write through vc's own emulation
// dispatch path to set irq 40's (ISENABLER word 1, bit 8) enable bit,
// the same write path a guest driver takes before it can expect an
// HW-backed interrupt to actually land in a list register.
func enableIRQ40(t *testing.T, vc *vmm.VCpu) {
	t.Helper()
	handler, ok := vc.VM().GicHandler(vc.ID, addr.VA(0x104))
	if !ok {
		t.Fatalf("no GICD ISENABLER handler for vcpu %d", vc.ID)
	}
	access := &vgic.EmulAccess{Addr: addr.VA(0x104), Width: 4, Write: true, Val: 1 << 8}
	if !handler(access) {
		t.Fatalf("GICD ISENABLER write for irq 40 was rejected")
	}
}

func TestHandleIRQHypervisorReserved(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)

	called := false
	d.RegisterHW(33, func(id int) {
		called = true
		if id != 33 {
			t.Fatalf("unexpected id passed to handler: %d", id)
		}
	})

	ops.WriteSysReg(archops.ICC_IAR1_EL1, 33)
	d.HandleIRQ(vc)

	if !called {
		t.Fatalf("hypervisor-reserved handler was not invoked")
	}
	if ops.ReadSysReg(archops.ICC_EOIR1_EL1) != 33 {
		t.Fatalf("expected EOI(33)")
	}
	if ops.ReadSysReg(archops.ICC_DIR_EL1) != 33 {
		t.Fatalf("expected DIR(33) for a hypervisor-owned interrupt")
	}
}

func TestHandleIRQForwardsHWBackedSPI(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)

	// initDev already called vm.Arch.VGicD.SetHW(40, 40) for this VM's
	// configured device IRQ; the guest must still enable it through
	// GICD_ISENABLER before InjectHW will schedule it into an LR, the same
	// as on real hardware.
	enableIRQ40(t, vc)

	ops.WriteSysReg(archops.ICC_IAR1_EL1, 40)
	d.HandleIRQ(vc)

	if ops.ReadSysReg(archops.ICC_EOIR1_EL1) != 40 {
		t.Fatalf("expected EOI(40) on the forward-to-guest path")
	}
	if ops.ReadLR(0) == 0 {
		t.Fatalf("expected irq 40 scheduled into a list register")
	}
}

func TestHandleIRQSpuriousIsIgnored(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)

	ops.WriteSysReg(archops.ICC_IAR1_EL1, 1023)
	d.HandleIRQ(vc)

	if ops.ReadSysReg(archops.ICC_EOIR1_EL1) != 0 {
		t.Fatalf("spurious ack should not EOI anything")
	}
}

func esr(ec uint64, il bool, iss uint64) uint64 {
	v := (ec & 0x3F) << 26
	if il {
		v |= 1 << 25
	}
	return v | (iss & 0x1FFFFFF)
}

func TestHandleSyncDataAbortWriteAdvancesPCAndDispatches(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)
	_ = g

	vc.Regs.ELR = 0x1000
	vc.Regs.X[1] = 0x2 // GICD_CTLR enable bit

	// ISV=1, SAS=0b10 (word), SRT=1, WnR=1, DFSC=0b000100 (translation L0).
	iss := uint64(1<<24) | (0x2 << 22) | (1 << 16) | (1 << 6) | 0x04
	ops.WriteSysReg(archops.ESR_EL2, esr(0x24, false, iss))
	ops.WriteSysReg(archops.FAR_EL2, 0)
	ops.WriteSysReg(archops.HPFAR_EL2, 0)

	d.HandleSync(vc)

	if vc.Regs.ELR != 0x1002 {
		t.Fatalf("expected PC advance of 2 for a 16-bit trapping instruction, got 0x%x", vc.Regs.ELR)
	}
}

func TestHandleSyncDataAbortNoHandlerDoesNotAdvance(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)
	_ = g

	vc.Regs.ELR = 0x2000
	iss := uint64(1<<24) | (0x2 << 22) | (1 << 16) | 0x04
	ops.WriteSysReg(archops.ESR_EL2, esr(0x24, false, iss))
	// FAR/HPFAR compose an address far outside any registered window.
	ops.WriteSysReg(archops.FAR_EL2, 0xF00)
	ops.WriteSysReg(archops.HPFAR_EL2, 0xFFFFF)

	d.HandleSync(vc)

	if vc.Regs.ELR != 0x2000 {
		t.Fatalf("PC should not advance when no handler claims the faulting address")
	}
}

func TestHandleSyncDataAbortWithoutISVPanics(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)
	_ = g

	ops.WriteSysReg(archops.ESR_EL2, esr(0x24, false, 0))

	defer func() {
		if recover() == nil {
			t.Fatalf("data abort without ISV should panic")
		}
	}()
	d.HandleSync(vc)
}

func TestHandleSyncSMC64DispatchesPSCIAndAdvancesPC(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)
	_ = g

	vc.Regs.ELR = 0x1_0000
	vc.Regs.X[0] = 0x8400_0000 // PSCI_VERSION

	ops.WriteSysReg(archops.ESR_EL2, esr(0x17, false, 0))
	d.HandleSync(vc)

	if vc.Regs.X[0] != 2 {
		t.Fatalf("expected x0=2 after PSCI_VERSION, got %d", vc.Regs.X[0])
	}
	if vc.Regs.ELR != 0x1_0004 {
		t.Fatalf("expected PC advance of 4 after SMC64, got 0x%x", vc.Regs.ELR)
	}
}

func TestHandleSyncUnknownClassPanics(t *testing.T) {
	vc, g, ops := newTestVCpu(t, oneVMTable())
	d := NewDispatcher(g, ops)
	_ = g

	ops.WriteSysReg(archops.ESR_EL2, esr(0x00, false, 0))

	defer func() {
		if recover() == nil {
			t.Fatalf("unhandled exception class should panic")
		}
	}()
	d.HandleSync(vc)
}

func TestHandleInternalSyncPanics(t *testing.T) {
	_, _, ops := newTestVCpu(t, oneVMTable())
	ops.WriteSysReg(archops.ESR_EL2, 0xDEAD)

	defer func() {
		if recover() == nil {
			t.Fatalf("internal synchronous exception should always panic")
		}
	}()
	HandleInternalSync(ops)
}

func TestHandleSErrorDoesNotPanic(t *testing.T) {
	_, _, ops := newTestVCpu(t, oneVMTable())
	ops.WriteSysReg(archops.ESR_EL2, 0xBEEF)
	HandleSError(ops) // must simply return
}
