// Package except is the EL2 exception front end every physical CPU
// installs once at boot: physical IRQ acknowledgement and dispatch
// (hypervisor-reserved vs. forward-to-guest), data-abort decode into
// vgic's EmulAccess, and SMC64 routing to the PSCI subset this core
// answers. Modeled as a "decode reason, dispatch, advance or halt" loop
// like a KVM vCPU exit-handling switch, retargeted at an ESR_EL2 class
// decode instead of a KVM_EXIT_* enum.
package except

import (
	"fmt"
	"log"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/psci"
	"github.com/bao-go/hvcore/vgic"
	"github.com/bao-go/hvcore/vmm"
)

// gicSpuriousID is the ack value GICv3 returns when nothing is pending.
const gicSpuriousID = 1020

// ESR_EL2 exception-class field.
const (
	esrECShift = 26
	esrECMask  = 0x3F
	esrILBit   = 1 << 25

	ecDataAbortLowerEL = 0x24
	ecSMC64            = 0x17
)

// Data-abort ISS field layout (absolute ESR bit positions; ISS occupies
// ESR's low 25 bits so they coincide).
const (
	issISVBit   = 1 << 24
	issSASShift = 22
	issSASMask  = 0x3
	issSRTShift = 16
	issSRTMask  = 0x1F
	issFnVBit   = 1 << 10
	issWnRBit   = 1 << 6
	issDFSCMask = 0x3F
)

func dfscIsTranslationOrPermission(dfsc uint64) bool {
	switch dfsc & 0x3C {
	case 0x04, 0x0C: // 0b0001LL translation, 0b0011LL permission
		return true
	}
	return false
}

// HWHandler services a physical interrupt the hypervisor reserves for
// itself rather than forwarding to a guest vCpu (the GIC maintenance IRQ,
// a hypervisor timer tick).
type HWHandler func(id int)

// Dispatcher is the per-physical-CPU exception front end: built once
// during this core's per-CPU bring-up and reused for every exit that
// physical CPU takes thereafter.
type Dispatcher struct {
	gic *gic.Controller
	ops archops.Ops
	lr  *vgic.LRTable
	hv  map[int]HWHandler
}

// NewDispatcher builds the exception front end for one physical CPU.
func NewDispatcher(g *gic.Controller, ops archops.Ops) *Dispatcher {
	return &Dispatcher{gic: g, ops: ops, lr: vgic.NewLRTable(g), hv: make(map[int]HWHandler)}
}

// RegisterHW marks physical IRQ id as hypervisor-reserved: HandleIRQ
// calls h directly instead of forwarding the interrupt to a guest vCpu.
func (d *Dispatcher) RegisterHW(id int, h HWHandler) {
	d.hv[id] = h
}

// HandleIRQ acks the pending physical interrupt and either services it
// directly (hypervisor-reserved) or forwards it into vc's list registers
// for guest delivery with EOI only -- DIR happens when the guest itself
// EOIs the virtual interrupt.
func (d *Dispatcher) HandleIRQ(vc *vmm.VCpu) {
	ack := d.gic.Ack()
	id := int(ack & 0xFFFFFF)
	if id >= gicSpuriousID {
		return
	}

	if h, reserved := d.hv[id]; reserved {
		h(id)
		d.gic.EOI(ack)
		d.gic.DIR(ack)
		return
	}

	vgicD := vc.VM().Arch.VGicD
	intr, ok := vgicD.IntrPtr(id)
	if !ok {
		log.Printf("except: physical irq %d has no owning vgic line, dropping", id)
		d.gic.EOI(ack)
		d.gic.DIR(ack)
		return
	}
	d.lr.InjectHW(intr, vc.ID)
	d.gic.EOI(ack)
}

// GicMaintenance drains retired list registers and re-queues interrupts
// still pending -- called from the maintenance IRQ vector, which every
// physical CPU registers as hypervisor-reserved.
func (d *Dispatcher) GicMaintenance() {
	d.lr.DrainMaintenance()
}

// HandleSync dispatches a synchronous exception taken from vc's guest
// EL1/EL0 context: a data abort routes to emulation, an SMC64 routes to
// PSCI, anything else is a hypervisor bug.
func (d *Dispatcher) HandleSync(vc *vmm.VCpu) {
	esr := d.ops.ReadSysReg(archops.ESR_EL2)
	ec := (esr >> esrECShift) & esrECMask

	switch ec {
	case ecDataAbortLowerEL:
		d.handleDataAbort(vc, esr)
	case ecSMC64:
		d.handleSMC(vc)
	default:
		panic(fmt.Sprintf("except: unhandled synchronous exception class 0x%x", ec))
	}
}

func (d *Dispatcher) handleDataAbort(vc *vmm.VCpu, esr uint64) {
	if esr&issISVBit == 0 || esr&issFnVBit != 0 {
		panic("except: data abort without a valid ISV/FAR, cannot emulate")
	}
	dfsc := esr & issDFSCMask
	if !dfscIsTranslationOrPermission(dfsc) {
		panic(fmt.Sprintf("except: data abort with unexpected DFSC 0x%x", dfsc))
	}

	far := d.ops.ReadSysReg(archops.FAR_EL2)
	hpfar := d.ops.ReadSysReg(archops.HPFAR_EL2)
	ipa := addr.VA((far & 0xFFF) | (hpfar << 8))

	sas := (esr >> issSASShift) & issSASMask
	reg := int((esr >> issSRTShift) & issSRTMask)
	access := &vgic.EmulAccess{
		Addr:  ipa,
		Width: 1 << sas,
		Write: esr&issWnRBit != 0,
		Reg:   reg,
	}
	if access.Write {
		access.Val = regVal(vc, reg)
	}

	handler, ok := vc.VM().GicHandler(vc.ID, ipa)
	if !ok {
		log.Printf("except: vcpu %d data abort at 0x%x has no emulation handler, guest will refault", vc.ID, ipa)
		return
	}
	if !handler(access) {
		log.Printf("except: emulation handler for 0x%x returned false, guest will refault", ipa)
		return
	}
	if !access.Write && reg < 31 {
		vc.Regs.X[reg] = access.Val
	}

	il := esr&esrILBit != 0
	advance := uint64(2)
	if il {
		advance = 4
	}
	vc.Regs.ELR += advance
}

// regVal reads guest register SRT==31 as XZR (always zero) rather than
// indexing past the 31-entry GPR file.
func regVal(vc *vmm.VCpu, reg int) uint64 {
	if reg >= 31 {
		return 0
	}
	return vc.Regs.X[reg]
}

func (d *Dispatcher) handleSMC(vc *vmm.VCpu) {
	vc.Regs.X[0] = psci.GuestCall(vc.Regs.X[0])
	vc.Regs.ELR += 4
}

// HandleInternalSync is the vector for exceptions the hypervisor itself
// takes (a bug in this core's own EL2 code, not anything a guest
// triggered) -- always fatal, with the syndrome registers attached.
func HandleInternalSync(ops archops.Ops) {
	esr := ops.ReadSysReg(archops.ESR_EL2)
	far := ops.ReadSysReg(archops.FAR_EL2)
	panic(fmt.Sprintf("except: internal synchronous exception, ESR_EL2=0x%x FAR_EL2=0x%x", esr, far))
}

// HandleSError logs an SError rather than attempting recovery -- this
// core has no model for partial hardware failure, so there is nothing
// useful to do beyond recording that it happened.
func HandleSError(ops archops.Ops) {
	esr := ops.ReadSysReg(archops.ESR_EL2)
	log.Printf("except: SError, ESR_EL2=0x%x", esr)
}
