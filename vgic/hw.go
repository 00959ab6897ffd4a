package vgic

import (
	"sync"

	"github.com/bao-go/hvcore/gic"
)

// List register bit layout (GICv3 ICH_LR<n>_EL2, virtual-interrupt form):
//   [31:0]  vINTID
//   [41:32] pINTID (only meaningful when HW=1)
//   [55:48] Priority
//   [61]    HW
//   [63:62] State: 00 invalid, 01 pending, 10 active, 11 pending+active
const (
	lrVINTIDMask = 0xFFFF_FFFF
	lrPINTIDShift = 32
	lrPINTIDMask  = 0x3FF
	lrPrioShift   = 48
	lrPrioMask    = 0xFF
	lrHWBit       = 1 << 61
	lrStateShift  = 62
	lrStatePending = 0x1
	lrStateActive  = 0x2
)

func encodeLR(intr *VGicIntr) uint64 {
	v := uint64(intr.ID) & lrVINTIDMask
	v |= uint64(intr.Prio&lrPrioMask) << lrPrioShift
	if intr.HW {
		v |= lrHWBit
		v |= (uint64(intr.PhysID) & lrPINTIDMask) << lrPINTIDShift
	}
	state := uint64(0)
	if intr.Pending {
		state |= lrStatePending
	}
	if intr.Active {
		state |= lrStateActive
	}
	v |= state << lrStateShift
	return v
}

func lrPriority(v uint64) uint8 { return uint8((v >> lrPrioShift) & lrPrioMask) }
func lrState(v uint64) uint64   { return (v >> lrStateShift) & 0x3 }
func lrEmpty(v uint64) bool     { return lrState(v) == 0 }

// LRTable schedules one physical CPU's list registers among the VGicIntr
// lines its vCPU wants to inject, evicting the lowest-priority queued
// entry back to software when every LR is busy rather than ever failing
// the caller (the source's add_lr todo!()s here; this is the resolution).
type LRTable struct {
	mu    sync.Mutex
	g     *gic.Controller
	slots []*VGicIntr // nil = free
}

func NewLRTable(g *gic.Controller) *LRTable {
	return &LRTable{g: g, slots: make([]*VGicIntr, g.NumLRs())}
}

// InjectHW assigns intr to vcpu, marks it pending, and schedules it into
// a list register, evicting the lowest-priority occupant if none is free.
// A disabled interrupt, or one already resident in an LR, is left alone:
// the physical IRQ still gets EOI'd by the caller, but there is nothing
// new to queue.
func (t *LRTable) InjectHW(intr *VGicIntr, vcpu int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !intr.Enabled || intr.InLR {
		return
	}

	intr.Owner = vcpu
	intr.Pending = true

	if idx, ok := t.freeSlot(); ok {
		t.assign(idx, intr)
		return
	}

	victim := t.lowestPrioritySlot()
	t.g.WriteLR(victim, 0)
	if evicted := t.slots[victim]; evicted != nil {
		evicted.InLR = false
		evicted.Pending = true // requeued, picked up again by the maintenance path
	}
	t.assign(victim, intr)
}

func (t *LRTable) freeSlot() (int, bool) {
	elrsr := t.g.ReadELRSR()
	for i := 0; i < len(t.slots); i++ {
		if elrsr&(1<<uint(i)) != 0 {
			return i, true
		}
	}
	return 0, false
}

func (t *LRTable) lowestPrioritySlot() int {
	worst := 0
	worstPrio := uint8(0)
	for i := range t.slots {
		v := t.g.ReadLR(i)
		if lrEmpty(v) {
			continue
		}
		p := lrPriority(v)
		if p >= worstPrio {
			worstPrio = p
			worst = i
		}
	}
	return worst
}

func (t *LRTable) assign(idx int, intr *VGicIntr) {
	t.g.WriteLR(idx, encodeLR(intr))
	t.slots[idx] = intr
	intr.InLR = true
}

// DrainMaintenance inspects ICH_EISR_EL2 for LRs that retired (the guest
// EOI'd them), frees their slots, and re-injects any owner still pending
// (the LR's architectural "pending+active" state collapsed to "invalid"
// while software-side Pending was set again by a concurrent InjectHW).
func (t *LRTable) DrainMaintenance() {
	t.mu.Lock()
	defer t.mu.Unlock()

	eisr := t.g.ReadEISR()
	for i := 0; i < len(t.slots); i++ {
		if eisr&(1<<uint(i)) == 0 {
			continue
		}
		// Hardware has already invalidated LR i and set its ELRSR bit;
		// nothing to write back, just stop tracking it here.
		intr := t.slots[i]
		t.slots[i] = nil
		if intr == nil {
			continue
		}
		intr.InLR = false
		if intr.Pending {
			if idx, ok := t.freeSlot(); ok {
				t.assign(idx, intr)
			}
		}
	}
}
