// Package vgic is the emulated GICv3 distributor/redistributor seen by a
// guest, plus the list-register scheduler that injects hardware-backed
// interrupts into it. It never touches MMIO directly; all physical GIC
// access goes through a *gic.Controller, the same separation a PIC
// device's register state machine keeps from the KVM injection call
// beneath it.
package vgic

import "github.com/bao-go/hvcore/addr"

// EmulAccess describes one trapped guest MMIO access, decoded by the
// exception dispatcher from the data-abort syndrome.
type EmulAccess struct {
	Addr  addr.VA
	Width int // 1, 2, 4 or 8
	Write bool
	Val   uint64 // value to write, or (on read) the result of the handler
	Reg   int    // guest register index, for the dispatcher to fill on read
}

// EmulMem is one emulated MMIO window registered against a VM's address
// space; Handler returns false when the access could not be serviced
// (dispatcher logs and lets the guest fault again).
type EmulMem struct {
	Base    addr.VA
	Size    uint64
	Handler func(*EmulAccess) bool
}

func (m EmulMem) Contains(va addr.VA) bool {
	return va >= m.Base && uint64(va-m.Base) < m.Size
}

// VGicIntr is the emulated state of one interrupt line, SPI or
// private (PPI/SGI). Owner is a weak handle into the VM's vCPU array
// rather than a pointer, per the arena-indexed VM design; -1 means
// unowned.
type VGicIntr struct {
	ID        int
	Owner     int
	Enabled   bool
	Pending   bool
	Active    bool
	HW        bool
	PhysID    int // physical irq id this line is bound to when HW
	Prio      uint8
	Route     uint64
	PhysRoute uint64
	InLR      bool
}

// gicPrivIntNum is the count of SGI+PPI ids, [0,32), identical to the
// physical GIC's private range.
const gicPrivIntNum = 32
