// Package gic drives the physical GICv3: the MMIO distributor and
// redistributor windows (modeled through an mm.Arena the same way every
// other MMIO device in this core is, since there is no real bus to probe)
// plus the ICH_* hypervisor control interface reached through
// archops.Ops. It never emulates anything for a guest -- that is vgic's
// job; this package only ever talks to hardware (or, in tests, the
// hardware stand-in).
package gic

import (
	"sync"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/mm"
)

// Distributor register offsets (GICv3, 32-bit access unless noted).
const (
	GICD_CTLR    = 0x0000
	GICD_TYPER   = 0x0004
	GICD_IIDR    = 0x0008
	GICD_IGROUPR = 0x0080
	GICD_ISENABLER = 0x0100
	GICD_ICENABLER = 0x0180
	GICD_ISPENDR = 0x0200
	GICD_ICPENDR = 0x0280
	GICD_ISACTIVER = 0x0300
	GICD_ICACTIVER = 0x0380
	GICD_IPRIORITYR = 0x0400
	GICD_ICFGR   = 0x0C00
	GICD_IROUTER = 0x6000
)

// Redistributor frame layout: an RD frame followed by an SGI frame, each
// 64KB, repeated per CPU.
const (
	GICR_FrameSize = 2 * 0x10000
	GICR_RD_CTLR   = 0x0000
	GICR_RD_IIDR   = 0x0004
	GICR_RD_TYPER  = 0x0008
	GICR_RD_WAKER  = 0x0014
	GICR_RD_PIDR2  = 0xFFE8
	GICR_SGI_base  = 0x10000
)

const gicPrivIntNum = 32 // SGIs + PPIs, ids [0,32)

// Controller owns both distributor and redistributor locks (lock order:
// GICD before GICR, matching every other component's published order).
type Controller struct {
	arena  *mm.Arena
	ops    archops.Ops
	gicd   addr.PA
	gicr   addr.PA
	cpuNum int

	gicdMu sync.Mutex
	gicrMu sync.Mutex

	debug bool
}

// NewController maps GICD once and the GICR array once, sized
// cpuNum*GICR_FrameSize, over the physical addresses declared in the
// platform descriptor -- gicd/gicr here are arena offsets standing in for
// the real MMIO windows.
func NewController(arena *mm.Arena, ops archops.Ops, cpuNum int) *Controller {
	d := config.Platform().Arch.GIC
	return &Controller{arena: arena, ops: ops, gicd: d.GICDAddr, gicr: d.GICRAddr, cpuNum: cpuNum}
}

func (c *Controller) SetDebug(d bool) { c.debug = d }

func (c *Controller) gicrBase(cpu int) addr.PA {
	return c.gicr + addr.PA(cpu*GICR_FrameSize)
}

// Init disables and clears every SPI (group1, disabled, non-pending,
// non-active, lowest priority, invalid routing) then re-enables the
// distributor with affinity routing -- the order the architecture
// requires: clear state before flipping the enable bits back on.
func (c *Controller) Init(numSPIs int) {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()

	c.arena.WriteU32(c.gicd+GICD_CTLR, 0) // disable while reprogramming

	words := (numSPIs + 31) / 32
	for w := 0; w < words; w++ {
		c.arena.WriteU32(c.gicd+GICD_IGROUPR+addr.PA(w*4), 0xFFFF_FFFF) // all group 1
		c.arena.WriteU32(c.gicd+GICD_ICENABLER+addr.PA(w*4), 0xFFFF_FFFF)
		c.arena.WriteU32(c.gicd+GICD_ICPENDR+addr.PA(w*4), 0xFFFF_FFFF)
		c.arena.WriteU32(c.gicd+GICD_ICACTIVER+addr.PA(w*4), 0xFFFF_FFFF)
	}
	for i := 0; i < numSPIs; i++ {
		c.arena.Bytes(c.gicd+GICD_IPRIORITYR+addr.PA(i), 1)[0] = 0xFF // lowest priority
	}
	for i := gicPrivIntNum; i < numSPIs; i++ {
		c.arena.WriteU64(c.gicd+GICD_IROUTER+addr.PA(i*8), 1<<31) // Routing Mode = Any, invalid affinity
	}

	const ARE_NS = 1 << 4
	const EnableGrp1 = 1 << 1
	c.arena.WriteU32(c.gicd+GICD_CTLR, ARE_NS|EnableGrp1)
}

// EachCPUInit is the per-CPU bring-up: wake the redistributor, clear
// PPIs/SGIs, and program the CPU interface through ICH_HCR/ICC_SRE.
func (c *Controller) EachCPUInit(cpu int) {
	c.gicrMu.Lock()
	rd := c.gicrBase(cpu)
	waker := c.arena.ReadU32(rd + GICR_RD_WAKER)
	const ProcessorSleep = 1 << 1
	c.arena.WriteU32(rd+GICR_RD_WAKER, waker&^ProcessorSleep)

	sgi := rd + GICR_SGI_base
	c.arena.WriteU32(sgi+GICD_ICENABLER, 0xFFFF_FFFF)
	c.arena.WriteU32(sgi+GICD_ICPENDR, 0xFFFF_FFFF)
	c.arena.WriteU32(sgi+GICD_ICACTIVER, 0xFFFF_FFFF)
	c.gicrMu.Unlock()

	c.ops.WriteSysReg(archops.ICC_SRE_EL1, 1)
	c.ops.WriteSysReg(archops.ICC_SRE_EL2, 1)

	c.ops.WriteSysReg(archops.ICC_PMR_EL1, 0xFF)   // priority mask = lowest
	c.ops.WriteSysReg(archops.ICC_BPR1_EL1, 0)     // binary point 0
	c.ops.WriteSysReg(archops.ICC_IGRPEN1_EL1, 1)  // enable group 1

	const ichHcrLRENPIE = 1 << 2
	c.ops.WriteHCR(ichHcrLRENPIE)
}

// --- Distributor field accessors, all serialized by gicdMu ---

// bitRegWrite sets the bit for irq in the word-per-32-irqs register at
// base. Every GICD_IS*/IC* pair is write-1-to-set / write-1-to-clear, so
// the caller's choice of base (not a set/clear flag here) carries the
// intent.
func (c *Controller) bitRegWrite(base addr.PA, irq int) {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()
	word := base + addr.PA((irq/32)*4)
	bit := uint32(1) << uint(irq%32)
	c.arena.WriteU32(word, bit)
}

func (c *Controller) bitRegRead(base addr.PA, irq int) bool {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()
	word := base + addr.PA((irq/32)*4)
	bit := uint32(1) << uint(irq%32)
	return c.arena.ReadU32(word)&bit != 0
}

func (c *Controller) SetEnable(irq int, v bool) {
	if v {
		c.bitRegWrite(c.gicd+GICD_ISENABLER, irq)
	} else {
		c.bitRegWrite(c.gicd+GICD_ICENABLER, irq)
		// The arena is plain memory, not a live register file: clear the
		// ISENABLER bit as well so GetEnable reports the disable.
		c.gicdMu.Lock()
		word := c.gicd + GICD_ISENABLER + addr.PA((irq/32)*4)
		c.arena.WriteU32(word, c.arena.ReadU32(word)&^(uint32(1)<<uint(irq%32)))
		c.gicdMu.Unlock()
	}
}
func (c *Controller) GetEnable(irq int) bool { return c.bitRegRead(c.gicd+GICD_ISENABLER, irq) }

func (c *Controller) SetPending(irq int, v bool) {
	if v {
		c.bitRegWrite(c.gicd+GICD_ISPENDR, irq)
	} else {
		c.bitRegWrite(c.gicd+GICD_ICPENDR, irq)
	}
}

func (c *Controller) SetActive(irq int, v bool) {
	if v {
		c.bitRegWrite(c.gicd+GICD_ISACTIVER, irq)
	} else {
		c.bitRegWrite(c.gicd+GICD_ICACTIVER, irq)
	}
}

func (c *Controller) SetPriority(irq int, prio uint8) {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()
	c.arena.Bytes(c.gicd+GICD_IPRIORITYR+addr.PA(irq), 1)[0] = prio
}

func (c *Controller) SetRoute(irq int, mpidr uint64) {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()
	c.arena.WriteU64(c.gicd+GICD_IROUTER+addr.PA(irq*8), mpidr)
}

func (c *Controller) SetConfig(irq int, edgeTriggered bool) {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()
	word := c.gicd + GICD_ICFGR + addr.PA((irq/16)*4)
	shift := uint((irq % 16) * 2)
	v := c.arena.ReadU32(word)
	if edgeTriggered {
		v |= 1 << (shift + 1)
	} else {
		v &^= 1 << (shift + 1)
	}
	c.arena.WriteU32(word, v)
}

// --- Redistributor (per-CPU private) field accessors, serialized by gicrMu ---

func (c *Controller) SetEnablePriv(cpu, irq int, v bool) {
	c.gicrMu.Lock()
	defer c.gicrMu.Unlock()
	base := c.gicrBase(cpu) + GICR_SGI_base
	word := base
	if v {
		word += GICD_ISENABLER
	} else {
		word += GICD_ICENABLER
	}
	word += addr.PA((irq / 32) * 4)
	c.arena.WriteU32(word, 1<<uint(irq%32))
}

func (c *Controller) SetPriorityPriv(cpu, irq int, prio uint8) {
	c.gicrMu.Lock()
	defer c.gicrMu.Unlock()
	base := c.gicrBase(cpu) + GICR_SGI_base + GICD_IPRIORITYR
	c.arena.Bytes(base+addr.PA(irq), 1)[0] = prio
}

// PIDR2 returns the physical redistributor's PIDR2 value for cpu, used by
// vgic's padded-ID passthrough.
func (c *Controller) PIDR2(cpu int) uint32 {
	c.gicrMu.Lock()
	defer c.gicrMu.Unlock()
	return c.arena.ReadU32(c.gicrBase(cpu) + GICR_RD_PIDR2)
}

// IIDR returns the physical distributor's IIDR, passed straight through by
// vgic's misc-register handler for GICD reads.
func (c *Controller) IIDR() uint32 {
	c.gicdMu.Lock()
	defer c.gicdMu.Unlock()
	return c.arena.ReadU32(c.gicd + GICD_IIDR)
}

// --- Hypervisor (ICH_*) interface, reached through archops.Ops ---

func (c *Controller) WriteLR(idx int, val uint64) { c.ops.WriteLR(idx, val) }
func (c *Controller) ReadLR(idx int) uint64        { return c.ops.ReadLR(idx) }
func (c *Controller) NumLRs() int                  { return c.ops.NumLRs() }
func (c *Controller) ReadHCR() uint64               { return c.ops.ReadHCR() }
func (c *Controller) WriteHCR(v uint64)             { c.ops.WriteHCR(v) }
func (c *Controller) ReadELRSR() uint64             { return c.ops.ReadELRSR() }
func (c *Controller) ReadEISR() uint64              { return c.ops.ReadEISR() }

// Ack reads and implicitly activates the highest-priority pending
// interrupt through ICC_IAR1_EL1, returning its id.
func (c *Controller) Ack() uint32 {
	return uint32(c.ops.ReadSysReg(archops.ICC_IAR1_EL1))
}

// EOI drops priority on ack without deactivating it (ICC_EOIR1_EL1); DIR
// finishes deactivation (ICC_DIR_EL1). Handler dispatch calls both for
// hypervisor-owned interrupts but only EOI for ones forwarded to a guest,
// leaving DIR to fire on the guest's own EOI -- the priority-drop/deactivate
// split GICv3 defines for EOImode 1.
func (c *Controller) EOI(ack uint32) { c.ops.WriteSysReg(archops.ICC_EOIR1_EL1, uint64(ack)) }
func (c *Controller) DIR(ack uint32) { c.ops.WriteSysReg(archops.ICC_DIR_EL1, uint64(ack)) }
