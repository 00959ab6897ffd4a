package vgic

import (
	"sync"

	"github.com/bao-go/hvcore/gic"
)

// Redistributor RD-frame + SGI-frame offsets within one vCPU's GICR
// window, mirroring the physical layout so the handler's offset math
// looks the same on both sides.
const (
	gicrFrameSize = 2 * 0x10000
	gicrRDCTLR    = 0x0000
	gicrRDIIDR    = 0x0004
	gicrRDTYPER   = 0x0008
	gicrRDPIDR2   = 0xFFE8
	gicrSGIBase   = 0x10000
)

// VGicR is the emulated redistributor for one vCPU: its private
// interrupts (SGIs 0-15, PPIs 16-31).
type VGicR struct {
	mu    sync.Mutex
	typer uint32
	ctlr  uint32
	iidr  uint32
	intrs [gicPrivIntNum]VGicIntr

	vcpuID int
	phyCPU int // physical CPU this vCPU is currently pinned to
	gic    *gic.Controller
}

// NewVGicR builds the per-vCPU redistributor state. last marks the final
// redistributor in the VM's contiguous GICR array (GICR_TYPER.Last).
func NewVGicR(g *gic.Controller, vcpuID, phyCPU int, last bool) *VGicR {
	r := &VGicR{gic: g, vcpuID: vcpuID, phyCPU: phyCPU}
	for i := range r.intrs {
		r.intrs[i] = VGicIntr{ID: i, Owner: vcpuID}
	}
	r.typer = uint32(vcpuID) << 8
	if last {
		r.typer |= 1 << 4
	}
	if g != nil {
		r.iidr = g.IIDR()
	}
	return r
}

// privFieldSpecs reuses the same generic field definitions as the
// distributor's SPI range (the SGI frame's sub-offsets mirror the GICD's
// own register layout, per the architecture), dropping IROUTER, which
// has no private-interrupt equivalent.
func privFieldSpecs() map[uint64]fieldSpec {
	out := make(map[uint64]fieldSpec, 6)
	for off, spec := range spiFieldSpecs(nil) {
		if spec.widthBits == 64 {
			continue
		}
		out[off] = spec
	}
	return out
}

// Handler is the EmulMem handler for one vCPU's slice of the GICR window.
func (r *VGicR) Handler() func(*EmulAccess) bool {
	return func(a *EmulAccess) bool {
		off := uint64(a.Addr) % gicrFrameSize
		switch {
		case off == gicrRDCTLR:
			r.mu.Lock()
			if a.Write {
				r.ctlr = a.Val32()
			} else {
				a.Val = uint64(r.ctlr)
			}
			r.mu.Unlock()
			return true
		case off == gicrRDTYPER:
			r.mu.Lock()
			a.Val = uint64(r.typer)
			r.mu.Unlock()
			return true
		case off == gicrRDIIDR:
			r.mu.Lock()
			a.Val = uint64(r.iidr)
			r.mu.Unlock()
			return true
		case off == gicrRDPIDR2:
			if r.gic != nil {
				a.Val = uint64(r.gic.PIDR2(r.phyCPU))
			}
			return true
		case off >= gicrSGIBase+gicdIGROUPR && off < gicrSGIBase+gicdIGROUPR+32:
			if !a.Write {
				a.Val = 0
			}
			return true
		}

		if off < gicrSGIBase {
			return false
		}
		sgiOff := off - gicrSGIBase

		for base, spec := range privFieldSpecs() {
			size := fieldRegionSize(base)
			if off < gicrSGIBase+base || off >= gicrSGIBase+base+size {
				continue
			}
			return r.access(spec, sgiOff, a)
		}
		return false
	}
}

func (r *VGicR) access(spec fieldSpec, sgiOff uint64, a *EmulAccess) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := spec.firstInt(sgiOff)
	n := spec.fieldsPerAccess(a.Width)
	if n == 0 {
		n = 1
	}
	mask := fieldMask(spec.widthBits)
	var result uint64
	for i := 0; i < n; i++ {
		id := first + i
		if id < 0 || id >= gicPrivIntNum {
			continue
		}
		intr := &r.intrs[id]
		if a.Write {
			fv := (a.Val >> uint(i*spec.widthBits)) & mask
			setField(spec, intr, r.vcpuID, fv, r.gic, r.phyCPU)
		} else {
			result |= (spec.readField(intr) & mask) << uint(i*spec.widthBits)
		}
	}
	if !a.Write {
		a.Val = result
	}
	return true
}

// SetHW marks private interrupt id as hardware-backed for this vCPU.
func (r *VGicR) SetHW(id, physID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= gicPrivIntNum {
		return
	}
	r.intrs[id].HW = true
	r.intrs[id].PhysID = physID
}

// Intr returns a copy of interrupt id's current state, for inspection by
// the maintenance-IRQ path and tests.
func (r *VGicR) Intr(id int) VGicIntr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intrs[id]
}
