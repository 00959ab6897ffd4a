package vgic

import "github.com/bao-go/hvcore/gic"

// hwMirror is called after a field changes on an HW-backed interrupt, to
// push the new value through to the physical GIC. cpu is the physical CPU
// the mirroring call should run against: for SPIs it is irrelevant (the
// distributor is shared) and 0 is passed; for PPIs/SGIs it must be the
// owning vCPU's physical CPU.
type hwMirror func(g *gic.Controller, cpu, physID int, val uint64)

// fieldSpec parameterises the generic field-access algorithm: given an
// EmulAccess of some byte width, compute which interrupt ids it touches
// and how to read/update each one's field.
type fieldSpec struct {
	widthBits   int // bits occupied by one interrupt's field
	regroupBase uint64
	readField   func(intr *VGicIntr) uint64
	updateField func(intr *VGicIntr, val uint64) (changed bool)
	mirror      hwMirror
}

// firstInt computes the first interrupt id this access touches, per the
// generic formula: byte offset within the register group, in units of
// widthBits-sized fields.
func (f fieldSpec) firstInt(addrLow uint64) int {
	byteOff := addrLow - f.regroupBase
	return int(byteOff * 8 / uint64(f.widthBits))
}

// fieldsPerAccess is how many interrupt fields one access of accWidth
// bytes covers.
func (f fieldSpec) fieldsPerAccess(accWidthBytes int) int {
	return accWidthBytes * 8 / f.widthBits
}

func fieldMask(widthBits int) uint64 {
	if widthBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << widthBits) - 1
}

// setField runs one interrupt's write side of the generic algorithm: grant
// ownership if unowned or already owned by vcpu, apply updateField, mirror
// to hardware if it actually changed and the line is HW-backed.
func setField(f fieldSpec, intr *VGicIntr, vcpu int, val uint64, g *gic.Controller, phyCPU int) {
	if intr.Owner == -1 {
		intr.Owner = vcpu
	}
	if intr.Owner != vcpu {
		return // owned by a different vCPU: ignore, per this core's ownership rule
	}
	changed := f.updateField(intr, val)
	if changed && intr.HW && f.mirror != nil && g != nil {
		f.mirror(g, phyCPU, intr.PhysID, val)
	}
}
