package vgic

import "testing"

// S5: VM boots with no IRQs enabled; once vgic_set_hw(vm, 1) has run, a
// guest write of 0x0000_0002 to ISENABLER offset 0x100 (id=1, a private
// interrupt) must flip gicd.ISENABLER[0] bit 1 on the physical GIC.
func TestVGicREnablePropagatesToPhysicalGIC(t *testing.T) {
	g, _ := newTestGIC(t)
	r := NewVGicR(g, 0, 0, true)
	r.SetHW(1, 1)
	h := r.Handler()

	write := &EmulAccess{Addr: gicrSGIBase + gicdISENABLER, Width: 4, Write: true, Val: 0x0000_0002}
	if !h(write) {
		t.Fatalf("GICR ISENABLER write not handled")
	}
	if !g.GetEnable(1) {
		t.Fatalf("physical GICD ISENABLER bit 1 should be set after HW-backed private-IRQ enable")
	}
}
