package vgic

import "github.com/bao-go/hvcore/gic"

const ichHcrEnableBit = 1 << 0

// ApplyCtlrToHCR re-evaluates ICH_HCR_EL2's En bit from the VM's emulated
// GICD_CTLR enable bit, run on whichever physical CPU is hosting one of
// this VM's vCPUs. VGicD.OnCtlrChange triggers a cross-CPU message
// (cpu.PostMessage) carrying the new ctlr value; each receiving CPU's
// message handler calls this against its own *gic.Controller once it next
// drains its inbox, since ICH_HCR_EL2 is a per-core register no other CPU
// can reach directly.
func ApplyCtlrToHCR(g *gic.Controller, newCtlr uint32) {
	hcr := g.ReadHCR()
	hcr &^= ichHcrEnableBit
	if newCtlr&gicdCTLREnable != 0 {
		hcr |= ichHcrEnableBit
	}
	g.WriteHCR(hcr)
}
