// Package archops is the narrow seam between this core and the handful of
// ARMv8-A operations that only make sense as real instructions: barriers,
// TLB invalidation, the AT translate instructions, and direct system
// register access. Every other package in this module talks to the
// hardware exclusively through the Ops interface, never through inline
// asm of its own -- the same "defined in mmu.s" split tamago uses for its
// arm64 MMU code, generalized to an interface so the rest of this core can
// be exercised with a fake implementation under `go test` on any GOARCH.
package archops

// SysReg names one of the system registers this core reads or writes
// directly, kept as an enum rather than bare register-name strings so a
// typo is a compile error.
type SysReg int

const (
	VTTBR_EL2 SysReg = iota
	VMPIDR_EL2
	ICH_HCR_EL2
	ICH_VTR_EL2
	ICC_SRE_EL2
	ICC_SRE_EL1
	MPIDR_EL1
	ICC_IAR1_EL1
	ICC_EOIR1_EL1
	ICC_DIR_EL1
	ICC_PMR_EL1
	ICC_BPR1_EL1
	ICC_IGRPEN1_EL1
	ESR_EL2
	FAR_EL2
	HPFAR_EL2
)

// TranslationRegime selects which AT instruction variant TranslateVA uses.
type TranslationRegime int

const (
	RegimeEL2 TranslationRegime = iota // hypervisor stage-1, AT S1E2R/W
	RegimeEL1                          // guest stage-1+2, AT S12E1R/W
)

// Ops is the full set of architecture operations this core requires.
// Exactly one implementation is linked into a production build
// (arm64.go, build-tagged GOARCH=arm64); Host (host.go) is a software
// model used by every _test.go file in this module.
type Ops interface {
	// DataSyncBarrier issues a full system DSB.
	DataSyncBarrier()
	// InstrSyncBarrier issues an ISB.
	InstrSyncBarrier()
	// TLBInvalidateGuest issues "tlbi vmalls12e1is" (stage-1 and stage-2
	// entries) followed by the barriers required to make it visible
	// before the next guest entry.
	TLBInvalidateGuest()
	// TranslateVA performs the architectural AT instruction for regime
	// against va and decodes PAR_EL1: ok is false on the PAR.F fault bit,
	// otherwise pa is PAR.PA | (va & 0xFFF).
	TranslateVA(regime TranslationRegime, va uint64) (pa uint64, ok bool)
	// WriteSysReg / ReadSysReg access the named system register directly.
	WriteSysReg(reg SysReg, val uint64)
	ReadSysReg(reg SysReg) uint64

	// The GICv3 hypervisor (ICH_*) interface is accessed through system
	// registers, not MMIO, so it lives here rather than in package gic:
	// gic.Controller wraps these with the GICD/GICR MMIO model instead of
	// reimplementing register access itself.
	NumLRs() int
	WriteLR(idx int, val uint64)
	ReadLR(idx int) uint64
	WriteHCR(val uint64)
	ReadHCR() uint64
	ReadELRSR() uint64
	ReadEISR() uint64

	// SMCCall issues a real SMC64 with function id fid and up to three
	// argument registers, returning firmware's x0 result. The only
	// outgoing SMC this core ever makes is the boot-time PSCI CPU_ON that
	// wakes secondary physical CPUs.
	SMCCall(fid, x1, x2, x3 uint64) uint64
}
