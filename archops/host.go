package archops

import "sync"

// HostNumLRs is the list-register count Host reports through NumLRs --
// deliberately small (most real GICv3 implementations expose 4-16) so
// LR-exhaustion tests don't need to allocate dozens of interrupts.
const HostNumLRs = 4

// Host is a software model of Ops used by every test in this module: it
// keeps system registers in a map and answers TranslateVA from a
// caller-installed lookup table instead of real hardware, the same role
// tamago's own test builds give a "qemu" stand-in target.
type Host struct {
	mu    sync.Mutex
	regs  map[SysReg]uint64
	xlate map[uint64]uint64 // va -> pa, for TranslateVA in tests that need it
	dsbN  int
	isbN  int
	tlbiN int

	lrs   [HostNumLRs]uint64
	hcr   uint64
	elrsr uint64 // bit i set => LR i is empty
	eisr  uint64 // bit i set => LR i retired (maintenance IRQ should drain it)

	smcCalls []SMCCallRecord
	smcRet   uint64
}

// SMCCallRecord captures one SMCCall invocation for test assertions.
type SMCCallRecord struct {
	FID, X1, X2, X3 uint64
}

// NewHost returns a ready-to-use Host with every LR reported empty.
func NewHost() *Host {
	h := &Host{regs: make(map[SysReg]uint64), xlate: make(map[uint64]uint64)}
	h.elrsr = (1 << HostNumLRs) - 1
	return h
}

func (h *Host) DataSyncBarrier()    { h.mu.Lock(); h.dsbN++; h.mu.Unlock() }
func (h *Host) InstrSyncBarrier()   { h.mu.Lock(); h.isbN++; h.mu.Unlock() }
func (h *Host) TLBInvalidateGuest() { h.mu.Lock(); h.tlbiN++; h.mu.Unlock() }

// SetTranslation installs a fixed va->pa mapping for TranslateVA to return.
func (h *Host) SetTranslation(va, pa uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.xlate[va] = pa
}

func (h *Host) TranslateVA(_ TranslationRegime, va uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pa, ok := h.xlate[va&^0xFFF]
	if !ok {
		return 0, false
	}
	return pa | (va & 0xFFF), true
}

func (h *Host) WriteSysReg(reg SysReg, val uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[reg] = val
}

func (h *Host) ReadSysReg(reg SysReg) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.regs[reg]
}

// Counters exposes the barrier/TLB call counts for assertions.
func (h *Host) Counters() (dsb, isb, tlbi int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dsbN, h.isbN, h.tlbiN
}

func (h *Host) NumLRs() int { return HostNumLRs }

func (h *Host) WriteLR(idx int, val uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lrs[idx] = val
	h.elrsr &^= 1 << uint(idx)
	h.eisr &^= 1 << uint(idx)
}

func (h *Host) ReadLR(idx int) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lrs[idx]
}

func (h *Host) WriteHCR(val uint64) { h.mu.Lock(); h.hcr = val; h.mu.Unlock() }
func (h *Host) ReadHCR() uint64     { h.mu.Lock(); defer h.mu.Unlock(); return h.hcr }
func (h *Host) ReadELRSR() uint64   { h.mu.Lock(); defer h.mu.Unlock(); return h.elrsr }
func (h *Host) ReadEISR() uint64    { h.mu.Lock(); defer h.mu.Unlock(); return h.eisr }

// SetSMCReturn installs the x0 value SMCCall returns on every subsequent
// call, for tests that need a specific firmware response.
func (h *Host) SetSMCReturn(v uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.smcRet = v
}

func (h *Host) SMCCall(fid, x1, x2, x3 uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.smcCalls = append(h.smcCalls, SMCCallRecord{fid, x1, x2, x3})
	return h.smcRet
}

// SMCCalls returns every SMCCall invocation recorded so far, for test
// assertions on what this core asked firmware to do.
func (h *Host) SMCCalls() []SMCCallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SMCCallRecord(nil), h.smcCalls...)
}

// RetireLR simulates the physical GIC hardware retiring LR idx once its
// guest has EOId the corresponding interrupt: it marks the LR both empty
// (ELRSR) and pending maintenance drain (EISR), exactly the state
// gic_maintenance_handler is written to discover.
func (h *Host) RetireLR(idx int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.elrsr |= 1 << uint(idx)
	h.eisr |= 1 << uint(idx)
}
