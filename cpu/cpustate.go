// Package cpu holds the small amount of state that belongs to "this
// physical CPU" rather than to any VM: its logical id, the master-election
// outcome, the boot-time rendezvous barrier, and a per-CPU mailbox used to
// broadcast the one cross-CPU message this core needs (a VGICD CTLR
// toggle that must be re-applied on every CPU running one of the VM's
// vCPUs). Modeled on a per-VCPU state struct, just scoped to "one physical
// core" instead of "one guest virtual core".
package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/bao-go/hvcore/barrier"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/hverr"
)

// Message is a cross-CPU notification posted to a CPU's mailbox and
// drained the next time that CPU passes through SyncAndClearMsg. Kind is
// left as a small int rather than an interface so the mailbox never needs
// to allocate or type-switch on the hot barrier path.
type Message struct {
	Kind uint32
	VMID int
	Arg  uint64
}

const (
	MsgVGicdCtlrChanged uint32 = iota + 1
)

// State is the per-physical-CPU record.
type State struct {
	ID     int
	MPIDR  uint64
	mu     sync.Mutex
	inbox  []Message
}

var (
	initOnce  sync.Once
	cpus      []*State
	masterWon int32 // CAS flag: 0 = unclaimed, 1 = claimed
	bootSync  barrier.SyncToken
)

// Init builds the fixed-size CPU array once the platform's CPU count is
// known, and primes the boot barrier for that many parties. Safe to call
// from every CPU; only the first call takes effect, matching the
// build_once/access lifecycle used by config.Init.
func Init(n int) {
	initOnce.Do(func() {
		cpus = make([]*State, n)
		for i := range cpus {
			cpus[i] = &State{ID: i}
		}
		bootSync.Init(n)
	})
}

// BootSync returns the shared boot-time rendezvous barrier.
func BootSync() *barrier.SyncToken { return &bootSync }

// DeriveID reverses config.Platform's cluster topology to recover the
// logical CPU id that produced mpidr, the way the real core reads
// MPIDR_EL1 at entry and has to map it back to "which slot in cpu_mask am
// I" (src/arch/aarch64/sysregs.rs in the rust original does the forward
// direction; this is its inverse).
func DeriveID(mpidr uint64) (int, error) {
	p := config.Platform()
	for id := 0; id < p.CPUNum; id++ {
		candidate, err := p.CPUIDToMPIDR(id)
		if err != nil {
			continue
		}
		if candidate == mpidr {
			return id, nil
		}
	}
	return 0, hverr.New(hverr.KindNotFound, "cpu.DeriveID")
}

// Self returns the per-CPU state for id. Init must have run first.
func Self(id int) *State {
	if cpus == nil || id < 0 || id >= len(cpus) {
		panic("cpu: Self called with invalid id or before Init")
	}
	return cpus[id]
}

// ElectMaster reports whether the calling CPU is the first to reach this
// call -- the single-store CAS that decides which physical CPU drives
// MemoryInit, config consumption and the rest of the one-time bring-up
// sequence.
func ElectMaster() bool {
	return atomic.CompareAndSwapInt32(&masterWon, 0, 1)
}

// PostMessage appends msg to id's mailbox.
func PostMessage(id int, msg Message) {
	s := Self(id)
	s.mu.Lock()
	s.inbox = append(s.inbox, msg)
	s.mu.Unlock()
}

// Broadcast posts msg to every CPU in [0,n) except the sender.
func Broadcast(senderID, n int, msg Message) {
	for id := 0; id < n; id++ {
		if id == senderID {
			continue
		}
		PostMessage(id, msg)
	}
}

// DrainMessages pops every pending message for id and applies handle to
// each, in arrival order. Intended as the hook passed to
// SyncToken.SyncAndClearMsg.
func DrainMessages(id int, handle func(Message)) {
	s := Self(id)
	s.mu.Lock()
	pending := s.inbox
	s.inbox = nil
	s.mu.Unlock()
	for _, m := range pending {
		handle(m)
	}
}

// ResetForTest clears every package-level singleton so tests can call
// Init repeatedly. Only intended for _test.go use.
func ResetForTest() {
	initOnce = sync.Once{}
	cpus = nil
	atomic.StoreInt32(&masterWon, 0)
	bootSync = barrier.SyncToken{}
}
