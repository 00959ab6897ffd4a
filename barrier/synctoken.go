// Package barrier implements the spin-based rendezvous every CPU passes
// through during bring-up and during any later VM-wide reconfiguration
// (e.g. a VGICD CTLR toggle). It mirrors gopher-os's bootstrap barrier: a
// shared counter advanced with an atomic add, with the wait itself a
// lock-free busy loop so no CPU ever blocks on the Go scheduler.
package barrier

import (
	"sync"
	"sync/atomic"
)

// MsgHook is the pluggable hook SyncAndClearMsg drains on every spin
// iteration of its second wait, for messages this package has no opinion
// about the shape of (the cross-CPU VGICD CTLR broadcast being the one
// concrete user in this core).
type MsgHook func()

// SyncToken is a reusable barrier for a fixed party size n. Unlike a
// one-shot sync.WaitGroup, the same token can be waited on repeatedly: the
// "next = ceil(count,n)*n" rule lets a CPU arriving for the k-th barrier
// simply wait for the count to reach the next multiple of n, with no reset
// step between rounds.
type SyncToken struct {
	mu    sync.Mutex
	ready bool
	n     int
	count int64
}

// Init sets the party size. Called once by the first CPU to learn n;
// calling it a second time is a caller bug (not guarded here --
// the single master-CPU call site makes a race structurally impossible).
func (s *SyncToken) Init(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = n
	s.ready = true
}

// SyncBarrier busy-waits for Init, then advances the shared counter and
// spins until every one of the n parties has arrived at this round.
func (s *SyncToken) SyncBarrier() {
	for !s.readyLoaded() {
	}
	next := s.arrive()
	for atomic.LoadInt64(&s.count) < next {
	}
}

// SyncAndClearMsg behaves like SyncBarrier, except that while waiting for
// the rest of the party to arrive it repeatedly calls hook -- giving a CPU
// stuck at the barrier a chance to notice and service a cross-CPU message
// instead of spinning blindly. It finishes with one more plain SyncBarrier
// round so every CPU leaves in lock-step regardless of how many messages
// it happened to drain.
func (s *SyncToken) SyncAndClearMsg(hook MsgHook) {
	for !s.readyLoaded() {
	}
	next := s.arrive()
	for atomic.LoadInt64(&s.count) < next {
		if hook != nil {
			hook()
		}
	}
	s.SyncBarrier()
}

func (s *SyncToken) readyLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// arrive atomically advances the shared count and returns the target the
// caller must wait for: the smallest multiple of n that is >= count. The
// increment is atomic rather than mutex-guarded because SyncBarrier's spin
// loop reads count with atomic.LoadInt64 without the lock held.
func (s *SyncToken) arrive() int64 {
	count := atomic.AddInt64(&s.count, 1)
	s.mu.Lock()
	n := int64(s.n)
	s.mu.Unlock()
	return (count + n - 1) / n * n
}

// Count returns the current arrival count, for tests and diagnostics.
func (s *SyncToken) Count() int64 { return atomic.LoadInt64(&s.count) }
