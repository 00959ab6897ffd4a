// Package ipc provides the inter-VM shared memory channels declared in the
// static config table. Each channel's physical backing is a handful of
// contiguous pages claimed from the hypervisor's own PagePool by the
// master CPU, the same "single allocation, single owner, shared afterwards"
// shape a host VMM gives guest memory at VM creation, generalized from
// one VM's memory to many VMs' shared channels.
package ipc

import (
	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/hverr"
	"github.com/bao-go/hvcore/mm"
)

// SharedMem is one named shared-memory channel: a physical extent inside
// the arena that more than one VM's stage-2 table may point into.
type SharedMem struct {
	id      int
	pp      mm.PPages
	masters uint64 // bitmask of physical CPU ids that have mapped this channel
}

// NewSharedMem claims ceil(size/PAGE_SIZE) contiguous, unaligned pages
// from pool. Only the master CPU calls this, once per configured
// channel, during bring-up.
func NewSharedMem(id int, pool *mm.PagePool, size uint64) (*SharedMem, error) {
	if size == 0 {
		return nil, hverr.New(hverr.KindInvalidParam, "ipc.NewSharedMem")
	}
	n := int(addr.PA(size).AlignUp(addr.PageSize)) / addr.PageSize
	pp, ok := pool.Alloc(n, false)
	if !ok {
		return nil, hverr.New(hverr.KindOutOfMemory, "ipc.NewSharedMem")
	}
	return &SharedMem{id: id, pp: pp}, nil
}

func (s *SharedMem) ID() int       { return s.id }
func (s *SharedMem) Size() uint64  { return uint64(s.pp.NumPages) * addr.PageSize }
func (s *SharedMem) Base() addr.PA { return s.pp.Base }

// Truncate returns the largest prefix of the channel usable by a VM that
// declared n bytes, clamped to the channel's actual size -- a VM asking
// for more than the channel provides gets only what exists rather than
// failing outright.
func (s *SharedMem) Truncate(n uint64) uint64 {
	if n > s.Size() {
		return s.Size()
	}
	return n
}

// RegisterMaster records that physical CPU id has mapped this channel
// into a stage-2 table it is master of.
func (s *SharedMem) RegisterMaster(cpuID int) { s.masters |= 1 << uint(cpuID) }

// IsMaster reports whether cpuID has registered as a master of this
// channel.
func (s *SharedMem) IsMaster(cpuID int) bool { return s.masters&(1<<uint(cpuID)) != 0 }
