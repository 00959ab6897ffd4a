package mm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bao-go/hvcore/addr"
)

// Arena is the host-testable stand-in for "physical memory": a single
// anonymous mmap the way a host-side VMM allocates guest RAM with
// syscall.Mmap(-1, 0, memSize, ...). PA values are byte offsets
// into this buffer rather than real machine addresses; every PageTable /
// AddressSpace in this package reads and writes PTEs through an Arena
// instead of through raw pointers, which is what lets section 8's invariants run
// as ordinary go test assertions.
type Arena struct {
	mem []byte
}

// NewArena mmaps size bytes (rounded up to a page) and returns an Arena
// whose PA 0 is the first byte of that mapping.
func NewArena(size uint64) (*Arena, error) {
	size = uint64(addr.PA(size).AlignUp(addr.PageSize))
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mm: mmap arena of %d bytes: %w", size, err)
	}
	return &Arena{mem: mem}, nil
}

// Close unmaps the arena. Safe to call once; a second call is a no-op.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Size returns the arena's byte length.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

func (a *Arena) checkRange(pa addr.PA, n int) {
	if uint64(pa)+uint64(n) > uint64(len(a.mem)) {
		panic(fmt.Sprintf("mm: arena access [0x%x,0x%x) out of range (size 0x%x)", pa, uint64(pa)+uint64(n), len(a.mem)))
	}
}

// Bytes returns the raw byte slice backing [pa, pa+n), for callers that
// need to copy whole images (mirrors a host VMM's copy(guestMemory[...], program)).
func (a *Arena) Bytes(pa addr.PA, n int) []byte {
	a.checkRange(pa, n)
	return a.mem[pa : uint64(pa)+uint64(n)]
}

// ReadU64 / WriteU64 access a little-endian 64-bit word at pa -- the unit
// PTEs and most GIC registers are read and written in.
func (a *Arena) ReadU64(pa addr.PA) uint64 {
	a.checkRange(pa, 8)
	b := a.mem[pa : pa+8]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func (a *Arena) WriteU64(pa addr.PA, v uint64) {
	a.checkRange(pa, 8)
	b := a.mem[pa : pa+8]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// ReadU32 / WriteU32 access a little-endian 32-bit word, the unit most
// GICv3 distributor/redistributor registers are defined in.
func (a *Arena) ReadU32(pa addr.PA) uint32 {
	a.checkRange(pa, 4)
	b := a.mem[pa : pa+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (a *Arena) WriteU32(pa addr.PA, v uint32) {
	a.checkRange(pa, 4)
	b := a.mem[pa : pa+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Zero clears n bytes starting at pa, matching the zero-on-mmap guarantee
// a fresh anonymous mapping gives for guest memory and page tables alike.
func (a *Arena) Zero(pa addr.PA, n int) {
	a.checkRange(pa, n)
	b := a.mem[pa : uint64(pa)+uint64(n)]
	for i := range b {
		b[i] = 0
	}
}

// Copy copies src into the arena at dst.
func (a *Arena) Copy(dst addr.PA, src []byte) {
	a.checkRange(dst, len(src))
	copy(a.mem[dst:uint64(dst)+uint64(len(src))], src)
}
