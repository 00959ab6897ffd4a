package mm

import "github.com/bao-go/hvcore/addr"

// PTEType is the decoded shape of a page table entry: whether it is
// absent, points at a child table, or terminates the walk (a block at an
// intermediate level or a page at the leaf level).
type PTEType int

const (
	PTEInvalid PTEType = iota
	PTETable
	PTEBlock
	PTEPage
)

// PTEFlags packs the access/attribute bits a PTE carries alongside its
// address and type. The encoding here is the core's own abstraction, not
// an ARM64 descriptor bit layout -- translating it into the real
// MAIR/AP/SH encoding is ArchOps' job, out of scope for this package, which
// treats specific system-register encodings as opaque.
type PTEFlags uint16

const (
	FlagRead PTEFlags = 1 << iota
	FlagWrite
	FlagExec
	FlagDevice    // device-nGnRnE memory rather than normal cacheable RAM
	FlagUser      // accessible at EL0 (stage-1 guest page tables only)
	FlagShareable // inner-shareable, for pages touched by more than one CPU
)

const (
	pteTypeMask  = 0x3
	pteAddrMask  = 0x0000_ffff_ffff_f000
	pteFlagsSh   = 48
	pteFlagsMask = uint64(0xffff) << pteFlagsSh
)

// PTE is a single page table entry, stored as a raw 64-bit word so it maps
// directly onto an 8-byte arena slot.
type PTE uint64

// NewPTE builds an entry of the given type pointing at target, carrying flags.
func NewPTE(t PTEType, target addr.PA, flags PTEFlags) PTE {
	if uint64(target)&^uint64(pteAddrMask) != 0 {
		panic("mm: PTE target address not page-aligned or exceeds addressable range")
	}
	return PTE(uint64(t)&pteTypeMask | uint64(target) | uint64(flags)<<pteFlagsSh)
}

func (p PTE) Type() PTEType { return PTEType(uint64(p) & pteTypeMask) }
func (p PTE) IsValid() bool { return p.Type() != PTEInvalid }
func (p PTE) IsTable() bool { return p.Type() == PTETable }
func (p PTE) IsPage() bool  { return p.Type() == PTEPage }
func (p PTE) IsBlock() bool { return p.Type() == PTEBlock }

// Address returns the physical address this entry points to, whether a
// child table or a terminal block/page.
func (p PTE) Address() addr.PA { return addr.PA(uint64(p) & pteAddrMask) }

func (p PTE) Flags() PTEFlags { return PTEFlags((uint64(p) & pteFlagsMask) >> pteFlagsSh) }
