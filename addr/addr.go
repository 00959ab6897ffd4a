// Package addr defines the two address-space types shared by every layer
// of the core (physical memory, stage-1, stage-2) so that PA/VA confusion
// is a compile error rather than a runtime bug.
package addr

// PageSize is the hypervisor's native page granule. The core only ever
// reasons in units of this size; huge/contiguous-page support lives above
// this constant as multiples of it.
const PageSize = 4096

// PA is a physical address: either a real machine address (on real
// hardware) or, in this host-testable rendition, a byte offset into the
// mm.Arena backing physical memory.
type PA uint64

// VA is a virtual address, meaningful only relative to some AddressSpace.
type VA uint64

// AlignDown rounds a down to the nearest multiple of size.
func (a PA) AlignDown(size uint64) PA { return PA(uint64(a) &^ (size - 1)) }

// AlignUp rounds a up to the nearest multiple of size.
func (a PA) AlignUp(size uint64) PA { return PA((uint64(a) + size - 1) &^ (size - 1)) }

// Aligned reports whether a is a multiple of size.
func (a PA) Aligned(size uint64) bool { return uint64(a)%size == 0 }

// AlignDown rounds v down to the nearest multiple of size.
func (v VA) AlignDown(size uint64) VA { return VA(uint64(v) &^ (size - 1)) }

// AlignUp rounds v up to the nearest multiple of size.
func (v VA) AlignUp(size uint64) VA { return VA((uint64(v) + size - 1) &^ (size - 1)) }

// Aligned reports whether v is a multiple of size.
func (v VA) Aligned(size uint64) bool { return uint64(v)%size == 0 }

// PageOffset returns v's byte offset within its containing page.
func (v VA) PageOffset() uint64 { return uint64(v) % PageSize }
