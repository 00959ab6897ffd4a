package mm

import (
	"sync"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/hverr"
)

// AddressSpace pairs one PageTable with the section layout it honors, plus
// a per-section bump cursor for AllocVPage. Static partitioning never
// frees VA space once handed out, so a monotonically-advancing cursor per
// section is sufficient -- there is no fragmentation to manage because
// there is no reclaim.
type AddressSpace struct {
	mu       sync.Mutex
	pt       *PageTable
	dscr     *PageTableDescriptor
	sections map[SectionID]*Section
	cursor   map[SectionID]addr.VA
}

// NewAddressSpace builds an AddressSpace over a fresh page table, with the
// given sections installed as the only legal VA ranges.
func NewAddressSpace(dscr *PageTableDescriptor, arena *Arena, pool *PagePool, recIndex int, sections []Section) (*AddressSpace, error) {
	pt, err := NewPageTable(dscr, arena, pool)
	if err != nil {
		return nil, err
	}
	if err := pt.SetRecursive(recIndex); err != nil {
		return nil, err
	}
	as := &AddressSpace{
		pt:       pt,
		dscr:     dscr,
		sections: make(map[SectionID]*Section),
		cursor:   make(map[SectionID]addr.VA),
	}
	for i := range sections {
		s := sections[i]
		as.sections[s.ID] = &s
		as.cursor[s.ID] = s.Begin
	}
	return as, nil
}

// PageTable exposes the backing table for callers that need it directly
// (vmm's vcpuInit reads its root for VTTBR_EL2).
func (as *AddressSpace) PageTable() *PageTable { return as.pt }

// FindSec returns the section containing va, if any.
func (as *AddressSpace) FindSec(va addr.VA) (*Section, bool) {
	for _, s := range as.sections {
		if s.Contains(va) {
			return s, true
		}
	}
	return nil, false
}

// AllocVPage reserves n consecutive, page-aligned virtual pages inside
// section id by advancing that section's bump cursor, failing if the
// section would overflow.
func (as *AddressSpace) AllocVPage(id SectionID, n int) (addr.VA, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	sec, ok := as.sections[id]
	if !ok {
		return 0, hverr.New(hverr.KindNotFound, "mm.AddressSpace.AllocVPage")
	}
	size := uint64(n) * addr.PageSize
	base := as.cursor[id]
	if uint64(sec.End-base) < size {
		return 0, hverr.New(hverr.KindOutOfMemory, "mm.AddressSpace.AllocVPage")
	}
	as.cursor[id] = base + addr.VA(size)
	return base, nil
}

// Map installs page-granularity leaf PTEs covering [va, va+size) -> [pa,
// pa+size). size must be a multiple of PAGE_SIZE; every page is mapped at
// the leaf level, so this never installs a block terminator even when va,
// pa and size would all permit one -- it keeps the walker's contract
// uniform (every leaf is level Lvls-1) at the cost of one PTE per page
// instead of the fewer entries a block mapping would need.
func (as *AddressSpace) Map(va addr.VA, pa addr.PA, size uint64, flags PTEFlags) error {
	if size%addr.PageSize != 0 {
		return hverr.New(hverr.KindInvalidParam, "mm.AddressSpace.Map")
	}
	for off := uint64(0); off < size; off += addr.PageSize {
		if err := as.map1(va+addr.VA(off), pa+addr.PA(off), flags); err != nil {
			return err
		}
	}
	return nil
}

// map1 installs a single leaf PTE for one page.
func (as *AddressSpace) map1(va addr.VA, pa addr.PA, flags PTEFlags) error {
	leaf := as.dscr.Lvls - 1
	slot, err := as.pt.getOrCreatePTE(leaf, va)
	if err != nil {
		return err
	}
	existing := as.pt.Entry(slot)
	if existing.IsValid() {
		return hverr.New(hverr.KindAlreadyExists, "mm.AddressSpace.Map")
	}
	as.pt.SetEntry(slot, NewPTE(PTEPage, pa, flags))
	return nil
}

// AllocMap allocates a fresh VA range in section id and maps it 1:1 onto
// the physical pages in pp.
func (as *AddressSpace) AllocMap(id SectionID, pp PPages, flags PTEFlags) (addr.VA, error) {
	va, err := as.AllocVPage(id, pp.NumPages)
	if err != nil {
		return 0, err
	}
	for i := 0; i < pp.NumPages; i++ {
		if err := as.map1(va+addr.VA(i*addr.PageSize), pp.Base+addr.PA(i*addr.PageSize), flags); err != nil {
			return 0, err
		}
	}
	return va, nil
}

// AllocMapDev maps a fixed device physical window (not pool-backed memory)
// into a freshly allocated VA range, forcing FlagDevice regardless of what
// the caller passed so device-nGnRnE semantics can never be forgotten.
func (as *AddressSpace) AllocMapDev(id SectionID, pa addr.PA, size uint64, flags PTEFlags) (addr.VA, error) {
	if size%addr.PageSize != 0 {
		return 0, hverr.New(hverr.KindInvalidParam, "mm.AddressSpace.AllocMapDev")
	}
	n := int(size / addr.PageSize)
	va, err := as.AllocVPage(id, n)
	if err != nil {
		return 0, err
	}
	flags |= FlagDevice
	for i := 0; i < n; i++ {
		if err := as.map1(va+addr.VA(i*addr.PageSize), pa+addr.PA(i*addr.PageSize), flags); err != nil {
			return 0, err
		}
	}
	return va, nil
}

// Translate walks the full table depth for va and returns the physical
// address it resolves to, honoring the page offset within the final leaf.
func (as *AddressSpace) Translate(va addr.VA) (addr.PA, error) {
	leaf := as.dscr.Lvls - 1
	slot, err := as.pt.GetPTE(leaf, va)
	if err != nil {
		return 0, err
	}
	pte := as.pt.Entry(slot)
	if !pte.IsValid() {
		return 0, hverr.New(hverr.KindNotFound, "mm.AddressSpace.Translate")
	}
	offset := uint64(va) & (addr.PageSize - 1)
	return pte.Address() + addr.PA(offset), nil
}
