package mm

import (
	"fmt"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/hverr"
)

// PageTable is a recursively-mapped, multi-level translation table rooted
// at a single physical page. Table memory is identity-mapped in this core
// (root and every descendant table's PA doubles as its own addressable
// VA) -- the same simplification a host-side VMM's paging takes when it
// builds an identity-mapped page directory for protected-mode entry;
// it lets GetPTE hand back a real dereferenceable location without this
// package also having to model the CPU's stage-1 table walker.
type PageTable struct {
	dscr     *PageTableDescriptor
	arena    *Arena
	pool     *PagePool
	root     addr.PA
	recIndex int
	recSet   bool
}

// NewPageTable allocates a fresh, zeroed root table from pool.
func NewPageTable(dscr *PageTableDescriptor, arena *Arena, pool *PagePool) (*PageTable, error) {
	pp, ok := pool.Alloc(1, false)
	if !ok {
		return nil, hverr.New(hverr.KindOutOfMemory, "mm.NewPageTable")
	}
	arena.Zero(pp.Base, addr.PageSize)
	return &PageTable{dscr: dscr, arena: arena, pool: pool, root: pp.Base}, nil
}

// Root returns the physical address of the table's root page.
func (pt *PageTable) Root() addr.PA { return pt.root }

// SetRecursive installs the self-referential entry at root[index],
// pointing back at the table's own root page. Every subsequent GetPTE
// call relies on this slot existing.
func (pt *PageTable) SetRecursive(index int) error {
	if index < 0 || index >= pt.dscr.EntriesPerTable(0) {
		return hverr.New(hverr.KindInvalidParam, "mm.PageTable.SetRecursive")
	}
	slot := pt.root + addr.PA(index*8)
	pt.arena.WriteU64(slot, uint64(NewPTE(PTETable, pt.root, 0)))
	pt.recIndex = index
	pt.recSet = true
	return nil
}

// entrySlot returns the byte address of the index-th PTE in the table at tablePA.
func (pt *PageTable) entrySlot(tablePA addr.PA, index int) addr.PA {
	return tablePA + addr.PA(index*8)
}

func (pt *PageTable) readPTE(slot addr.PA) PTE  { return PTE(pt.arena.ReadU64(slot)) }
func (pt *PageTable) writePTE(slot addr.PA, p PTE) { pt.arena.WriteU64(slot, uint64(p)) }

// walkToLevel descends from root following va's own index fields through
// level targetLvl-1, returning the physical address of the PTE slot at
// targetLvl. When alloc is true, missing intermediate tables are created
// from pool; otherwise a missing table is reported as hverr.KindNotFound,
// matching the contract that get_pte requires the walk to already have
// tables allocated through level targetLvl-1.
func (pt *PageTable) walkToLevel(va addr.VA, targetLvl int, alloc bool) (addr.PA, error) {
	if targetLvl < 0 || targetLvl >= pt.dscr.Lvls {
		return 0, hverr.New(hverr.KindInvalidParam, "mm.PageTable.walkToLevel")
	}
	table := pt.root
	for lvl := 0; lvl < targetLvl; lvl++ {
		idx := pt.dscr.ExtractIndex(uint64(va), lvl)
		slot := pt.entrySlot(table, idx)
		pte := pt.readPTE(slot)
		switch {
		case pte.IsTable():
			table = pte.Address()
		case !pte.IsValid() && alloc:
			pp, ok := pt.pool.Alloc(1, false)
			if !ok {
				return 0, hverr.New(hverr.KindOutOfMemory, "mm.PageTable.walkToLevel")
			}
			pt.arena.Zero(pp.Base, addr.PageSize)
			pt.writePTE(slot, NewPTE(PTETable, pp.Base, 0))
			table = pp.Base
		case !pte.IsValid():
			return 0, hverr.New(hverr.KindNotFound, "mm.PageTable.walkToLevel")
		default:
			// A block/page entry terminates the walk before targetLvl:
			// the caller asked for a level that is already mapped coarser.
			return 0, hverr.Wrap(hverr.KindBadState, "mm.PageTable.walkToLevel",
				fmt.Errorf("level %d already terminated by a block/page entry", lvl))
		}
	}
	idx := pt.dscr.ExtractIndex(uint64(va), targetLvl)
	return pt.entrySlot(table, idx), nil
}

// GetPTE returns the physical address holding the PTE for va at lvl. It
// requires tables through lvl-1 to already exist.
func (pt *PageTable) GetPTE(lvl int, va addr.VA) (addr.PA, error) {
	return pt.walkToLevel(va, lvl, false)
}

// getOrCreatePTE is the alloc=true counterpart used by Map.
func (pt *PageTable) getOrCreatePTE(lvl int, va addr.VA) (addr.PA, error) {
	return pt.walkToLevel(va, lvl, true)
}

// Entry reads the PTE currently stored at slot.
func (pt *PageTable) Entry(slot addr.PA) PTE { return pt.readPTE(slot) }

// SetEntry writes p into slot.
func (pt *PageTable) SetEntry(slot addr.PA, p PTE) { pt.writePTE(slot, p) }

// SynthesizeRecursiveVA computes the virtual address that, if this table
// were mounted under hardware stage-1 translation, the CPU's own table
// walker would resolve to exactly the PTE at (lvl, va): the first
// (Lvls-lvl) index fields carry the recursive index, the remaining lvl
// fields carry va's own higher-level indices, and the low-order offset
// selects the target entry itself (its own index scaled by 8 bytes). This
// is the literal recursive-mapping address-synthesis this scheme relies on;
// production code never needs to resolve it (GetPTE reaches the same PTE
// directly through the arena), but ResolveRecursiveVA below proves the two
// routes agree.
func (pt *PageTable) SynthesizeRecursiveVA(lvl int, va addr.VA) (addr.VA, error) {
	if !pt.recSet {
		return 0, hverr.New(hverr.KindBadState, "mm.PageTable.SynthesizeRecursiveVA")
	}
	d := pt.dscr
	hops := d.Lvls - lvl
	var synth uint64
	for l := 0; l < hops; l++ {
		synth |= uint64(pt.recIndex) << uint(d.Offset[l])
	}
	for k := 0; k < lvl; k++ {
		idx := d.ExtractIndex(uint64(va), k)
		synth |= uint64(idx) << uint(d.Offset[hops+k])
	}
	idxLvl := uint64(d.ExtractIndex(uint64(va), lvl))
	synth |= idxLvl * 8
	return addr.VA(synth), nil
}

// ResolveRecursiveVA independently reproduces what a hardware stage-1
// walker would do with a recursively-synthesized VA: interpret its own
// index fields at every level, descending through whatever the table
// entries say (which, for the recursive index fields, always redirects
// back to root). It never calls walkToLevel, so comparing its result
// against GetPTE's is a genuine cross-check, not a tautology.
func (pt *PageTable) ResolveRecursiveVA(va addr.VA) (addr.PA, error) {
	d := pt.dscr
	table := pt.root
	// The first Lvls-1 index fields are ordinary dereferences (each is
	// either a recursive redirect back to root or one of the target
	// va's own indices, depending on the level the VA was synthesized
	// for); the final field is read but never chased
	// further, since the last level of any walk is always terminal.
	for lvl := 0; lvl < d.Lvls-1; lvl++ {
		idx := d.ExtractIndex(uint64(va), lvl)
		slot := pt.entrySlot(table, idx)
		pte := pt.readPTE(slot)
		if !pte.IsTable() {
			return 0, hverr.Wrap(hverr.KindBadState, "mm.PageTable.ResolveRecursiveVA",
				fmt.Errorf("level %d entry is not a table", lvl))
		}
		table = pte.Address()
	}
	lastIdx := d.ExtractIndex(uint64(va), d.Lvls-1)
	lastPTE := pt.readPTE(pt.entrySlot(table, lastIdx))
	offset := uint64(va) & (addr.PageSize - 1)
	return lastPTE.Address() + addr.PA(offset), nil
}
