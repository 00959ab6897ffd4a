package mm

// PageTableDescriptor is a static, per-translation-regime description of a
// multi-level page table: how many levels, how many index bits each level
// consumes from the virtual address, where that field starts, and whether
// a block (huge-page) terminator is legal at that level.
type PageTableDescriptor struct {
	Lvls        int
	Width       []int  // index-field width in bits, per level
	Offset      []int  // bit offset of the index field in the VA, per level
	TermAllowed []bool // whether a block entry may terminate the walk here
}

// EntriesPerTable returns how many PTEs a table at this level holds.
func (d *PageTableDescriptor) EntriesPerTable(lvl int) int {
	return 1 << uint(d.Width[lvl])
}

// LevelSize returns the span of virtual address space one entry at this
// level covers (PAGE_SIZE for the leaf level, larger for intermediate
// block-capable levels).
func (d *PageTableDescriptor) LevelSize(lvl int) uint64 {
	return 1 << uint(d.Offset[lvl])
}

// ExtractIndex pulls level lvl's index field out of va.
func (d *PageTableDescriptor) ExtractIndex(va uint64, lvl int) int {
	mask := uint64(d.EntriesPerTable(lvl) - 1)
	return int((va >> uint(d.Offset[lvl])) & mask)
}

// StandardAArch64 returns the canonical 4-level, 4KB-granule descriptor
// used by both the hypervisor's stage-1 AS and every VM's stage-2 AS:
// L0 (bits 39-47, table-only), L1 (bits 30-38, 1GB blocks), L2 (bits
// 21-29, 2MB blocks), L3 (bits 12-20, 4KB pages).
func StandardAArch64() *PageTableDescriptor {
	return &PageTableDescriptor{
		Lvls:        4,
		Width:       []int{9, 9, 9, 9},
		Offset:      []int{39, 30, 21, 12},
		TermAllowed: []bool{false, true, true, true},
	}
}
