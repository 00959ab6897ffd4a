package mm

import (
	"fmt"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/hverr"
)

// HVHeapPages is how many fresh pages MemoryInit hands the hypervisor's
// own heap section once bring-up is done.
const HVHeapPages = 256

// HVRecursiveIndex is the root-table slot every hypervisor stage-1 AS
// reserves for its self-referential entry. It sits one below the top of
// the root table's index space so it never collides with a real section.
const HVRecursiveIndex = 510

// Memory is the result of MemoryInit: the arena, pool and stage-1
// AddressSpace the rest of the core runs on, plus the rebased physical
// load address of every configured VM image.
type Memory struct {
	Arena *Arena
	Pool  *PagePool
	AS    *AddressSpace
	// VMLoadAddr[i] is where VM i's image was relocated to, after
	// reserving the pool footprint image/cpu-stacks/bitmap already occupy.
	VMLoadAddr []addr.PA
}

// MemoryInit runs the five-step bring-up the master CPU performs exactly
// once before any barrier: find the region backing the platform's RAM,
// place a PagePool and bitmap over it, reserve the footprint the
// hypervisor image and per-CPU stacks already occupy, map a fresh heap,
// then rebase every VM's configured load address into pool-owned memory
// (mirroring how a KVM-style VMM loads a guest image into newly allocated
// guest memory, generalized to support many images instead of one).
func MemoryInit(arena *Arena, imageBase addr.PA, imageSize uint64, cpuNum int, stackPagesPerCPU int) (*Memory, error) {
	p := config.Platform()
	if len(p.Regions) == 0 {
		return nil, hverr.New(hverr.KindBadState, "mm.MemoryInit")
	}
	region := p.Regions[0]
	for _, r := range p.Regions {
		if r.Size > region.Size {
			region = r
		}
	}

	totalPages := int(region.Size / addr.PageSize)
	bitmapBytes := (totalPages + 7) / 8
	bitmapBytes = int(addr.PA(bitmapBytes).AlignUp(addr.PageSize))
	// The bitmap sits immediately after the hypervisor image and the
	// per-CPU stacks that follow it.
	imagePages := int(addr.PA(imageSize).AlignUp(addr.PageSize)) / addr.PageSize
	stacksBase := imageBase + addr.PA(imagePages*addr.PageSize)
	stacksPages := stackPagesPerCPU * cpuNum
	bitmapBase := stacksBase + addr.PA(stacksPages*addr.PageSize)
	if uint64(bitmapBytes) > region.Size {
		return nil, hverr.Wrap(hverr.KindOutOfMemory, "mm.MemoryInit",
			fmt.Errorf("region too small to hold its own bitmap"))
	}

	bitmap, err := NewBitmap(bitmapBase, bitmapBytes)
	if err != nil {
		return nil, hverr.Wrap(hverr.KindBadState, "mm.MemoryInit", err)
	}

	pool, err := NewPagePool(region.Base, totalPages, bitmap)
	if err != nil {
		return nil, err
	}

	// Step: reserve the bitmap's own footprint.
	bitmapPages := bitmapBytes / addr.PageSize
	if !pool.Reserve(PPages{Base: bitmapBase, NumPages: bitmapPages}) {
		return nil, hverr.New(hverr.KindBadState, "mm.MemoryInit: bitmap self-reserve")
	}

	// Step: reserve the hypervisor image footprint.
	if !pool.Reserve(PPages{Base: imageBase, NumPages: imagePages}) {
		return nil, hverr.New(hverr.KindBadState, "mm.MemoryInit: image self-reserve")
	}

	// Step: reserve per-CPU stacks, placed immediately after the image.
	if stacksPages > 0 {
		if !pool.Reserve(PPages{Base: stacksBase, NumPages: stacksPages}) {
			return nil, hverr.New(hverr.KindBadState, "mm.MemoryInit: stacks self-reserve")
		}
	}

	dscr := StandardAArch64()
	as, err := NewAddressSpace(dscr, arena, pool, HVRecursiveIndex, []Section{
		{ID: SecHypGlobal, Begin: 0x0000_0000_1000_0000, End: 0x0000_0000_2000_0000, Shared: true},
		{ID: SecHypImage, Begin: 0x0000_0000_2000_0000, End: 0x0000_0000_3000_0000, Shared: true},
		{ID: SecHypPrivate, Begin: 0x0000_0000_3000_0000, End: 0x0000_0000_4000_0000, Shared: false},
	})
	if err != nil {
		return nil, err
	}

	// Step: map a fresh heap of HVHeapPages pages into the global section.
	heapPP, ok := pool.Alloc(HVHeapPages, false)
	if !ok {
		return nil, hverr.New(hverr.KindOutOfMemory, "mm.MemoryInit: heap")
	}
	if _, err := as.AllocMap(SecHypGlobal, heapPP, FlagRead|FlagWrite); err != nil {
		return nil, err
	}

	// Step: rebase every configured VM's image into freshly allocated,
	// pool-owned physical pages -- a single hardcoded guest image load
	// generalized to the config table's VM list.
	table := config.Table()
	loadAddrs := make([]addr.PA, len(table.VMList))
	for i, vm := range table.VMList {
		pages := int(addr.PA(vm.Size).AlignUp(addr.PageSize)) / addr.PageSize
		if pages == 0 {
			continue
		}
		var pp PPages
		if vm.SeparatelyLoaded && vm.Inplace {
			pp = PPages{Base: vm.LoadAddr, NumPages: pages}
			if !pool.Reserve(pp) {
				return nil, hverr.Wrap(hverr.KindBadState, "mm.MemoryInit",
					fmt.Errorf("vm %d: in-place load address 0x%x unavailable", i, vm.LoadAddr))
			}
		} else {
			var ok bool
			pp, ok = pool.Alloc(pages, false)
			if !ok {
				return nil, hverr.New(hverr.KindOutOfMemory, "mm.MemoryInit: vm image")
			}
		}
		loadAddrs[i] = pp.Base
	}

	return &Memory{Arena: arena, Pool: pool, AS: as, VMLoadAddr: loadAddrs}, nil
}
