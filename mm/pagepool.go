package mm

import (
	"fmt"
	"sync"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/hverr"
)

// PPages is a contiguous physical extent, optionally constrained by cache
// colors (color support is carried in the type per the data model but is
// not exercised by the core, since no platform in this corpus declares
// colored regions).
type PPages struct {
	Base      addr.PA
	NumPages  int
	ColorMask uint64
}

// End returns the address one past the last page in pp.
func (pp PPages) End() addr.PA {
	return pp.Base + addr.PA(pp.NumPages*addr.PageSize)
}

// PagePool is the owner of all physical RAM in one contiguous region. The
// invariant free <= total and "bitmap bit i set iff page i is allocated or
// reserved" holds across every exported method.
type PagePool struct {
	mu             sync.Mutex
	base           addr.PA
	totalPages     int
	freePages      int
	lastScanIndex  int
	bitmap         *Bitmap
	debug          bool
}

// NewPagePool builds a pool over [base, base+totalPages*PAGE_SIZE), backed
// by bitmap (which the caller has already sized and placed, per the
// MemoryInit sequence in meminit.go).
func NewPagePool(base addr.PA, totalPages int, bitmap *Bitmap) (*PagePool, error) {
	if totalPages <= 0 {
		return nil, hverr.New(hverr.KindInvalidParam, "mm.NewPagePool")
	}
	if bitmap.Len() < totalPages {
		return nil, fmt.Errorf("mm.NewPagePool: bitmap has %d bits, need >= %d", bitmap.Len(), totalPages)
	}
	return &PagePool{
		base:       base,
		totalPages: totalPages,
		freePages:  totalPages,
		bitmap:     bitmap,
	}, nil
}

func (p *PagePool) SetDebug(d bool) { p.debug = d }

// Base returns the pool's starting physical address.
func (p *PagePool) Base() addr.PA { return p.base }

// TotalPages returns the pool's total page count.
func (p *PagePool) TotalPages() int { return p.totalPages }

// FreePages returns the current number of unallocated pages.
func (p *PagePool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freePages
}

func (p *PagePool) indexOf(pa addr.PA) (int, bool) {
	if pa < p.base {
		return 0, false
	}
	off := uint64(pa - p.base)
	if off%addr.PageSize != 0 {
		return 0, false
	}
	idx := int(off / addr.PageSize)
	if idx >= p.totalPages {
		return 0, false
	}
	return idx, true
}

// Reserve marks pp's pages as allocated, succeeding only if every page in
// pp lies inside the pool and none of them is already allocated (P1). On
// failure the pool's state is left untouched.
func (p *PagePool) Reserve(pp PPages) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, ok := p.indexOf(pp.Base)
	if !ok || start+pp.NumPages > p.totalPages {
		return false
	}
	if p.bitmap.CountConsecutive(start, pp.NumPages) != pp.NumPages || p.bitmap.Get(start) {
		// Not all pages in range are free (free == bit clear).
		return false
	}
	p.bitmap.SetConsecutive(start, pp.NumPages)
	p.freePages -= pp.NumPages
	if p.debug {
		fmt.Printf("PagePool: reserved %d pages at 0x%x\n", pp.NumPages, pp.Base)
	}
	return true
}

// Alloc runs a two-pass rotating scan starting at lastScanIndex (wrapping
// through 0) for n consecutive free pages. When aligned is true the
// returned base is guaranteed aligned to n*PAGE_SIZE, resolved here by
// only considering candidate starts that are themselves aligned, rather
// than asserting false.
func (p *PagePool) Alloc(n int, aligned bool) (PPages, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || n > p.totalPages {
		return PPages{}, false
	}

	stride := 1
	if aligned {
		stride = n
	}

	find := func(from, to int) (int, bool) {
		for i := (from + stride - 1) / stride * stride; i < to && i+n <= p.totalPages; i += stride {
			if p.bitmap.CountConsecutive(i, n) == n && !p.bitmap.Get(i) {
				return i, true
			}
		}
		return 0, false
	}

	idx, ok := find(p.lastScanIndex, p.totalPages)
	if !ok {
		idx, ok = find(0, p.lastScanIndex)
	}
	if !ok {
		return PPages{}, false
	}

	p.bitmap.SetConsecutive(idx, n)
	p.freePages -= n
	p.lastScanIndex = idx + n
	if p.lastScanIndex >= p.totalPages {
		p.lastScanIndex = 0
	}
	pp := PPages{Base: p.base + addr.PA(idx*addr.PageSize), NumPages: n}
	if p.debug {
		fmt.Printf("PagePool: allocated %d pages at 0x%x\n", n, pp.Base)
	}
	return pp, true
}

// Free releases pp's pages back to the pool. Freeing pages that are not
// currently allocated is a caller bug and panics, matching this core's
// fatal-on-internal-inconsistency policy.
func (p *PagePool) Free(pp PPages) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, ok := p.indexOf(pp.Base)
	if !ok || start+pp.NumPages > p.totalPages {
		panic(fmt.Sprintf("mm.PagePool.Free: %v out of range", pp))
	}
	if pp.NumPages > 0 && (p.bitmap.CountConsecutive(start, pp.NumPages) != pp.NumPages || !p.bitmap.Get(start)) {
		panic(fmt.Sprintf("mm.PagePool.Free: %v is not fully allocated", pp))
	}
	p.bitmap.ClearConsecutive(start, pp.NumPages)
	p.freePages += pp.NumPages
}
