package mm

import (
	"testing"

	"github.com/bao-go/hvcore/addr"
)

func newTestPool(t *testing.T, totalPages int) *PagePool {
	t.Helper()
	bm, err := NewBitmap(0, (totalPages+7)/8)
	if err != nil {
		t.Fatalf("NewBitmap: %v", err)
	}
	pool, err := NewPagePool(0, totalPages, bm)
	if err != nil {
		t.Fatalf("NewPagePool: %v", err)
	}
	return pool
}

// TestPagePoolReserveConflict is invariant P1: Reserve succeeds only when
// every page in the requested extent is both in-range and currently free,
// and a failed Reserve leaves the pool's free count untouched.
func TestPagePoolReserveConflict(t *testing.T) {
	pool := newTestPool(t, 16)

	if !pool.Reserve(PPages{Base: 0, NumPages: 4}) {
		t.Fatalf("first reserve should succeed")
	}
	if pool.FreePages() != 12 {
		t.Fatalf("FreePages = %d, want 12", pool.FreePages())
	}

	// Overlaps the first reservation by one page.
	if pool.Reserve(PPages{Base: addr.PA(3 * addr.PageSize), NumPages: 2}) {
		t.Fatalf("overlapping reserve unexpectedly succeeded")
	}
	if pool.FreePages() != 12 {
		t.Fatalf("FreePages changed after a failed reserve: got %d, want 12", pool.FreePages())
	}

	// Out of range entirely.
	if pool.Reserve(PPages{Base: addr.PA(20 * addr.PageSize), NumPages: 1}) {
		t.Fatalf("out-of-range reserve unexpectedly succeeded")
	}
}

// TestPagePoolAllocAligned resolves the open question on aligned
// allocation: requesting an aligned 4-page block must return a base whose
// page index is itself a multiple of 4.
func TestPagePoolAllocAligned(t *testing.T) {
	pool := newTestPool(t, 64)

	// Force a single free page to land before the next aligned boundary,
	// so an unaligned scan would otherwise be tempted to use it.
	if !pool.Reserve(PPages{Base: 0, NumPages: 1}) {
		t.Fatalf("setup reserve failed")
	}

	pp, ok := pool.Alloc(4, true)
	if !ok {
		t.Fatalf("aligned alloc failed")
	}
	if uint64(pp.Base)%(4*addr.PageSize) != 0 {
		t.Fatalf("Alloc(aligned=true) returned unaligned base 0x%x", pp.Base)
	}
}

func TestPagePoolFreeThenRealloc(t *testing.T) {
	pool := newTestPool(t, 8)
	pp, ok := pool.Alloc(2, false)
	if !ok {
		t.Fatalf("alloc failed")
	}
	pool.Free(pp)
	if pool.FreePages() != 8 {
		t.Fatalf("FreePages after Free = %d, want 8", pool.FreePages())
	}
	if _, ok := pool.Alloc(8, false); !ok {
		t.Fatalf("expected to be able to allocate the whole pool after freeing everything")
	}
}

func TestPagePoolFreeOutOfRangePanics(t *testing.T) {
	pool := newTestPool(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic freeing an out-of-range extent")
		}
	}()
	pool.Free(PPages{Base: addr.PA(100 * addr.PageSize), NumPages: 1})
}
