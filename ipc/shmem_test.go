package ipc

import (
	"testing"

	"github.com/bao-go/hvcore/mm"
)

func newTestPool(t *testing.T, pages int) *mm.PagePool {
	t.Helper()
	bm, err := mm.NewBitmap(0, (pages+7)/8)
	if err != nil {
		t.Fatalf("NewBitmap: %v", err)
	}
	pool, err := mm.NewPagePool(0, pages, bm)
	if err != nil {
		t.Fatalf("NewPagePool: %v", err)
	}
	return pool
}

func TestNewSharedMemAllocatesFromPool(t *testing.T) {
	pool := newTestPool(t, 16)

	sh, err := NewSharedMem(0, pool, 3*4096)
	if err != nil {
		t.Fatalf("NewSharedMem: %v", err)
	}
	if sh.Size() != 3*4096 {
		t.Fatalf("got size %d, want %d", sh.Size(), 3*4096)
	}
	if pool.FreePages() != 13 {
		t.Fatalf("pool should have 13 free pages left, got %d", pool.FreePages())
	}
}

func TestSharedMemTruncate(t *testing.T) {
	pool := newTestPool(t, 4)
	sh, err := NewSharedMem(0, pool, 2*4096)
	if err != nil {
		t.Fatalf("NewSharedMem: %v", err)
	}
	if got := sh.Truncate(4096); got != 4096 {
		t.Fatalf("Truncate(4096) = %d, want 4096", got)
	}
	if got := sh.Truncate(100 * 4096); got != sh.Size() {
		t.Fatalf("Truncate should clamp to channel size, got %d want %d", got, sh.Size())
	}
}

func TestSharedMemMasters(t *testing.T) {
	pool := newTestPool(t, 4)
	sh, err := NewSharedMem(0, pool, 4096)
	if err != nil {
		t.Fatalf("NewSharedMem: %v", err)
	}
	if sh.IsMaster(2) {
		t.Fatalf("cpu 2 should not be a master before registering")
	}
	sh.RegisterMaster(2)
	if !sh.IsMaster(2) {
		t.Fatalf("cpu 2 should be a master after registering")
	}
	if sh.IsMaster(3) {
		t.Fatalf("cpu 3 should not be a master")
	}
}
