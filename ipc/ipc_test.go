package ipc

import (
	"testing"

	"github.com/bao-go/hvcore/config"
)

func TestInitBuildsListFromConfigTable(t *testing.T) {
	config.Init(&config.PlatformDescriptor{}, &config.ConfigTable{
		SharedMem: []config.SharedMemConfig{{Size: 4096}, {Size: 2 * 4096}},
	})
	pool := newTestPool(t, 64)

	if err := Init(pool); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sh0, ok := Lookup(0)
	if !ok {
		t.Fatalf("channel 0 should exist")
	}
	if sh0.Size() != 4096 {
		t.Fatalf("channel 0 size = %d, want 4096", sh0.Size())
	}

	sh1, ok := Lookup(1)
	if !ok {
		t.Fatalf("channel 1 should exist")
	}
	if sh1.Size() != 2*4096 {
		t.Fatalf("channel 1 size = %d, want %d", sh1.Size(), 2*4096)
	}

	if _, ok := Lookup(2); ok {
		t.Fatalf("channel 2 should not exist")
	}

	// Init is build-once: a second call must be a no-op, not re-allocate.
	if err := Init(pool); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if again, _ := Lookup(0); again != sh0 {
		t.Fatalf("second Init should not rebuild the list")
	}
}
