package vgic

import (
	"testing"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/mm"
)

func newTestGIC(t *testing.T) (*gic.Controller, *archops.Host) {
	t.Helper()
	config.ResetForTest()
	config.Init(&config.PlatformDescriptor{
		CPUNum: 2,
		Arch: config.ArchDescriptor{
			GIC: config.GICDescriptor{GICDAddr: 0, GICRAddr: addr.PA(64 * 1024)},
		},
	}, &config.ConfigTable{})
	t.Cleanup(config.ResetForTest)

	arena, err := mm.NewArena(1024 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	ops := archops.NewHost()
	c := gic.NewController(arena, ops, 2)
	c.Init(64)
	return c, ops
}
