package vmm

import (
	"testing"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/gic"
	"github.com/bao-go/hvcore/ipc"
	"github.com/bao-go/hvcore/mm"
)

// testRig bundles everything a physical CPU needs to call AssignVCpu, set
// up the way boot.CoreEntry's master-only bring-up sequence would.
type testRig struct {
	gic *gic.Controller
	ops *archops.Host
	mem *mm.Memory
}

func newTestRig(t *testing.T, cpuNum int, table *config.ConfigTable) *testRig {
	t.Helper()
	config.ResetForTest()
	ResetForTest()
	ipc.ResetForTest()

	config.Init(&config.PlatformDescriptor{
		CPUNum:  cpuNum,
		Regions: []config.MemRegion{{Base: 0, Size: 16 * 1024 * 1024}},
		Arch: config.ArchDescriptor{
			GIC: config.GICDescriptor{
				GICDAddr: addr.PA(16 * 1024 * 1024),
				GICRAddr: addr.PA(16*1024*1024 + 0x10000),
			},
		},
	}, table)
	t.Cleanup(func() {
		config.ResetForTest()
		ResetForTest()
		ipc.ResetForTest()
	})

	arena, err := mm.NewArena(32 * 1024 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	mem, err := mm.MemoryInit(arena, addr.PA(0x100000), 0x10000, cpuNum, 1)
	if err != nil {
		t.Fatalf("MemoryInit: %v", err)
	}

	if err := ipc.Init(mem.Pool); err != nil {
		t.Fatalf("ipc.Init: %v", err)
	}

	ops := archops.NewHost()
	g := gic.NewController(arena, ops, cpuNum)
	g.Init(64)

	Init()

	return &testRig{gic: g, ops: ops, mem: mem}
}
