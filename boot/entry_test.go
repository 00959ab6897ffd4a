package boot

import (
	"sync"
	"testing"
	"time"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/archops"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/mm"
	"github.com/bao-go/hvcore/vmm"
)

func twoCPUOneVMTable() (*config.PlatformDescriptor, *config.ConfigTable) {
	plat := &config.PlatformDescriptor{
		CPUNum:  2,
		Regions: []config.MemRegion{{Base: 0, Size: 16 * 1024 * 1024}},
		Arch: config.ArchDescriptor{
			GIC: config.GICDescriptor{
				GICDAddr: addr.PA(16 * 1024 * 1024),
				GICRAddr: addr.PA(16*1024*1024 + 0x10000),
			},
			Clusters: config.ClusterDescriptor{Num: 1, CoreNums: [4]uint8{2}},
		},
	}
	table := &config.ConfigTable{
		VMList: []config.VMConfig{
			{
				BaseAddr: 0x4000_0000,
				Size:     0x1000,
				Entry:    0x4000_0000,
				CPUMask:  0b11,
				VMPlatform: config.VMPlatform{
					VMRegions: []config.VMRegionDescriptor{{Base: 0x4000_0000, Size: 0x1000}},
					VGic:      config.VGicLayout{IntNum: 64},
				},
			},
		},
	}
	return plat, table
}

func TestCoreEntryTwoCPUsBringUpAndWakeSecondary(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	plat, table := twoCPUOneVMTable()
	config.Init(plat, table)

	arena, err := mm.NewArena(32 * 1024 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()

	ops := archops.NewHost()

	type result struct {
		vc  *vmm.VCpu
		err error
	}
	results := make([]result, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			vc, _, err := CoreEntry(i, ops, arena, addr.PA(0x8000_0000))
			results[i] = result{vc: vc, err: err}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("CoreEntry did not return for both CPUs")
	}

	for i, r := range results {
		if r.err != nil {
			t.Fatalf("cpu %d: CoreEntry returned error: %v", i, r.err)
		}
		if r.vc == nil {
			t.Fatalf("cpu %d: CoreEntry returned a nil VCpu", i)
		}
	}

	calls := ops.SMCCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one CPU_ON SMC (one secondary), got %d", len(calls))
	}
	if calls[0].X2 != 0x8000_0000 {
		t.Fatalf("expected CPU_ON entry arg 0x8000_0000, got 0x%x", calls[0].X2)
	}
}

func TestCoreEntrySingleCPUNoWakeSecondaries(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	plat := &config.PlatformDescriptor{
		CPUNum:  1,
		Regions: []config.MemRegion{{Base: 0, Size: 16 * 1024 * 1024}},
		Arch: config.ArchDescriptor{
			GIC: config.GICDescriptor{
				GICDAddr: addr.PA(16 * 1024 * 1024),
				GICRAddr: addr.PA(16*1024*1024 + 0x10000),
			},
			Clusters: config.ClusterDescriptor{Num: 1, CoreNums: [4]uint8{1}},
		},
	}
	table := &config.ConfigTable{
		VMList: []config.VMConfig{
			{
				BaseAddr: 0x4000_0000,
				Size:     0x1000,
				Entry:    0x4000_0000,
				CPUMask:  0b1,
				VMPlatform: config.VMPlatform{
					VMRegions: []config.VMRegionDescriptor{{Base: 0x4000_0000, Size: 0x1000}},
					VGic:      config.VGicLayout{IntNum: 64},
				},
			},
		},
	}
	config.Init(plat, table)

	arena, err := mm.NewArena(32 * 1024 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()

	ops := archops.NewHost()

	vc, d, err := CoreEntry(0, ops, arena, addr.PA(0x8000_0000))
	if err != nil {
		t.Fatalf("CoreEntry: %v", err)
	}
	if vc == nil || d == nil {
		t.Fatalf("expected a non-nil VCpu and Dispatcher")
	}
	if len(ops.SMCCalls()) != 0 {
		t.Fatalf("a single-CPU system should issue no CPU_ON calls, got %d", len(ops.SMCCalls()))
	}
}
