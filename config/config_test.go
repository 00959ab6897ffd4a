package config

import (
	"sync"
	"testing"
)

func reset() {
	ResetForTest()
}

func TestInitBuildsOnceAndIsIdempotent(t *testing.T) {
	reset()
	defer reset()

	p1 := &PlatformDescriptor{CPUNum: 2}
	c1 := &ConfigTable{VMList: []VMConfig{{CPUMask: 1}}}
	Init(p1, c1)

	p2 := &PlatformDescriptor{CPUNum: 99}
	Init(p2, &ConfigTable{})

	if Platform().CPUNum != 2 {
		t.Fatalf("second Init call should be a no-op, got CPUNum=%d", Platform().CPUNum)
	}
	if len(Table().VMList) != 1 {
		t.Fatalf("expected the first ConfigTable to stick, got %d VMs", len(Table().VMList))
	}
}

func TestPlatformBeforeInitPanics(t *testing.T) {
	reset()
	defer reset()

	defer func() {
		if recover() == nil {
			t.Fatalf("Platform() before Init() should panic")
		}
	}()
	Platform()
}

func TestTableBeforeInitPanics(t *testing.T) {
	reset()
	defer reset()

	defer func() {
		if recover() == nil {
			t.Fatalf("Table() before Init() should panic")
		}
	}()
	Table()
}

func TestInitIsConcurrencySafe(t *testing.T) {
	reset()
	defer reset()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			Init(&PlatformDescriptor{CPUNum: i + 1}, &ConfigTable{})
		}()
	}
	wg.Wait()

	if Platform().CPUNum < 1 || Platform().CPUNum > 8 {
		t.Fatalf("expected exactly one Init call to win, got CPUNum=%d", Platform().CPUNum)
	}
}

func TestCPUIDToMPIDRComposesAffinityFromClusterTopology(t *testing.T) {
	p := &PlatformDescriptor{
		CPUNum: 5,
		Arch: ArchDescriptor{
			Clusters: ClusterDescriptor{Num: 2, CoreNums: [4]uint8{3, 2}},
		},
	}

	cases := []struct {
		id     int
		mpidr  uint64
	}{
		{0, 0x000}, // cluster 0, core 0
		{1, 0x001},
		{2, 0x002},
		{3, 0x100}, // cluster 1, core 0
		{4, 0x101},
	}
	for _, c := range cases {
		got, err := p.CPUIDToMPIDR(c.id)
		if err != nil {
			t.Fatalf("CPUIDToMPIDR(%d): %v", c.id, err)
		}
		if got != c.mpidr {
			t.Fatalf("CPUIDToMPIDR(%d) = 0x%x, want 0x%x", c.id, got, c.mpidr)
		}
	}
}

func TestCPUIDToMPIDROutOfRange(t *testing.T) {
	p := &PlatformDescriptor{CPUNum: 2, Arch: ArchDescriptor{Clusters: ClusterDescriptor{Num: 1, CoreNums: [4]uint8{2}}}}
	if _, err := p.CPUIDToMPIDR(2); err == nil {
		t.Fatalf("expected an error for an id >= CPUNum")
	}
	if _, err := p.CPUIDToMPIDR(-1); err == nil {
		t.Fatalf("expected an error for a negative id")
	}
}

func TestCPUIDToMPIDRNotCoveredByTopology(t *testing.T) {
	p := &PlatformDescriptor{CPUNum: 5, Arch: ArchDescriptor{Clusters: ClusterDescriptor{Num: 1, CoreNums: [4]uint8{2}}}}
	if _, err := p.CPUIDToMPIDR(3); err == nil {
		t.Fatalf("expected an error when the cluster topology does not account for every declared CPU")
	}
}

func TestMemRegionContainsAndIntersects(t *testing.T) {
	r := MemRegion{Base: 0x1000, Size: 0x1000}

	if !r.Contains(0x1000) || !r.Contains(0x1FFF) {
		t.Fatalf("expected region bounds to be inclusive-start, exclusive-end")
	}
	if r.Contains(0x2000) {
		t.Fatalf("0x2000 is one past the region end, should not be contained")
	}

	if !r.Intersects(0x1800, 0x1000) {
		t.Fatalf("expected overlap with a region starting inside r")
	}
	if r.Intersects(0x2000, 0x1000) {
		t.Fatalf("did not expect overlap with a region starting exactly at r's end")
	}
}
