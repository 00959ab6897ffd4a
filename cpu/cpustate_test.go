package cpu

import (
	"sync"
	"testing"
	"time"

	"github.com/bao-go/hvcore/config"
)

func twoClusterPlatform() *config.PlatformDescriptor {
	return &config.PlatformDescriptor{
		CPUNum: 4,
		Arch: config.ArchDescriptor{
			Clusters: config.ClusterDescriptor{Num: 2, CoreNums: [4]uint8{2, 2}},
		},
	}
}

func reset() {
	ResetForTest()
	config.ResetForTest()
}

func TestElectMasterFirstCallerWins(t *testing.T) {
	reset()
	defer reset()

	var wins int
	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			defer wg.Done()
			if ElectMaster() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one master, got %d", wins)
	}
}

func TestDeriveIDRecoversLogicalIDFromMPIDR(t *testing.T) {
	reset()
	defer reset()
	config.Init(twoClusterPlatform(), &config.ConfigTable{})

	for id := 0; id < 4; id++ {
		mpidr, err := config.Platform().CPUIDToMPIDR(id)
		if err != nil {
			t.Fatalf("CPUIDToMPIDR(%d): %v", id, err)
		}
		got, err := DeriveID(mpidr)
		if err != nil {
			t.Fatalf("DeriveID(0x%x): %v", mpidr, err)
		}
		if got != id {
			t.Fatalf("DeriveID(0x%x) = %d, want %d", mpidr, got, id)
		}
	}
}

func TestDeriveIDUnknownMPIDRFails(t *testing.T) {
	reset()
	defer reset()
	config.Init(twoClusterPlatform(), &config.ConfigTable{})

	if _, err := DeriveID(0xFFFF); err == nil {
		t.Fatalf("expected an error for an MPIDR outside the declared topology")
	}
}

func TestBroadcastSkipsSenderAndDrainsInOrder(t *testing.T) {
	reset()
	defer reset()
	Init(3)

	Broadcast(0, 3, Message{Kind: MsgVGicdCtlrChanged, VMID: 1, Arg: 7})

	var got []Message
	DrainMessages(0, func(m Message) { got = append(got, m) })
	if len(got) != 0 {
		t.Fatalf("sender should not receive its own broadcast, got %d messages", len(got))
	}

	for _, id := range []int{1, 2} {
		var recvd []Message
		DrainMessages(id, func(m Message) { recvd = append(recvd, m) })
		if len(recvd) != 1 || recvd[0].VMID != 1 || recvd[0].Arg != 7 {
			t.Fatalf("cpu %d: expected one matching message, got %+v", id, recvd)
		}
	}
}

func TestDrainMessagesClearsInbox(t *testing.T) {
	reset()
	defer reset()
	Init(2)

	PostMessage(1, Message{Kind: MsgVGicdCtlrChanged})
	var first, second int
	DrainMessages(1, func(Message) { first++ })
	DrainMessages(1, func(Message) { second++ })

	if first != 1 || second != 0 {
		t.Fatalf("expected drain to consume the inbox exactly once, got first=%d second=%d", first, second)
	}
}

func TestBootSyncRendezvousesAllParties(t *testing.T) {
	reset()
	defer reset()
	Init(3)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			BootSync().SyncBarrier()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("not every CPU returned from BootSync")
	}
}
