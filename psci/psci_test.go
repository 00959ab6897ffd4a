package psci

import (
	"testing"

	"github.com/bao-go/hvcore/archops"
)

func TestGuestCallVersion(t *testing.T) {
	if v := GuestCall(FIDVersion); v != 2 {
		t.Fatalf("PSCI_VERSION should report 2 (major 0, minor 2), got %d", v)
	}
}

func TestGuestCallMigrateInfoType(t *testing.T) {
	if v := GuestCall(FIDMigrateInfoType); v != 2 {
		t.Fatalf("MIGRATE_INFO_TYPE should report 2, got %d", v)
	}
}

func TestGuestCallCPUOn(t *testing.T) {
	if v := GuestCall(FIDCPUOnSMC64); v != 1 {
		t.Fatalf("CPU_ON (SMC64) should report 1, got %d", v)
	}
}

func TestGuestCallUnknownFIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("unknown psci call should panic")
		}
	}()
	GuestCall(0xDEADBEEF)
}

func TestFirmwareCPUOnIssuesSMC(t *testing.T) {
	h := archops.NewHost()
	h.SetSMCReturn(0)
	fw := Firmware{Ops: h}

	rc := fw.CPUOn(0x100, 0x4000_0000, 0)
	if rc != 0 {
		t.Fatalf("expected success return 0, got %d", rc)
	}

	calls := h.SMCCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one SMC call, got %d", len(calls))
	}
	if calls[0].FID != FIDCPUOnSMC64 || calls[0].X1 != 0x100 || calls[0].X2 != 0x4000_0000 {
		t.Fatalf("unexpected SMC call record: %+v", calls[0])
	}
}
