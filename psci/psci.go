// Package psci implements the two faces of the Power State Coordination
// Interface this core touches: the subset of guest-facing SMC64 calls the
// hypervisor answers itself (GuestCall), and the real SMC this core's own
// boot path issues to wake secondary physical CPUs (Caller/Firmware).
package psci

import (
	"fmt"

	"github.com/bao-go/hvcore/archops"
)

// Function ids this core recognizes, the SMC64 calling convention
// (0xC4000000 range) for the ones that carry a 64-bit argument.
const (
	FIDVersion         = 0x8400_0000
	FIDMigrateInfoType = 0x8400_0006
	FIDCPUOnSMC64      = 0xC400_0003
)

// VersionResponse is 0.2 encoded as major<<16|minor.
const VersionResponse = 0x0000_0002

// MigrateInfoTypeResponse is 2: trusted OS is not present in a
// multiprocessor-capable form (there is no secure-world migration to do).
const MigrateInfoTypeResponse = 2

// CPUOnResponse is the value this core's emulated CPU_ON always returns:
// the hypervisor already owns every secondary physical CPU's boot, so
// from the guest's perspective the call trivially succeeds.
const CPUOnResponse = 1

// GuestCall answers a guest-issued SMC64 PSCI call, returning the value
// to place in the guest's x0. Any function id outside this core's
// supported subset is a hypervisor bug, not a recoverable guest error --
// a conforming guest image never issues an FID this core didn't declare
// support for.
func GuestCall(fid uint64) uint64 {
	switch fid {
	case FIDVersion:
		return VersionResponse
	case FIDMigrateInfoType:
		return MigrateInfoTypeResponse
	case FIDCPUOnSMC64:
		return CPUOnResponse
	default:
		panic(fmt.Sprintf("psci: unknown psci call 0x%x", fid))
	}
}

// Caller is the external SMC callee this core's boot path uses to wake a
// secondary physical CPU: real firmware's CPU_ON(mpidr, entry, ctx).
type Caller interface {
	CPUOn(mpidr, entry, ctx uint64) int64
}

// Firmware issues CPU_ON as a real SMC64, trapping to EL3 (or wherever
// the platform's PSCI implementation lives).
type Firmware struct {
	Ops archops.Ops
}

func (f Firmware) CPUOn(mpidr, entry, ctx uint64) int64 {
	return int64(f.Ops.SMCCall(FIDCPUOnSMC64, mpidr, entry, ctx))
}
