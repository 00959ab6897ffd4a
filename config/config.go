// Package config holds the static, per-board platform description and the
// per-image VM configuration table. Both are produced by an external,
// per-platform build step (out of scope for this core) and are treated
// as immutable once Init has run: every field is read-only
// from the perspective of every CPU after the master has built them.
package config

import (
	"fmt"
	"sync"

	"github.com/bao-go/hvcore/addr"
)

// GICDescriptor carries the physical addresses of the GICv3 MMIO windows,
// as declared by the platform's device tree / board file.
type GICDescriptor struct {
	GICDAddr      addr.PA
	GICCAddr      addr.PA
	GICHAddr      addr.PA
	GICVAddr      addr.PA
	GICRAddr      addr.PA
	MaintenanceID uint32
}

// SMMUDescriptor is carried through even though IOMMU pass-through is
// out of scope: the core still needs to know the SMMU's interrupt so it
// can mask it as "not ours" rather than panic on an unexpected SPI.
type SMMUDescriptor struct {
	Base        addr.PA
	InterruptID uint32
	GlobalMask  uint64
}

// GenericTimerDescriptor is the physical base address of the architected
// generic timer's memory-mapped frame, if the platform exposes one.
type GenericTimerDescriptor struct {
	BaseAddr addr.PA
}

// ClusterDescriptor describes the MPIDR affinity hierarchy so that
// cpu_id_to_mpidr can compose Aff0..Aff3 without guessing topology.
type ClusterDescriptor struct {
	Num      uint8
	CoreNums [4]uint8
}

// ArchDescriptor is the ARMv8-A-specific slice of the platform descriptor.
type ArchDescriptor struct {
	GIC           GICDescriptor
	SMMU          SMMUDescriptor
	GenericTimer  GenericTimerDescriptor
	Clusters      ClusterDescriptor
}

// MemRegion is a contiguous physical memory extent declared by the
// platform (RAM available for the hypervisor and its VMs).
type MemRegion struct {
	Base addr.PA
	Size uint64
}

// Contains reports whether a lies within the region.
func (r MemRegion) Contains(a addr.PA) bool {
	return a >= r.Base && a < r.Base+addr.PA(r.Size)
}

// Intersects reports whether [base, base+size) overlaps the region.
func (r MemRegion) Intersects(base addr.PA, size uint64) bool {
	end := base + addr.PA(size)
	rend := r.Base + addr.PA(r.Size)
	return base < rend && end > r.Base
}

// PlatformDescriptor is the read-only, per-board description the core
// consumes. It never changes after Init.
type PlatformDescriptor struct {
	CPUNum      int
	Regions     []MemRegion
	ConsoleBase addr.PA
	Arch        ArchDescriptor
}

// CPUIDToMPIDR composes the affinity fields for physical CPU id from the
// declared cluster topology, matching the rust-bao aarch64 platform.rs
// scheme: Aff1 selects the cluster, Aff0 the core within it.
func (p *PlatformDescriptor) CPUIDToMPIDR(id int) (uint64, error) {
	if id < 0 || id >= p.CPUNum {
		return 0, fmt.Errorf("config: cpu id %d out of range [0,%d)", id, p.CPUNum)
	}
	remaining := id
	for cluster := 0; cluster < int(p.Arch.Clusters.Num) && cluster < 4; cluster++ {
		coreNum := int(p.Arch.Clusters.CoreNums[cluster])
		if remaining < coreNum {
			aff1 := uint64(cluster)
			aff0 := uint64(remaining)
			return (aff1 << 8) | aff0, nil
		}
		remaining -= coreNum
	}
	return 0, fmt.Errorf("config: cpu id %d not covered by cluster topology", id)
}

// DeviceDescriptor is a single MMIO device assigned to a VM: a physical
// address window mapped 1:1 into the guest, plus the IRQs it owns.
type DeviceDescriptor struct {
	PhysAddr addr.PA
	Size     uint64
	IRQs     []uint32
}

// IPCDescriptor declares that a VM participates in a named shared-memory
// channel at a given guest virtual address.
type IPCDescriptor struct {
	ShmemID int
	VA      addr.VA
	IRQs    []uint32
}

// VMRegionDescriptor is one guest-physical memory region to be mapped for
// a VM, optionally pre-placed at a fixed physical address.
type VMRegionDescriptor struct {
	Base       addr.VA
	Size       uint64
	PlacePhys  bool
	Phys       addr.PA
}

// VGicLayout describes the emulated GIC this VM sees: how many virtual
// CPU interfaces/redistributors it has, the interrupt line count, and the
// guest VAs the emulated distributor and redistributor windows are
// registered at.
type VGicLayout struct {
	IntNum   int
	GICDBase addr.VA
	GICRBase addr.VA
}

// VMPlatform is the arch-specific part of a VM's configuration: its
// regions, devices, IPC channels and vGIC shape.
type VMPlatform struct {
	VMRegions []VMRegionDescriptor
	Devs      []DeviceDescriptor
	IPCs      []IPCDescriptor
	VGic      VGicLayout
}

// VMConfig is one statically-declared VM.
type VMConfig struct {
	BaseAddr         addr.VA
	LoadAddr         addr.PA
	Size             uint64
	SeparatelyLoaded bool
	Inplace          bool
	Entry            addr.VA
	CPUMask          uint64
	VMPlatform       VMPlatform
}

// SharedMemConfig declares the size of a named inter-VM shared memory
// region; the list index is its shmem id.
type SharedMemConfig struct {
	Size uint64
}

// ConfigTable is the static image configuration: the shared memory list
// and the list of VMs to boot.
type ConfigTable struct {
	SharedMem []SharedMemConfig
	VMList    []VMConfig
}

var (
	initOnce sync.Once
	platform *PlatformDescriptor
	table    *ConfigTable
)

// Init builds the two global singletons once; subsequent calls are no-ops,
// matching the "build once by the master CPU before any barrier" rule
// every singleton in this core follows.
func Init(p *PlatformDescriptor, c *ConfigTable) {
	initOnce.Do(func() {
		platform = p
		table = c
	})
}

// Platform returns the immutable platform descriptor. Panics if Init has
// not run, since every caller of Platform() executes after boot.
func Platform() *PlatformDescriptor {
	if platform == nil {
		panic("config: Platform() called before Init()")
	}
	return platform
}

// Table returns the immutable config table.
func Table() *ConfigTable {
	if table == nil {
		panic("config: Table() called before Init()")
	}
	return table
}

// ResetForTest clears the singletons so package tests can call Init
// repeatedly. Only intended for _test.go use.
func ResetForTest() {
	initOnce = sync.Once{}
	platform = nil
	table = nil
}
