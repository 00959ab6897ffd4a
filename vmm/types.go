// Package vmm owns the VM/VCpu lifecycle: static CPU-to-VM assignment,
// guest memory region and device mapping, IPC channel attachment, and the
// emulated-MMIO dispatch table each vCPU's data abort handler consults.
// Modeled on a conventional VirtualMachine/VCPU lifecycle
// (NewVirtualMachine/Run/HandleMMIO), generalized from one KVM-backed VM
// to the static, partitioned multi-VM model this core boots.
package vmm

import (
	"sync"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/barrier"
	"github.com/bao-go/hvcore/config"
	"github.com/bao-go/hvcore/ipc"
	"github.com/bao-go/hvcore/mm"
	"github.com/bao-go/hvcore/vgic"
)

// ArchRegs is the guest GPR file saved/restored on every world switch: 31
// general-purpose registers plus the two exception-return registers.
type ArchRegs struct {
	X    [31]uint64
	ELR  uint64
	SPSR uint64
}

// SPSR bits this core sets once at vCPU creation and never touches again
// (EL1h with the four interrupt masks set, so a freshly-created vCPU
// always starts able to take nothing until it unmasks itself).
const (
	spsrModeEL1h = 0x5
	spsrMaskD    = 1 << 9
	spsrMaskA    = 1 << 8
	spsrMaskI    = 1 << 7
	spsrMaskF    = 1 << 6
	spsrInitial  = spsrModeEL1h | spsrMaskD | spsrMaskA | spsrMaskI | spsrMaskF
)

// PSCIPowerState is a vCPU's PSCI-visible power state (this core's
// CPU_ON/CPU_OFF accounting).
type PSCIPowerState int

const (
	PSCIOff PSCIPowerState = iota
	PSCIOn
)

// VCpuArch is the architecture-specific slice of a vCpu: the registers no
// emulated device cares about but every world switch must save/restore.
type VCpuArch struct {
	VMPIDR   uint64
	PSCI     PSCIPowerState
	VGicPriv *vgic.VGicR
}

// VCpu is one virtual CPU, permanently bound to the physical CPU that
// first claimed it: one physical CPU runs one vCPU, with no migration
// and no time-slicing.
type VCpu struct {
	Regs       ArchRegs
	Arch       VCpuArch
	ID         int // vcpu_id: popcount of cpu_mask bits below this CPU's position
	PhysCpuID  int
	Active     bool
	vm         *VM // weak back-reference; vCpus never outlive their VM
}

// VMArch is the architecture-specific slice of a VM: its emulated
// distributor and the guest VAs its distributor/redistributor windows
// are mapped at.
type VMArch struct {
	VGicD     *vgic.VGicD
	VGicDAddr addr.VA
	VGicRAddr addr.VA
}

// VM is one statically-declared partition: a fixed vCpu set, a stage-2
// address space, and the emulated-device/IPC surface its vCpus trap into.
type VM struct {
	mu         sync.Mutex
	ID         int
	MasterCpu  int
	CpuNum     int
	CpuMask    uint64
	AddrSpace  *mm.AddressSpace
	SyncToken  barrier.SyncToken
	Arch       VMArch
	EmulMem    []vgic.EmulMem
	IPCs       []*ipc.SharedMem
	VCpus      []*VCpu
	claimed    int // how many of CpuNum physical CPUs have claimed a vCpu slot so far
	cfg        *config.VMConfig
}

// popcountBelow returns the number of set bits in mask strictly below bit
// position.
func popcountBelow(mask uint64, position int) int {
	n := 0
	for i := 0; i < position; i++ {
		if mask&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}
