package mm

import "github.com/bao-go/hvcore/addr"

// SectionID names one of the fixed regions an AddressSpace's virtual
// range is carved into.
type SectionID int

const (
	SecHypGlobal SectionID = iota // window shared by every CPU (MemoryInit maps the read-write heap here)
	SecHypImage                   // the hypervisor's own loaded image
	SecHypPrivate                 // private window (stacks, per-CPU data)
	SecVM                         // a VM's single guest-physical IPA range (stage-2 AS only)
)

// Section is one named sub-range of an AddressSpace's virtual/IPA window.
// Shared records whether the section is visible to every CPU; it is
// carried as data only, and nothing in this package creates per-CPU
// copies of a private section.
type Section struct {
	ID     SectionID
	Begin  addr.VA
	End    addr.VA
	Shared bool
}

// Size returns the section's span in bytes.
func (s Section) Size() uint64 { return uint64(s.End - s.Begin) }

// Contains reports whether va falls inside the section.
func (s Section) Contains(va addr.VA) bool { return va >= s.Begin && va < s.End }
