// Package cpuid provides direct host CPUID access (the raw instruction,
// via cpuid_amd64.s) and CPUIDPatch, used to force feature bits on in a
// CPUID entry list (Patch only sets bits; it never clears one).
package cpuid

import (
	"errors"
	"math/bits"

	"github.com/nmi/hvpp-go/kvm"
)

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

// CPUID executes the CPUID instruction directly on the host CPU, for the
// caller's own informational leaves (sub-leaf 0).
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// CPUIDPatch describes a single feature bit to force on in one CPUID
// entry: exactly one of EAXBit/EBXBit/ECXBit/EDXBit/Flags names the bit,
// the rest must be zero.
type CPUIDPatch struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAXBit   uint8
	EBXBit   uint8
	ECXBit   uint8
	EDXBit   uint8
}

var errInvalidPatchset = errors.New("cpuid: invalid patch, exactly one bit must be set")

// Patch applies patches to the CPUID entries a vcpu will be launched
// with, in place, before kvm.SetCPUID2.
func Patch(ids *kvm.CPUID, patches []*CPUIDPatch) error {
	for i := range ids.Entries[:ids.Nent] {
		id := &ids.Entries[i]

		for _, patch := range patches {
			if bits.OnesCount8(patch.EAXBit)+
				bits.OnesCount8(patch.EBXBit)+
				bits.OnesCount8(patch.ECXBit)+
				bits.OnesCount8(patch.EDXBit)+
				bits.OnesCount32(patch.Flags) != 1 {
				return errInvalidPatchset
			}

			if id.Function == patch.Function && id.Index == patch.Index {
				id.Flags |= 1 << patch.Flags
				id.Eax |= 1 << patch.EAXBit
				id.Ebx |= 1 << patch.EBXBit
				id.Ecx |= 1 << patch.ECXBit
				id.Edx |= 1 << patch.EDXBit
			}
		}
	}

	return nil
}
