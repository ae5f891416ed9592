package kvm

import (
	"unsafe"
)

// CPUID is the set of CPUID entries returned by GetCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one kvm_cpuid_entry2: the (function, index) pair a CPUID
// instruction selects and the four result registers KVM will answer with.
// Index only matters for sub-leafed functions (a Flags bit this hypervisor
// never sets marks those); every leaf programmed here is index-independent.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// GetCPUID2 reads back the CPUID entries currently programmed into a vcpu.
func GetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOWR(kvmGetCPUID2, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// CPUIDSignature and CPUIDFeatures are the KVM paravirtualization leaves
// the 'hvpp' marker leaf sits alongside.
const (
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001

	// CPUIDHvppMarker is the 'hvpp' conformance leaf number. Nothing in
	// this repository answers it: CPUID is retired in-kernel by KVM, no
	// CPUID entry for this leaf is programmed, and no handler sees a CPUID
	// exit (see handlers.Passthrough).
	CPUIDHvppMarker = 0x68767070 // 'hvpp' little-endian
)
