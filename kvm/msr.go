package kvm

import "unsafe"

// maxMSRIndices bounds the MSR index list KVM_GET_MSR_INDEX_LIST returns;
// real lists observed on current kernels run well under 100 entries.
const maxMSRIndices = 100

// MSRList is the kvm_msr_list struct: NMSRs entries of Indicies are valid
// on return from GetMSRIndexList.
type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSRIndices]uint32
}

// GetMSRIndexList reports which guest MSRs this kernel/KVM build emulates.
// The set varies by kernel version and host CPU but is fixed for a given
// boot, so callers read it once.
//
// The ioctl's input and output overlap the same buffer at different sizes
// (NMSRs is an in/out capacity field), so the request is encoded against a
// bare NMSRs-sized struct rather than against MSRList itself — sizing the
// request against the full array triggers a mismatch KVM rejects.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	capacity := struct{ NMSRs uint32 }{NMSRs: maxMSRIndices}

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(capacity)),
		uintptr(unsafe.Pointer(list)))

	return err
}
