package kvm

import "unsafe"

// UserspaceMemoryRegion is the kvm_userspace_memory_region struct: one
// guest-physical range backed by a userspace buffer, installed with
// SetUserMemoryRegion. memory.SlotManager is the only caller; everything
// above it talks in guest-physical addresses and host byte slices, never
// slot numbers directly.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages enables dirty-page tracking on this region, unused
// by this hypervisor today (there is no live-migration path) but cheap to
// carry since it is part of the same flags word as SetMemReadonly.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks the region read-only: a guest write to it traps out
// to userspace (EXITMMIO) instead of completing silently.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion registers or reprograms one memory slot against a VM
// (not a vcpu — slots are VM-wide and visible to every vcpu sharing it).
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves the 3-page guest-physical region KVM's in-kernel
// task-switch emulation needs for real-mode/task-switch support.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves the single guest-physical page KVM's
// in-kernel identity-map emulation uses for the same real-mode support.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}
