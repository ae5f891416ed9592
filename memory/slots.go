package memory

import (
	"unsafe"

	"github.com/nmi/hvpp-go/kvm"
)

// SlotManager realizes the active guest-RAM layout against real
// KVM_SET_USER_MEMORY_REGION slots: the EPT engine's in-memory tables
// decide what a guest-physical range should look like, but only a
// registered memory slot makes KVM actually back that range with host
// memory. Slots are keyed by guest-physical base address: a repeated Map
// call for an address already holding a slot reprograms that slot's
// backing in place instead of registering an overlapping one, which KVM
// rejects. This is what lets a caller retarget which host buffer answers a
// given guest page without ever tearing the slot down.
type SlotManager struct {
	vmFd   uintptr
	next   uint32
	bySlot map[uint64]uint32
}

// NewSlotManager returns a SlotManager that registers slots against vmFd.
func NewSlotManager(vmFd uintptr) *SlotManager {
	return &SlotManager{vmFd: vmFd, bySlot: make(map[uint64]uint32)}
}

// Map installs or reprograms the slot backing [guestPA, guestPA+len(hostMem))
// with hostMem, the host-virtual-addressed buffer KVM should read/write
// guest accesses through. hostMem must outlive the slot: KVM keeps the
// mapping until a future region with the same slot number and zero size is
// sent, which this hypervisor only does implicitly by reusing the slot
// number for a later Map call at the same guestPA.
func (m *SlotManager) Map(guestPA uint64, hostMem []byte, readOnly bool) error {
	if len(hostMem) == 0 {
		return nil
	}

	slot, ok := m.bySlot[guestPA]
	if !ok {
		slot = m.next
		m.next++
	}

	region := kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPA,
		MemorySize:    uint64(len(hostMem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&hostMem[0]))),
	}

	if readOnly {
		region.SetMemReadonly()
	}

	if err := kvm.SetUserMemoryRegion(m.vmFd, &region); err != nil {
		return err
	}

	m.bySlot[guestPA] = slot

	return nil
}
