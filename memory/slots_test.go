package memory_test

import (
	"os"
	"testing"

	"github.com/nmi/hvpp-go/kvm"
	"github.com/nmi/hvpp-go/memory"
)

func TestSlotManagerMapEmptyIsNoop(t *testing.T) {
	t.Parallel()

	m := memory.NewSlotManager(0)

	if err := m.Map(0, nil, false); err != nil {
		t.Fatalf("Map with empty buffer: %v", err)
	}
}

// TestSlotManagerReusesSlotPerGuestPA exercises the upsert behavior
// ept.EPT.Bind relies on: a second Map call at a guest PA already holding a
// slot must reprogram that slot rather than register an overlapping one,
// which KVM would reject outright.
func TestSlotManagerReusesSlotPerGuestPA(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping test: /dev/kvm unavailable: %v", err)
	}
	defer kvmFile.Close()

	vmFd, err := kvm.CreateVM(kvmFile.Fd())
	if err != nil {
		t.Fatal(err)
	}

	a, err := memory.New(2 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	pageA := a.BaseVA()[:memory.PageSize]
	pageB := a.BaseVA()[memory.PageSize : 2*memory.PageSize]

	m := memory.NewSlotManager(vmFd)

	if err := m.Map(0, pageA, false); err != nil {
		t.Fatalf("first Map: %v", err)
	}

	// A second Map at the same guest PA with a different backing buffer
	// must succeed by reprogramming the existing slot: if it instead
	// registered a new, overlapping slot, KVM would return EEXIST here.
	if err := m.Map(0, pageB, false); err != nil {
		t.Fatalf("second Map at the same guest PA: %v", err)
	}
}
