package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/nmi/hvpp-go/kvm"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping test: /dev/kvm unavailable: %v", err)
	}

	return f
}

func TestGetAPIVersion(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	if _, err := kvm.GetAPIVersion(devKVM.Fd()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xffffc000); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.CreateVCPU(vmFd, 0); err != nil {
		t.Fatal(err)
	}
}

func TestGetSetRegs(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = 0x1000

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}

	got, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if got.RIP != 0x1000 {
		t.Errorf("RIP = %#x, want 0x1000", got.RIP)
	}
}

func TestExitTypeString(t *testing.T) {
	for _, tt := range []struct {
		val  kvm.ExitType
		want string
	}{
		{kvm.EXITUNKNOWN, "EXITUNKNOWN"},
		{kvm.EXITIO, "EXITIO"},
		{kvm.EXITINTERNALERROR, "EXITINTERNALERROR"},
		{kvm.ExitType(1024), "ExitType(1024)"},
	} {
		if got := tt.val.String(); got != tt.want {
			t.Errorf("ExitType(%d).String() = %q, want %q", tt.val, got, tt.want)
		}
	}
}

func TestCapabilityString(t *testing.T) {
	if got := kvm.CapIRQChip.String(); got != "CapIRQChip" {
		t.Errorf("got %q, want CapIRQChip", got)
	}

	if got := kvm.Capability(255).String(); got != "Capability(255)" {
		t.Errorf("got %q, want Capability(255)", got)
	}
}

func TestSetMemLogDirtyPages(t *testing.T) {
	u := kvm.UserspaceMemoryRegion{}
	u.SetMemLogDirtyPages()
	u.SetMemReadonly()

	if u.Flags != 0x3 {
		t.Fatal("unexpected flags")
	}
}

func TestRunDataIO(t *testing.T) {
	r := kvm.RunData{}
	r.Data[0] = uint64(kvm.EXITIOOUT) | (1 << 8) | (0x3f8 << 16) | (1 << 32)
	r.Data[1] = 0x20

	direction, size, port, count, offset := r.IO()
	if direction != uint64(kvm.EXITIOOUT) || size != 1 || port != 0x3f8 || count != 1 || offset != 0x20 {
		t.Fatalf("IO() = (%d,%d,%d,%d,%d), unexpected decode", direction, size, port, count, offset)
	}

	if sz := unsafe.Sizeof(r); sz == 0 {
		t.Fatal("RunData must not be zero-sized")
	}
}
