// Package probe provides CLI-facing host-capability inspection: the
// CPUID leaves KVM reports as supported, and (via Capabilities) the set
// of KVM extensions this host's /dev/kvm exposes — the preflight checks
// a caller runs before trusting hypervisor.Start to succeed.
package probe

import (
	"fmt"
	"os"

	"github.com/nmi/hvpp-go/kvm"
)

// CPUID calls KVM_GET_SUPPORTED_CPUID and prints every leaf KVM will hand a
// guest, with the two leaves an operator actually cares about (vendor
// string, and whether the host can run a guest at all) called out above
// the raw dump.
func CPUID() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(kvmfd, &cpuid); err != nil {
		return err
	}

	entries := cpuid.Entries[:cpuid.Nent]

	printVendorString(entries)
	printVMXSupport(entries)

	fmt.Println()

	for _, e := range entries {
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flag:%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}

func findLeaf(entries []kvm.CPUIDEntry2, function uint32) (kvm.CPUIDEntry2, bool) {
	for _, e := range entries {
		if e.Function == function {
			return e, true
		}
	}

	return kvm.CPUIDEntry2{}, false
}

// printVendorString decodes leaf 0's EBX:EDX:ECX 12-character vendor
// string (e.g. "GenuineIntel"), the classic CPUID leaf every decoder
// starts with.
func printVendorString(entries []kvm.CPUIDEntry2) {
	leaf0, ok := findLeaf(entries, 0)
	if !ok {
		return
	}

	var vendor [12]byte

	for i, reg := range [3]uint32{leaf0.Ebx, leaf0.Edx, leaf0.Ecx} {
		vendor[i*4+0] = byte(reg)
		vendor[i*4+1] = byte(reg >> 8)
		vendor[i*4+2] = byte(reg >> 16)
		vendor[i*4+3] = byte(reg >> 24)
	}

	fmt.Printf("vendor:  %s\n", vendor[:])
}

// printVMXSupport decodes leaf 1 ECX bit 5 (VMX), the feature this
// hypervisor's Intel VT-x model exists to use.
func printVMXSupport(entries []kvm.CPUIDEntry2) {
	const vmxBit = 1 << 5

	leaf1, ok := findLeaf(entries, 1)
	if !ok {
		return
	}

	fmt.Printf("VMX:     %v\n", leaf1.Ecx&vmxBit != 0)
}

// Capabilities checks a fixed set of KVM extensions this hypervisor
// depends on and reports which are present.
func Capabilities() (map[kvm.Capability]bool, error) {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return nil, err
	}
	defer kvmFile.Close()

	wanted := []kvm.Capability{
		kvm.CapUserMemory,
		kvm.CapSetTSSAddr,
		kvm.CapSetIdentityMapAddr,
		kvm.CapIRQChip,
		kvm.CapPIT2,
		kvm.CapSetGuestDebug,
		kvm.CapExtCPUID,
	}

	out := make(map[kvm.Capability]bool, len(wanted))

	for _, cap := range wanted {
		n, err := kvm.CheckExtension(kvmFile.Fd(), cap)
		if err != nil {
			return nil, fmt.Errorf("probe: check extension %s: %w", cap, err)
		}

		out[cap] = n > 0
	}

	return out, nil
}
