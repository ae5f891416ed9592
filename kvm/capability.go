package kvm

import "fmt"

// Capability is a KVM_CAP_* extension identifier, the ioctl-level stand-in
// for IA32_VMX_BASIC/IA32_FEATURE_CONTROL feature probing.
type Capability uintptr

const (
	CapIRQChip                  Capability = 0
	CapHLT                      Capability = 1
	CapMMUShadowCache           Capability = 2
	CapUserMemory               Capability = 3
	CapSetTSSAddr               Capability = 4
	CapVAPIC                    Capability = 6
	CapExtCPUID                 Capability = 7
	CapClockSource              Capability = 8
	CapNRVCPUs                  Capability = 9
	CapNRMemSlots               Capability = 10
	CapPIT                      Capability = 11
	CapNOPIODelay               Capability = 12
	CapPVMMU                    Capability = 13
	CapMPState                  Capability = 14
	CapCoalescedMMIO            Capability = 15
	CapSyncMMU                  Capability = 16
	CapIOMMU                    Capability = 18
	CapDestroyMemoryRegionWorks Capability = 21
	CapUserNMI                  Capability = 22
	CapSetGuestDebug            Capability = 23
	CapReinjectControl          Capability = 24
	CapIRQRouting               Capability = 25
	CapIRQInjectStatus          Capability = 26
	CapAssignDevIRQ             Capability = 29
	CapJoinMemoryRegionsWorks   Capability = 30
	CapMCE                      Capability = 31
	CapIRQFd                    Capability = 32
	CapPIT2                     Capability = 33
	CapSetBootCPUID             Capability = 34
	CapPITState2                Capability = 35
	CapIOEventFd                Capability = 36
	CapSetIdentityMapAddr       Capability = 37
	CapXenHVM                   Capability = 38
	CapAdjustClock              Capability = 39
	CapInternalErrorData        Capability = 40
	CapVCPUEvents               Capability = 41
	CapDebugRegs                Capability = 43
	CapXCRS                     Capability = 56
	CapGETMSRFeatures           Capability = 74
	CapKVMClockCtrl             Capability = 76
	CapSREGS2                   Capability = 170
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                  "CapIRQChip",
	CapHLT:                      "CapHLT",
	CapMMUShadowCache:           "CapMMUShadowCache",
	CapUserMemory:               "CapUserMemory",
	CapSetTSSAddr:               "CapSetTSSAddr",
	CapVAPIC:                    "CapVAPIC",
	CapExtCPUID:                 "CapExtCPUID",
	CapClockSource:              "CapClockSource",
	CapNRVCPUs:                  "CapNRVCPUs",
	CapNRMemSlots:               "CapNRMemSlots",
	CapPIT:                      "CapPIT",
	CapNOPIODelay:               "CapNOPIODelay",
	CapPVMMU:                    "CapPVMMU",
	CapMPState:                  "CapMPState",
	CapCoalescedMMIO:            "CapCoalescedMMIO",
	CapSyncMMU:                  "CapSyncMMU",
	CapIOMMU:                    "CapIOMMU",
	CapDestroyMemoryRegionWorks: "CapDestroyMemoryRegionWorks",
	CapUserNMI:                  "CapUserNMI",
	CapSetGuestDebug:            "CapSetGuestDebug",
	CapReinjectControl:          "CapReinjectControl",
	CapIRQRouting:               "CapIRQRouting",
	CapIRQInjectStatus:          "CapIRQInjectStatus",
	CapAssignDevIRQ:             "CapAssignDevIRQ",
	CapJoinMemoryRegionsWorks:   "CapJoinMemoryRegionsWorks",
	CapMCE:                      "CapMCE",
	CapIRQFd:                    "CapIRQFd",
	CapPIT2:                     "CapPIT2",
	CapSetBootCPUID:             "CapSetBootCPUID",
	CapPITState2:                "CapPITState2",
	CapIOEventFd:                "CapIOEventFd",
	CapSetIdentityMapAddr:       "CapSetIdentityMapAddr",
	CapXenHVM:                   "CapXenHVM",
	CapAdjustClock:              "CapAdjustClock",
	CapInternalErrorData:        "CapInternalErrorData",
	CapVCPUEvents:               "CapVCPUEvents",
	CapDebugRegs:                "CapDebugRegs",
	CapXCRS:                     "CapXCRS",
	CapGETMSRFeatures:           "CapGETMSRFeatures",
	CapKVMClockCtrl:             "CapKVMClockCtrl",
	CapSREGS2:                   "CapSREGS2",
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", uintptr(c))
}

// CheckExtension reports the degree to which fd (either the /dev/kvm fd or
// a VM fd, depending on the capability) supports cap. A return of 0 means
// unsupported; positive values are capability-specific (e.g. a slot count).
func CheckExtension(fd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(fd, IIO(kvmCheckExtension), uintptr(cap))
}
