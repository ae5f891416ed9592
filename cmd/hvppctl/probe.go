package main

import (
	"fmt"

	"github.com/nmi/hvpp-go/probe"
)

// probeCmd reports the host's KVM extensions and CPUID leaves without
// creating a VM, the preflight a caller runs before trusting boot to
// succeed.
type probeCmd struct{}

func (*probeCmd) Run() error {
	caps, err := probe.Capabilities()
	if err != nil {
		return fmt.Errorf("probe capabilities: %w", err)
	}

	for cap, ok := range caps {
		fmt.Printf("%-24s %v\n", cap, ok)
	}

	fmt.Println()

	return probe.CPUID()
}
