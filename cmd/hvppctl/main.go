// Command hvppctl is the operator-facing front end to this repository's
// hypervisor library: it boots a guest payload under KVM and prints the
// host's KVM-capability and CPUID inventory.
package main

import (
	"log"
	"os"

	"github.com/alecthomas/kong"
)

// cli is the Kong command tree: boot brings up a hypervisor instance,
// probe inspects the host without touching any vcpu.
type cli struct {
	Boot  bootCmd  `cmd:"" help:"boot a guest payload under a KVM-hosted hypervisor instance"`
	Probe probeCmd `cmd:"" help:"report the host's KVM extensions and supported CPUID leaves"`
}

func main() {
	c := cli{}

	ctx := kong.Parse(&c,
		kong.Name("hvppctl"),
		kong.Description("hvppctl drives the hvpp-go KVM hypervisor"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)

	if err := ctx.Run(); err != nil {
		log.New(os.Stderr, "", 0).Fatal(err)
	}
}
