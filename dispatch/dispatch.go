// Package dispatch implements the VM-exit dispatcher. It turns one
// VM-exit into a Context record — a snapshot of the CPU's architectural
// state at the point of exit — and walks a handler chain until one of
// them claims the exit: a chain-of-responsibility composition
// (Stats -> DbgBreak -> custom -> Passthrough, the first handler that
// claims the exit wins, the rest are reached by explicit fallthrough).
package dispatch

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nmi/hvpp-go/kvm"
	"github.com/nmi/hvpp-go/vcpu"
)

// Context is the per-exit record handed to every Handler: the exit
// reason, the vcpu it happened on, its register snapshot, and the raw
// kvm_run page for reason-specific decoding (IO/MMIO).
type Context struct {
	Reason kvm.ExitType
	VCPU   *vcpu.VCPU
	Regs   *kvm.Regs
	Run    *kvm.RunData

	// RIPAdjusted is set by Dispatch after a handler returns, recording
	// whether RIP was advanced past the exiting instruction.
	RIPAdjusted bool
}

// Result is what a Handler returns: whether it claimed the exit (Handled)
// and whether the run loop should keep going (Continue) or stop.
type Result struct {
	Handled  bool
	Continue bool
}

// Handler is one link of the chain of responsibility. It returns
// Handled=false to let the next handler in the chain try.
type Handler interface {
	Handle(ctx *Context) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *Context) (Result, error)

func (f HandlerFunc) Handle(ctx *Context) (Result, error) { return f(ctx) }

// Chain composes handlers in order: the topmost handler whose Handle
// returns Handled=true wins; if none do, Dispatch returns
// ErrUnexpectedExitReason.
type Chain []Handler

// Dispatch builds a Context for the vcpu's current exit and walks chain
// until a handler claims it. The returned bool reports whether the
// vcpu's RunLoop should continue.
func Dispatch(v *vcpu.VCPU, reason kvm.ExitType, chain Chain) (bool, error) {
	regs, err := v.Regs()
	if err != nil {
		return false, fmt.Errorf("dispatch: get regs: %w", err)
	}

	ctx := &Context{
		Reason: reason,
		VCPU:   v,
		Regs:   regs,
		Run:    v.RunData(),
	}

	return Walk(ctx, chain)
}

// Walk runs an already-built Context through chain. It is split out of
// Dispatch so callers (and tests) that already have a Context — built
// from a live vcpu, or reconstructed from a recorded trace — don't pay
// for another register read.
func Walk(ctx *Context, chain Chain) (bool, error) {
	v := ctx.VCPU

	for _, h := range chain {
		result, err := h.Handle(ctx)
		if err != nil {
			return false, err
		}

		if !result.Handled {
			continue
		}

		if v != nil {
			if advancesRIP(ctx.Reason) && !v.SuppressRIPAdjust {
				ctx.RIPAdjusted = true
			}

			v.SuppressRIPAdjust = false
		}

		return result.Continue, nil
	}

	return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, ctx.Reason.String())
}

// advancesRIP reports whether exit reasons of this kind naturally advance
// RIP once handled. KVM_EXIT_IO, KVM_EXIT_MMIO, and KVM_EXIT_HYPERCALL are
// the instruction-class VM-exits (CPUID, I/O, VMCALL, ...) this
// hypervisor is hosted on KVM to realize.
func advancesRIP(reason kvm.ExitType) bool {
	switch reason {
	case kvm.EXITIO, kvm.EXITMMIO, kvm.EXITHYPERCALL:
		return true
	default:
		return false
	}
}

// DecodeAt disassembles one x86-64 instruction out of raw and renders it
// in GNU syntax, for a human-readable trace of what triggered an exit. No
// built-in handler calls it.
func DecodeAt(raw []byte, rip uint64) (*x86asm.Inst, string, error) {
	inst, err := x86asm.Decode(raw, 64)
	if err != nil {
		return nil, "", fmt.Errorf("dispatch: decode at %#x: %w", rip, err)
	}

	return &inst, x86asm.GNUSyntax(inst, rip, nil), nil
}
