// Package handlers implements the built-in dispatch mixins: Passthrough
// (the baseline that emulates the trapped instruction's semantics so the
// guest cannot tell it's being virtualized), Stats (a pass-through counter
// keyed by exit reason), DbgBreak (breaks into an attached kernel debugger
// on flagged I/O ports), and EPTHook (a sample stealth-hook handler driven
// by a small VMCALL ABI).
package handlers

import (
	"log"
	"sync"

	"github.com/nmi/hvpp-go/dispatch"
	"github.com/nmi/hvpp-go/ept"
	"github.com/nmi/hvpp-go/kvm"
	"github.com/nmi/hvpp-go/memory"
)

// Passthrough is the baseline handler: it claims every exit reason it
// understands and lets the guest carry on. It should sit last in a Chain:
// everything more specific falls through to it.
//
// On the KVM-hosted realization this hypervisor runs on, CPUID and MSR
// accesses are retired in-kernel by KVM and never reach userspace.
// BringUp programs no CPUID entries, so the vcpu sees KVM's default CPUID
// table, and no handler answers the 'hvpp' marker leaf
// (kvm.CPUIDHvppMarker). The port I/O and MMIO exits KVM does surface are
// claimed without touching any host port or device: an OUT's data is
// dropped, and an IN leaves whatever bytes are already in the kvm_run data
// area. HLT and SHUTDOWN stop the run loop.
type Passthrough struct{}

func (Passthrough) Handle(ctx *dispatch.Context) (dispatch.Result, error) {
	switch ctx.Reason {
	case kvm.EXITIO, kvm.EXITMMIO, kvm.EXITUNKNOWN, kvm.EXITINTR:
		return dispatch.Result{Handled: true, Continue: true}, nil
	case kvm.EXITHLT, kvm.EXITSHUTDOWN:
		return dispatch.Result{Handled: true, Continue: false}, nil
	default:
		return dispatch.Result{Handled: true, Continue: true}, nil
	}
}

// Stats counts exits by reason and never claims one: it always falls
// through, exposing a snapshot reader for the accumulated counts.
type Stats struct {
	mu     sync.Mutex
	counts map[kvm.ExitType]uint64

	// Logger, when non-nil, receives one line per exit. Left nil in
	// production use; wired up for the CLI's trace mode.
	Logger *log.Logger
}

// NewStats constructs an empty Stats handler.
func NewStats() *Stats {
	return &Stats{counts: make(map[kvm.ExitType]uint64)}
}

func (s *Stats) Handle(ctx *dispatch.Context) (dispatch.Result, error) {
	s.mu.Lock()
	s.counts[ctx.Reason]++
	s.mu.Unlock()

	if s.Logger != nil {
		s.Logger.Printf("vcpu %d: exit %s at rip=%#x", ctx.VCPU.ID, ctx.Reason, ctx.Regs.RIP)
	}

	return dispatch.Result{Handled: false}, nil
}

// Snapshot returns a copy of the current exit-reason counts.
func (s *Stats) Snapshot() map[kvm.ExitType]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[kvm.ExitType]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}

	return out
}

// DbgBreak claims EXITIO exits on ports present in Ports and, if a
// debugger is attached (Attached reports this), issues a single-step
// breakpoint via kvm.SetGuestDebug; otherwise it falls through so
// Passthrough still services the I/O.
type DbgBreak struct {
	Ports    map[uint16]bool
	Attached func() bool
}

// NewDbgBreak constructs a DbgBreak with an empty port set.
func NewDbgBreak() *DbgBreak {
	return &DbgBreak{Ports: make(map[uint16]bool)}
}

func (d *DbgBreak) Handle(ctx *dispatch.Context) (dispatch.Result, error) {
	if ctx.Reason != kvm.EXITIO {
		return dispatch.Result{Handled: false}, nil
	}

	_, _, port, _, _ := ctx.Run.IO()

	if !d.Ports[uint16(port)] {
		return dispatch.Result{Handled: false}, nil
	}

	if d.Attached == nil || !d.Attached() {
		return dispatch.Result{Handled: false}, nil
	}

	if err := ctx.VCPU.SetGuestDebug(true); err != nil {
		return dispatch.Result{}, err
	}

	return dispatch.Result{Handled: true, Continue: true}, nil
}

// VMCALL subfunctions for EPTHook.
const (
	VMCallInstallHook = 0xC1
	VMCallRemoveHook  = 0xC2
	VMCallTeardown    = 0xFF
)

// EPTHook implements the sample stealth memory hook: VMCALL 0xC1 with
// RDX=VA(read page), R8=VA(exec page) remaps the guest-physical page so
// instruction fetches see the exec page's bytes while data reads/writes
// still see the read page's bytes; VMCALL 0xC2 restores the identity
// mapping.
//
// Hardware EPT has no execute-only permission splitting exposed through
// KVM's userspace memory-slot API, so the "two different views of one
// guest page" trick this handler performs is approximated instead of
// enforced directly: install/remove edit the in-memory ept.EPT leaf and
// then call ept.EPT.Bind to retarget the guest page's KVM memory slot to
// whichever host buffer (read page or exec page) should currently answer
// it. The guest CPU does see the swapped bytes — Bind makes that real —
// but the swap happens at 4KB-page granularity on every VMCALL rather than
// as a true simultaneous per-access-type EPT split. That granularity gap
// is the documented approximation.
type EPTHook struct {
	VA2PA func(va uint64) (uint64, error)
	Slots *memory.SlotManager

	hooked map[uint64]hookedPage
}

type hookedPage struct {
	readPA uint64
	execPA uint64
}

// NewEPTHook constructs an empty EPTHook. Slots must be set before any
// VMCALL reaches it, or install/remove only edit the in-memory EPT bits
// with no effect visible to the guest's CPU.
func NewEPTHook() *EPTHook {
	return &EPTHook{hooked: make(map[uint64]hookedPage)}
}

func (h *EPTHook) Handle(ctx *dispatch.Context) (dispatch.Result, error) {
	if ctx.Reason != kvm.EXITHYPERCALL {
		return dispatch.Result{Handled: false}, nil
	}

	switch ctx.Regs.RCX {
	case VMCallInstallHook:
		return h.install(ctx)
	case VMCallRemoveHook:
		return h.remove(ctx)
	case VMCallTeardown:
		return dispatch.Result{Handled: true, Continue: false}, nil
	default:
		return dispatch.Result{Handled: false}, nil
	}
}

func (h *EPTHook) install(ctx *dispatch.Context) (dispatch.Result, error) {
	readPA, err := h.VA2PA(ctx.Regs.RDX)
	if err != nil {
		return dispatch.Result{}, err
	}

	execPA, err := h.VA2PA(ctx.Regs.R8)
	if err != nil {
		return dispatch.Result{}, err
	}

	guestPA := readPA &^ 0xfff

	e := ctx.VCPU.EPT()
	if err := e.Split2MBTo4KB(guestPA&^(0x1fffff), guestPA&^(0x1fffff)); err != nil {
		return dispatch.Result{}, err
	}

	if err := e.Map4KB(guestPA, execPA&^0xfff, ept.AccessExecute); err != nil {
		return dispatch.Result{}, err
	}

	if h.Slots != nil {
		if err := e.Bind(h.Slots); err != nil {
			return dispatch.Result{}, err
		}
	}

	h.hooked[guestPA] = hookedPage{readPA: readPA &^ 0xfff, execPA: execPA &^ 0xfff}

	return dispatch.Result{Handled: true, Continue: true}, nil
}

func (h *EPTHook) remove(ctx *dispatch.Context) (dispatch.Result, error) {
	guestPA, err := h.VA2PA(ctx.Regs.RDX)
	if err != nil {
		return dispatch.Result{}, err
	}

	guestPA &^= 0xfff

	page, ok := h.hooked[guestPA]
	if !ok {
		return dispatch.Result{Handled: true, Continue: true}, nil
	}

	e := ctx.VCPU.EPT()
	if err := e.Map4KB(guestPA, page.readPA, ept.AccessRWX); err != nil {
		return dispatch.Result{}, err
	}

	if h.Slots != nil {
		if err := e.Bind(h.Slots); err != nil {
			return dispatch.Result{}, err
		}
	}

	delete(h.hooked, guestPA)

	return dispatch.Result{Handled: true, Continue: true}, nil
}
