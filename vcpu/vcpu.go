// Package vcpu implements the per-logical-CPU state machine: VMCS-
// equivalent bring-up, the VM-exit trampoline that re-enters on every
// exit, and teardown. Bring-up and the run loop mmap the kvm_run page
// once, lock the OS thread that owns the vcpu fd, and loop RunOnce until
// a terminal exit.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/hvpp-go/ept"
	"github.com/nmi/hvpp-go/kvm"
)

func ptrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// State is one of the vcpu lifecycle states:
// off -> initializing -> launched -> exiting -> off.
type State int

const (
	StateOff State = iota
	StateInitializing
	StateLaunched
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateInitializing:
		return "initializing"
	case StateLaunched:
		return "launched"
	case StateExiting:
		return "exiting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrWrongState is returned when an operation is attempted from a state
// that does not permit it.
var ErrWrongState = errors.New("vcpu: operation not valid in current state")

// GuestRegisters is the latest guest general-purpose-register snapshot
// captured at a VM-exit (16x 64-bit registers).
type GuestRegisters = kvm.Regs

// VCPU is the per-logical-CPU record: the VM/vcpu file descriptors
// standing in for the VMCS region, the mmap'd kvm_run page, the EPT
// instance installed on this vcpu, an opaque user-data pointer, and the
// suppress-RIP-adjust flag handlers set.
type VCPU struct {
	ID int

	vmFd   uintptr
	fd     uintptr
	runMap []byte
	run    *kvm.RunData

	ept *ept.EPT

	UserData interface{}

	state State

	// SuppressRIPAdjust, when set by a handler, tells the trampoline not
	// to advance RIP past the instruction that caused this exit (for exit
	// reasons that would otherwise auto-advance).
	SuppressRIPAdjust bool
}

// New creates a vcpu object bound to an already-created KVM vcpu file
// descriptor. It does not touch hardware state yet; call BringUp for
// that.
func New(id int, vmFd, vcpuFd uintptr) *VCPU {
	return &VCPU{
		ID:    id,
		vmFd:  vmFd,
		fd:    vcpuFd,
		state: StateOff,
	}
}

// BringUp moves the vcpu from off to launched: maps the kvm_run page,
// installs the supplied EPT, and programs the guest register state from
// regs/sregs (the VMCS-equivalent guest-state fields). On return the vcpu
// is ready for its first RunOnce.
func (v *VCPU) BringUp(kvmFd uintptr, e *ept.EPT, regs *kvm.Regs, sregs *kvm.Sregs) error {
	if v.state != StateOff {
		return fmt.Errorf("%w: BringUp from %s", ErrWrongState, v.state)
	}

	v.state = StateInitializing

	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		v.state = StateOff

		return fmt.Errorf("vcpu %d: get mmap size: %w", v.ID, err)
	}

	runMap, err := unix.Mmap(int(v.fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		v.state = StateOff

		return fmt.Errorf("vcpu %d: mmap kvm_run: %w", v.ID, err)
	}

	v.runMap = runMap
	v.run = (*kvm.RunData)(ptrOf(runMap))
	v.ept = e

	if regs != nil {
		if err := kvm.SetRegs(v.fd, regs); err != nil {
			return fmt.Errorf("vcpu %d: set regs: %w", v.ID, err)
		}
	}

	if sregs != nil {
		if err := kvm.SetSregs(v.fd, sregs); err != nil {
			return fmt.Errorf("vcpu %d: set sregs: %w", v.ID, err)
		}
	}

	v.state = StateLaunched

	return nil
}

// EPT returns the EPT instance installed on this vcpu at BringUp.
func (v *VCPU) EPT() *ept.EPT { return v.ept }

// RunData exposes the mmap'd kvm_run page for the dispatcher to decode
// the current exit.
func (v *VCPU) RunData() *kvm.RunData { return v.run }

// Regs reads the vcpu's current guest general-purpose registers.
func (v *VCPU) Regs() (*kvm.Regs, error) {
	return kvm.GetRegs(v.fd)
}

// SetRegs writes the vcpu's guest general-purpose registers, used by
// handlers to adjust RIP or inject results (e.g. CPUID spoofing).
func (v *VCPU) SetRegs(regs *kvm.Regs) error {
	return kvm.SetRegs(v.fd, regs)
}

// SetGuestDebug arms or disarms single-stepping on this vcpu, for
// handlers like DbgBreak that need to break into an attached debugger.
func (v *VCPU) SetGuestDebug(singleStep bool) error {
	return kvm.SetGuestDebug(v.fd, singleStep)
}

// InjectIRQ pulses irq low then high on this vcpu's VM, for device
// emulations (the serial bridge) that need to signal the guest's
// interrupt controller.
func (v *VCPU) InjectIRQ(irq uint32) error {
	if err := kvm.IRQLine(v.vmFd, irq, 0); err != nil {
		return err
	}

	return kvm.IRQLine(v.vmFd, irq, 1)
}

// RunOnce resumes the guest until the next VM-exit and returns its exit
// reason. cont is false only when the vcpu is not launched; after a run it
// is always true, leaving the decision to stop to the caller's dispatcher
// without it owning the OS-thread-locking dance itself.
func (v *VCPU) RunOnce() (exitReason kvm.ExitType, cont bool, err error) {
	if v.state != StateLaunched {
		return 0, false, fmt.Errorf("%w: RunOnce from %s", ErrWrongState, v.state)
	}

	runErr := kvm.Run(v.fd)
	exitReason = kvm.ExitType(v.run.ExitReason)

	return exitReason, true, runErr
}

// RunLoop locks the calling goroutine to its OS thread (kvm vcpu ioctls
// must be issued from the thread that owns the fd) and repeatedly calls
// RunOnce, handing each exit to dispatch, until dispatch reports the loop
// should stop or returns a non-nil error.
func (v *VCPU) RunLoop(dispatch func(reason kvm.ExitType, runErr error) (stop bool, err error)) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		reason, _, err := v.RunOnce()

		stop, derr := dispatch(reason, err)
		if derr != nil {
			return derr
		}

		if stop {
			return nil
		}
	}
}

// Teardown moves the vcpu to off, unmapping the kvm_run page and closing
// this vcpu's own file descriptor. The vm file descriptor is shared across
// every vcpu and is closed separately by the caller (hypervisor facade),
// which owns the VCPU array.
func (v *VCPU) Teardown() error {
	if v.state == StateOff {
		return nil
	}

	v.state = StateExiting

	var err error
	if v.runMap != nil {
		err = unix.Munmap(v.runMap)
		v.runMap = nil
		v.run = nil
	}

	if closeErr := unix.Close(int(v.fd)); closeErr != nil && err == nil {
		err = closeErr
	}

	v.state = StateOff

	return err
}

// State returns the vcpu's current lifecycle state.
func (v *VCPU) State() State { return v.state }
