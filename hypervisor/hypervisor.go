// Package hypervisor implements the fleet-wide facade: start and stop
// across all logical CPUs. Start constructs one VCPU per CPU and brings
// each up in turn, then runs each on its own goroutine; if any fails, every successfully-launched CPU is
// unwound and the arena released, an all-or-nothing bring-up. Stop tears
// down every VCPU and the arena.
package hypervisor

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nmi/hvpp-go/dispatch"
	"github.com/nmi/hvpp-go/ept"
	"github.com/nmi/hvpp-go/kvm"
	"github.com/nmi/hvpp-go/memory"
	"github.com/nmi/hvpp-go/mtrr"
	"github.com/nmi/hvpp-go/physmem"
	"github.com/nmi/hvpp-go/vcpu"
)

// HandlerFactory builds the handler chain for one vcpu. It is called once
// per logical CPU at Start, so per-CPU state (a Stats counter, say) can be
// kept private to that CPU or shared by closing over a value built outside
// the factory. slots is the fleet-wide SlotManager registering this VM's
// KVM memory regions, passed through so a handler (handlers.EPTHook) can
// push its in-memory EPT edits down to real guest-visible memory.
type HandlerFactory func(v *vcpu.VCPU, slots *memory.SlotManager) dispatch.Chain

// ArenaBytesPerCPU sizes the per-vcpu memory arena: enough for VMCS-
// equivalent structures and a handful of EPT table pages.
const ArenaBytesPerCPU = 64 * memory.PageSize

// GuestPayloadBase is the guest-physical address the boot vcpu's RIP and
// Config.Payload are loaded at: within the first 1MB, the span the
// fixed-range MTRRs cover in the identity-mapped EPT.
const GuestPayloadBase = 0x1000

// Config is the fleet-wide bring-up configuration for Start.
type Config struct {
	// NCPUs is the number of logical CPUs to bring up.
	NCPUs int

	// MemSize is the guest RAM size in bytes, rounded up to a whole
	// number of pages. It is backed by a host buffer registered as a
	// KVM_SET_USER_MEMORY_REGION slot at guest-physical address 0.
	MemSize int

	// Payload, if non-empty, is copied into guest RAM at
	// GuestPayloadBase before boot, and the boot vcpu's RIP is set to
	// point at it with flat 32-bit protected-mode segments.
	Payload []byte

	Factory HandlerFactory
}

// Hypervisor is the fleet facade: the array of VCPUs it exclusively owns.
type Hypervisor struct {
	kvmFile *os.File
	vmFd    uintptr

	vcpus []*vcpu.VCPU
	arena *memory.Arena
	ram   *memory.Arena
	slots *memory.SlotManager

	wg      sync.WaitGroup
	runErrs chan error
}

// Start brings up cfg.NCPUs VCPUs, one per logical CPU, each with its own
// identity-mapped EPT built from a physmem.Snapshot and mtrr.Read(cpu),
// then launches each vcpu's run loop on its own goroutine: one logical CPU
// per VCPU, handlers never migrate, a goroutine locked to its OS thread
// standing in for IPI-pinned bring-up. If any vcpu fails to come up, every
// vcpu already launched is torn down and the arena released before Start
// returns the error.
func Start(cfg Config) (*Hypervisor, error) {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open /dev/kvm: %w", err)
	}

	h := &Hypervisor{
		kvmFile: kvmFile,
		runErrs: make(chan error, cfg.NCPUs),
	}

	arena, err := memory.New(cfg.NCPUs * ArenaBytesPerCPU)
	if err != nil {
		kvmFile.Close()

		return nil, fmt.Errorf("hypervisor: alloc arena: %w", err)
	}

	h.arena = arena

	ranges, err := physmem.Snapshot()
	if err != nil {
		h.unwind()

		return nil, fmt.Errorf("hypervisor: physmem snapshot: %w", err)
	}

	vmFd, err := kvm.CreateVM(kvmFile.Fd())
	if err != nil {
		h.unwind()

		return nil, fmt.Errorf("hypervisor: create vm: %w", err)
	}

	h.vmFd = vmFd

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		h.unwind()

		return nil, fmt.Errorf("hypervisor: set tss addr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xffffc000); err != nil {
		h.unwind()

		return nil, fmt.Errorf("hypervisor: set identity map addr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		h.unwind()

		return nil, fmt.Errorf("hypervisor: create irqchip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		h.unwind()

		return nil, fmt.Errorf("hypervisor: create pit2: %w", err)
	}

	h.slots = memory.NewSlotManager(vmFd)

	if cfg.MemSize > 0 {
		ram, err := memory.New(cfg.MemSize)
		if err != nil {
			h.unwind()

			return nil, fmt.Errorf("hypervisor: alloc guest ram: %w", err)
		}

		h.ram = ram

		if len(cfg.Payload) > 0 {
			copy(ram.BaseVA()[GuestPayloadBase:], cfg.Payload)
		}

		if err := h.slots.Map(0, ram.BaseVA(), false); err != nil {
			h.unwind()

			return nil, fmt.Errorf("hypervisor: map guest ram slot: %w", err)
		}
	}

	for cpu := 0; cpu < cfg.NCPUs; cpu++ {
		v, err := h.bringUpOne(vmFd, cpu, ranges, cfg)
		if err != nil {
			h.unwind()

			return nil, fmt.Errorf("hypervisor: bring up cpu %d: %w", cpu, err)
		}

		h.vcpus = append(h.vcpus, v)
	}

	for _, v := range h.vcpus {
		h.wg.Add(1)

		go h.runLoop(v, cfg.Factory)
	}

	return h, nil
}

func (h *Hypervisor) bringUpOne(vmFd uintptr, cpu int, ranges []physmem.Range, cfg Config) (*vcpu.VCPU, error) {
	typing, err := mtrr.Read(cpu)
	if err != nil {
		return nil, fmt.Errorf("mtrr read: %w", err)
	}

	e, err := ept.New(h.arena, typing)
	if err != nil {
		return nil, fmt.Errorf("ept new: %w", err)
	}

	if err := e.MapIdentity(ranges); err != nil {
		return nil, fmt.Errorf("ept map identity: %w", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, cpu)
	if err != nil {
		return nil, fmt.Errorf("create vcpu: %w", err)
	}

	v := vcpu.New(cpu, vmFd, vcpuFd)

	var regs *kvm.Regs
	var sregs *kvm.Sregs

	if cpu == 0 && len(cfg.Payload) > 0 {
		regs, sregs, err = bootState(vcpuFd)
		if err != nil {
			_ = unix.Close(int(vcpuFd))

			return nil, fmt.Errorf("boot state: %w", err)
		}
	}

	if err := v.BringUp(h.kvmFile.Fd(), e, regs, sregs); err != nil {
		if v.State() == vcpu.StateOff {
			_ = unix.Close(int(vcpuFd))
		} else {
			_ = v.Teardown()
		}

		return nil, fmt.Errorf("bring up: %w", err)
	}

	return v, nil
}

// bootState builds the flat 32-bit protected-mode register state the boot
// vcpu starts in: RIP at GuestPayloadBase, RFLAGS cleared (bit 1 always
// set), and every segment flat with a 4GB limit — enough for a synthesized
// payload to run without its own boot loader.
func bootState(vcpuFd uintptr) (*kvm.Regs, *kvm.Sregs, error) {
	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return nil, nil, err
	}

	regs.RFLAGS = 2
	regs.RIP = GuestPayloadBase
	regs.RSP = GuestPayloadBase

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return nil, nil, err
	}

	for _, seg := range []*kvm.Segment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		seg.Base, seg.Limit, seg.G = 0, 0xFFFFFFFF, 1
	}

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	return regs, sregs, nil
}

func (h *Hypervisor) runLoop(v *vcpu.VCPU, factory HandlerFactory) {
	defer h.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	chain := factory(v, h.slots)

	err := v.RunLoop(func(reason kvm.ExitType, runErr error) (bool, error) {
		if runErr != nil {
			return true, runErr
		}

		cont, err := dispatch.Dispatch(v, reason, chain)

		return !cont, err
	})

	if err != nil {
		h.runErrs <- fmt.Errorf("vcpu %d: %w", v.ID, err)
	}
}

// Wait blocks until every vcpu's run loop has returned, then reports the
// first error observed, if any.
func (h *Hypervisor) Wait() error {
	h.wg.Wait()
	close(h.runErrs)

	for err := range h.runErrs {
		if err != nil {
			return err
		}
	}

	return nil
}

// Stop tears every vcpu down and releases the arena. This hypervisor has
// no way to inject a synthetic VMCALL from the host side, so Stop reaches
// the run-loop exit directly via Teardown instead. A guest that issues
// VMCALL 0xFF itself (handlers.EPTHook) ends its own run loop the same way.
func (h *Hypervisor) Stop() error {
	for _, v := range h.vcpus {
		_ = v.Teardown()
	}

	err := h.Wait()

	if closeErr := h.arena.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if h.ram != nil {
		if closeErr := h.ram.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	if h.vmFd != 0 {
		if closeErr := unix.Close(int(h.vmFd)); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	if closeErr := h.kvmFile.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

func (h *Hypervisor) unwind() {
	for _, v := range h.vcpus {
		_ = v.Teardown()
	}

	if h.arena != nil {
		_ = h.arena.Close()
	}

	if h.ram != nil {
		_ = h.ram.Close()
	}

	if h.vmFd != 0 {
		_ = unix.Close(int(h.vmFd))
	}

	h.kvmFile.Close()
}

// VCPUs returns the hypervisor's vcpu array, for callers that need direct
// access after Start.
func (h *Hypervisor) VCPUs() []*vcpu.VCPU { return h.vcpus }

// BootVCPU returns vcpu 0, the one the CLI programs with the initial
// guest register state and routes device IRQs through.
func (h *Hypervisor) BootVCPU() *vcpu.VCPU { return h.vcpus[0] }
