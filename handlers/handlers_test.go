package handlers_test

import (
	"os"
	"testing"

	"github.com/nmi/hvpp-go/dispatch"
	"github.com/nmi/hvpp-go/handlers"
	"github.com/nmi/hvpp-go/hypervisor"
	"github.com/nmi/hvpp-go/kvm"
	"github.com/nmi/hvpp-go/memory"
	"github.com/nmi/hvpp-go/vcpu"
)

func TestPassthroughClaimsIO(t *testing.T) {
	p := handlers.Passthrough{}

	result, err := p.Handle(&dispatch.Context{Reason: kvm.EXITIO})
	if err != nil {
		t.Fatal(err)
	}

	if !result.Handled || !result.Continue {
		t.Errorf("Passthrough on EXITIO = %+v, want Handled=true Continue=true", result)
	}
}

func TestPassthroughStopsOnHalt(t *testing.T) {
	p := handlers.Passthrough{}

	result, err := p.Handle(&dispatch.Context{Reason: kvm.EXITHLT})
	if err != nil {
		t.Fatal(err)
	}

	if !result.Handled || result.Continue {
		t.Errorf("Passthrough on EXITHLT = %+v, want Handled=true Continue=false", result)
	}
}

func TestStatsCountsAndFallsThrough(t *testing.T) {
	s := handlers.NewStats()

	ctx := &dispatch.Context{Reason: kvm.EXITIO, Regs: &kvm.Regs{}, VCPU: nil}

	for i := 0; i < 3; i++ {
		result, err := s.Handle(&dispatch.Context{Reason: kvm.EXITIO, Regs: &kvm.Regs{}, VCPU: ctx.VCPU})
		if err != nil {
			t.Fatal(err)
		}

		if result.Handled {
			t.Error("Stats must never claim an exit")
		}
	}

	snap := s.Snapshot()
	if snap[kvm.EXITIO] != 3 {
		t.Errorf("snapshot[EXITIO] = %d, want 3", snap[kvm.EXITIO])
	}
}

func TestDbgBreakFallsThroughWithoutDebugger(t *testing.T) {
	d := handlers.NewDbgBreak()
	d.Ports[0x3f8] = true
	d.Attached = func() bool { return false }

	run := &kvm.RunData{}
	run.Data[0] = uint64(kvm.EXITIOOUT) | (1 << 8) | (0x3f8 << 16)

	result, err := d.Handle(&dispatch.Context{Reason: kvm.EXITIO, Run: run})
	if err != nil {
		t.Fatal(err)
	}

	if result.Handled {
		t.Error("DbgBreak should fall through when no debugger is attached")
	}
}

func TestDbgBreakIgnoresUnflaggedPort(t *testing.T) {
	d := handlers.NewDbgBreak()
	d.Attached = func() bool { return true }

	run := &kvm.RunData{}
	run.Data[0] = uint64(kvm.EXITIOOUT) | (1 << 8) | (0x60 << 16)

	result, err := d.Handle(&dispatch.Context{Reason: kvm.EXITIO, Run: run})
	if err != nil {
		t.Fatal(err)
	}

	if result.Handled {
		t.Error("DbgBreak should ignore ports not in its Ports set")
	}
}

func TestEPTHookIgnoresNonHypercall(t *testing.T) {
	h := handlers.NewEPTHook()

	result, err := h.Handle(&dispatch.Context{Reason: kvm.EXITIO, Regs: &kvm.Regs{}})
	if err != nil {
		t.Fatal(err)
	}

	if result.Handled {
		t.Error("EPTHook should ignore non-hypercall exits")
	}
}

// TestEPTHookInstallRemoveWithRealSlots exercises EPTHook with a Slots field
// wired to a real *memory.SlotManager (the path handlers.EPTHook's fix
// added): install/remove against a genuine vcpu.VCPU and EPT must call
// ept.EPT.Bind without error, in addition to the in-memory leaf edit.
func TestEPTHookInstallRemoveWithRealSlots(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping test: /dev/kvm unavailable: %v", err)
	}

	type captured struct {
		v     *vcpu.VCPU
		slots *memory.SlotManager
	}

	got := make(chan captured, 1)

	factory := func(v *vcpu.VCPU, slots *memory.SlotManager) dispatch.Chain {
		got <- captured{v: v, slots: slots}

		return dispatch.Chain{handlers.Passthrough{}}
	}

	h, err := hypervisor.Start(hypervisor.Config{NCPUs: 1, Factory: factory})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	c := <-got

	hook := handlers.NewEPTHook()
	hook.VA2PA = func(va uint64) (uint64, error) { return va, nil }
	hook.Slots = c.slots

	installRegs := &kvm.Regs{RCX: handlers.VMCallInstallHook, RDX: 0x1000, R8: 0x2000}

	result, err := hook.Handle(&dispatch.Context{Reason: kvm.EXITHYPERCALL, Regs: installRegs, VCPU: c.v})
	if err != nil {
		t.Fatalf("install with real Slots: %v", err)
	}

	if !result.Handled || !result.Continue {
		t.Errorf("install result = %+v, want Handled=true Continue=true", result)
	}

	removeRegs := &kvm.Regs{RCX: handlers.VMCallRemoveHook, RDX: 0x1000}

	result, err = hook.Handle(&dispatch.Context{Reason: kvm.EXITHYPERCALL, Regs: removeRegs, VCPU: c.v})
	if err != nil {
		t.Fatalf("remove with real Slots: %v", err)
	}

	if !result.Handled || !result.Continue {
		t.Errorf("remove result = %+v, want Handled=true Continue=true", result)
	}
}

func TestEPTHookTeardownRequest(t *testing.T) {
	h := handlers.NewEPTHook()

	regs := &kvm.Regs{RCX: handlers.VMCallTeardown}

	result, err := h.Handle(&dispatch.Context{Reason: kvm.EXITHYPERCALL, Regs: regs})
	if err != nil {
		t.Fatal(err)
	}

	if !result.Handled || result.Continue {
		t.Errorf("EPTHook teardown = %+v, want Handled=true Continue=false", result)
	}
}
