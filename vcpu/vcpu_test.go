package vcpu_test

import (
	"testing"

	"github.com/nmi/hvpp-go/vcpu"
)

func TestStateString(t *testing.T) {
	for _, tt := range []struct {
		s    vcpu.State
		want string
	}{
		{vcpu.StateOff, "off"},
		{vcpu.StateInitializing, "initializing"},
		{vcpu.StateLaunched, "launched"},
		{vcpu.StateExiting, "exiting"},
		{vcpu.State(99), "State(99)"},
	} {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestNewStartsOff(t *testing.T) {
	v := vcpu.New(0, 0, 0)

	if v.State() != vcpu.StateOff {
		t.Errorf("new vcpu state = %s, want off", v.State())
	}
}

func TestRunOnceWrongState(t *testing.T) {
	v := vcpu.New(0, 0, 0)

	if _, _, err := v.RunOnce(); err == nil {
		t.Fatal("expected error calling RunOnce before BringUp")
	}
}

func TestTeardownIdempotent(t *testing.T) {
	v := vcpu.New(0, 0, 0)

	if err := v.Teardown(); err != nil {
		t.Fatalf("Teardown on a never-started vcpu should be a no-op, got %v", err)
	}
}
