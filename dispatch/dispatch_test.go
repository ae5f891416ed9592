package dispatch_test

import (
	"testing"

	"github.com/nmi/hvpp-go/dispatch"
	"github.com/nmi/hvpp-go/kvm"
)

func TestWalkFirstHandlerWins(t *testing.T) {
	calledSecond := false

	chain := dispatch.Chain{
		dispatch.HandlerFunc(func(ctx *dispatch.Context) (dispatch.Result, error) {
			return dispatch.Result{Handled: true, Continue: true}, nil
		}),
		dispatch.HandlerFunc(func(ctx *dispatch.Context) (dispatch.Result, error) {
			calledSecond = true

			return dispatch.Result{Handled: true, Continue: true}, nil
		}),
	}

	ctx := &dispatch.Context{Reason: kvm.EXITIO}

	cont, err := dispatch.Walk(ctx, chain)
	if err != nil {
		t.Fatal(err)
	}

	if !cont {
		t.Error("expected Continue=true from the first handler's result")
	}

	if calledSecond {
		t.Error("second handler should not run once the first claims the exit")
	}
}

func TestWalkFallsThroughToNextHandler(t *testing.T) {
	chain := dispatch.Chain{
		dispatch.HandlerFunc(func(ctx *dispatch.Context) (dispatch.Result, error) {
			return dispatch.Result{Handled: false}, nil
		}),
		dispatch.HandlerFunc(func(ctx *dispatch.Context) (dispatch.Result, error) {
			return dispatch.Result{Handled: true, Continue: false}, nil
		}),
	}

	ctx := &dispatch.Context{Reason: kvm.EXITHLT}

	cont, err := dispatch.Walk(ctx, chain)
	if err != nil {
		t.Fatal(err)
	}

	if cont {
		t.Error("expected Continue=false from the second handler's result")
	}
}

func TestWalkNoHandlerClaims(t *testing.T) {
	chain := dispatch.Chain{
		dispatch.HandlerFunc(func(ctx *dispatch.Context) (dispatch.Result, error) {
			return dispatch.Result{Handled: false}, nil
		}),
	}

	ctx := &dispatch.Context{Reason: kvm.EXITIO}

	if _, err := dispatch.Walk(ctx, chain); err == nil {
		t.Fatal("expected an error when no handler claims the exit")
	}
}

func TestDecodeAt(t *testing.T) {
	// 0x90 = NOP
	inst, asm, err := dispatch.DecodeAt([]byte{0x90}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if inst == nil || asm == "" {
		t.Fatal("expected a decoded instruction and assembly string")
	}
}
