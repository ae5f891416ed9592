package handlers

import (
	"github.com/nmi/hvpp-go/dispatch"
	"github.com/nmi/hvpp-go/kvm"
	"github.com/nmi/hvpp-go/serial"
)

// SerialTrace is a sample I/O-tracing handler: it claims EXITIO exits in
// the COM1 port range and forwards them to a serial.Serial device instead
// of letting the host's own UART answer, so every byte the guest's
// console driver sends or receives passes through this hypervisor first.
type SerialTrace struct {
	Device *serial.Serial
}

// NewSerialTrace wires up a SerialTrace handler around dev.
func NewSerialTrace(dev *serial.Serial) *SerialTrace {
	return &SerialTrace{Device: dev}
}

func (s *SerialTrace) Handle(ctx *dispatch.Context) (dispatch.Result, error) {
	if ctx.Reason != kvm.EXITIO {
		return dispatch.Result{Handled: false}, nil
	}

	direction, size, port, count, offset := ctx.Run.IO()
	if port < serial.COM1Addr || port >= serial.COM1Addr+8 {
		return dispatch.Result{Handled: false}, nil
	}

	data := ctx.Run.IOBytes(offset, size*count)

	var err error
	if direction == kvm.EXITIOIN {
		err = s.Device.In(port, data)
	} else {
		err = s.Device.Out(port, data)
	}

	if err != nil {
		return dispatch.Result{}, err
	}

	return dispatch.Result{Handled: true, Continue: true}, nil
}
