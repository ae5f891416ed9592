// Package serial emulates a 16550-compatible UART at the legacy COM1 I/O
// range, enough of one to carry a console: line status/control registers,
// a one-byte-at-a-time read path buffered by a channel, and an IRQ pulse
// on transmit-enable so the guest's driver knows to keep polling.
package serial

import (
	"fmt"
	"io"
	"os"
)

// COM1Addr is the base I/O port of the legacy first serial port.
const COM1Addr = 0x03f8

// register offsets from COM1Addr, selected by whether DLAB (LCR bit 7) is
// set: with DLAB set, offsets 0-1 address the baud-rate divisor instead of
// the data/interrupt-enable registers.
const (
	regData  = 0 // RBR (read) / THR (write) when !dlab, DLL when dlab
	regIER   = 1 // interrupt enable when !dlab, DLM when dlab
	regIIR   = 2 // interrupt ID (read) / FCR (write)
	regLCR   = 3 // line control
	regMCR   = 4 // modem control
	regLSR   = 5 // line status
	regMSR   = 6 // modem status
	dlabBit  = 0x80
	lsrTHRE  = 0x20 // transmitter holding register empty
	lsrTEMT  = 0x40 // transmitter + shift register both empty
	lsrDR    = 0x01 // data ready
	baud9600 = 0xc
)

// IRQInjector pulses the line IRQ a serial device is wired to. Handed in at
// construction so this package never has to know about vcpus or KVM.
type IRQInjector interface {
	InjectSerialIRQ() error
}

// Serial is one emulated UART instance. In/Out are driven by a dispatch
// handler decoding EXITIO for this device's port range; GetInputChan is the
// other direction, fed by whatever reads the host console.
type Serial struct {
	IER byte
	LCR byte

	inputChan chan byte

	irqInjector IRQInjector
	output      io.Writer
}

// New constructs a Serial with its registers at power-on defaults, input
// buffered up to 10000 bytes, and output defaulting to os.Stdout.
func New(irqInjector IRQInjector) (*Serial, error) {
	return &Serial{
		inputChan:   make(chan byte, 10000),
		irqInjector: irqInjector,
		output:      os.Stdout,
	}, nil
}

// SetOutput redirects transmitted bytes away from os.Stdout, for a caller
// (the boot command) that wants the guest's console text going somewhere
// specific.
func (s *Serial) SetOutput(w io.Writer) {
	s.output = w
}

// GetInputChan returns the channel a caller feeds host keystrokes into;
// In drains it one byte at a time as the guest polls RBR.
func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&dlabBit != 0
}

// In answers a guest IN instruction against this device's registers.
func (s *Serial) In(port uint64, values []byte) error {
	switch port - COM1Addr {
	case regData:
		if !s.dlab() {
			if len(s.inputChan) > 0 {
				values[0] = <-s.inputChan
			}
		} else {
			values[0] = baud9600
		}
	case regIER:
		if !s.dlab() {
			values[0] = s.IER
		} else {
			values[0] = 0x0
		}
	case regLSR:
		values[0] |= lsrTHRE | lsrTEMT

		if len(s.inputChan) > 0 {
			values[0] |= lsrDR
		}
	case regIIR, regLCR, regMCR, regMSR:
		// No pending interrupt, current LCR/MCR, and modem-status lines
		// this emulation never asserts all read back as zero.
	}

	return nil
}

// Out answers a guest OUT instruction against this device's registers.
func (s *Serial) Out(port uint64, values []byte) error {
	switch port - COM1Addr {
	case regData:
		if !s.dlab() {
			fmt.Fprintf(s.output, "%c", values[0])
		}
	case regIER:
		if !s.dlab() {
			s.IER = values[0]
			if s.IER != 0 {
				return s.irqInjector.InjectSerialIRQ()
			}
		}
	case regLCR:
		s.LCR = values[0]
	case regIIR, regMCR:
		// FCR writes and MCR writes have no observable effect here.
	}

	return nil
}
