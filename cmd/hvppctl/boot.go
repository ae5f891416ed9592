package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/nmi/hvpp-go/dispatch"
	"github.com/nmi/hvpp-go/handlers"
	"github.com/nmi/hvpp-go/hypervisor"
	"github.com/nmi/hvpp-go/memory"
	"github.com/nmi/hvpp-go/serial"
	"github.com/nmi/hvpp-go/term"
	"github.com/nmi/hvpp-go/vcpu"
)

// bootCmd brings up a hypervisor instance and blocks until every vcpu's
// run loop ends or SIGINT arrives.
type bootCmd struct {
	Payload string `arg:"" optional:"" help:"path of a flat binary payload loaded at guest PA 0x1000; omit to boot with an idle guest"`

	MemSize string `short:"m" default:"16M" help:"guest RAM size: number[kKmMgG]"`
	NCPUs   int    `short:"c" default:"1" help:"number of logical CPUs"`
	Trace   bool   `short:"t" help:"log every vm exit with its reason and RIP"`
	Debug   string `short:"b" help:"comma-separated hex I/O ports DbgBreak single-steps when a debugger is attached"`
	Profile bool   `help:"wrap the run in a CPU and wall-clock (fgprof) profile, written to ./cpu.pprof and ./fgprof.pprof"`
}

func (b *bootCmd) Run() error {
	memSize, err := parseSize(b.MemSize, "m")
	if err != nil {
		return fmt.Errorf("mem-size: %w", err)
	}

	var payload []byte

	if b.Payload != "" {
		payload, err = os.ReadFile(b.Payload)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}

	stopProfile, err := startProfile(b.Profile)
	if err != nil {
		return err
	}
	defer stopProfile()

	stats := handlers.NewStats()
	if b.Trace {
		stats.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	dbg := handlers.NewDbgBreak()

	debugAttached := false

	for _, p := range strings.Split(b.Debug, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		port, err := strconv.ParseUint(p, 0, 16)
		if err != nil {
			return fmt.Errorf("debug port %q: %w", p, err)
		}

		dbg.Ports[uint16(port)] = true
		debugAttached = true
	}

	dbg.Attached = func() bool { return debugAttached }

	consoleCh := make(chan *serial.Serial, 1)

	factory := func(v *vcpu.VCPU, slots *memory.SlotManager) dispatch.Chain {
		if v.ID != 0 {
			return dispatch.Chain{stats, handlers.Passthrough{}}
		}

		dev, err := serial.New(irqInjector{v})
		if err != nil {
			log.Printf("vcpu %d: serial.New: %v", v.ID, err)
			consoleCh <- nil

			fallbackHook := handlers.NewEPTHook()
			fallbackHook.Slots = slots

			return dispatch.Chain{stats, dbg, fallbackHook, handlers.Passthrough{}}
		}

		dev.SetOutput(os.Stdout)
		consoleCh <- dev

		hook := handlers.NewEPTHook()
		hook.Slots = slots
		// Flat, unpaged protected mode: guest linear addresses are guest
		// physical addresses.
		hook.VA2PA = func(va uint64) (uint64, error) { return va, nil }

		return dispatch.Chain{
			stats,
			dbg,
			handlers.NewSerialTrace(dev),
			hook,
			handlers.Passthrough{},
		}
	}

	h, err := hypervisor.Start(hypervisor.Config{
		NCPUs:   b.NCPUs,
		MemSize: memSize,
		Payload: payload,
		Factory: factory,
	})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	go func() {
		<-sigCh
		_ = h.Stop()
	}()

	console := <-consoleCh

	if console != nil && term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			log.Printf("term.SetRawMode: %v", err)
		} else {
			defer restore()

			go relayConsoleInput(console, restore)
		}
	}

	runErr := h.Wait()

	for reason, n := range stats.Snapshot() {
		log.Printf("exit %s: %d", reason, n)
	}

	return runErr
}

// relayConsoleInput feeds stdin byte-for-byte into the guest's serial
// input queue. Ctrl-A followed by 'x' restores the terminal and exits.
func relayConsoleInput(dev *serial.Serial, restore func()) {
	in := bufio.NewReader(os.Stdin)
	inputChan := dev.GetInputChan()

	var prev byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("console input: %v", err)
			}

			return
		}

		inputChan <- b

		if prev == 0x1 && b == 'x' {
			restore()
			os.Exit(0)
		}

		prev = b
	}
}

// irqInjector adapts a *vcpu.VCPU to serial.IRQInjector, pulsing the
// legacy COM1 IRQ line (4) whenever the guest writes a non-zero IER.
type irqInjector struct {
	v *vcpu.VCPU
}

func (i irqInjector) InjectSerialIRQ() error {
	return i.v.InjectIRQ(4)
}

// startProfile wraps the process in a CPU profile (github.com/pkg/profile)
// and an fgprof wall-clock profile when enabled is true, returning a
// function that stops both. When enabled is false it is a no-op.
func startProfile(enabled bool) (func(), error) {
	if !enabled {
		return func() {}, nil
	}

	cpu := profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)

	f, err := os.Create("fgprof.pprof")
	if err != nil {
		cpu.Stop()

		return nil, fmt.Errorf("create fgprof.pprof: %w", err)
	}

	stopFgprof := fgprof.Start(f, fgprof.FormatPprof)

	return func() {
		cpu.Stop()

		if err := stopFgprof(); err != nil {
			log.Printf("fgprof stop: %v", err)
		}

		f.Close()
	}, nil
}
