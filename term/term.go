// Package term puts the controlling terminal into raw mode for the CLI's
// interactive boot mode, where guest console I/O is relayed byte-for-byte
// through the serial bridge handler.
package term

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl requests this package issues directly rather than through
// golang.org/x/sys/unix/unix.IoctlGetTermios, since the console fd here is
// always stdin (0) and a raw syscall avoids pulling in the whole termios
// platform-switch just for two requests.
const (
	tcgets = 0x5401
	tcsets = 0x5402
)

// input-flag bits this package clears to get raw input: break/parity
// conditions stop being turned into signals or marker bytes, and
// CR/NL translation and flow control are disabled so every byte typed on
// the host terminal reaches the guest unmodified.
const rawIflagClear = unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
	unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON

// line-discipline bits cleared so the terminal stops line-buffering,
// signal-generating on ^C/^Z, and locally echoing — input is relayed to
// the guest, not processed by the host's tty layer.
const rawLflagClear = unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

// character-size and framing bits cleared before CS8 (8-bit characters,
// no stop/parity framing the guest's UART emulation does not model) is
// selected below.
const rawCflagClear = 0b01001000 | 0b100000000

// termios mirrors struct termios from <asm-generic/termbits.h> on amd64.
type termios struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [19]uint8
	Ispeed uint32
	Ospeed uint32
}

func read(fd int) (termios, error) {
	var t termios

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), tcgets, uintptr(unsafe.Pointer(&t)))
	if errno != 0 {
		return t, errno
	}

	return t, nil
}

func write(fd int, t termios) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), tcsets, uintptr(unsafe.Pointer(&t)))
	if errno != 0 {
		return errno
	}

	return nil
}

// IsTerminal reports whether stdin is a terminal.
func IsTerminal() bool {
	_, err := read(0)

	return err == nil
}

// SetRawMode puts stdin into byte-at-a-time, unechoed raw mode and returns
// a function that restores the terminal's prior settings. One byte minimum
// per read (Cc[VMIN]=1, Cc[VTIME]=0) — a blocking read of stdin returns as
// soon as one byte has been typed, never batched or timed out.
func SetRawMode() (func(), error) {
	t, err := read(0)
	if err != nil {
		return func() {}, err
	}

	oldTermios := t

	t.Iflag &^= rawIflagClear
	t.Oflag &^= unix.OPOST
	t.Lflag &^= rawLflagClear
	t.Cflag &^= rawCflagClear
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	return func() {
		_ = write(0, oldTermios)
	}, write(0, t)
}
