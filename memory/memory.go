// Package memory implements a bump arena of page-aligned host memory, the
// only component that talks to the OS allocator. The memory is a plain
// anonymous mmap: it is not locked, so the host may page it out.
// VMX/EPT-equivalent structures need physical addresses, so every
// allocation also has a stable pa<->va mapping within the arena.
package memory

import (
	"errors"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the host page size this arena aligns to.
const PageSize = 0x1000

// ErrNotEnoughMemory is returned once the arena is exhausted.
var ErrNotEnoughMemory = errors.New("not enough memory")

// ErrOutOfRange is returned when a pa/va given to the translation helpers
// does not fall within this arena.
var ErrOutOfRange = errors.New("address out of arena range")

// Arena is a contiguous, page-aligned block of host memory carved up by
// successive Alloc calls. Free is a bulk operation performed once at Close:
// a bump arena cannot fragment. The block is not locked into RAM (no
// mlock), so its pages are pageable like any other anonymous mapping.
type Arena struct {
	mu     sync.Mutex
	buf    []byte
	base   uintptr // host virtual address of buf[0]
	basePA uintptr // the arena's "physical" address of buf[0]: equal to base, not an OS-reported physical address
	next   int
}

// New mmaps size bytes (rounded up to a whole number of pages) of
// anonymous, page-aligned memory and returns an Arena bump-allocating out
// of it.
func New(size int) (*Arena, error) {
	size = alignUp(size, PageSize)

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&buf[0]))

	return &Arena{
		buf:    buf,
		base:   base,
		basePA: base, // identity: mmap'd anonymous host memory, va == "pa" from this process's point of view
	}, nil
}

// Close releases the whole arena in one bulk free: individual allocations
// are never freed for the lifetime of the hypervisor, only reclaimed all
// at once at stop.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf == nil {
		return nil
	}

	err := unix.Munmap(a.buf)
	a.buf = nil

	return err
}

// Alloc reserves size bytes with the given alignment (a power of two, or 0
// for none; callers needing a page-aligned block, as VMX/EPT structures do, pass
// PageSize or a multiple of it). Free is never called on the result
// individually — see Close.
func (a *Arena) Alloc(size int, align uintptr) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if align == 0 {
		align = 1
	}

	start := alignUpPtr(uintptr(a.next), align)
	end := int(start) + size

	if end > len(a.buf) {
		return nil, ErrNotEnoughMemory
	}

	a.next = end

	return a.buf[start:end:end], nil
}

// AllocPage is the PAGE_SIZE-aligned allocation mode: a single zeroed
// page, ready to back a VMCS/VMXON/EPT-table region.
func (a *Arena) AllocPage() ([]byte, error) {
	page, err := a.Alloc(PageSize, PageSize)
	if err != nil {
		return nil, err
	}

	for i := range page {
		page[i] = 0
	}

	return page, nil
}

// PAFromVA translates a host virtual address inside this arena to its
// physical address. An address outside the arena yields ErrOutOfRange:
// every VMX/EPT structure this hypervisor builds lives in an Arena.
func (a *Arena) PAFromVA(va uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if va < a.base || va >= a.base+uintptr(len(a.buf)) {
		return 0, ErrOutOfRange
	}

	return a.basePA + (va - a.base), nil
}

// VAFromPA is the inverse of PAFromVA.
func (a *Arena) VAFromPA(pa uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pa < a.basePA || pa >= a.basePA+uintptr(len(a.buf)) {
		return 0, ErrOutOfRange
	}

	return a.base + (pa - a.basePA), nil
}

// BaseVA returns the arena's backing slice, for callers (memory slot
// registration) that need the raw bytes rather than a sub-allocation.
func (a *Arena) BaseVA() []byte {
	return a.buf
}

// BytesAt returns the n bytes of this arena's backing memory starting at
// host physical address pa, for callers (EPT slot binding) that resolved a
// page-table leaf's host PA and need the live buffer backing it rather than
// a fresh copy. The slice aliases the arena: writes through it are visible
// to anything else mapping the same bytes, including KVM.
func (a *Arena) BytesAt(pa uintptr, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pa < a.basePA || pa+uintptr(n) > a.basePA+uintptr(len(a.buf)) {
		return nil, ErrOutOfRange
	}

	start := pa - a.basePA

	return a.buf[start : start+uintptr(n) : start+uintptr(n)], nil
}

func alignUp(n, align int) int {
	return int(alignUpPtr(uintptr(n), uintptr(align)))
}

func alignUpPtr(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
