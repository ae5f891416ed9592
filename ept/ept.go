// Package ept implements a 4-level Extended Page Table that identity-maps
// host physical memory with per-4KB permissions,
// supports splitting 2MB large pages into 4KB pages (and rejoining them),
// and honours the memory-type rules dictated by mtrr.Snapshot.
//
// The page-table layout mirrors the hardware EPT format: PML4 (512x8B),
// PDPT, PD, PT, each entry holding a 40-bit page frame, a 3-bit RWX access
// mask, a 3-bit memory type, and (at PD level) a 1-bit large-page flag.
package ept

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/nmi/hvpp-go/memory"
	"github.com/nmi/hvpp-go/mtrr"
	"github.com/nmi/hvpp-go/physmem"
)

const (
	entriesPerTable = 512
	pageSize2MB     = 2 << 20
	pageSize4KB     = 4 << 10

	pfnShift    = 12
	pfnMask40   = (uint64(1) << 40) - 1
	accessShift = 0
	typeShift   = 3
	largeShift  = 7
	typeMask    = 0x7
	accessMask  = 0x7
)

// Access is the RWX permission mask carried by a leaf EPT entry.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute

	AccessRWX = AccessRead | AccessWrite | AccessExecute
)

// ErrNotEnoughMemory is returned when the backing Arena cannot supply a new
// table page.
var ErrNotEnoughMemory = memory.ErrNotEnoughMemory

// ErrStillLargePage is returned by Map4KB when the 2MB parent region has
// not been split yet.
var ErrStillLargePage = errors.New("ept: 2MB region is still a large page, call Split2MBTo4KB first")

// entry is one raw 8-byte EPT table/leaf entry.
type entry uint64

func newLeafEntry(hostPA uint64, access Access, typ mtrr.MemoryType, large bool) entry {
	e := entry((hostPA &^ (pageSize4KB - 1)) & (pfnMask40 << pfnShift))
	e |= entry(uint64(access&accessMask) << accessShift)
	e |= entry(uint64(byte(typ)&typeMask) << typeShift)

	if large {
		e |= 1 << largeShift
	}

	return e
}

func newTableEntry(tablePA uint64) entry {
	return entry((tablePA &^ (pageSize4KB - 1)) & (pfnMask40 << pfnShift))
}

func (e entry) present() bool  { return e != 0 }
func (e entry) pfn() uint64    { return (uint64(e) >> pfnShift) & pfnMask40 }
func (e entry) pa() uint64     { return e.pfn() << pfnShift }
func (e entry) access() Access { return Access((uint64(e) >> accessShift) & accessMask) }
func (e entry) memType() mtrr.MemoryType {
	return mtrr.MemoryType((uint64(e) >> typeShift) & typeMask)
}
func (e entry) isLarge() bool { return uint64(e)&(1<<largeShift) != 0 }

// table is one 512-entry, one-page EPT table level (PML4/PDPT/PD/PT).
type table struct {
	entries []entry
	pa      uint64 // host physical address of the backing page
}

// EPT is a 4-level Extended Page Table rooted at one PML4 page.
type EPT struct {
	arena *memory.Arena
	mtrrs *mtrr.Snapshot

	pml4 *table

	// pdpts/pds/pts index by the guest-physical address of the table's
	// first covered byte, so repeated walks reuse rather than re-allocate
	// intermediate levels.
	pdpts map[uint64]*table
	pds   map[uint64]*table
	pts   map[uint64]*table
}

// New constructs an EPT with a single zeroed PML4 page, allocated from
// arena. typing resolves the memory type for any host physical address.
func New(arena *memory.Arena, typing *mtrr.Snapshot) (*EPT, error) {
	pml4, err := newTable(arena)
	if err != nil {
		return nil, err
	}

	return &EPT{
		arena: arena,
		mtrrs: typing,
		pml4:  pml4,
		pdpts: make(map[uint64]*table),
		pds:   make(map[uint64]*table),
		pts:   make(map[uint64]*table),
	}, nil
}

func newTable(arena *memory.Arena) (*table, error) {
	page, err := arena.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("ept: alloc table page: %w", err)
	}

	pa, err := arena.PAFromVA(uintptr(unsafe.Pointer(&page[0])))
	if err != nil {
		return nil, err
	}

	return &table{
		entries: make([]entry, entriesPerTable),
		pa:      uint64(pa),
	}, nil
}

// indexing helpers for the 4 levels of a guest-physical address.
func pml4Index(gpa uint64) int { return int((gpa >> 39) & 0x1ff) }
func pdptIndex(gpa uint64) int { return int((gpa >> 30) & 0x1ff) }
func pdIndex(gpa uint64) int   { return int((gpa >> 21) & 0x1ff) }
func ptIndex(gpa uint64) int   { return int((gpa >> 12) & 0x1ff) }

func alignDown(addr, align uint64) uint64 { return addr &^ (align - 1) }

// MapIdentity walks every physical-memory range from physmem.Snapshot and,
// for each 2MB slice within the range, installs a large-page PD entry
// pointing at the identical host physical address with RWX access and the
// memory type mtrr.Snapshot reports for that slice's base. Gaps between
// ranges are mapped UC at the PD level so guest MMIO reads behave exactly
// as they would on bare metal.
func (e *EPT) MapIdentity(ranges []physmem.Range) error {
	if len(ranges) == 0 {
		return nil
	}

	lo := alignDown(uint64(ranges[0].Begin), pageSize2MB)
	hi := alignUp(uint64(ranges[len(ranges)-1].End), pageSize2MB)

	for pa := lo; pa < hi; pa += pageSize2MB {
		if physmem.Contains(ranges, uintptr(pa)) {
			typ := e.mtrrs.MemoryType(pa)
			if err := e.mapLarge2MB(pa, pa, AccessRWX, typ); err != nil {
				return err
			}

			continue
		}

		if err := e.mapLarge2MB(pa, pa, AccessRWX, mtrr.TypeUC); err != nil {
			return err
		}
	}

	return nil
}

func alignUp(addr, align uint64) uint64 { return (addr + align - 1) &^ (align - 1) }

// mapLarge2MB installs a PD-level large-page entry, allocating PDPT/PD
// levels as needed.
func (e *EPT) mapLarge2MB(gpa, hostPA uint64, access Access, typ mtrr.MemoryType) error {
	pd, err := e.ensurePD(gpa)
	if err != nil {
		return err
	}

	pd.entries[pdIndex(gpa)] = newLeafEntry(hostPA, access, typ, true)

	return nil
}

func (e *EPT) ensurePDPT(gpa uint64) (*table, error) {
	key := alignDown(gpa, 1<<39)

	if t, ok := e.pdpts[key]; ok {
		return t, nil
	}

	t, err := newTable(e.arena)
	if err != nil {
		return nil, err
	}

	e.pml4.entries[pml4Index(gpa)] = newTableEntry(t.pa)
	e.pdpts[key] = t

	return t, nil
}

func (e *EPT) ensurePD(gpa uint64) (*table, error) {
	pdpt, err := e.ensurePDPT(gpa)
	if err != nil {
		return nil, err
	}

	key := alignDown(gpa, 1<<30)

	if t, ok := e.pds[key]; ok {
		return t, nil
	}

	t, err := newTable(e.arena)
	if err != nil {
		return nil, err
	}

	pdpt.entries[pdptIndex(gpa)] = newTableEntry(t.pa)
	e.pds[key] = t

	return t, nil
}

func (e *EPT) ensurePT(gpa uint64) (*table, error) {
	pd, err := e.ensurePD(gpa)
	if err != nil {
		return nil, err
	}

	key := alignDown(gpa, pageSize2MB)

	if t, ok := e.pts[key]; ok {
		return t, nil
	}

	t, err := newTable(e.arena)
	if err != nil {
		return nil, err
	}

	pd.entries[pdIndex(gpa)] = newTableEntry(t.pa)
	e.pts[key] = t

	return t, nil
}

// Map4KB ensures the hierarchy down to a 4KB PT entry exists and writes it
// with the requested access and the memory type mtrr.Snapshot reports for
// hostPA. It is an error to call this while the covering 2MB region is
// still a large-page mapping; callers must call Split2MBTo4KB first.
func (e *EPT) Map4KB(guestPA, hostPA uint64, access Access) error {
	key2mb := alignDown(guestPA, pageSize2MB)

	pd, err := e.ensurePD(guestPA)
	if err != nil {
		return err
	}

	pdEntry := pd.entries[pdIndex(guestPA)]
	if pdEntry.present() && pdEntry.isLarge() {
		return ErrStillLargePage
	}

	pt, err := e.ensurePT(key2mb)
	if err != nil {
		return err
	}

	typ := e.mtrrs.MemoryType(hostPA)
	pt.entries[ptIndex(guestPA)] = newLeafEntry(hostPA, access, typ, false)

	return nil
}

// Split2MBTo4KB converts the PD large-page entry covering
// [guestPA2MBAligned, guestPA2MBAligned+2MB) into a PT of 512 entries that
// together reproduce the original mapping exactly: same host physical
// base, same access, and the memory type recomputed per-4KB page from
// mtrr.Snapshot. Idempotent: splitting an already-split region is a no-op.
func (e *EPT) Split2MBTo4KB(guestPA2MBAligned, hostPA2MBAligned uint64) error {
	pd, err := e.ensurePD(guestPA2MBAligned)
	if err != nil {
		return err
	}

	idx := pdIndex(guestPA2MBAligned)
	cur := pd.entries[idx]

	if !cur.present() {
		return nil
	}

	if !cur.isLarge() {
		return nil // already split
	}

	access := cur.access()

	pt, err := e.ensurePT(guestPA2MBAligned)
	if err != nil {
		return err
	}

	for i := 0; i < entriesPerTable; i++ {
		subGuestPA := guestPA2MBAligned + uint64(i)*pageSize4KB
		subHostPA := hostPA2MBAligned + uint64(i)*pageSize4KB
		typ := e.mtrrs.MemoryType(subHostPA)
		pt.entries[i] = newLeafEntry(subHostPA, access, typ, false)
	}

	pd.entries[idx] = newTableEntry(pt.pa)

	return nil
}

// Join4KBTo2MB is the inverse of Split2MBTo4KB: it drops the PT (its arena
// page is not reclaimed until the arena is closed) and writes a PD
// large-page entry with RWX and memory type taken fresh from
// mtrr.Snapshot.
func (e *EPT) Join4KBTo2MB(guestPA2MBAligned, hostPA2MBAligned uint64) error {
	pd, err := e.ensurePD(guestPA2MBAligned)
	if err != nil {
		return err
	}

	idx := pdIndex(guestPA2MBAligned)
	cur := pd.entries[idx]

	if !cur.present() || cur.isLarge() {
		return nil // already joined, or unmapped
	}

	typ := e.mtrrs.MemoryType(hostPA2MBAligned)
	pd.entries[idx] = newLeafEntry(hostPA2MBAligned, AccessRWX, typ, true)

	key := alignDown(guestPA2MBAligned, pageSize2MB)
	delete(e.pts, key)

	return nil
}

// Lookup walks the table for diagnostic/test purposes and reports the
// leaf entry covering gpa, if any.
func (e *EPT) Lookup(gpa uint64) (hostPA uint64, access Access, typ mtrr.MemoryType, large, ok bool) {
	pml4e := e.pml4.entries[pml4Index(gpa)]
	if !pml4e.present() {
		return 0, 0, 0, false, false
	}

	pdpt, ok := e.pdpts[alignDown(gpa, 1<<39)]
	if !ok {
		return 0, 0, 0, false, false
	}

	pdpte := pdpt.entries[pdptIndex(gpa)]
	if !pdpte.present() {
		return 0, 0, 0, false, false
	}

	pd, ok := e.pds[alignDown(gpa, 1<<30)]
	if !ok {
		return 0, 0, 0, false, false
	}

	pde := pd.entries[pdIndex(gpa)]
	if !pde.present() {
		return 0, 0, 0, false, false
	}

	if pde.isLarge() {
		base := pde.pa()
		offset := gpa & (pageSize2MB - 1)

		return base + offset, pde.access(), pde.memType(), true, true
	}

	pt, ok := e.pts[alignDown(gpa, pageSize2MB)]
	if !ok {
		return 0, 0, 0, false, false
	}

	pte := pt.entries[ptIndex(gpa)]
	if !pte.present() {
		return 0, 0, 0, false, false
	}

	base := pte.pa()
	offset := gpa & (pageSize4KB - 1)

	return base + offset, pte.access(), pte.memType(), false, true
}

// Bind realizes every present leaf entry backed by e's own arena as a live
// KVM_SET_USER_MEMORY_REGION slot, keyed by guest-physical address: a
// second Bind call after a leaf's host PA changes (handlers.EPTHook's
// install/remove toggling a guest page between its read and exec host
// buffers) reprograms the existing slot rather than leaking a new one.
//
// Leaves whose host PA falls outside e's arena are skipped rather than
// erroring: MapIdentity's bulk identity map covers host physical ranges
// this process never obtained as a mapped buffer (physmem.Snapshot reports
// physical ranges, not pointers), so there is no userspace buffer to hand
// KVM for them. Bind therefore only ever gives KVM-visible effect to
// arena-backed guest memory — guest RAM and any pages carved out of it —
// never the full identity map. That is the documented granularity gap.
func (e *EPT) Bind(slots *memory.SlotManager) error {
	for base, t := range e.pts {
		for i, ent := range t.entries {
			if !ent.present() {
				continue
			}

			guestPA := base + uint64(i)*pageSize4KB
			if err := e.bindLeaf(slots, guestPA, ent.pa(), pageSize4KB); err != nil {
				return err
			}
		}
	}

	for base, t := range e.pds {
		for i, ent := range t.entries {
			if !ent.present() || !ent.isLarge() {
				continue
			}

			guestPA := base + uint64(i)*pageSize2MB
			if err := e.bindLeaf(slots, guestPA, ent.pa(), pageSize2MB); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *EPT) bindLeaf(slots *memory.SlotManager, guestPA, hostPA uint64, size int) error {
	hostMem, err := e.arena.BytesAt(uintptr(hostPA), size)
	if err != nil {
		if errors.Is(err, memory.ErrOutOfRange) {
			return nil
		}

		return err
	}

	return slots.Map(guestPA, hostMem, false)
}

// EPTP returns the 64-bit VMCS EPTP value for this table: bits 0-2 memory
// type (6 = WB), bits 3-5 page-walk length minus 1 (= 3), bit 6
// accessed/dirty-flags enable (0, disabled), bits 12-51 the PML4 PFN.
func (e *EPT) EPTP() uint64 {
	const (
		eptMemTypeWB = 6
		walkLengthM1 = 3
	)

	return uint64(eptMemTypeWB) | (uint64(walkLengthM1) << 3) | (e.pml4.pa &^ (pageSize4KB - 1))
}
