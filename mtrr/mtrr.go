// Package mtrr takes a memory-typing snapshot: the host's variable- and
// fixed-range MTRRs, read once at startup and then used to answer "what
// memory type does the chipset want for this physical address" when EPT
// builds its identity map.
//
// MSR addresses below follow the standard IA32_MTRR_* layout: capability
// and default-type MSRs, the fixed-range MSRs covering the first 1MB, and
// the per-pair variable-range PHYSBASEn/PHYSMASKn MSRs.
package mtrr

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemoryType values, as encoded in MTRR type fields and EPT PTE memory-type
// bits.
type MemoryType uint8

const (
	TypeUC MemoryType = 0 // uncacheable
	TypeWC MemoryType = 1 // write-combining
	TypeWT MemoryType = 4 // write-through
	TypeWP MemoryType = 5 // write-protected
	TypeWB MemoryType = 6 // write-back
)

func (t MemoryType) String() string {
	switch t {
	case TypeUC:
		return "UC"
	case TypeWC:
		return "WC"
	case TypeWT:
		return "WT"
	case TypeWP:
		return "WP"
	case TypeWB:
		return "WB"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint8(t))
	}
}

// MSR addresses, per the SDM's MTRR MSR map.
const (
	msrMTRRCap     = 0x000000FE
	msrMTRRDefType = 0x000002FF
	msrPhysBase0   = 0x00000200
	msrPhysMask0   = 0x00000201
)

// fixedRange describes one fixed-range MTRR MSR and the physical span it
// covers.
type fixedRange struct {
	msr  uint32
	base uint64
	size uint64 // size of each of the 8 sub-ranges packed into the MSR
}

var fixedRanges = []fixedRange{
	{0x0250, 0x00000, 0x10000},
	{0x0258, 0x80000, 0x4000},
	{0x0259, 0xa0000, 0x4000},
	{0x0268, 0xc0000, 0x1000},
	{0x0269, 0xc8000, 0x1000},
	{0x026a, 0xd0000, 0x1000},
	{0x026b, 0xd8000, 0x1000},
	{0x026c, 0xe0000, 0x1000},
	{0x026d, 0xe8000, 0x1000},
	{0x026e, 0xf0000, 0x1000},
	{0x026f, 0xf8000, 0x1000},
}

const fixedRegionEnd = 0x100000 // 1 MiB: fixed MTRRs only cover below here

// variableRange is one decoded IA32_MTRR_PHYSBASEn/PHYSMASKn pair.
type variableRange struct {
	base  uint64
	mask  uint64
	typ   MemoryType
	valid bool
}

// Snapshot is the host's MTRR state as of the call to Read: whether
// MTRRs are enabled at all, the default type, every fixed-range byte, and
// every valid variable range.
type Snapshot struct {
	enabled      bool
	fixedEnabled bool
	defaultType  MemoryType
	fixed        [88]MemoryType // one per 8 sub-ranges * 11 fixed MSRs
	variable     []variableRange
	physAddrBits uint
}

// Read opens /dev/cpu/$cpu/msr and reads every MTRR MSR needed to answer
// MemoryType queries. cpu selects which logical CPU's MSR file to read;
// MTRR configuration is expected to be uniform across CPUs, as the BIOS
// programs it identically on every core.
func Read(cpu int) (*Snapshot, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mtrr: open %s: %w", path, err)
	}
	defer f.Close()

	readMSR := func(addr uint32) (uint64, error) {
		var buf [8]byte
		if _, err := unix.Pread(int(f.Fd()), buf[:], int64(addr)); err != nil {
			return 0, fmt.Errorf("mtrr: pread msr %#x: %w", addr, err)
		}

		return leUint64(buf[:]), nil
	}

	cap, err := readMSR(msrMTRRCap)
	if err != nil {
		return nil, err
	}

	variableCount := uint8(cap & 0xff)
	fixedSupported := cap&(1<<8) != 0

	defType, err := readMSR(msrMTRRDefType)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		enabled:      defType&(1<<11) != 0,
		fixedEnabled: fixedSupported && defType&(1<<10) != 0,
		defaultType:  MemoryType(defType & 0xff),
		// The 36-bit page_frame_number field in PHYSBASEn/PHYSMASKn starts
		// at bit 12, so it spans address bits 12-47: the comparison width
		// is 48, not the field's own bit count.
		physAddrBits: 48,
	}

	if s.fixedEnabled {
		for i, fr := range fixedRanges {
			v, err := readMSR(fr.msr)
			if err != nil {
				return nil, err
			}

			for sub := 0; sub < 8; sub++ {
				s.fixed[i*8+sub] = MemoryType(byte(v >> (8 * sub)))
			}
		}
	}

	for i := uint8(0); i < variableCount; i++ {
		base, err := readMSR(msrPhysBase0 + 2*uint32(i))
		if err != nil {
			return nil, err
		}

		mask, err := readMSR(msrPhysMask0 + 2*uint32(i))
		if err != nil {
			return nil, err
		}

		s.variable = append(s.variable, variableRange{
			base:  base &^ 0xfff,
			mask:  mask &^ 0xfff,
			typ:   MemoryType(base & 0xff),
			valid: mask&(1<<11) != 0,
		})
	}

	return s, nil
}

// MemoryType resolves the effective memory type for physical address pa,
// following the SDM precedence rule: fixed ranges win below 1 MiB when
// enabled; among overlapping variable ranges,
// UC always wins, a WT/WB mix resolves to WT, and a single matching type
// wins outright; with no match, the default type applies; with MTRRs
// disabled entirely, everything is UC.
func (s *Snapshot) MemoryType(pa uint64) MemoryType {
	if !s.enabled {
		return TypeUC
	}

	if s.fixedEnabled && pa < fixedRegionEnd {
		if idx, ok := fixedIndex(pa); ok {
			return s.fixed[idx]
		}
	}

	matched := make([]MemoryType, 0, len(s.variable))

	for _, v := range s.variable {
		if !v.valid {
			continue
		}

		physMask := maskFromBits(s.physAddrBits)
		if pa&v.mask&physMask == v.base&v.mask&physMask {
			matched = append(matched, v.typ)
		}
	}

	switch {
	case len(matched) == 0:
		return s.defaultType
	case len(matched) == 1:
		return matched[0]
	}

	hasUC, hasWT, hasWB, onlyWTWB := false, false, false, true

	for _, t := range matched {
		switch t {
		case TypeUC:
			hasUC = true
		case TypeWT:
			hasWT = true
		case TypeWB:
			hasWB = true
		default:
			onlyWTWB = false
		}
	}

	switch {
	case hasUC:
		return TypeUC
	case onlyWTWB && hasWT && hasWB:
		return TypeWT
	default:
		return matched[0]
	}
}

func fixedIndex(pa uint64) (int, bool) {
	for i, fr := range fixedRanges {
		end := fr.base + fr.size*8
		if pa >= fr.base && pa < end {
			sub := (pa - fr.base) / fr.size

			return i*8 + int(sub), true
		}
	}

	return 0, false
}

func maskFromBits(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}

	return (uint64(1) << bits) - 1
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}
