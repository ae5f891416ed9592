package mtrr

import "testing"

func TestMemoryTypeDisabledIsAlwaysUC(t *testing.T) {
	s := &Snapshot{
		enabled:     false,
		defaultType: TypeWB,
		variable: []variableRange{
			{base: 0, mask: 0xfffffffff000, typ: TypeWB, valid: true},
		},
	}

	if got := s.MemoryType(0x1000); got != TypeUC {
		t.Errorf("MemoryType with MTRRs disabled = %v, want UC", got)
	}
}

func TestMemoryTypeFixedRangeWinsBelow1MiB(t *testing.T) {
	s := &Snapshot{
		enabled:      true,
		fixedEnabled: true,
		defaultType:  TypeWB,
		physAddrBits: 48,
	}
	s.fixed[0] = TypeUC // covers [0x00000, 0x10000)

	if got := s.MemoryType(0x10); got != TypeUC {
		t.Errorf("MemoryType(0x10) = %v, want UC from fixed range", got)
	}
}

func TestMemoryTypeNoMatchUsesDefault(t *testing.T) {
	s := &Snapshot{
		enabled:      true,
		defaultType:  TypeWB,
		physAddrBits: 48,
	}

	if got := s.MemoryType(0x200000000); got != TypeWB {
		t.Errorf("MemoryType with no variable match = %v, want default WB", got)
	}
}

func TestMemoryTypeSingleVariableMatchWins(t *testing.T) {
	const base = uint64(0x100000)

	s := &Snapshot{
		enabled:      true,
		defaultType:  TypeUC,
		physAddrBits: 48,
		variable: []variableRange{
			{base: base, mask: maskFromBits(48) &^ 0xfff, typ: TypeWB, valid: true},
		},
	}

	if got := s.MemoryType(base); got != TypeWB {
		t.Errorf("MemoryType(%#x) = %v, want WB", base, got)
	}
}

// TestMemoryTypeHonoursHighAddressBits pins down the regression this test
// file exists to catch: the field packed into PHYSBASEn/PHYSMASKn is 36
// bits wide but starts at bit 12, so the address comparison must mask 48
// bits, not 36. A variable range that only differs from another one in
// bits 36-47 must not be conflated with it.
func TestMemoryTypeHonoursHighAddressBits(t *testing.T) {
	const highBase = uint64(1) << 40 // set only within bits 36-47

	s := &Snapshot{
		enabled:      true,
		defaultType:  TypeUC,
		physAddrBits: 48,
		variable: []variableRange{
			{base: highBase, mask: maskFromBits(48) &^ 0xfff, typ: TypeWB, valid: true},
		},
	}

	if got := s.MemoryType(highBase); got != TypeWB {
		t.Errorf("MemoryType(%#x) = %v, want WB (high bits must be compared)", highBase, got)
	}

	if got := s.MemoryType(0); got != TypeUC {
		t.Errorf("MemoryType(0) = %v, want default UC (must not alias with highBase)", got)
	}
}

func TestMemoryTypeOverlapPrecedence(t *testing.T) {
	const base = uint64(0x400000000)
	fullMask := maskFromBits(48) &^ 0xfff

	newSnapshot := func(types ...MemoryType) *Snapshot {
		s := &Snapshot{enabled: true, defaultType: TypeUC, physAddrBits: 48}
		for _, typ := range types {
			s.variable = append(s.variable, variableRange{base: base, mask: fullMask, typ: typ, valid: true})
		}

		return s
	}

	if got := newSnapshot(TypeWB, TypeUC).MemoryType(base); got != TypeUC {
		t.Errorf("UC+WB overlap = %v, want UC", got)
	}

	if got := newSnapshot(TypeWT, TypeWB).MemoryType(base); got != TypeWT {
		t.Errorf("WT+WB overlap = %v, want WT", got)
	}

	if got := newSnapshot(TypeWC, TypeWP).MemoryType(base); got != TypeWC {
		t.Errorf("WC+WP overlap (neither UC nor pure WT/WB) = %v, want first match WC", got)
	}
}
