package memory_test

import (
	"testing"
	"unsafe"

	"github.com/nmi/hvpp-go/memory"
)

func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestAllocPage(t *testing.T) {
	a, err := memory.New(4 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	p1, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	if len(p1) != memory.PageSize {
		t.Fatalf("len(p1) = %d, want %d", len(p1), memory.PageSize)
	}

	p2, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	for i := range p2 {
		if p2[i] != 0 {
			t.Fatalf("AllocPage did not zero byte %d", i)
		}
	}
}

func TestAllocExhausted(t *testing.T) {
	a, err := memory.New(memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.AllocPage(); err != nil {
		t.Fatal(err)
	}

	if _, err := a.AllocPage(); err != memory.ErrNotEnoughMemory {
		t.Fatalf("got %v, want ErrNotEnoughMemory", err)
	}
}

func TestPAFromVARoundTrip(t *testing.T) {
	a, err := memory.New(2 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	buf, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	va := uintptrOf(buf)

	pa, err := a.PAFromVA(va)
	if err != nil {
		t.Fatal(err)
	}

	gotVA, err := a.VAFromPA(pa)
	if err != nil {
		t.Fatal(err)
	}

	if gotVA != va {
		t.Fatalf("VAFromPA(PAFromVA(va)) = %#x, want %#x", gotVA, va)
	}
}

func TestPAFromVAOutOfRange(t *testing.T) {
	a, err := memory.New(memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.PAFromVA(0); err != memory.ErrOutOfRange {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestBytesAtRoundTrip(t *testing.T) {
	a, err := memory.New(2 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	page, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	page[0] = 0xab

	pa, err := a.PAFromVA(uintptrOf(page))
	if err != nil {
		t.Fatal(err)
	}

	got, err := a.BytesAt(pa, memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if got[0] != 0xab {
		t.Fatalf("BytesAt aliases a different buffer: got[0] = %#x, want 0xab", got[0])
	}

	got[1] = 0xcd

	if page[1] != 0xcd {
		t.Fatal("BytesAt returned a copy, not an alias of the arena's backing memory")
	}
}

func TestBytesAtOutOfRange(t *testing.T) {
	a, err := memory.New(memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.BytesAt(0, memory.PageSize); err != memory.ErrOutOfRange {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}

	pa, err := a.PAFromVA(uintptrOf(a.BaseVA()))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.BytesAt(pa, memory.PageSize+1); err != memory.ErrOutOfRange {
		t.Fatalf("BytesAt past the arena end: got %v, want ErrOutOfRange", err)
	}
}

func TestAllocAlignment(t *testing.T) {
	a, err := memory.New(4 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.Alloc(3, 1); err != nil {
		t.Fatal(err)
	}

	buf, err := a.Alloc(16, memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if uintptrOf(buf)%memory.PageSize != 0 {
		t.Fatal("page-aligned allocation is not page-aligned")
	}
}
