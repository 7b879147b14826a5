package pagetable_test

import (
	"encoding/binary"
	"testing"

	"govmi/pagetable"
)

// memReader is an in-memory PhysReader backed by a flat byte slice,
// addressed directly by guest-physical address (test fixture only).
type memReader struct {
	mem []byte
}

func (m *memReader) ReadPhys(paddr uint64, buf []byte) error {
	copy(buf, m.mem[paddr:])
	return nil
}

func newMemReader(size int) *memReader {
	return &memReader{mem: make([]byte, size)}
}

func (m *memReader) putPDE64(paddr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.mem[paddr:], v)
}

func TestWalkIA32eLargePage(t *testing.T) {
	r := newMemReader(1 << 24)
	const dtb = 0x1000
	const vaddr = 0x0000000000201000 // pml4=0 pdpt=0 pd=1 offset within 2M page
	pml4Addr := uint64(dtb)
	pdptAddr := uint64(0x2000)
	pdAddr := uint64(0x3000)

	r.putPDE64(pml4Addr, pdptAddr|pagetable.PTEPresent|pagetable.PTEReadWrite)
	r.putPDE64(pdptAddr, pdAddr|pagetable.PTEPresent|pagetable.PTEReadWrite)
	// PDE with PS=1, physical base 0x400000 (2MiB aligned)
	const physBase = 0x400000
	pdIndex := (uint64(vaddr) >> 21) & 0x1FF
	r.putPDE64(pdAddr+pdIndex*8, physBase|pagetable.PTEPresent|pagetable.PTEReadWrite|pagetable.PTEPageSize)

	info, err := pagetable.Walk(pagetable.ModeIA32e, r, dtb, vaddr)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if info.PageSize != 1<<21 {
		t.Fatalf("PageSize = %#x, want 2MiB", info.PageSize)
	}
	wantPhys := (uint64(physBase) &^ (1<<21 - 1)) | (vaddr & (1<<21 - 1))
	if info.PhysAddr != wantPhys {
		t.Fatalf("PhysAddr = %#x, want %#x", info.PhysAddr, wantPhys)
	}
}

func TestWalkLegacyNotPresent(t *testing.T) {
	r := newMemReader(1 << 16)
	_, err := pagetable.Walk(pagetable.ModeLegacy, r, 0, 0x1000)
	if err == nil {
		t.Fatal("expected translation-failed error for absent PDE")
	}
}

func TestTTBRSplit(t *testing.T) {
	const ttbr0, ttbr1 = 0x1000, 0x2000
	if got := pagetable.TTBRSplit(ttbr0, ttbr1, 0, 0xFFFFFFFF); got != ttbr0 {
		t.Fatalf("N=0 should always select TTBR0, got %#x", got)
	}
	if got := pagetable.TTBRSplit(ttbr0, ttbr1, 2, 0x3FFFFFFF); got != ttbr0 {
		t.Fatalf("low address should select TTBR0, got %#x", got)
	}
	if got := pagetable.TTBRSplit(ttbr0, ttbr1, 2, 0xC0000000); got != ttbr1 {
		t.Fatalf("high address should select TTBR1, got %#x", got)
	}
}
