// Package pagetable implements the architecture-specific guest virtual to
// guest physical pagetable walks named in spec §4.C: x86 legacy (2-level),
// PAE (3-level), IA-32e (4-level), and ARM short-descriptor (2-level).
//
// The walker never touches a driver or cache directly — it reads guest
// physical memory only through the PhysReader it is given, so the same
// walk code runs unchanged against the live page cache or a snapshot's
// zero-copy mapping.
package pagetable

import (
	"encoding/binary"
	"sort"

	"govmi/vmierr"
)

// Mode is the page-mode descriptor from spec §3: pointer width, top-level
// index bits and walk-function identity, immutable once set.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeLegacy       // x86, 2-level, 4K/4M pages
	ModePAE          // x86, 3-level, 4K/2M pages
	ModeIA32e        // x86-64, 4-level, 4K/2M/1G pages
	ModeAArch32      // ARM short-descriptor, 2-level
)

// PointerWidth returns the pointer width, in bytes, for the mode.
func (m Mode) PointerWidth() int {
	if m == ModeLegacy || m == ModeAArch32 {
		return 4
	}
	return 8
}

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModePAE:
		return "pae"
	case ModeIA32e:
		return "ia-32e"
	case ModeAArch32:
		return "aarch32"
	default:
		return "unknown"
	}
}

// PhysReader is the only way the walker touches guest memory: a read of
// `len(buf)` bytes at guest-physical address paddr. Implemented by the
// page cache (live mode) or a snapshot's pointer-arithmetic reader.
type PhysReader interface {
	ReadPhys(paddr uint64, buf []byte) error
}

// Entry records one pagetable entry the walker consulted: its physical
// location and raw value, kept for analysis clients per spec §3's "Page
// info" data model.
type Entry struct {
	Level    string
	PhysAddr uint64
	Value    uint64
}

// Info is the architecture-tagged record a successful walk produces.
type Info struct {
	PhysAddr uint64
	PageSize uint64
	Entries  []Entry
}

// VPage is one (vaddr, paddr, size) leaf yielded by EnumerateMapped.
type VPage struct {
	VAddr uint64
	PAddr uint64
	Size  uint64
}

// x86 pagetable entry flags, shared across legacy/PAE/IA-32e since the
// low-order bit layout is architecturally identical across all three
// modes (only the entry width and index split change).
const (
	PTEPresent      uint64 = 1 << 0
	PTEReadWrite    uint64 = 1 << 1
	PTEUserSuper    uint64 = 1 << 2
	PTEWriteThrough uint64 = 1 << 3
	PTECacheDisable uint64 = 1 << 4
	PTEAccessed     uint64 = 1 << 5
	PTEDirty        uint64 = 1 << 6
	PTEPageSize     uint64 = 1 << 7 // PS bit: large page at this level
	PTEGlobal       uint64 = 1 << 8
)

func read32(r PhysReader, paddr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadPhys(paddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func read64(r PhysReader, paddr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadPhys(paddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Walk translates vaddr to a physical address under dtb using the walk
// strategy selected by mode. A present-bit failure at any level returns
// an error wrapping vmierr.TranslationFailed.
func Walk(mode Mode, r PhysReader, dtb, vaddr uint64) (Info, error) {
	switch mode {
	case ModeLegacy:
		return walkLegacy(r, dtb, vaddr)
	case ModePAE:
		return walkPAE(r, dtb, vaddr)
	case ModeIA32e:
		return walkIA32e(r, dtb, vaddr)
	case ModeAArch32:
		return walkAArch32(r, dtb, vaddr)
	default:
		return Info{}, vmierr.New("pagetable.Walk", vmierr.NotSupported)
	}
}

// EnumerateMapped performs the "collect all mapped pages under this dtb"
// traversal used by the snapshot engine: depth-first, yielding every leaf
// encountered. Translation failures (holes in the address space) are
// swallowed, per spec §4.C and §7's sweep recovery policy. In legacy mode
// a read failure of a root-table entry aborts the sweep; the PAE, IA-32e
// and ARM sweeps skip unreadable entries at every level. The
// result is sorted by vaddr, which spec §4.C requires deterministically.
func EnumerateMapped(mode Mode, r PhysReader, dtb uint64) ([]VPage, error) {
	var pages []VPage
	var err error
	switch mode {
	case ModeLegacy:
		pages, err = enumerateLegacy(r, dtb)
	case ModePAE:
		pages, err = enumeratePAE(r, dtb)
	case ModeIA32e:
		pages, err = enumerateIA32e(r, dtb)
	case ModeAArch32:
		pages, err = enumerateAArch32(r, dtb)
	default:
		return nil, vmierr.New("pagetable.EnumerateMapped", vmierr.NotSupported)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].VAddr < pages[j].VAddr })
	return pages, nil
}
