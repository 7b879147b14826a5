// Package osview reconstructs process lists, kernel symbol tables and
// per-process directory-table bases from raw physical memory access, per
// spec §4.F. Linux and Windows share the View interface; neither
// implementation stores a back-reference to the owning Instance (spec §9's
// "cycles" redesign note) — every method takes a borrowed Reader instead.
package osview

import "govmi/pagetable"

// Reader is the narrow slice of Instance capability osview needs: virtual
// and physical reads, and the kernel-virtual-to-physical convenience used
// throughout libvmi/os/linux/memory.c's pgd resolution. Ownership flows
// one way, Instance → View; View never stores a Reader, only borrows one
// per call.
type Reader interface {
	ReadVA(dtb, vaddr uint64, buf []byte) error
	ReadPhys(paddr uint64, buf []byte) error
	TranslateKV2P(vaddr uint64) (uint64, error)
	PageMode() pagetable.Mode
	AddressWidth() int
}

// View is the common interface Linux and Windows OS-views implement.
type View interface {
	// GetOffset returns a cached, OS-defined offset by name (e.g.
	// "linux_tasks", "win_pdbase").
	GetOffset(name string) (int64, error)

	PidToPGD(r Reader, pid int) (uint64, error)
	PGDToPid(r Reader, pgd uint64) (int, error)
	KsymToVaddr(r Reader, name string) (uint64, error)
	ReadUnicodeString(r Reader, vaddr uint64, pid int) (string, error)
}
