package osview

import (
	"bytes"
	"encoding/binary"

	"govmi/pagetable"
	"govmi/vmierr"
)

// FindSystemEProcess performs the last-resort kpgd discovery strategy
// named in spec §4.F: an exhaustive physical scan for the "System"
// process's EPROCESS block (pid 4, ImageFileName "System"), used when
// neither the driver's reported CR3 nor the DirectoryTableBase of a
// configured win_sysproc EPROCESS confirms a page mode. It mirrors libvmi's
// get_kpgd_method2 fallback in os/windows/core.c, scanned at pointer
// granularity since EPROCESS is never packed tighter than that.
func FindSystemEProcess(r peImageReader, offsets WindowsOffsets, maxPhysicalAddress uint64) (uint64, error) {
	const step = 8
	pidBuf := make([]byte, 4)
	nameBuf := make([]byte, 8)
	last := uint64(offsets.ImageFileName) + 8
	if uint64(offsets.UniqueProcessId)+4 > last {
		last = uint64(offsets.UniqueProcessId) + 4
	}
	for paddr := uint64(0); paddr+last < maxPhysicalAddress; paddr += step {
		if err := r.ReadPhys(paddr+uint64(offsets.UniqueProcessId), pidBuf); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(pidBuf) != 4 {
			continue
		}
		if err := r.ReadPhys(paddr+uint64(offsets.ImageFileName), nameBuf); err != nil {
			continue
		}
		if string(bytes.TrimRight(nameBuf, "\x00")) == "System" {
			return paddr, nil
		}
	}
	return 0, vmierr.New("osview.FindSystemEProcess", vmierr.TranslationFailed)
}

// DiscoverPageMode tries each x86 page mode in turn against a candidate
// kpgd, confirming the right (mode, kpgd) pair by walking ntoskrnlVA under
// it and checking the result lands on the page containing ntoskrnlPhys,
// mirroring find_page_mode in os/windows/core.c. Legacy and PAE candidates
// are masked to 32 bits first since CR3 only has meaningful bits in that
// range outside of long mode.
func DiscoverPageMode(phys pagetable.PhysReader, ntoskrnlPhys, ntoskrnlVA, kpgdCandidate uint64) (pagetable.Mode, uint64, error) {
	const mask32 = uint64(0xFFFFFFFF)

	try := func(mode pagetable.Mode, kpgd uint64) bool {
		info, err := pagetable.Walk(mode, phys, kpgd, ntoskrnlVA)
		if err != nil {
			return false
		}
		return info.PhysAddr&^(info.PageSize-1) == ntoskrnlPhys&^(info.PageSize-1)
	}

	if try(pagetable.ModeLegacy, kpgdCandidate&mask32) {
		return pagetable.ModeLegacy, kpgdCandidate & mask32, nil
	}
	if try(pagetable.ModePAE, kpgdCandidate&mask32) {
		return pagetable.ModePAE, kpgdCandidate & mask32, nil
	}
	if try(pagetable.ModeIA32e, kpgdCandidate) {
		return pagetable.ModeIA32e, kpgdCandidate, nil
	}
	return pagetable.ModeUnknown, 0, vmierr.New("osview.DiscoverPageMode", vmierr.TranslationFailed)
}
