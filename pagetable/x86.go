package pagetable

import "govmi/vmierr"

const (
	pageSize4K = 1 << 12
	pageSize2M = 1 << 21
	pageSize4M = 1 << 22
	pageSize1G = 1 << 30
)

// walkLegacy implements x86 2-level paging: PGD indexed by vaddr[31:22],
// 32-bit entries; PS=1 assembles a 4 MiB page, else a PTE indexed by
// vaddr[21:12] completes the walk to a 4 KiB page.
func walkLegacy(r PhysReader, dtb, vaddr uint64) (Info, error) {
	pgdIndex := (vaddr >> 22) & 0x3FF
	pgdAddr := (dtb &^ 0xFFF) + pgdIndex*4
	pde, err := read32(r, pgdAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkLegacy", vmierr.IOFailed, err)
	}
	entries := []Entry{{Level: "pde", PhysAddr: pgdAddr, Value: uint64(pde)}}
	if pde&uint32(PTEPresent) == 0 {
		return Info{}, vmierr.New("pagetable.walkLegacy", vmierr.TranslationFailed)
	}
	if pde&uint32(PTEPageSize) != 0 {
		paddr := (uint64(pde) &^ (pageSize4M - 1)) | (vaddr & (pageSize4M - 1))
		return Info{PhysAddr: paddr, PageSize: pageSize4M, Entries: entries}, nil
	}
	ptBase := uint64(pde) &^ 0xFFF
	ptIndex := (vaddr >> 12) & 0x3FF
	pteAddr := ptBase + ptIndex*4
	pte, err := read32(r, pteAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkLegacy", vmierr.IOFailed, err)
	}
	entries = append(entries, Entry{Level: "pte", PhysAddr: pteAddr, Value: uint64(pte)})
	if pte&uint32(PTEPresent) == 0 {
		return Info{}, vmierr.New("pagetable.walkLegacy", vmierr.TranslationFailed)
	}
	paddr := (uint64(pte) &^ 0xFFF) | (vaddr & 0xFFF)
	return Info{PhysAddr: paddr, PageSize: pageSize4K, Entries: entries}, nil
}

// walkPAE implements x86 3-level PAE paging: a 4-entry PDPT, a 9-bit PD
// index, a 9-bit PT index, 64-bit entries, PS supported at the PD level.
func walkPAE(r PhysReader, dtb, vaddr uint64) (Info, error) {
	pdptIndex := (vaddr >> 30) & 0x3
	pdptAddr := (dtb &^ 0x1F) + pdptIndex*8
	pdpte, err := read64(r, pdptAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkPAE", vmierr.IOFailed, err)
	}
	entries := []Entry{{Level: "pdpte", PhysAddr: pdptAddr, Value: pdpte}}
	if pdpte&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkPAE", vmierr.TranslationFailed)
	}

	pdIndex := (vaddr >> 21) & 0x1FF
	pdBase := pdpte &^ 0xFFF
	pdAddr := pdBase + pdIndex*8
	pde, err := read64(r, pdAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkPAE", vmierr.IOFailed, err)
	}
	entries = append(entries, Entry{Level: "pde", PhysAddr: pdAddr, Value: pde})
	if pde&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkPAE", vmierr.TranslationFailed)
	}
	if pde&PTEPageSize != 0 {
		paddr := (pde &^ (pageSize2M - 1)) | (vaddr & (pageSize2M - 1))
		return Info{PhysAddr: paddr, PageSize: pageSize2M, Entries: entries}, nil
	}

	ptIndex := (vaddr >> 12) & 0x1FF
	ptBase := pde &^ 0xFFF
	pteAddr := ptBase + ptIndex*8
	pte, err := read64(r, pteAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkPAE", vmierr.IOFailed, err)
	}
	entries = append(entries, Entry{Level: "pte", PhysAddr: pteAddr, Value: pte})
	if pte&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkPAE", vmierr.TranslationFailed)
	}
	paddr := (pte &^ 0xFFF) | (vaddr & 0xFFF)
	return Info{PhysAddr: paddr, PageSize: pageSize4K, Entries: entries}, nil
}

// walkIA32e implements x86-64 4-level paging: 9-bit indices PML4→PDPT→PD→PT,
// with 1 GiB and 2 MiB large pages honoured at the PDPT and PD levels.
func walkIA32e(r PhysReader, dtb, vaddr uint64) (Info, error) {
	pml4Index := (vaddr >> 39) & 0x1FF
	pml4Addr := (dtb &^ 0xFFF) + pml4Index*8
	pml4e, err := read64(r, pml4Addr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkIA32e", vmierr.IOFailed, err)
	}
	entries := []Entry{{Level: "pml4e", PhysAddr: pml4Addr, Value: pml4e}}
	if pml4e&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkIA32e", vmierr.TranslationFailed)
	}

	pdptIndex := (vaddr >> 30) & 0x1FF
	pdptAddr := (pml4e &^ 0xFFF) + pdptIndex*8
	pdpte, err := read64(r, pdptAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkIA32e", vmierr.IOFailed, err)
	}
	entries = append(entries, Entry{Level: "pdpte", PhysAddr: pdptAddr, Value: pdpte})
	if pdpte&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkIA32e", vmierr.TranslationFailed)
	}
	if pdpte&PTEPageSize != 0 {
		paddr := (pdpte &^ (pageSize1G - 1)) | (vaddr & (pageSize1G - 1))
		return Info{PhysAddr: paddr, PageSize: pageSize1G, Entries: entries}, nil
	}

	pdIndex := (vaddr >> 21) & 0x1FF
	pdAddr := (pdpte &^ 0xFFF) + pdIndex*8
	pde, err := read64(r, pdAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkIA32e", vmierr.IOFailed, err)
	}
	entries = append(entries, Entry{Level: "pde", PhysAddr: pdAddr, Value: pde})
	if pde&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkIA32e", vmierr.TranslationFailed)
	}
	if pde&PTEPageSize != 0 {
		paddr := (pde &^ (pageSize2M - 1)) | (vaddr & (pageSize2M - 1))
		return Info{PhysAddr: paddr, PageSize: pageSize2M, Entries: entries}, nil
	}

	ptIndex := (vaddr >> 12) & 0x1FF
	ptAddr := (pde &^ 0xFFF) + ptIndex*8
	pte, err := read64(r, ptAddr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkIA32e", vmierr.IOFailed, err)
	}
	entries = append(entries, Entry{Level: "pte", PhysAddr: ptAddr, Value: pte})
	if pte&PTEPresent == 0 {
		return Info{}, vmierr.New("pagetable.walkIA32e", vmierr.TranslationFailed)
	}
	paddr := (pte &^ 0xFFF) | (vaddr & 0xFFF)
	return Info{PhysAddr: paddr, PageSize: pageSize4K, Entries: entries}, nil
}

func enumerateLegacy(r PhysReader, dtb uint64) ([]VPage, error) {
	var pages []VPage
	for pgdIndex := uint64(0); pgdIndex < 1024; pgdIndex++ {
		pde, err := read32(r, (dtb&^0xFFF)+pgdIndex*4)
		if err != nil {
			return nil, vmierr.Wrap("pagetable.enumerateLegacy", vmierr.IOFailed, err)
		}
		if pde&uint32(PTEPresent) == 0 {
			continue
		}
		base := pgdIndex << 22
		if pde&uint32(PTEPageSize) != 0 {
			pages = append(pages, VPage{VAddr: base, PAddr: uint64(pde) &^ (pageSize4M - 1), Size: pageSize4M})
			continue
		}
		ptBase := uint64(pde) &^ 0xFFF
		for ptIndex := uint64(0); ptIndex < 1024; ptIndex++ {
			pte, err := read32(r, ptBase+ptIndex*4)
			if err != nil {
				continue
			}
			if pte&uint32(PTEPresent) == 0 {
				continue
			}
			vaddr := base | (ptIndex << 12)
			pages = append(pages, VPage{VAddr: vaddr, PAddr: uint64(pte) &^ 0xFFF, Size: pageSize4K})
		}
	}
	return pages, nil
}

func enumeratePAE(r PhysReader, dtb uint64) ([]VPage, error) {
	var pages []VPage
	for pdptIndex := uint64(0); pdptIndex < 4; pdptIndex++ {
		pdpte, err := read64(r, (dtb&^0x1F)+pdptIndex*8)
		if err != nil || pdpte&PTEPresent == 0 {
			continue
		}
		pdBase := pdpte &^ 0xFFF
		for pdIndex := uint64(0); pdIndex < 512; pdIndex++ {
			pde, err := read64(r, pdBase+pdIndex*8)
			if err != nil || pde&PTEPresent == 0 {
				continue
			}
			base := (pdptIndex << 30) | (pdIndex << 21)
			if pde&PTEPageSize != 0 {
				pages = append(pages, VPage{VAddr: base, PAddr: pde &^ (pageSize2M - 1), Size: pageSize2M})
				continue
			}
			ptBase := pde &^ 0xFFF
			for ptIndex := uint64(0); ptIndex < 512; ptIndex++ {
				pte, err := read64(r, ptBase+ptIndex*8)
				if err != nil || pte&PTEPresent == 0 {
					continue
				}
				pages = append(pages, VPage{VAddr: base | (ptIndex << 12), PAddr: pte &^ 0xFFF, Size: pageSize4K})
			}
		}
	}
	return pages, nil
}

func enumerateIA32e(r PhysReader, dtb uint64) ([]VPage, error) {
	var pages []VPage
	for pml4Index := uint64(0); pml4Index < 512; pml4Index++ {
		pml4e, err := read64(r, (dtb&^0xFFF)+pml4Index*8)
		if err != nil || pml4e&PTEPresent == 0 {
			continue
		}
		pdptBase := pml4e &^ 0xFFF
		for pdptIndex := uint64(0); pdptIndex < 512; pdptIndex++ {
			pdpte, err := read64(r, pdptBase+pdptIndex*8)
			if err != nil || pdpte&PTEPresent == 0 {
				continue
			}
			base1 := (pml4Index << 39) | (pdptIndex << 30)
			if pdpte&PTEPageSize != 0 {
				pages = append(pages, VPage{VAddr: base1, PAddr: pdpte &^ (pageSize1G - 1), Size: pageSize1G})
				continue
			}
			pdBase := pdpte &^ 0xFFF
			for pdIndex := uint64(0); pdIndex < 512; pdIndex++ {
				pde, err := read64(r, pdBase+pdIndex*8)
				if err != nil || pde&PTEPresent == 0 {
					continue
				}
				base2 := base1 | (pdIndex << 21)
				if pde&PTEPageSize != 0 {
					pages = append(pages, VPage{VAddr: base2, PAddr: pde &^ (pageSize2M - 1), Size: pageSize2M})
					continue
				}
				ptBase := pde &^ 0xFFF
				for ptIndex := uint64(0); ptIndex < 512; ptIndex++ {
					pte, err := read64(r, ptBase+ptIndex*8)
					if err != nil || pte&PTEPresent == 0 {
						continue
					}
					pages = append(pages, VPage{VAddr: base2 | (ptIndex << 12), PAddr: pte &^ 0xFFF, Size: pageSize4K})
				}
			}
		}
	}
	return pages, nil
}
