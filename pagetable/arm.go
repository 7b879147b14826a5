package pagetable

import "govmi/vmierr"

const (
	armSize4K  = 1 << 12
	armSize64K = 1 << 16
	armSize1M  = 1 << 20
	armSize16M = 1 << 24
)

// TTBRSplit picks the first-level table base (TTBR0 or TTBR1) for a given
// vaddr according to TTBCR's N-bit split: TTBR0 covers the low
// 2^(32-N) bytes of the address space, TTBR1 covers the rest. N=0 always
// selects TTBR0, matching the single-table short-descriptor default.
func TTBRSplit(ttbr0, ttbr1 uint64, ttbcrN uint, vaddr uint64) uint64 {
	if ttbcrN == 0 {
		return ttbr0
	}
	boundary := uint64(1) << (32 - ttbcrN)
	if vaddr < boundary {
		return ttbr0
	}
	return ttbr1
}

// walkAArch32 implements the ARM short-descriptor format: a first-level
// descriptor at the selected TTBR, indexed by vaddr[31:20]. Section (1M)
// and supersection (16M) descriptors terminate the walk at level 1;
// otherwise the descriptor points to a second-level coarse page table
// indexed by vaddr[19:12], yielding a small (4K) or large (64K) page.
func walkAArch32(r PhysReader, ttbr, vaddr uint64) (Info, error) {
	l1Index := (vaddr >> 20) & 0xFFF
	l1Addr := (ttbr &^ 0x3FFF) + l1Index*4
	l1, err := read32(r, l1Addr)
	if err != nil {
		return Info{}, vmierr.Wrap("pagetable.walkAArch32", vmierr.IOFailed, err)
	}
	entries := []Entry{{Level: "l1", PhysAddr: l1Addr, Value: uint64(l1)}}

	switch l1 & 0x3 {
	case 0x0:
		return Info{}, vmierr.New("pagetable.walkAArch32", vmierr.TranslationFailed)
	case 0x2:
		if l1&(1<<18) != 0 {
			paddr := (uint64(l1) &^ (armSize16M - 1)) | (vaddr & (armSize16M - 1))
			return Info{PhysAddr: paddr, PageSize: armSize16M, Entries: entries}, nil
		}
		paddr := (uint64(l1) &^ (armSize1M - 1)) | (vaddr & (armSize1M - 1))
		return Info{PhysAddr: paddr, PageSize: armSize1M, Entries: entries}, nil
	default: // 0x1 (page table) or 0x3 (PXN-qualified page table)
		l2Base := uint64(l1) &^ 0x3FF
		l2Index := (vaddr >> 12) & 0xFF
		l2Addr := l2Base + l2Index*4
		l2, err := read32(r, l2Addr)
		if err != nil {
			return Info{}, vmierr.Wrap("pagetable.walkAArch32", vmierr.IOFailed, err)
		}
		entries = append(entries, Entry{Level: "l2", PhysAddr: l2Addr, Value: uint64(l2)})
		switch l2 & 0x3 {
		case 0x1: // large page, 64K
			paddr := (uint64(l2) &^ (armSize64K - 1)) | (vaddr & (armSize64K - 1))
			return Info{PhysAddr: paddr, PageSize: armSize64K, Entries: entries}, nil
		case 0x2, 0x3: // small page, 4K
			paddr := (uint64(l2) &^ (armSize4K - 1)) | (vaddr & (armSize4K - 1))
			return Info{PhysAddr: paddr, PageSize: armSize4K, Entries: entries}, nil
		default:
			return Info{}, vmierr.New("pagetable.walkAArch32", vmierr.TranslationFailed)
		}
	}
}

func enumerateAArch32(r PhysReader, ttbr uint64) ([]VPage, error) {
	var pages []VPage
	for l1Index := uint64(0); l1Index < 4096; l1Index++ {
		l1, err := read32(r, (ttbr&^0x3FFF)+l1Index*4)
		if err != nil {
			continue
		}
		base := l1Index << 20
		switch l1 & 0x3 {
		case 0x2:
			if l1&(1<<18) != 0 {
				pages = append(pages, VPage{VAddr: base, PAddr: uint64(l1) &^ (armSize16M - 1), Size: armSize16M})
			} else {
				pages = append(pages, VPage{VAddr: base, PAddr: uint64(l1) &^ (armSize1M - 1), Size: armSize1M})
			}
		case 0x1, 0x3:
			l2Base := uint64(l1) &^ 0x3FF
			for l2Index := uint64(0); l2Index < 256; l2Index++ {
				l2, err := read32(r, l2Base+l2Index*4)
				if err != nil {
					continue
				}
				vaddr := base | (l2Index << 12)
				switch l2 & 0x3 {
				case 0x1:
					pages = append(pages, VPage{VAddr: vaddr, PAddr: uint64(l2) &^ (armSize64K - 1), Size: armSize64K})
				case 0x2, 0x3:
					pages = append(pages, VPage{VAddr: vaddr, PAddr: uint64(l2) &^ (armSize4K - 1), Size: armSize4K})
				}
			}
		}
	}
	return pages, nil
}
