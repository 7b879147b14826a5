package osview

import (
	"encoding/binary"

	"govmi/pagetable"
	"govmi/profile"
	"govmi/vmierr"
)

// WindowsOffsets are the _EPROCESS/_KPROCESS field offsets spec §4.F names
// for Windows: ActiveProcessLinks, UniqueProcessId, DirectoryTableBase
// (pdbase, on _KPROCESS) and ImageFileName.
type WindowsOffsets struct {
	ActiveProcessLinks int64
	UniqueProcessId    int64
	DirectoryTableBase int64
	ImageFileName      int64
}

// WindowsView walks the doubly linked EPROCESS list rooted at
// PsActiveProcessHead, grounded in libvmi/os/windows/memory.c and
// os/windows/core.c's get_kpgd_method0/1/2 family.
type WindowsView struct {
	Offsets WindowsOffsets
	KPGD    uint64

	// ActiveProcessHead is the kernel virtual address of
	// PsActiveProcessHead, the LIST_ENTRY anchoring every EPROCESS via
	// its ActiveProcessLinks field.
	ActiveProcessHead uint64

	// Profile, when non-nil, is consulted first for symbol-to-RVA
	// resolution (strategy 1 of KsymToVaddr).
	Profile *profile.Resolver
	// KDBG, when non-nil, is consulted second (strategy 2).
	KDBG *KDBGTable
	// NtoskrnlBase is the kernel-virtual load base used to turn RVAs
	// from either source into absolute addresses, and as the scan
	// origin for the PE-export fallback (strategy 3).
	NtoskrnlBase uint64
	// NtoskrnlPhys is the matching physical base, used only by the
	// PE-export fallback scan.
	NtoskrnlPhys uint64
}

func (v *WindowsView) GetOffset(name string) (int64, error) {
	switch name {
	case "win_tasks":
		return v.Offsets.ActiveProcessLinks, nil
	case "win_pid":
		return v.Offsets.UniqueProcessId, nil
	case "win_pdbase":
		return v.Offsets.DirectoryTableBase, nil
	case "win_pname":
		return v.Offsets.ImageFileName, nil
	default:
		return 0, vmierr.New("osview.WindowsView.GetOffset:"+name, vmierr.ProfileMissing)
	}
}

func (v *WindowsView) readU32(r Reader, vaddr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadVA(v.KPGD, vaddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (v *WindowsView) readAddr(r Reader, vaddr uint64) (uint64, error) {
	width := r.AddressWidth()
	buf := make([]byte, width)
	if err := r.ReadVA(v.KPGD, vaddr, buf); err != nil {
		return 0, err
	}
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// eprocessFromPid walks the circular ActiveProcessLinks list looking for
// a matching pid, returning the address of EPROCESS.ActiveProcessLinks
// (not the struct base), mirroring libvmi's eprocess_list_search.
func (v *WindowsView) eprocessFromPid(r Reader, pid int) (uint64, error) {
	head := v.ActiveProcessHead
	next := head
	for {
		nextEntry, err := v.readAddr(r, next)
		if err != nil {
			return 0, err
		}
		next = nextEntry
		if next == head {
			return 0, vmierr.New("osview.WindowsView.eprocessFromPid", vmierr.TranslationFailed)
		}
		eprocess := next - uint64(v.Offsets.ActiveProcessLinks)
		gotPid, err := v.readU32(r, eprocess+uint64(v.Offsets.UniqueProcessId))
		if err != nil {
			continue
		}
		if int(gotPid) == pid {
			return next, nil
		}
	}
}

// PidToPGD mirrors windows_pid_to_pgd: find the EPROCESS, read
// DirectoryTableBase off the embedded KPROCESS, and translate it.
func (v *WindowsView) PidToPGD(r Reader, pid int) (uint64, error) {
	links, err := v.eprocessFromPid(r, pid)
	if err != nil {
		return 0, err
	}
	eprocess := links - uint64(v.Offsets.ActiveProcessLinks)
	pgd, err := v.readAddr(r, eprocess+uint64(v.Offsets.DirectoryTableBase))
	if err != nil {
		return 0, err
	}
	phys, err := r.TranslateKV2P(pgd)
	if err != nil {
		// DirectoryTableBase is already a physical address on Windows
		// (unlike Linux's mm->pgd), so a failed kv2p just means it was
		// physical all along.
		return pgd, nil
	}
	return phys, nil
}

// PGDToPid walks every EPROCESS comparing DirectoryTableBase, mirroring
// the inverse search used by get_kpgd_method2/eprocess_list_search.
func (v *WindowsView) PGDToPid(r Reader, pgd uint64) (int, error) {
	head := v.ActiveProcessHead
	next := head
	for {
		nextEntry, err := v.readAddr(r, next)
		if err != nil {
			return 0, err
		}
		next = nextEntry
		if next == head {
			return 0, vmierr.New("osview.WindowsView.PGDToPid", vmierr.TranslationFailed)
		}
		eprocess := next - uint64(v.Offsets.ActiveProcessLinks)
		dtb, err := v.readAddr(r, eprocess+uint64(v.Offsets.DirectoryTableBase))
		if err != nil {
			continue
		}
		if dtb == pgd {
			pidVal, err := v.readU32(r, eprocess+uint64(v.Offsets.UniqueProcessId))
			if err != nil {
				return 0, err
			}
			return int(pidVal), nil
		}
	}
}

// KsymToVaddr resolves a kernel symbol name to an absolute kernel virtual
// address using three strategies in order, per SPEC_FULL.md §10: a
// structured profile lookup, a KDBG symbol-block decode, and finally a
// PE export-table scan of ntoskrnl.exe's in-memory image.
func (v *WindowsView) KsymToVaddr(r Reader, name string) (uint64, error) {
	if v.Profile != nil {
		if rva, err := v.Profile.LookupConstant(name); err == nil {
			return v.NtoskrnlBase + rva, nil
		}
	}
	if v.KDBG != nil {
		if rva, ok := v.KDBG.Lookup(name); ok {
			return v.NtoskrnlBase + rva, nil
		}
	}
	if v.NtoskrnlPhys != 0 {
		if rva, err := exportTableRVA(r, v.NtoskrnlPhys, name); err == nil {
			return v.NtoskrnlBase + rva, nil
		}
	}
	return 0, vmierr.New("osview.WindowsView.KsymToVaddr:"+name, vmierr.ProfileMissing)
}

// ReadUnicodeString decodes a Windows UNICODE_STRING (Length uint16,
// MaximumLength uint16, padding, Buffer pointer) at vaddr and returns its
// UTF-16LE contents as a Go string, grounded in
// os/windows/unicode.c's windows_read_unicode_struct.
func (v *WindowsView) ReadUnicodeString(r Reader, vaddr uint64, pid int) (string, error) {
	dtb := v.KPGD
	if pid != 0 {
		d, err := v.PidToPGD(r, pid)
		if err == nil {
			dtb = d
		}
	}
	return readUnicodeString(r, dtb, vaddr, r.PageMode() == pagetable.ModeIA32e)
}
