package osview

import (
	"bytes"
	"encoding/binary"

	"govmi/vmierr"
)

// kdbgTag is the four-byte OwnerTag stamped at the head of the
// _KDDEBUGGER_DATA64 block embedded in ntoskrnl.exe.
var kdbgTag = []byte("KDBG")

// KDBGTable is a minimal decode of the in-memory KDBG debugger-data block,
// used as KsymToVaddr's second-choice symbol source (after a structured
// profile, before the PE export scan) per SPEC_FULL.md §10. It exposes
// only the two symbols govmi's process-list walk actually needs; the full
// per-build KDBG layout runs to dozens of fields and is out of scope.
type KDBGTable struct {
	psActiveProcessHead uint64
	psLoadedModuleList  uint64
}

// kdbgHeaderSize is the byte span read starting at the tag to recover the
// two pointer fields this decoder understands. The _KDDEBUGGER_DATA64
// header places a _DBGKD_DEBUG_DATA_HEADER64 (16 bytes: List, OwnerTag,
// Size) immediately before KernBase, then PsLoadedModuleList at +8 and
// PsActiveProcessHead at +16 from KernBase in the classic x64 layout.
const kdbgHeaderSize = 0x40

// DecodeKDBG scans a physical memory image (typically the ntoskrnl.exe
// region) for the KDBG signature and decodes the fixed x64 header layout.
// The decoded pointers are turned into RVAs relative to the block's own
// KernBase field; ntoskrnlPhys is not consulted by the decode.
func DecodeKDBG(image []byte, ntoskrnlPhys uint64) (*KDBGTable, error) {
	idx := bytes.Index(image, kdbgTag)
	if idx < 0 || idx+kdbgHeaderSize > len(image) {
		return nil, vmierr.New("osview.DecodeKDBG", vmierr.ProfileMissing)
	}
	kernBase := binary.LittleEndian.Uint64(image[idx+0x10 : idx+0x18])
	loadedModuleList := binary.LittleEndian.Uint64(image[idx+0x18 : idx+0x20])
	activeProcessHead := binary.LittleEndian.Uint64(image[idx+0x20 : idx+0x28])
	if kernBase == 0 {
		return nil, vmierr.New("osview.DecodeKDBG", vmierr.ProfileMissing)
	}
	return &KDBGTable{
		psLoadedModuleList:  loadedModuleList - kernBase,
		psActiveProcessHead: activeProcessHead - kernBase,
	}, nil
}

// kdbgScanSpan bounds how much of the kernel image DecodeKDBG scans for
// the KDBG signature. The block lives in ntoskrnl's .data section, well
// within the first few megabytes of the image.
const kdbgScanSpan = 4 << 20

// ReadKDBG reads kdbgScanSpan bytes of physical memory starting at
// ntoskrnlPhys and decodes the embedded KDBG block, per spec §4.F's
// KDBG-decode symbol-resolution strategy (the middle of the three).
func ReadKDBG(r peImageReader, ntoskrnlPhys uint64) (*KDBGTable, error) {
	image := make([]byte, kdbgScanSpan)
	if err := r.ReadPhys(ntoskrnlPhys, image); err != nil {
		return nil, err
	}
	return DecodeKDBG(image, ntoskrnlPhys)
}

// Lookup resolves the two symbol names this decoder understands to an RVA
// relative to the owning ntoskrnl image.
func (t *KDBGTable) Lookup(name string) (uint64, bool) {
	switch name {
	case "PsActiveProcessHead":
		return t.psActiveProcessHead, t.psActiveProcessHead != 0
	case "PsLoadedModuleList":
		return t.psLoadedModuleList, t.psLoadedModuleList != 0
	default:
		return 0, false
	}
}
