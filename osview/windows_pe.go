package osview

import (
	"bytes"
	"encoding/binary"

	"govmi/vmierr"
)

const pageSize4K = 0x1000

// peImageReader is the narrow capability this file's PE helpers need:
// physical reads of whatever size the caller asks for.
type peImageReader interface {
	ReadPhys(paddr uint64, buf []byte) error
}

// peExportDirectory mirrors the fields of IMAGE_EXPORT_DIRECTORY this
// package actually consumes.
type peExportDirectory struct {
	flags     uint32
	timestamp uint32
	major     uint16
	minor     uint16
	nameRVA   uint32
}

// peHeaders is the subset of DOS/PE/optional-header offsets the rest of
// this file needs, parsed once and shared by readExportDirectory and
// readImageBase.
type peHeaders struct {
	optHeaderOffset uint32
	magic           uint16
}

// parsePEHeaders validates the DOS "MZ" signature and the PE signature at
// e_lfanew, and locates the optional header, grounded in peparse.c's
// peparse_assign_headers.
func parsePEHeaders(page []byte) (peHeaders, error) {
	var h peHeaders
	if len(page) < 0x40 || page[0] != 'M' || page[1] != 'Z' {
		return h, vmierr.New("osview.parsePEHeaders", vmierr.TranslationFailed)
	}
	peOffset := binary.LittleEndian.Uint32(page[0x3C:0x40])
	if int(peOffset)+0x18 > len(page) || !bytes.Equal(page[peOffset:peOffset+4], []byte("PE\x00\x00")) {
		return h, vmierr.New("osview.parsePEHeaders", vmierr.TranslationFailed)
	}
	h.optHeaderOffset = peOffset + 0x18
	if int(h.optHeaderOffset)+2 > len(page) {
		return h, vmierr.New("osview.parsePEHeaders", vmierr.TranslationFailed)
	}
	h.magic = binary.LittleEndian.Uint16(page[h.optHeaderOffset : h.optHeaderOffset+2])
	if h.magic != 0x10b && h.magic != 0x20b {
		return h, vmierr.New("osview.parsePEHeaders", vmierr.TranslationFailed)
	}
	return h, nil
}

// readImageBase returns the optional header's ImageBase field: the
// kernel's preferred (linked) virtual load address. Combined with a
// physically-located kernel base, this lets page-mode discovery confirm a
// candidate kpgd/mode pair without needing a live KPCR/GS_BASE read.
func readImageBase(page []byte) (uint64, error) {
	h, err := parsePEHeaders(page)
	if err != nil {
		return 0, err
	}
	if h.magic == 0x10b { // PE32: ImageBase is a 4-byte field at +28
		off := h.optHeaderOffset + 28
		if int(off)+4 > len(page) {
			return 0, vmierr.New("osview.readImageBase", vmierr.TranslationFailed)
		}
		return uint64(binary.LittleEndian.Uint32(page[off : off+4])), nil
	}
	off := h.optHeaderOffset + 24 // PE32+: ImageBase is an 8-byte field at +24
	if int(off)+8 > len(page) {
		return 0, vmierr.New("osview.readImageBase", vmierr.TranslationFailed)
	}
	return binary.LittleEndian.Uint64(page[off : off+8]), nil
}

// ReadImageBase reads ntoskrnlPhys's page and returns its PE ImageBase.
func ReadImageBase(r peImageReader, ntoskrnlPhys uint64) (uint64, error) {
	page := make([]byte, pageSize4K)
	if err := r.ReadPhys(ntoskrnlPhys, page); err != nil {
		return 0, err
	}
	return readImageBase(page)
}

// readExportDirectory parses a page already known to start with a PE
// image (DOS header "MZ" at offset 0, PE header at e_lfanew) and returns
// its export directory, grounded in peparse.c's
// peparse_assign_headers/peparse_get_idd_rva used by get_ntoskrnl_base.
func readExportDirectory(page []byte) (peExportDirectory, uint32, error) {
	var dir peExportDirectory
	h, err := parsePEHeaders(page)
	if err != nil {
		return dir, 0, err
	}
	var dataDirOffset uint32
	switch h.magic {
	case 0x10b: // PE32
		dataDirOffset = h.optHeaderOffset + 96
	case 0x20b: // PE32+
		dataDirOffset = h.optHeaderOffset + 112
	}
	if int(dataDirOffset)+8 > len(page) {
		return dir, 0, vmierr.New("osview.readExportDirectory", vmierr.TranslationFailed)
	}
	exportRVA := binary.LittleEndian.Uint32(page[dataDirOffset : dataDirOffset+4])
	if exportRVA == 0 || int(exportRVA)+20 > len(page) {
		return dir, 0, vmierr.New("osview.readExportDirectory", vmierr.TranslationFailed)
	}
	dir.flags = binary.LittleEndian.Uint32(page[exportRVA : exportRVA+4])
	dir.timestamp = binary.LittleEndian.Uint32(page[exportRVA+4 : exportRVA+8])
	dir.major = binary.LittleEndian.Uint16(page[exportRVA+8 : exportRVA+10])
	dir.minor = binary.LittleEndian.Uint16(page[exportRVA+10 : exportRVA+12])
	dir.nameRVA = binary.LittleEndian.Uint32(page[exportRVA+12 : exportRVA+16])
	return dir, exportRVA, nil
}

// FindNtoskrnlBase scans physical memory page by page starting at
// startPaddr looking for a PE image whose export table names it
// "ntoskrnl.exe", mirroring get_ntoskrnl_base in os/windows/core.c. The
// Instance uses it whenever no win_ntoskrnl address is configured.
func FindNtoskrnlBase(r peImageReader, startPaddr, maxPhysicalAddress uint64) (uint64, error) {
	page := make([]byte, pageSize4K)
	for paddr := startPaddr; paddr+pageSize4K < maxPhysicalAddress; paddr += pageSize4K {
		if err := r.ReadPhys(paddr, page); err != nil {
			continue
		}
		dir, _, err := readExportDirectory(page)
		if err != nil || dir.flags != 0 || dir.nameRVA == 0 {
			continue
		}
		nameBuf := make([]byte, 13)
		if err := r.ReadPhys(paddr+uint64(dir.nameRVA), nameBuf); err != nil {
			continue
		}
		if string(bytes.TrimRight(nameBuf, "\x00")) == "ntoskrnl.exe" {
			return paddr, nil
		}
	}
	return 0, vmierr.New("osview.FindNtoskrnlBase", vmierr.TranslationFailed)
}

// exportTableRVA looks a symbol up in ntoskrnl's export table directly,
// KsymToVaddr's last-resort strategy when neither a profile nor a KDBG
// block is available. It performs a linear scan of the export name/
// ordinal arrays, which is the same approach peparse.c's
// peparse_get_export_RVA takes.
func exportTableRVA(r Reader, ntoskrnlPhys uint64, symbol string) (uint64, error) {
	page := make([]byte, pageSize4K)
	if err := r.ReadPhys(ntoskrnlPhys, page); err != nil {
		return 0, err
	}
	_, exportRVA, err := readExportDirectory(page)
	if err != nil {
		return 0, err
	}
	if int(exportRVA)+40 > len(page) {
		return 0, vmierr.New("osview.exportTableRVA", vmierr.TranslationFailed)
	}
	numNames := binary.LittleEndian.Uint32(page[exportRVA+24 : exportRVA+28])
	addrTableRVA := binary.LittleEndian.Uint32(page[exportRVA+28 : exportRVA+32])
	nameTableRVA := binary.LittleEndian.Uint32(page[exportRVA+32 : exportRVA+36])
	ordinalTableRVA := binary.LittleEndian.Uint32(page[exportRVA+36 : exportRVA+40])

	for i := uint32(0); i < numNames; i++ {
		nameRVAOff := nameTableRVA + i*4
		if int(nameRVAOff)+4 > len(page) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(page[nameRVAOff : nameRVAOff+4])
		nameBuf := make([]byte, len(symbol)+1)
		if err := r.ReadPhys(ntoskrnlPhys+uint64(nameRVA), nameBuf); err != nil {
			continue
		}
		if string(nameBuf[:len(symbol)]) != symbol || nameBuf[len(symbol)] != 0 {
			continue
		}
		ordOff := ordinalTableRVA + i*2
		if int(ordOff)+2 > len(page) {
			break
		}
		ordinal := binary.LittleEndian.Uint16(page[ordOff : ordOff+2])
		funcOff := addrTableRVA + uint32(ordinal)*4
		if int(funcOff)+4 > len(page) {
			break
		}
		return uint64(binary.LittleEndian.Uint32(page[funcOff : funcOff+4])), nil
	}
	return 0, vmierr.New("osview.exportTableRVA:"+symbol, vmierr.ProfileMissing)
}
