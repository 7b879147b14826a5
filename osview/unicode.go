package osview

import (
	"encoding/binary"
	"unicode/utf16"

	"govmi/vmierr"
)

// readUnicodeString decodes a Windows UNICODE_STRING (Length uint16,
// MaximumLength uint16, then a pointer-width-aligned Buffer pointer) at
// vaddr under dtb, and returns its contents decoded from UTF-16LE.
// Grounded in os/windows/unicode.c's windows_read_unicode_struct; uses
// Go's unicode/utf16 in place of the original's iconv conversion, per
// SPEC_FULL.md §1.
func readUnicodeString(r Reader, dtb, vaddr uint64, is64Bit bool) (string, error) {
	var length uint16
	var bufferVA uint64

	if is64Bit {
		var hdr [16]byte
		if err := r.ReadVA(dtb, vaddr, hdr[:]); err != nil {
			return "", err
		}
		length = binary.LittleEndian.Uint16(hdr[0:2])
		bufferVA = binary.LittleEndian.Uint64(hdr[8:16])
	} else {
		var hdr [8]byte
		if err := r.ReadVA(dtb, vaddr, hdr[:]); err != nil {
			return "", err
		}
		length = binary.LittleEndian.Uint16(hdr[0:2])
		bufferVA = uint64(binary.LittleEndian.Uint32(hdr[4:8]))
	}

	if length == 0 {
		return "", nil
	}
	raw := make([]byte, length)
	if err := r.ReadVA(dtb, bufferVA, raw); err != nil {
		return "", vmierr.Wrap("osview.readUnicodeString", vmierr.TranslationFailed, err)
	}

	units := make([]uint16, length/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	return string(utf16.Decode(units)), nil
}
