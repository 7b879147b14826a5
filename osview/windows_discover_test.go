package osview_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govmi/osview"
	"govmi/pagetable"
)

func TestFindSystemEProcessScansForPidFourAndName(t *testing.T) {
	r := newFakeReader(8, pagetable.ModeIA32e)
	offsets := osview.WindowsOffsets{UniqueProcessId: 0x180, ImageFileName: 0x2e0}
	const eprocessPhys = 0x40000

	r.putU32(eprocessPhys+uint64(offsets.UniqueProcessId), 4)
	r.putBytes(eprocessPhys+uint64(offsets.ImageFileName), []byte("System\x00\x00"))

	paddr, err := osview.FindSystemEProcess(r, offsets, 0x80000)
	require.NoError(t, err)
	assert.Equal(t, uint64(eprocessPhys), paddr)
}

func TestFindSystemEProcessMissWhenNoMatch(t *testing.T) {
	r := newFakeReader(8, pagetable.ModeIA32e)
	offsets := osview.WindowsOffsets{UniqueProcessId: 0x180, ImageFileName: 0x2e0}

	_, err := osview.FindSystemEProcess(r, offsets, 0x10000)
	assert.Error(t, err)
}

// identityPhys is a pagetable.PhysReader whose memory reads as all zeros,
// so every pagetable walk fails its first present-bit check without
// building a full pagetable fixture.
type identityPhys struct {
	fail map[pagetable.Mode]bool
}

func (p identityPhys) ReadPhys(paddr uint64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func TestDiscoverPageModeTriesLegacyThenPAEThenIA32e(t *testing.T) {
	// walkLegacy/walkPAE/walkIA32e all fail present-bit checks against an
	// all-zero backing store, so DiscoverPageMode should exhaust every
	// strategy and report failure rather than a false match.
	_, _, err := osview.DiscoverPageMode(identityPhys{}, 0x1000, 0x2000, 0x3000)
	assert.Error(t, err)
}

func TestReadImageBaseRoundTrip(t *testing.T) {
	page := make([]byte, 0x1000)
	copy(page[0:2], "MZ")
	binary.LittleEndian.PutUint32(page[0x3C:0x40], 0x80)
	copy(page[0x80:0x84], "PE\x00\x00")
	optHeaderOffset := 0x80 + 0x18
	binary.LittleEndian.PutUint16(page[optHeaderOffset:optHeaderOffset+2], 0x20b) // PE32+
	binary.LittleEndian.PutUint64(page[optHeaderOffset+24:optHeaderOffset+32], 0xFFFFF80000000000)

	r := newFakeReader(8, pagetable.ModeIA32e)
	r.putBytes(0x9000, page)

	base, err := osview.ReadImageBase(r, 0x9000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFF80000000000), base)
}
