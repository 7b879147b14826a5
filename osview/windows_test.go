package osview_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govmi/osview"
	"govmi/pagetable"
)

// fakeReader is an in-memory osview.Reader backed by a map of byte chunks
// keyed by start address, addressed directly by vaddr (no real
// translation); unmapped bytes read as zero. Enough to exercise
// the EPROCESS list walk and UNICODE_STRING decode in isolation.
type fakeReader struct {
	mem   map[uint64][]byte
	width int
	mode  pagetable.Mode
}

func newFakeReader(width int, mode pagetable.Mode) *fakeReader {
	return &fakeReader{mem: make(map[uint64][]byte), width: width, mode: mode}
}

func (f *fakeReader) putAddr(vaddr, value uint64) {
	buf := make([]byte, f.width)
	if f.width == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(buf, value)
	}
	f.mem[vaddr] = buf
}

func (f *fakeReader) putU32(vaddr uint64, value uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	f.mem[vaddr] = buf
}

func (f *fakeReader) putBytes(vaddr uint64, data []byte) {
	f.mem[vaddr] = data
}

func (f *fakeReader) ReadVA(dtb, vaddr uint64, buf []byte) error {
	for off := 0; off < len(buf); {
		chunk, ok := f.mem[vaddr+uint64(off)]
		if ok {
			n := copy(buf[off:], chunk)
			off += n
			continue
		}
		buf[off] = 0
		off++
	}
	return nil
}

func (f *fakeReader) ReadPhys(paddr uint64, buf []byte) error { return f.ReadVA(0, paddr, buf) }
func (f *fakeReader) TranslateKV2P(vaddr uint64) (uint64, error) { return vaddr, nil }
func (f *fakeReader) PageMode() pagetable.Mode                   { return f.mode }
func (f *fakeReader) AddressWidth() int                          { return f.width }

func TestWindowsViewPidToPGD(t *testing.T) {
	r := newFakeReader(8, pagetable.ModeIA32e)
	offsets := osview.WindowsOffsets{
		ActiveProcessLinks: 0x2f0,
		UniqueProcessId:    0x180,
		DirectoryTableBase: 0x28,
	}
	v := &osview.WindowsView{Offsets: offsets, ActiveProcessHead: 0x1000}

	const eprocess1 = 0x2000
	const eprocess2 = 0x3000

	// PsActiveProcessHead.Flink -> eprocess1.ActiveProcessLinks
	r.putAddr(0x1000, eprocess1+uint64(offsets.ActiveProcessLinks))
	// eprocess1.ActiveProcessLinks.Flink -> eprocess2.ActiveProcessLinks
	r.putAddr(eprocess1+uint64(offsets.ActiveProcessLinks), eprocess2+uint64(offsets.ActiveProcessLinks))
	// eprocess2.ActiveProcessLinks.Flink -> back to head (end of list)
	r.putAddr(eprocess2+uint64(offsets.ActiveProcessLinks), 0x1000)

	r.putU32(eprocess1+uint64(offsets.UniqueProcessId), 4)
	r.putU32(eprocess2+uint64(offsets.UniqueProcessId), 888)
	r.putAddr(eprocess1+uint64(offsets.DirectoryTableBase), 0x319000)
	r.putAddr(eprocess2+uint64(offsets.DirectoryTableBase), 0x41a000)

	pgd, err := v.PidToPGD(r, 888)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x41a000), pgd)

	pid, err := v.PGDToPid(r, uint64(0x319000))
	require.NoError(t, err)
	assert.Equal(t, 4, pid)

	_, err = v.PidToPGD(r, 12345)
	assert.Error(t, err)
}

func TestReadUnicodeString64(t *testing.T) {
	r := newFakeReader(8, pagetable.ModeIA32e)
	const structVA = 0x5000
	const bufferVA = 0x6000

	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint16(hdr[0:2], 8) // Length: 4 UTF-16 code units
	binary.LittleEndian.PutUint16(hdr[2:4], 10)
	binary.LittleEndian.PutUint64(hdr[8:16], bufferVA)
	r.putBytes(structVA, hdr)

	// "test" in UTF-16LE
	r.putBytes(bufferVA, []byte{'t', 0, 'e', 0, 's', 0, 't', 0})

	v := &osview.WindowsView{KPGD: 0}
	s, err := v.ReadUnicodeString(r, structVA, 0)
	require.NoError(t, err)
	assert.Equal(t, "test", s)
}
