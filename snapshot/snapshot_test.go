package snapshot_test

import (
	"testing"

	"govmi/pagetable"
	"govmi/snapshot"
)

func TestBuilderCoalescesContiguousRuns(t *testing.T) {
	b := snapshot.NewBuilder()
	b.Add(0x1000, 0x9000, 0x1000)
	b.Add(0x2000, 0xA000, 0x1000) // virtually and physically contiguous: merges
	b.Add(0x3000, 0xF000, 0x1000) // virtually contiguous, physical gap: new m2p run, same v2m chunk
	b.Add(0x5000, 0x10000, 0x1000) // virtual discontinuity: new v2m chunk

	chunks := b.Finish()
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	first := chunks[0]
	if first.VAddrLo != 0x1000 || first.VAddrHi != 0x4000 {
		t.Fatalf("first chunk range = [%x, %x)", first.VAddrLo, first.VAddrHi)
	}
	if len(first.Chunks) != 2 {
		t.Fatalf("first chunk has %d m2p runs, want 2", len(first.Chunks))
	}
	if first.Chunks[0].ByteSize != 0x2000 {
		t.Fatalf("first m2p run size = %#x, want 0x2000", first.Chunks[0].ByteSize)
	}

	second := chunks[1]
	if second.VAddrLo != 0x5000 || second.VAddrHi != 0x6000 {
		t.Fatalf("second chunk range = [%x, %x)", second.VAddrLo, second.VAddrHi)
	}
}

func TestTableBuildCachesPerPid(t *testing.T) {
	tbl := snapshot.NewTable()
	calls := 0
	enumerate := func(dtb uint64) ([]pagetable.VPage, error) {
		calls++
		return []pagetable.VPage{{VAddr: 0x1000, PAddr: 0x2000, Size: 0x1000}}, nil
	}

	chunks1, err := tbl.Build(4, 0x1000, enumerate)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	chunks2, err := tbl.Build(4, 0x1000, enumerate)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if calls != 1 {
		t.Fatalf("enumerate called %d times, want 1 (second Build should hit cache)", calls)
	}
	if len(chunks1) != 1 || len(chunks2) != 1 {
		t.Fatalf("chunk count = %d, %d, want 1, 1", len(chunks1), len(chunks2))
	}

	chunk, ok := tbl.Lookup(4, 0x1000)
	if !ok || chunk.VAddrLo != 0x1000 {
		t.Fatalf("Lookup(4, 0x1000) = %v, %v", chunk, ok)
	}
	if _, ok := tbl.Lookup(4, 0x5000); ok {
		t.Fatal("Lookup should miss for an address outside any chunk")
	}
}
