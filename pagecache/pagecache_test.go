package pagecache_test

import (
	"testing"

	"govmi/driver"
	"govmi/pagecache"
)

// countingBackend is a minimal driver.Backend stub whose ReadPage counts
// calls per frame, so cache-hit behaviour can be asserted without a real
// hypervisor.
type countingBackend struct {
	reads map[uint64]int
}

func newCountingBackend() *countingBackend { return &countingBackend{reads: make(map[uint64]int)} }

func (b *countingBackend) Identify() (string, int32, error) { return "test", 0, nil }
func (b *countingBackend) Topology() (driver.Topology, error) { return driver.Topology{}, nil }
func (b *countingBackend) GetRegister(uint32, driver.Register) (uint64, error) { return 0, nil }
func (b *countingBackend) SetRegister(uint32, driver.Register, uint64) error   { return nil }
func (b *countingBackend) AddressWidth(uint32) (int, error)                   { return 8, nil }
func (b *countingBackend) ReadPage(frame uint64) (driver.Page, error) {
	b.reads[frame]++
	return driver.Page{Data: make([]byte, 4096), Release: func() {}}, nil
}
func (b *countingBackend) Write(uint64, []byte) error { return nil }
func (b *countingBackend) Pause() error               { return nil }
func (b *countingBackend) Resume() error              { return nil }
func (b *countingBackend) SnapshotCreate() (driver.Snapshot, error) { return nil, nil }
func (b *countingBackend) SnapshotDestroy(driver.Snapshot) error    { return nil }
func (b *countingBackend) Events() (driver.EventSource, error)      { return nil, nil }
func (b *countingBackend) Close() error                             { return nil }

var _ driver.Backend = (*countingBackend)(nil)

func TestLiveCacheHitAvoidsBackendCall(t *testing.T) {
	backend := newCountingBackend()
	cache := pagecache.NewLive(backend)

	if _, err := cache.Get(5); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cache.Get(5); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if backend.reads[5] != 1 {
		t.Fatalf("backend.reads[5] = %d, want 1", backend.reads[5])
	}
}

func TestSnapshotCacheIsPointerArithmetic(t *testing.T) {
	region := make([]byte, 3*4096)
	region[4096] = 0xAB
	cache := pagecache.NewSnapshot(region, 4096)

	page, err := cache.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if page.Data[0] != 0xAB {
		t.Fatalf("page.Data[0] = %#x, want 0xab", page.Data[0])
	}
	page.Data[1] = 0xCD
	if region[4097] != 0xCD {
		t.Fatal("Snapshot.Get did not alias the backing region")
	}
}
