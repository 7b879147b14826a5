package xlatecache_test

import (
	"testing"

	"govmi/xlatecache"
)

func TestV2PCacheIsPureMemo(t *testing.T) {
	c := xlatecache.NewV2PCache()
	key := xlatecache.AlignedKey(0x1000, 0x40001234, 4096)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set(key, xlatecache.V2PValue{Frame: 0x5000, PageSize: 4096})
	got, ok := c.Get(key)
	if !ok || got.Frame != 0x5000 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	c.Flush()
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss after flush")
	}
}

func TestLRUEviction(t *testing.T) {
	c := xlatecache.NewLRU[int, int](2)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3) // evicts 1
	if _, ok := c.Get(1); ok {
		t.Fatal("expected 1 to be evicted")
	}
	if v, ok := c.Get(2); !ok || v != 2 {
		t.Fatal("expected 2 to survive")
	}
}

func TestPidDTBCacheNeverNegative(t *testing.T) {
	c := xlatecache.NewPidDTBCache()
	if _, ok := c.Get(4); ok {
		t.Fatal("expected miss for unknown pid")
	}
	c.Set(4, 0x187000)
	if v, ok := c.Get(4); !ok || v != 0x187000 {
		t.Fatalf("Get(4) = %#x, %v", v, ok)
	}
}
