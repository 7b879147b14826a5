package xlatecache

// v2pCapacity bounds the v2p cache; per-process symbol/rva volume is
// "moderate" per spec §4.D so those caches are left unbounded (capacity
// 0) and rely on Flush at process teardown instead of eviction.
const v2pCapacity = 4096

// V2PKey is the v2p cache key: (dtb, page-aligned vaddr), per spec §3.
type V2PKey struct {
	DTB   uint64
	VAddr uint64 // already masked to the page boundary by the caller
}

// V2PValue is the frame and effective page size a translation produced.
type V2PValue struct {
	Frame    uint64
	PageSize uint64
}

// V2PCache is the (dtb, page-aligned vaddr) → (frame, page size) cache.
// Flushed on any event that could invalidate pagetables; otherwise never
// mutated after insert, per spec §3's invariant list.
type V2PCache struct{ *LRU[V2PKey, V2PValue] }

func NewV2PCache() *V2PCache { return &V2PCache{NewLRU[V2PKey, V2PValue](v2pCapacity)} }

// AlignedKey masks vaddr down to the start of its containing pageSize-byte
// page before building a V2PKey, matching spec §4.D's key definition.
func AlignedKey(dtb, vaddr, pageSize uint64) V2PKey {
	if pageSize == 0 {
		pageSize = 1 << 12
	}
	return V2PKey{DTB: dtb, VAddr: vaddr &^ (pageSize - 1)}
}

// SymbolKey is the (module-base, pid, symbol-name) → vaddr cache key.
type SymbolKey struct {
	ModuleBase uint64
	Pid        int
	Name       string
}

// SymbolCache resolves symbol names to virtual addresses.
type SymbolCache struct{ *LRU[SymbolKey, uint64] }

func NewSymbolCache() *SymbolCache { return &SymbolCache{NewLRU[SymbolKey, uint64](0)} }

// RVAKey is the (module-base, pid, rva) → symbol-name cache key, the
// inverse direction of SymbolCache.
type RVAKey struct {
	ModuleBase uint64
	Pid        int
	RVA        uint64
}

// RVACache resolves an rva back to the symbol name that owns it.
type RVACache struct{ *LRU[RVAKey, string] }

func NewRVACache() *RVACache { return &RVACache{NewLRU[RVAKey, string](0)} }

// PidDTBCache maps pid → dtb. Populated lazily; per spec §3 it is never
// negatively cached, so it is a plain unbounded map rather than an LRU:
// absence of a key means "not yet looked up", not "looked up and failed".
type PidDTBCache struct {
	m map[int]uint64
}

func NewPidDTBCache() *PidDTBCache { return &PidDTBCache{m: make(map[int]uint64)} }

func (c *PidDTBCache) Get(pid int) (uint64, bool) {
	v, ok := c.m[pid]
	return v, ok
}

func (c *PidDTBCache) Set(pid int, dtb uint64) { c.m[pid] = dtb }

func (c *PidDTBCache) Flush() { c.m = make(map[int]uint64) }

// V2MKey is the (pid, page-aligned vaddr) → v2m chunk lookup key, valid
// only in snapshot mode.
type V2MKey struct {
	Pid   int
	VAddr uint64
}

// V2MValue is a host-mapped address plus the run-length from VAddr to the
// end of the containing v2m chunk (spec §3/§4.G's dgvma contract).
type V2MValue struct {
	HostAddr  uintptr
	RunLength uint64
}

// V2MCache is invalidated only on snapshot teardown, per spec §3.
type V2MCache struct{ *LRU[V2MKey, V2MValue] }

func NewV2MCache() *V2MCache { return &V2MCache{NewLRU[V2MKey, V2MValue](0)} }

// Set bundles a whole Instance's translation caches. FlushTranslation
// clears v2p, symbol, rva and pid→dtb and leaves v2m; FlushAll clears all
// five.
type Set struct {
	V2P    *V2PCache
	Symbol *SymbolCache
	RVA    *RVACache
	PidDTB *PidDTBCache
	V2M    *V2MCache
}

func NewSet() *Set {
	return &Set{
		V2P:    NewV2PCache(),
		Symbol: NewSymbolCache(),
		RVA:    NewRVACache(),
		PidDTB: NewPidDTBCache(),
		V2M:    NewV2MCache(),
	}
}

// FlushTranslation flushes every cache that pagetable invalidation
// affects, leaving v2m untouched.
func (s *Set) FlushTranslation() {
	s.V2P.Flush()
	s.Symbol.Flush()
	s.RVA.Flush()
	s.PidDTB.Flush()
}

// FlushAll additionally tears down v2m; the Instance calls it on snapshot
// entry, snapshot exit and Destroy.
func (s *Set) FlushAll() {
	s.FlushTranslation()
	s.V2M.Flush()
}
