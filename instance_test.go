package govmi_test

import (
	"encoding/binary"
	"testing"

	"govmi"
	"govmi/config"
	"govmi/driver"
	"govmi/pagetable"
	"govmi/vmierr"
)

// memBackend is a minimal in-memory driver.Backend: guest-physical memory
// is a flat byte slice addressed directly by paddr, and registers are a
// plain map. Good enough to drive Instance's translation and read paths
// without a real hypervisor.
type memBackend struct {
	mem  []byte
	regs map[driver.Register]uint64
}

func newMemBackend(size int) *memBackend {
	return &memBackend{mem: make([]byte, size), regs: make(map[driver.Register]uint64)}
}

func (b *memBackend) putPDE64(paddr, v uint64) { binary.LittleEndian.PutUint64(b.mem[paddr:], v) }

func (b *memBackend) Identify() (string, int32, error) { return "test", 0, nil }
func (b *memBackend) Topology() (driver.Topology, error) {
	return driver.Topology{MaxPhysicalAddress: uint64(len(b.mem)), NumVCPUs: 1}, nil
}
func (b *memBackend) GetRegister(_ uint32, reg driver.Register) (uint64, error) {
	return b.regs[reg], nil
}
func (b *memBackend) SetRegister(_ uint32, reg driver.Register, v uint64) error {
	b.regs[reg] = v
	return nil
}
func (b *memBackend) AddressWidth(uint32) (int, error) { return 8, nil }
func (b *memBackend) ReadPage(frame uint64) (driver.Page, error) {
	start := frame * 4096
	return driver.Page{Data: b.mem[start : start+4096], Release: func() {}}, nil
}
func (b *memBackend) Write(paddr uint64, data []byte) error {
	copy(b.mem[paddr:], data)
	return nil
}
func (b *memBackend) Pause() error  { return nil }
func (b *memBackend) Resume() error { return nil }
func (b *memBackend) SnapshotCreate() (driver.Snapshot, error) {
	return nil, vmierr.New("memBackend.SnapshotCreate", vmierr.NotSupported)
}
func (b *memBackend) SnapshotDestroy(driver.Snapshot) error { return nil }
func (b *memBackend) Events() (driver.EventSource, error) {
	return nil, vmierr.New("memBackend.Events", vmierr.NotSupported)
}
func (b *memBackend) Close() error { return nil }

var _ driver.Backend = (*memBackend)(nil)

// initLinux builds an Instance whose kpgd/mode come from discoverLinux's
// strategy 0 (driver-reported CR3), the only path that doesn't need a
// loaded profile.
func initLinux(t *testing.T, backend *memBackend, dtb uint64) *govmi.Instance {
	t.Helper()
	backend.regs[driver.CR3] = dtb
	cfg := &config.Config{Name: "test", OSType: config.OSLinux}
	inst, err := govmi.Init(cfg, backend)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return inst
}

func TestTranslateV2PCachesPageAlignedFrame(t *testing.T) {
	backend := newMemBackend(1 << 24)
	const dtb = 0x1000
	pml4Addr, pdptAddr, pdAddr, ptAddr := uint64(dtb), uint64(0x2000), uint64(0x3000), uint64(0x4000)
	backend.putPDE64(pml4Addr, pdptAddr|pagetable.PTEPresent|pagetable.PTEReadWrite)
	backend.putPDE64(pdptAddr, pdAddr|pagetable.PTEPresent|pagetable.PTEReadWrite)
	backend.putPDE64(pdAddr, ptAddr|pagetable.PTEPresent|pagetable.PTEReadWrite)
	const physBase = 0x500000
	backend.putPDE64(ptAddr, physBase|pagetable.PTEPresent|pagetable.PTEReadWrite)
	backend.putPDE64(ptAddr+8, (physBase+0x1000)|pagetable.PTEPresent|pagetable.PTEReadWrite)

	inst := initLinux(t, backend, dtb)

	const vaddrLo = 0x000000AB
	const vaddrHi = 0x1000 + 0x10

	paddrLo, err := inst.TranslateV2P(dtb, vaddrLo)
	if err != nil {
		t.Fatalf("TranslateV2P(lo): %v", err)
	}
	if want := uint64(physBase) | (uint64(vaddrLo) & 0xFFF); paddrLo != want {
		t.Fatalf("paddrLo = %#x, want %#x", paddrLo, want)
	}

	// A second translation within the SAME page but a DIFFERENT offset
	// must not double-apply the cached offset.
	const vaddrLo2 = 0x000000CD
	paddrLo2, err := inst.TranslateV2P(dtb, vaddrLo2)
	if err != nil {
		t.Fatalf("TranslateV2P(lo2): %v", err)
	}
	if want := uint64(physBase) | (uint64(vaddrLo2) & 0xFFF); paddrLo2 != want {
		t.Fatalf("paddrLo2 = %#x, want %#x (cache must store a page-aligned base)", paddrLo2, want)
	}

	paddrHi, err := inst.TranslateV2P(dtb, vaddrHi)
	if err != nil {
		t.Fatalf("TranslateV2P(hi): %v", err)
	}
	if want := uint64(physBase+0x1000) | (uint64(vaddrHi) & 0xFFF); paddrHi != want {
		t.Fatalf("paddrHi = %#x, want %#x", paddrHi, want)
	}
}

func TestReadVASpansPageBoundary(t *testing.T) {
	backend := newMemBackend(1 << 24)
	const dtb = 0x1000
	pml4Addr, pdptAddr, pdAddr, ptAddr := uint64(dtb), uint64(0x2000), uint64(0x3000), uint64(0x4000)
	backend.putPDE64(pml4Addr, pdptAddr|pagetable.PTEPresent)
	backend.putPDE64(pdptAddr, pdAddr|pagetable.PTEPresent)
	backend.putPDE64(pdAddr, ptAddr|pagetable.PTEPresent)
	const page0Phys, page1Phys = 0x600000, 0x601000
	backend.putPDE64(ptAddr, page0Phys|pagetable.PTEPresent)
	backend.putPDE64(ptAddr+8, page1Phys|pagetable.PTEPresent)
	copy(backend.mem[page0Phys+0xFFE:], []byte{0xAA, 0xBB})
	copy(backend.mem[page1Phys:], []byte{0xCC, 0xDD})

	inst := initLinux(t, backend, dtb)

	buf := make([]byte, 4)
	if err := inst.ReadVA(dtb, 0xFFE, buf); err != nil {
		t.Fatalf("ReadVA: %v", err)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v, want %v", buf, want)
		}
	}
}

func TestWritePhysRoundTrip(t *testing.T) {
	backend := newMemBackend(1 << 16)
	cfg := &config.Config{Name: "test"}
	inst, err := govmi.Init(cfg, backend)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := inst.WritePhys(0x100, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}
	buf := make([]byte, 3)
	if err := inst.ReadPhys(0x100, buf); err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if buf[0] != 1 || buf[1] != 2 || buf[2] != 3 {
		t.Fatalf("buf = %v, want [1 2 3]", buf)
	}
}

func TestEnterSnapshotPropagatesUnsupportedBackend(t *testing.T) {
	backend := newMemBackend(1 << 16)
	cfg := &config.Config{Name: "test"}
	inst, err := govmi.Init(cfg, backend)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := inst.EnterSnapshot(); !vmierr.Sentinel(vmierr.IOFailed).Is(err) {
		t.Fatalf("EnterSnapshot against a backend without snapshot support: err = %v, want IOFailed-wrapped", err)
	}
}
