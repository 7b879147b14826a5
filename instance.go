// Package govmi is the hypervisor-agnostic virtual machine introspection
// library described across the spec: address translation (§4.C), OS-view
// reconstruction (§4.F), a driver abstraction over KVM/Xen/file backends
// (§4.A), a zero-copy snapshot engine (§4.G) and a hypervisor event
// subsystem (§4.H), all behind one Instance per target guest.
package govmi

import (
	"log"

	"govmi/config"
	"govmi/driver"
	"govmi/events"
	"govmi/osview"
	"govmi/pagecache"
	"govmi/pagetable"
	"govmi/profile"
	"govmi/snapshot"
	"govmi/vmierr"
	"govmi/xlatecache"
)

const pageSize = 4096

// Instance is the single entry point a client holds for one target guest.
// It owns the driver, the translation caches, the OS view and (when
// active) the snapshot mapping, and implements osview.Reader so the view
// implementations can borrow it for their own reads.
type Instance struct {
	backend driver.Backend
	logger  *log.Logger
	cfg     *config.Config

	mode         pagetable.Mode
	kpgd         uint64
	addressWidth int
	maxPhysAddr  uint64
	numVCPUs     uint32

	pageCache pagecache.Cache
	liveCache *pagecache.Live // retained so snapshot exit can restore it
	caches    *xlatecache.Set

	osView          osview.View
	profileResolver *profile.Resolver
	sysMap          *profile.SysMap

	events *events.Registry

	snapshotRegion    *snapshot.Region
	snapshotTable     *snapshot.Table
	snapshotMapper    *snapshot.Mapper
	snapshotRegisters string
}

// SnapshotRegisters returns the VCPU register dump text captured at
// snapshot-create time (spec §4.G step 1), or "" outside snapshot mode.
func (inst *Instance) SnapshotRegisters() string { return inst.snapshotRegisters }

var _ osview.Reader = (*Instance)(nil)

// Init opens an Instance against an already-constructed driver backend.
// Socket paths and file paths are backend-specific (see driver/kvmdriver,
// driver/filedriver, driver/xendriver) and so are never part of
// config.Config, and Init does not pass cfg.Name/cfg.DomID to the
// backend; the caller constructs the right backend for
// cfg.Access and passes it in, per spec §6's Access flag merely selecting
// which backend a deployment expects, not how to build one.
func Init(cfg *config.Config, backend driver.Backend) (*Instance, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	topo, err := backend.Topology()
	if err != nil {
		return nil, vmierr.Wrap("govmi.Init", vmierr.IOFailed, err)
	}
	width, err := backend.AddressWidth(0)
	if err != nil || width == 0 {
		width = 8
	}

	inst := &Instance{
		backend:      backend,
		logger:       logger,
		cfg:          cfg,
		addressWidth: width,
		maxPhysAddr:  topo.MaxPhysicalAddress,
		numVCPUs:     topo.NumVCPUs,
		caches:       xlatecache.NewSet(),
	}
	inst.liveCache = pagecache.NewLive(backend)
	inst.pageCache = inst.liveCache

	if cfg.RekallProfile != "" {
		if resolver, perr := profile.Load(cfg.RekallProfile); perr == nil {
			inst.profileResolver = resolver
		} else if sm, serr := profile.LoadSysMap(cfg.RekallProfile); serr == nil {
			inst.sysMap = sm
		} else {
			logger.Printf("govmi: could not parse %q as a profile or a sysmap: %v / %v", cfg.RekallProfile, perr, serr)
		}
	}

	if cfg.Events {
		if src, eerr := backend.Events(); eerr == nil {
			inst.events = events.NewRegistry(src, logger)
		} else {
			logger.Printf("govmi: events requested but backend does not support them: %v", eerr)
		}
	}

	if cfg.OSType == config.OSWindows || cfg.OSType == config.OSLinux {
		if derr := inst.discoverOS(cfg); derr != nil {
			return nil, derr
		}
	}

	return inst, nil
}

// Destroy releases every resource the Instance holds: an active snapshot
// (if any), cached pages, and the driver itself.
func (inst *Instance) Destroy() error {
	if inst.snapshotRegion != nil {
		if err := inst.ExitSnapshot(); err != nil {
			inst.logger.Printf("govmi: snapshot teardown during Destroy: %v", err)
		}
	}
	inst.pageCache.Flush()
	inst.caches.FlushAll()
	return inst.backend.Close()
}

// osview.Reader implementation. Instance is borrowed by osView
// implementations per call, never stored (spec §9's "cycles" redesign
// note), so these methods must be safe to call re-entrantly from within a
// View method.

func (inst *Instance) PageMode() pagetable.Mode { return inst.mode }
func (inst *Instance) AddressWidth() int        { return inst.addressWidth }

func (inst *Instance) TranslateKV2P(vaddr uint64) (uint64, error) {
	if inst.kpgd == 0 {
		return 0, vmierr.New("govmi.Instance.TranslateKV2P", vmierr.NotInitialized)
	}
	return inst.TranslateV2P(inst.kpgd, vaddr)
}

// TranslateV2P walks dtb to translate vaddr, consulting and populating the
// v2p cache first. The cache stores a page-aligned frame base, not the
// walk's raw (offset-included) physical address, so a later hit for a
// different vaddr within the same page reconstructs the correct address
// instead of double-applying the page offset.
func (inst *Instance) TranslateV2P(dtb, vaddr uint64) (uint64, error) {
	paddr, _, err := inst.translateV2P(dtb, vaddr)
	return paddr, err
}

func (inst *Instance) translateV2P(dtb, vaddr uint64) (paddr uint64, pageSz uint64, err error) {
	key := xlatecache.AlignedKey(dtb, vaddr, pageSize)
	if v, ok := inst.caches.V2P.Get(key); ok {
		return v.Frame | (vaddr & (v.PageSize - 1)), v.PageSize, nil
	}

	info, werr := pagetable.Walk(inst.mode, inst, dtb, vaddr)
	if werr != nil {
		return 0, 0, werr
	}
	base := info.PhysAddr &^ (info.PageSize - 1)
	inst.caches.V2P.Set(key, xlatecache.V2PValue{Frame: base, PageSize: info.PageSize})
	return info.PhysAddr, info.PageSize, nil
}

// ReadPhys satisfies both osview.Reader and pagetable.PhysReader: a
// physical read through the active page cache, looping across the
// fixed 4K cache granularity for reads spanning more than one frame.
func (inst *Instance) ReadPhys(paddr uint64, buf []byte) error {
	for off := 0; off < len(buf); {
		frame := (paddr + uint64(off)) / pageSize
		page, err := inst.pageCache.Get(frame)
		if err != nil {
			return err
		}
		frameOff := (paddr + uint64(off)) % pageSize
		avail := uint64(len(page.Data)) - frameOff
		n := uint64(len(buf) - off)
		if avail < n {
			n = avail
		}
		copy(buf[off:uint64(off)+n], page.Data[frameOff:frameOff+n])
		if page.Release != nil {
			page.Release()
		}
		off += int(n)
	}
	return nil
}

// ReadVA translates dtb:vaddr page by page and reads through ReadPhys,
// looping at the translated page's own size rather than a fixed 4K
// boundary since large pages (2M/4M/1G) span more than one cache frame.
func (inst *Instance) ReadVA(dtb, vaddr uint64, buf []byte) error {
	for off := 0; off < len(buf); {
		paddr, pageSz, err := inst.translateV2P(dtb, vaddr+uint64(off))
		if err != nil {
			return err
		}
		pageOff := paddr & (pageSz - 1)
		avail := pageSz - pageOff
		n := uint64(len(buf) - off)
		if avail < n {
			n = avail
		}
		if err := inst.ReadPhys(paddr, buf[off:uint64(off)+n]); err != nil {
			return err
		}
		off += int(n)
	}
	return nil
}

// WritePhys performs an all-or-nothing guest-physical write, bypassing
// the page cache entirely (the cache is read-only by contract, per spec
// §4.B) and going straight to the driver. Not available while a snapshot
// is active: a snapshot is a frozen, read-only view of guest RAM.
func (inst *Instance) WritePhys(paddr uint64, data []byte) error {
	if inst.snapshotRegion != nil {
		return vmierr.New("govmi.Instance.WritePhys", vmierr.NotSupported)
	}
	return inst.backend.Write(paddr, data)
}

// WriteVA translates dtb:vaddr to a physical address and writes through
// WritePhys. Unlike ReadVA it does not loop across a page boundary: spec
// §5 scopes writes to a single translated page, matching libvmi's
// vmi_write_pa/va not spanning pages either.
func (inst *Instance) WriteVA(dtb, vaddr uint64, data []byte) error {
	paddr, err := inst.TranslateV2P(dtb, vaddr)
	if err != nil {
		return err
	}
	return inst.WritePhys(paddr, data)
}

// PidToDTB resolves a pid to its directory-table base through the OS
// view, caching the result (pid→dtb is never negatively cached, per
// xlatecache's PidDTBCache doc).
func (inst *Instance) PidToDTB(pid int) (uint64, error) {
	if dtb, ok := inst.caches.PidDTB.Get(pid); ok {
		return dtb, nil
	}
	if inst.osView == nil {
		return 0, vmierr.New("govmi.Instance.PidToDTB", vmierr.NotInitialized)
	}
	dtb, err := inst.osView.PidToPGD(inst, pid)
	if err != nil {
		return 0, err
	}
	inst.caches.PidDTB.Set(pid, dtb)
	return dtb, nil
}

// KsymToVaddr resolves a kernel symbol name to an absolute kernel virtual
// address, preferring the OS view's own strategy chain (Windows: profile
// → KDBG → PE export scan) and falling back to a directly-loaded
// profile/sysmap when the view reports it has no symbol resolution of its
// own (Linux: System.map/profile already gives absolute addresses, so the
// view itself declines).
func (inst *Instance) KsymToVaddr(name string) (uint64, error) {
	if inst.osView != nil {
		addr, err := inst.osView.KsymToVaddr(inst, name)
		if err == nil {
			return addr, nil
		}
		if !vmierr.Sentinel(vmierr.NotSupported).Is(err) {
			return 0, err
		}
	}
	if inst.sysMap != nil {
		return inst.sysMap.LookupConstant(name)
	}
	if inst.profileResolver != nil {
		return inst.profileResolver.LookupConstant(name)
	}
	return 0, vmierr.New("govmi.Instance.KsymToVaddr:"+name, vmierr.ProfileMissing)
}

// Events returns the Instance's event registry, or an error wrapping
// vmierr.NotSupported if cfg.Events was false or the backend declined.
func (inst *Instance) Events() (*events.Registry, error) {
	if inst.events == nil {
		return nil, vmierr.New("govmi.Instance.Events", vmierr.NotSupported)
	}
	return inst.events, nil
}
