package govmi

import (
	"govmi/pagecache"
	"govmi/pagetable"
	"govmi/snapshot"
	"govmi/vmierr"
)

// EnterSnapshot runs spec §4.G steps 1-3: capture a frozen copy of guest
// RAM via the driver's SnapshotCreate, mmap it read-only, and rewire the
// page cache and translation caches to the snapshot view.
func (inst *Instance) EnterSnapshot() error {
	if inst.snapshotRegion != nil {
		return vmierr.New("govmi.Instance.EnterSnapshot", vmierr.NotSupported)
	}

	snap, err := inst.backend.SnapshotCreate()
	if err != nil {
		return vmierr.Wrap("govmi.Instance.EnterSnapshot", vmierr.IOFailed, err)
	}
	region, err := snapshot.Attach(snap.ShmName(), snap.ByteCount())
	if err != nil {
		_ = inst.backend.SnapshotDestroy(snap)
		return err
	}

	inst.snapshotRegion = region
	inst.snapshotTable = snapshot.NewTable()
	inst.snapshotMapper = snapshot.NewMapper(region.FD())
	inst.snapshotRegisters = snap.Registers()
	inst.pageCache = pagecache.NewSnapshot(region.Bytes(), pageSize)
	inst.caches.FlushAll()
	return nil
}

// ExitSnapshot runs spec §4.G step 5 in reverse order: unmap every v2m
// chunk, unmap and unlink the shared-memory object, and reinstall the
// live-mode page cache.
func (inst *Instance) ExitSnapshot() error {
	if inst.snapshotRegion == nil {
		return vmierr.New("govmi.Instance.ExitSnapshot", vmierr.NotSupported)
	}

	inst.snapshotTable.Flush(func(chunk *snapshot.V2MChunk) {
		if err := inst.snapshotMapper.Unmap(chunk); err != nil {
			inst.logger.Printf("govmi: unmapping v2m chunk during snapshot exit: %v", err)
		}
	})
	err := inst.snapshotRegion.Detach()

	inst.snapshotRegion = nil
	inst.snapshotTable = nil
	inst.snapshotMapper = nil
	inst.snapshotRegisters = ""
	inst.pageCache = inst.liveCache
	inst.caches.FlushAll()
	return err
}

// Dgvma implements spec §4.G's direct-guest-virtual-memory-access API:
// (vaddr, pid, count) → (host-pointer, usable-length). It consults the
// per-pid v2m table, building it on first use, and returns a slice
// directly into the snapshot's mmap'd region — no copy.
func (inst *Instance) Dgvma(vaddr uint64, pid int, count uint64) ([]byte, uint64, error) {
	if inst.snapshotRegion == nil {
		return nil, 0, vmierr.New("govmi.Instance.Dgvma", vmierr.NotSupported)
	}

	dtb, err := inst.PidToDTB(pid)
	if err != nil {
		return nil, 0, err
	}

	chunk, ok := inst.snapshotTable.Lookup(pid, vaddr)
	if !ok {
		chunks, err := inst.snapshotTable.Build(pid, dtb, func(dtb uint64) ([]pagetable.VPage, error) {
			return pagetable.EnumerateMapped(inst.mode, inst.snapshotRegion, dtb)
		})
		if err != nil {
			return nil, 0, err
		}
		for i := range chunks {
			if err := inst.snapshotMapper.Materialize(&chunks[i]); err != nil {
				return nil, 0, err
			}
		}
		chunk, ok = inst.snapshotTable.Lookup(pid, vaddr)
		if !ok {
			return nil, 0, vmierr.New("govmi.Instance.Dgvma", vmierr.TranslationFailed)
		}
	}

	host, usable := chunk.HostPointer(vaddr, count)
	if host == nil {
		return nil, 0, vmierr.New("govmi.Instance.Dgvma", vmierr.TranslationFailed)
	}
	return host, usable, nil
}
