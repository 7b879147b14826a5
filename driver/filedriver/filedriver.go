// Package filedriver implements driver.Backend over a flat physical-memory
// dump file, per spec §4.A's file-backend row: registers, address width,
// snapshots and events are unsupported, pause/resume are no-ops, and only
// page-level read/write against the file content is available.
package filedriver

import (
	"os"

	"golang.org/x/sys/unix"

	"govmi/driver"
	"govmi/vmierr"
)

// Backend reads and writes a physical-memory dump through pread/pwrite,
// grounded in core_engine/virtual_machine.go's guest-memory file handling
// and adapted to avoid mmap (the snapshot package owns zero-copy mapping;
// the file backend is the "no hypervisor, no live guest" case spec §4.A
// calls out).
type Backend struct {
	f    *os.File
	name string
	size uint64
}

// Open opens a physical-memory dump at path for random access.
func Open(name, path string) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(path)
		if err != nil {
			return nil, vmierr.Wrap("filedriver.Open", vmierr.IOFailed, err)
		}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, vmierr.Wrap("filedriver.Open", vmierr.IOFailed, err)
	}
	return &Backend{f: f, name: name, size: uint64(info.Size())}, nil
}

func (b *Backend) Identify() (string, int32, error) { return b.name, -1, nil }

func (b *Backend) Topology() (driver.Topology, error) {
	return driver.Topology{MaxPhysicalAddress: b.size, NumVCPUs: 0, Paravirt: false}, nil
}

func (b *Backend) GetRegister(vcpu uint32, reg driver.Register) (uint64, error) {
	return 0, vmierr.New("filedriver.GetRegister", vmierr.NotSupported)
}

func (b *Backend) SetRegister(vcpu uint32, reg driver.Register, value uint64) error {
	return vmierr.New("filedriver.SetRegister", vmierr.NotSupported)
}

func (b *Backend) AddressWidth(vcpu uint32) (int, error) {
	return 0, vmierr.New("filedriver.AddressWidth", vmierr.NotSupported)
}

const pageSize = 0x1000

func (b *Backend) ReadPage(frame uint64) (driver.Page, error) {
	paddr := frame * pageSize
	if paddr >= b.size {
		return driver.Page{}, vmierr.New("filedriver.ReadPage", vmierr.IOFailed)
	}
	buf := make([]byte, pageSize)
	n, err := unix.Pread(int(b.f.Fd()), buf, int64(paddr))
	if err != nil {
		return driver.Page{}, vmierr.Wrap("filedriver.ReadPage", vmierr.IOFailed, err)
	}
	if n == 0 {
		return driver.Page{}, vmierr.New("filedriver.ReadPage", vmierr.IOFailed)
	}
	if n < pageSize {
		for i := n; i < pageSize; i++ {
			buf[i] = 0
		}
	}
	return driver.Page{Data: buf, Release: func() {}}, nil
}

func (b *Backend) Write(paddr uint64, data []byte) error {
	if _, err := unix.Pwrite(int(b.f.Fd()), data, int64(paddr)); err != nil {
		return vmierr.Wrap("filedriver.Write", vmierr.IOFailed, err)
	}
	return nil
}

func (b *Backend) Pause() error  { return nil }
func (b *Backend) Resume() error { return nil }

func (b *Backend) SnapshotCreate() (driver.Snapshot, error) {
	return nil, vmierr.New("filedriver.SnapshotCreate", vmierr.NotSupported)
}

func (b *Backend) SnapshotDestroy(driver.Snapshot) error {
	return vmierr.New("filedriver.SnapshotDestroy", vmierr.NotSupported)
}

func (b *Backend) Events() (driver.EventSource, error) {
	return nil, vmierr.New("filedriver.Events", vmierr.NotSupported)
}

func (b *Backend) Close() error {
	return b.f.Close()
}

var _ driver.Backend = (*Backend)(nil)
