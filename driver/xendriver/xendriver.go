// Package xendriver is the Xen row of spec §4.A's driver table. govmi has
// no xenctrl binding in its dependency surface (no example repo in the
// retrieval pack imports one), so every capability here returns
// vmierr.NotSupported; the type exists so callers can select AccessXen in
// config.Config without a nil-interface panic, and so a future xenctrl
// cgo binding has a single place to land.
package xendriver

import (
	"govmi/driver"
	"govmi/vmierr"
)

// Backend is a capability-less stand-in for a Xen-backed domain.
type Backend struct {
	name  string
	domID int32
}

// Open records the domain identity; it never actually contacts
// xenstore or libxenctrl.
func Open(name string, domID int32) *Backend {
	return &Backend{name: name, domID: domID}
}

func (b *Backend) Identify() (string, int32, error) { return b.name, b.domID, nil }

func (b *Backend) Topology() (driver.Topology, error) {
	return driver.Topology{}, vmierr.New("xendriver.Topology", vmierr.NotSupported)
}

func (b *Backend) GetRegister(vcpu uint32, reg driver.Register) (uint64, error) {
	return 0, vmierr.New("xendriver.GetRegister", vmierr.NotSupported)
}

func (b *Backend) SetRegister(vcpu uint32, reg driver.Register, value uint64) error {
	return vmierr.New("xendriver.SetRegister", vmierr.NotSupported)
}

func (b *Backend) AddressWidth(vcpu uint32) (int, error) {
	return 0, vmierr.New("xendriver.AddressWidth", vmierr.NotSupported)
}

func (b *Backend) ReadPage(frame uint64) (driver.Page, error) {
	return driver.Page{}, vmierr.New("xendriver.ReadPage", vmierr.NotSupported)
}

func (b *Backend) Write(paddr uint64, data []byte) error {
	return vmierr.New("xendriver.Write", vmierr.NotSupported)
}

func (b *Backend) Pause() error  { return vmierr.New("xendriver.Pause", vmierr.NotSupported) }
func (b *Backend) Resume() error { return vmierr.New("xendriver.Resume", vmierr.NotSupported) }

func (b *Backend) SnapshotCreate() (driver.Snapshot, error) {
	return nil, vmierr.New("xendriver.SnapshotCreate", vmierr.NotSupported)
}

func (b *Backend) SnapshotDestroy(driver.Snapshot) error {
	return vmierr.New("xendriver.SnapshotDestroy", vmierr.NotSupported)
}

func (b *Backend) Events() (driver.EventSource, error) {
	return nil, vmierr.New("xendriver.Events", vmierr.NotSupported)
}

func (b *Backend) Close() error { return nil }

var _ driver.Backend = (*Backend)(nil)
