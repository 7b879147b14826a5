// Package driver defines the capability set every hypervisor backend
// (KVM, Xen, raw file) must implement, per spec §4.A. Capabilities marked
// optional in the interface doc return a vmierr.NotSupported error from
// backends that cannot provide them rather than a nil function pointer —
// this is the Go rendition of spec §9's "polymorphism over driver
// backends" redesign note: a capability trait with one implementer per
// backend, instead of a table of function pointers plus a void-typed
// driver-data field.
package driver

import "time"

// Register names a VCPU register the driver can read or (optionally)
// write. The set covers the general-purpose and control registers named
// across spec §3/§4.F (CR3/kpgd discovery, address-width probing).
type Register int

const (
	RAX Register = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	RIP
	RFLAGS
	CR0
	CR2
	CR3
	CR4
	CR8
	EFER
	TTBR0
	TTBR1
	TTBCR
)

// Topology describes the static shape of a guest.
type Topology struct {
	MaxPhysicalAddress uint64
	NumVCPUs           uint32
	Paravirt           bool
}

// Page is a borrowed, page-sized buffer returned by ReadPage. The buffer
// is valid until Release is called; concurrent ReadPage calls for the
// same frame may return independent buffers — coalescing (if any) is the
// page cache's job, not the driver's.
type Page struct {
	Data    []byte
	Release func()
}

// AccessFlags describes a memory-access event trigger (spec §4.H).
type AccessFlags uint8

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
	AccessExecute
)

// EventKind enumerates the hypervisor event categories named in spec §4.H.
type EventKind int

const (
	EventRegisterAccess EventKind = iota
	EventInterrupt
	EventMemoryAccess
	EventSingleStep
)

// Event is a single dispatched hypervisor event.
type Event struct {
	Kind     EventKind
	VCPU     uint32
	Register Register    // EventRegisterAccess
	Write    bool        // EventRegisterAccess: true if this was a write
	Vector   uint32      // EventInterrupt
	PhysAddr uint64      // EventMemoryAccess
	Access   AccessFlags // EventMemoryAccess
}

// EventCallback is invoked synchronously from within Listen for each
// dispatched event. Cancellation is cooperative: the callback sets its own
// out-of-band flag and the client simply stops calling Listen.
type EventCallback func(Event)

// Backend is the uniform capability set every hypervisor driver
// implements. Capabilities a backend cannot provide return an error
// wrapping vmierr.NotSupported; callers must be prepared for that on
// every optional capability.
type Backend interface {
	// Identify resolves between a domain id and a domain name and probes
	// that the target exists.
	Identify() (name string, domid int32, err error)

	// Topology reports the maximum physical address, VCPU count and the
	// paravirt/HVM flag. Guest RAM size is not reported as a separate
	// value.
	Topology() (Topology, error)

	// GetRegister reads a VCPU register. Always supported.
	GetRegister(vcpu uint32, reg Register) (uint64, error)
	// SetRegister writes a VCPU register. Optional; writes while the VM
	// is unpaused have undefined effect, as documented in spec §5.
	SetRegister(vcpu uint32, reg Register, value uint64) error

	// AddressWidth reports the pointer width, in bytes, for a VCPU.
	AddressWidth(vcpu uint32) (int, error)

	// ReadPage returns a borrowed pointer to a page-sized buffer for the
	// given guest-physical frame number. The caller must call Release.
	ReadPage(frame uint64) (Page, error)

	// Write performs an all-or-nothing write at a guest-physical address.
	// Bypasses any page cache; goes directly to the backend.
	Write(paddr uint64, data []byte) error

	// Pause and Resume are best-effort; the file backend is a no-op.
	Pause() error
	Resume() error

	// SnapshotCreate and SnapshotDestroy implement spec §4.G. Optional:
	// only the KVM backend need support them.
	SnapshotCreate() (Snapshot, error)
	SnapshotDestroy(Snapshot) error

	// Events returns this backend's event source, or an error wrapping
	// vmierr.NotSupported if the backend does not support events at all.
	Events() (EventSource, error)

	// Close releases all backend-level resources (sockets, file
	// descriptors, mappings).
	Close() error
}

// Snapshot is an opaque handle returned by SnapshotCreate. Its contents
// are backend-specific; the snapshot package interprets it for KVM.
type Snapshot interface {
	// ShmName is the POSIX shared-memory object name backing the
	// snapshot, used to mmap guest RAM.
	ShmName() string
	// ByteCount is the size, in bytes, of the shared-memory object.
	ByteCount() uint64
	// Registers is the captured textual VCPU register dump taken at
	// snapshot time (spec §4.G step 1).
	Registers() string
}

// EventSource is the per-backend half of the event subsystem (spec §4.H).
type EventSource interface {
	// SetCallback registers (or clears, with a nil callback) the handler
	// for a given event kind, and whether delivery is enabled.
	SetCallback(kind EventKind, enabled bool, cb EventCallback)
	// StartSingleStep / StopSingleStep toggle single-step delivery for a
	// VCPU; ShutdownSingleStep tears down any single-step state entirely.
	StartSingleStep(vcpu uint32) error
	StopSingleStep(vcpu uint32) error
	ShutdownSingleStep() error
	// Listen drains pending events, dispatching each to its registered
	// callback synchronously, and returns when the queue is empty or the
	// timeout elapses. Listen is the sole point at which callbacks fire.
	Listen(timeout time.Duration) error
}
