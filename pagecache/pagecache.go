// Package pagecache implements spec §4.B's fixed-size frame-number-to-page
// cache, in two flavours: a live, driver-backed LRU, and a snapshot-backed
// pass-through over an already host-mapped region. Both share the same
// Cache interface so the Instance can swap implementations on snapshot
// entry/exit without its callers noticing.
package pagecache

import (
	"container/list"

	"govmi/driver"
	"govmi/vmierr"
)

const liveCapacity = 512

// Cache maps a guest physical frame number to a page buffer. Get returns a
// borrowed Page; the caller must call Page.Release when done.
type Cache interface {
	Get(frame uint64) (driver.Page, error)
	Flush()
}

type liveEntry struct {
	frame uint64
	page  driver.Page
}

// Live is the driver-backed LRU flavour: insert-on-miss via the backend's
// ReadPage, capacity ~512 pages, eviction releases the evicted page back
// to the driver. Single-threaded by contract with the owning Instance, per
// spec §4.B/§5 — no internal locking.
type Live struct {
	backend  driver.Backend
	order    *list.List
	items    map[uint64]*list.Element
	capacity int
}

// NewLive constructs a live page cache reading misses from backend.
func NewLive(backend driver.Backend) *Live {
	return &Live{
		backend:  backend,
		order:    list.New(),
		items:    make(map[uint64]*list.Element),
		capacity: liveCapacity,
	}
}

func (c *Live) Get(frame uint64) (driver.Page, error) {
	if el, ok := c.items[frame]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*liveEntry).page, nil
	}
	page, err := c.backend.ReadPage(frame)
	if err != nil {
		return driver.Page{}, err
	}
	el := c.order.PushFront(&liveEntry{frame: frame, page: page})
	c.items[frame] = el
	if c.order.Len() > c.capacity {
		c.evictOldest()
	}
	return page, nil
}

func (c *Live) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*liveEntry)
	if entry.page.Release != nil {
		entry.page.Release()
	}
	c.order.Remove(el)
	delete(c.items, entry.frame)
}

// Flush releases every cached page and empties the cache, used on process
// or snapshot teardown.
func (c *Live) Flush() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*liveEntry)
		if entry.page.Release != nil {
			entry.page.Release()
		}
	}
	c.order.Init()
	c.items = make(map[uint64]*list.Element)
}

// Snapshot is the mmap-backed flavour: reads are pointer arithmetic into
// an already host-mapped region, releases are no-ops, and capacity is
// effectively unbounded. It is re-instantiated on every snapshot
// entry/exit rather than shared across snapshots.
type Snapshot struct {
	region    []byte
	pageSize  uint64
	numFrames uint64
}

// NewSnapshot wraps a host-mapped guest-RAM region already sized to a
// whole number of pages.
func NewSnapshot(region []byte, pageSize uint64) *Snapshot {
	return &Snapshot{region: region, pageSize: pageSize, numFrames: uint64(len(region)) / pageSize}
}

func (s *Snapshot) Get(frame uint64) (driver.Page, error) {
	if frame >= s.numFrames {
		return driver.Page{}, vmierr.New("pagecache.Snapshot.Get", vmierr.IOFailed)
	}
	start := frame * s.pageSize
	return driver.Page{Data: s.region[start : start+s.pageSize], Release: func() {}}, nil
}

func (s *Snapshot) Flush() {}

var (
	_ Cache = (*Live)(nil)
	_ Cache = (*Snapshot)(nil)
)
