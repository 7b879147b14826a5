// Package snapshot implements spec §4.G's zero-copy snapshot engine: mmap
// guest RAM once from a frozen shared-memory object, then lazily build,
// per pid, a V2M table that overlays anonymous host-virtual regions with
// fixed-offset mappings of the snapshot file so guest-virtual reads
// become plain pointer arithmetic.
//
// V2M/M2P chunk construction follows spec §9's redesign note: the source
// mutates a linked list's tail while coalescing; here a Builder
// accumulates chunks with an explicit current index and finalises into
// immutable arrays, so there is no aliasing and teardown is a single pass
// over a slice.
package snapshot

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"govmi/pagetable"
	"govmi/vmierr"
)

// M2PChunk is a maximal contiguous (virtual run, physical run) pair found
// while walking one v2m chunk's constituent pages.
type M2PChunk struct {
	VAddr    uint64
	PAddr    uint64
	ByteSize uint64
}

// V2MChunk is a maximal contiguous guest-virtual run, backed by a single
// host-virtual mapping built by overlaying the snapshot file's physical
// offsets onto one anonymous mmap.
type V2MChunk struct {
	VAddrLo uint64
	VAddrHi uint64 // exclusive
	Chunks  []M2PChunk
	host    []byte // the reserved+overlaid host-virtual region
}

// HostPointer returns the byte slice within this chunk's host mapping
// corresponding to [vaddr, vaddr+count), clamped to the chunk's end.
func (c *V2MChunk) HostPointer(vaddr uint64, count uint64) ([]byte, uint64) {
	if vaddr < c.VAddrLo || vaddr >= c.VAddrHi {
		return nil, 0
	}
	off := vaddr - c.VAddrLo
	avail := uint64(len(c.host)) - off
	if avail < count {
		count = avail
	}
	return c.host[off : off+count], avail
}

// Builder accumulates M2P chunks in address order and finalises them into
// immutable V2M chunks, replacing the source's tail-mutating linked list
// per spec §9.
type Builder struct {
	current  []M2PChunk
	finished []V2MChunk
}

// NewBuilder returns an empty chunk builder.
func NewBuilder() *Builder { return &Builder{} }

// Add appends one (vaddr, paddr, size) leaf from a pagetable walk,
// coalescing it into the current m2p run if it is virtually and
// physically contiguous with the last entry, or starting a new m2p run
// (and, if the virtual address is non-contiguous with the current v2m
// chunk, a new v2m chunk) otherwise.
func (b *Builder) Add(vaddr, paddr, size uint64) {
	if len(b.current) > 0 {
		last := &b.current[len(b.current)-1]
		if last.VAddr+last.ByteSize == vaddr && last.PAddr+last.ByteSize == paddr {
			last.ByteSize += size
			return
		}
		if last.VAddr+last.ByteSize == vaddr {
			// virtually contiguous but physically disjoint: same v2m
			// chunk, new m2p run within it.
			b.current = append(b.current, M2PChunk{VAddr: vaddr, PAddr: paddr, ByteSize: size})
			return
		}
		// virtual discontinuity: close out the current v2m chunk.
		b.flush()
	}
	b.current = append(b.current, M2PChunk{VAddr: vaddr, PAddr: paddr, ByteSize: size})
}

func (b *Builder) flush() {
	if len(b.current) == 0 {
		return
	}
	lo := b.current[0].VAddr
	last := b.current[len(b.current)-1]
	hi := last.VAddr + last.ByteSize
	b.finished = append(b.finished, V2MChunk{VAddrLo: lo, VAddrHi: hi, Chunks: append([]M2PChunk(nil), b.current...)})
	b.current = b.current[:0]
}

// Finish closes out any in-progress chunk and returns the immutable v2m
// table. The Builder must not be reused afterward.
func (b *Builder) Finish() []V2MChunk {
	b.flush()
	return b.finished
}

// VPageSource is the part of pagetable.EnumerateMapped snapshot needs,
// named separately so tests can fake it without a real PhysReader.
type VPageSource func(dtb uint64) ([]pagetable.VPage, error)

// Mapper materialises a V2MChunk's host region by reserving an anonymous
// region the chunk's size, then overlaying it with MAP_FIXED mappings of
// the snapshot file at each m2p chunk's physical offset, per spec §4.G
// step 4.
type Mapper struct {
	snapshotFD int
}

func NewMapper(snapshotFD int) *Mapper { return &Mapper{snapshotFD: snapshotFD} }

// Materialize reserves an anonymous host-virtual region the chunk's
// size, then overlays each m2p chunk's physical offset onto it with a
// MAP_FIXED mapping of the snapshot file, per spec §4.G step 4. The
// higher-level unix.Mmap wrapper has no way to request a fixed target
// address, so the fixed overlay goes through the raw mmap(2) syscall
// directly, anchored at the reserved region's base address.
func (m *Mapper) Materialize(chunk *V2MChunk) error {
	size := chunk.VAddrHi - chunk.VAddrLo
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return vmierr.Wrap("snapshot.Mapper.Materialize", vmierr.IOFailed, err)
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	for _, m2p := range chunk.Chunks {
		off := m2p.VAddr - chunk.VAddrLo
		addr := base + uintptr(off)
		_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(m2p.ByteSize),
			unix.PROT_READ, uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED), uintptr(m.snapshotFD), uintptr(m2p.PAddr))
		if errno != 0 {
			unix.Munmap(region)
			return vmierr.Wrap("snapshot.Mapper.Materialize", vmierr.IOFailed, errno)
		}
	}
	chunk.host = region
	return nil
}

// Unmap releases chunk.host, per spec §4.G step 5.
func (m *Mapper) Unmap(chunk *V2MChunk) error {
	if chunk.host == nil {
		return nil
	}
	err := unix.Munmap(chunk.host)
	chunk.host = nil
	if err != nil {
		return vmierr.Wrap("snapshot.Mapper.Unmap", vmierr.IOFailed, err)
	}
	return nil
}

// Table holds the per-pid V2M chunks built so far.
type Table struct {
	chunks map[int][]V2MChunk
}

func NewTable() *Table { return &Table{chunks: make(map[int][]V2MChunk)} }

// Build enumerates every mapped page under dtb and constructs the pid's
// v2m table, caching it for subsequent lookups.
func (t *Table) Build(pid int, dtb uint64, enumerate VPageSource) ([]V2MChunk, error) {
	if chunks, ok := t.chunks[pid]; ok {
		return chunks, nil
	}
	pages, err := enumerate(dtb)
	if err != nil {
		return nil, err
	}
	b := NewBuilder()
	for _, p := range pages {
		b.Add(p.VAddr, p.PAddr, p.Size)
	}
	chunks := b.Finish()
	t.chunks[pid] = chunks
	return chunks, nil
}

// Lookup finds the chunk covering vaddr for pid, if the table has already
// been built for that pid.
func (t *Table) Lookup(pid int, vaddr uint64) (*V2MChunk, bool) {
	chunks, ok := t.chunks[pid]
	if !ok {
		return nil, false
	}
	for i := range chunks {
		if vaddr >= chunks[i].VAddrLo && vaddr < chunks[i].VAddrHi {
			return &chunks[i], true
		}
	}
	return nil, false
}

// Flush drops every built v2m table, used only on snapshot teardown per
// spec §4.G step 5 (v2m is otherwise invalidated only on teardown, per
// spec §3's cache description).
func (t *Table) Flush(unmap func(*V2MChunk)) {
	for _, chunks := range t.chunks {
		for i := range chunks {
			if unmap != nil {
				unmap(&chunks[i])
			}
		}
	}
	t.chunks = make(map[int][]V2MChunk)
}

// Region is the memory-mapped snapshot of guest RAM itself: the
// POSIX-shared-memory-object-backed mapping taken in spec §4.G steps 1-2.
type Region struct {
	fd   int
	name string
	data []byte
}

// Attach opens shmName read-only, sizes it to byteCount, and maps it
// MAP_PRIVATE|MAP_NORESERVE|MAP_POPULATE, per spec §4.G step 2.
func Attach(shmName string, byteCount uint64) (*Region, error) {
	fd, err := unix.Open("/dev/shm/"+shmName, unix.O_RDONLY, 0)
	if err != nil {
		return nil, vmierr.Wrap("snapshot.Attach", vmierr.IOFailed, err)
	}
	data, err := unix.Mmap(fd, 0, int(byteCount), unix.PROT_READ,
		unix.MAP_PRIVATE|unix.MAP_NORESERVE|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, vmierr.Wrap("snapshot.Attach", vmierr.IOFailed, err)
	}
	return &Region{fd: fd, name: shmName, data: data}, nil
}

// Bytes returns the full mapped guest-RAM region.
func (r *Region) Bytes() []byte { return r.data }

// FD returns the snapshot file's descriptor, which Mapper needs to build
// MAP_FIXED overlays at specific physical offsets.
func (r *Region) FD() int { return r.fd }

// ReadPhys is a pagetable.PhysReader implementation doing pointer
// arithmetic into the mapped region, per spec §4.G step 4.
func (r *Region) ReadPhys(paddr uint64, buf []byte) error {
	if paddr+uint64(len(buf)) > uint64(len(r.data)) {
		return vmierr.New("snapshot.Region.ReadPhys", vmierr.IOFailed)
	}
	copy(buf, r.data[paddr:paddr+uint64(len(buf))])
	return nil
}

// Detach unmaps and unlinks the shared-memory object, per spec §4.G step
// 5.
func (r *Region) Detach() error {
	err := unix.Munmap(r.data)
	unix.Close(r.fd)
	unix.Unlink("/dev/shm/" + r.name)
	if err != nil {
		return vmierr.Wrap("snapshot.Region.Detach", vmierr.IOFailed, err)
	}
	return nil
}
