// Package inode implements the on-disk inode layer: a single-sector inode
// with 123 direct, one indirect, and one doubly-indirect data-sector
// pointer, the open-inode table that deduplicates repeat opens of the same
// sector, and read/write with implicit on-demand extension.
package inode

import (
	"encoding/binary"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"sectorfs/internal/blockdev"
)

const (
	// DirectCount is the number of direct data-sector pointers.
	DirectCount = 123
	// PointersPerBlock is how many 4-byte sector ids fit in one indirect
	// block sector.
	PointersPerBlock = blockdev.SectorSize / 4 // 128
	// IndirectCount is the number of sectors reachable through the single
	// indirect pointer.
	IndirectCount = PointersPerBlock
	// DoublyIndirectCount is the number of sectors reachable through the
	// doubly-indirect pointer.
	DoublyIndirectCount = PointersPerBlock * PointersPerBlock

	// MaxFileSize is the largest length in bytes an inode can index.
	MaxFileSize = (DirectCount + IndirectCount + DoublyIndirectCount) * blockdev.SectorSize

	magic = 0x494e4f44
)

// onDisk is the exact bit-for-bit 512-byte inode layout.
type onDisk struct {
	direct         [DirectCount]uint32
	indirect       uint32
	doublyIndirect uint32
	isDir          bool
	length         int32
	magic          uint32
}

func (d *onDisk) marshal() [blockdev.SectorSize]byte {
	var buf [blockdev.SectorSize]byte
	off := 0
	for _, s := range d.direct {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.indirect)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.doublyIndirect)
	off += 4
	if d.isDir {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.length))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.magic)
	return buf
}

func unmarshal(buf []byte) *onDisk {
	must.True(len(buf) == blockdev.SectorSize, "inode: unmarshal requires a full sector")
	d := &onDisk{}
	off := 0
	for i := range d.direct {
		d.direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.indirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.doublyIndirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.isDir = buf[off] != 0
	off++
	d.length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.magic = binary.LittleEndian.Uint32(buf[off:])
	return d
}

// sectorCache is the subset of *cache.Cache the inode layer needs.
type sectorCache interface {
	Read(id uint32, dst []byte, offset int)
	Write(id uint32, src []byte, offset int)
}

// Allocator is the free-sector map contract (spec §4.2's external
// collaborator), satisfied by *freemap.Map.
type Allocator interface {
	Allocate(n int) ([]uint32, bool)
	Release(ids []uint32)
}

// Table is the open-inode table: it deduplicates opens of the same sector
// id and owns the shared in-memory inode's lifecycle. The caller (the
// filesystem facade) is expected to hold a coarse lock around Open/Close
// per spec §5 ("the open-inode list itself is assumed protected by an
// external big-filesystem lock").
type Table struct {
	cache *cache2
	mu    sync.Mutex
	open  map[uint32]*Inode
}

// cache2 bundles the two collaborators every inode operation needs, so
// Table's fields stay small.
type cache2 struct {
	sc sectorCache
	fm Allocator
}

// NewTable constructs an open-inode table backed by the given cache and
// free-sector allocator.
func NewTable(sc sectorCache, fm Allocator) *Table {
	return &Table{cache: &cache2{sc: sc, fm: fm}, open: make(map[uint32]*Inode)}
}

// Inode is the in-memory inode: shared by every handle derived from the
// same sector id.
type Inode struct {
	table         *Table
	sector        uint32
	mu            sync.Mutex
	openCount     int
	denyWriteCnt  int
	removed       bool
}

// Create allocates data sectors to cover length bytes and writes a fresh
// on-disk inode to sector. Returns false (not an error) on allocator
// exhaustion, per spec's "create() -> boolean" contract.
func Create(sc sectorCache, fm Allocator, sector uint32, length int64, isDir bool) bool {
	must.True(length >= 0, "inode: create with negative length")
	d := &onDisk{isDir: isDir, length: int32(length), magic: magic}
	if !allocate(sc, fm, d, length) {
		return false
	}
	buf := d.marshal()
	sc.Write(sector, buf[:], 0)
	return true
}

// Open returns a handle on the inode at sector, reusing an already-open
// in-memory inode if one exists (spec: "opening the same sector_id twice
// returns the same in-memory inode with open_count incremented").
func (t *Table) Open(sector uint32) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.open[sector]; ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		return in
	}
	in := &Inode{table: t, sector: sector, openCount: 1}
	t.open[sector] = in
	return in
}

// Reopen increments the refcount and returns in, mirroring inode_reopen.
func (t *Table) Reopen(in *Inode) *Inode {
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
	return in
}

// Close decrements in's refcount. On the last close, if the inode was
// removed, its data and inode sector are released back to the free map.
func (t *Table) Close(in *Inode) {
	in.mu.Lock()
	in.openCount--
	last := in.openCount == 0
	removed := in.removed
	in.mu.Unlock()
	if !last {
		return
	}

	t.mu.Lock()
	delete(t.open, in.sector)
	t.mu.Unlock()

	if removed {
		d := t.readDisk(in.sector)
		deallocate(t.cache.sc, t.cache.fm, d)
		t.cache.fm.Release([]uint32{in.sector})
		log.Printf("inode: freed removed inode at sector %d", in.sector)
	}
}

// Remove marks in for deletion; physical deallocation is deferred to the
// last Close.
func (t *Table) Remove(in *Inode) {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// Inumber returns in's sector id.
func (in *Inode) Inumber() uint32 { return in.sector }

// IsRemoved reports whether Remove has been called on in.
func (in *Inode) IsRemoved() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// DenyWrite disallows writes to in until a matching AllowWrite.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyWriteCnt++
	must.True(in.denyWriteCnt <= in.openCount, "inode: deny_write_cnt exceeds open_count")
}

// AllowWrite reverses one DenyWrite.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	must.True(in.denyWriteCnt > 0, "inode: allow_write without matching deny_write")
	in.denyWriteCnt--
}

// readDisk loads the on-disk inode image fresh from the cache. The
// in-memory Inode never caches this image itself (spec §4.3).
func (t *Table) readDisk(sector uint32) *onDisk {
	var buf [blockdev.SectorSize]byte
	t.cache.sc.Read(sector, buf[:], 0)
	d := unmarshal(buf[:])
	must.True(d.magic == magic, "inode: bad magic at sector ", sector)
	return d
}

func (t *Table) writeDisk(sector uint32, d *onDisk) {
	buf := d.marshal()
	t.cache.sc.Write(sector, buf[:], 0)
}

// Length returns in's current length in bytes.
func (in *Inode) Length(t *Table) int64 {
	return int64(t.readDisk(in.sector).length)
}

// IsDir reports whether in is a directory inode.
func (in *Inode) IsDir(t *Table) bool {
	return t.readDisk(in.sector).isDir
}

// ReadAt reads up to len(buf) bytes starting at offset, returning the
// number of bytes actually read. Returns 0 at or past EOF.
func (in *Inode) ReadAt(t *Table, buf []byte, offset int64) int {
	d := t.readDisk(in.sector)
	total := 0
	size := len(buf)
	for size > 0 {
		sectorIdx, mapped := sectorAt(t.cache.sc, d, offset)
		if !mapped {
			break
		}
		sectorOfs := int(offset % blockdev.SectorSize)
		inodeLeft := int64(d.length) - offset
		sectorLeft := blockdev.SectorSize - sectorOfs
		minLeft := inodeLeft
		if int64(sectorLeft) < minLeft {
			minLeft = int64(sectorLeft)
		}
		chunk := size
		if int64(chunk) > minLeft {
			chunk = int(minLeft)
		}
		if chunk <= 0 {
			break
		}
		t.cache.sc.Read(sectorIdx, buf[total:total+chunk], sectorOfs)
		size -= chunk
		offset += int64(chunk)
		total += chunk
	}
	return total
}

// WriteAt writes buf starting at offset, returning the number of bytes
// actually written. If offset+len(buf) exceeds the current length, the
// file is extended first. Returns 0 if in is write-denied.
func (in *Inode) WriteAt(t *Table, buf []byte, offset int64) int {
	in.mu.Lock()
	denied := in.denyWriteCnt > 0
	in.mu.Unlock()
	if denied {
		return 0
	}
	if offset >= MaxFileSize || len(buf) == 0 {
		return 0
	}

	d := t.readDisk(in.sector)
	end := offset + int64(len(buf))
	if end > MaxFileSize {
		end = MaxFileSize
	}
	if _, mapped := sectorAt(t.cache.sc, d, end-1); !mapped && end > 0 {
		if !allocate(t.cache.sc, t.cache.fm, d, end) {
			return 0
		}
		d.length = int32(end)
		t.writeDisk(in.sector, d)
	}

	total := 0
	size := len(buf)
	if offset+int64(size) > int64(d.length) {
		size = int(int64(d.length) - offset)
		if size < 0 {
			size = 0
		}
	}
	for size > 0 {
		sectorIdx, mapped := sectorAt(t.cache.sc, d, offset)
		if !mapped {
			break
		}
		sectorOfs := int(offset % blockdev.SectorSize)
		inodeLeft := int64(d.length) - offset
		sectorLeft := blockdev.SectorSize - sectorOfs
		minLeft := inodeLeft
		if int64(sectorLeft) < minLeft {
			minLeft = int64(sectorLeft)
		}
		chunk := size
		if int64(chunk) > minLeft {
			chunk = int(minLeft)
		}
		if chunk <= 0 {
			break
		}
		t.cache.sc.Write(sectorIdx, buf[total:total+chunk], sectorOfs)
		size -= chunk
		offset += int64(chunk)
		total += chunk
	}
	return total
}

// sectorAt maps a byte offset to a concrete data sector id, following the
// direct/indirect/doubly-indirect tiers. mapped is false if pos is at or
// past the inode's current length.
func sectorAt(sc sectorCache, d *onDisk, pos int64) (id uint32, mapped bool) {
	if pos < 0 || pos >= int64(d.length) {
		return 0, false
	}
	idx := int(pos / blockdev.SectorSize)
	switch {
	case idx < DirectCount:
		return d.direct[idx], true
	case idx < DirectCount+IndirectCount:
		return readIndirectEntry(sc, d.indirect, idx-DirectCount), true
	default:
		k := idx - DirectCount - IndirectCount
		var page [PointersPerBlock]uint32
		readBlock(sc, d.doublyIndirect, &page)
		return readIndirectEntry(sc, page[k/PointersPerBlock], k%PointersPerBlock), true
	}
}

func readIndirectEntry(sc sectorCache, indirectSector uint32, idx int) uint32 {
	var page [PointersPerBlock]uint32
	readBlock(sc, indirectSector, &page)
	return page[idx]
}

func readBlock(sc sectorCache, sector uint32, page *[PointersPerBlock]uint32) {
	var buf [blockdev.SectorSize]byte
	sc.Read(sector, buf[:], 0)
	for i := range page {
		page[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}

func writeBlock(sc sectorCache, sector uint32, page *[PointersPerBlock]uint32) {
	var buf [blockdev.SectorSize]byte
	for i, v := range page {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	sc.Write(sector, buf[:], 0)
}

var zeroSector [blockdev.SectorSize]byte

// allocate grows d's index tree to cover newLength bytes. An already
// nonzero pointer is left alone: extension is idempotent on the prefix
// already present. Returns false on free-map exhaustion, leaving d's
// length field unchanged by the caller (partial allocation is not rolled
// back — see DESIGN.md).
func allocate(sc sectorCache, fm Allocator, d *onDisk, newLength int64) bool {
	if newLength < 0 {
		return false
	}
	n := bytesToSectors(newLength)

	// Direct tier.
	directWant := min(n, DirectCount)
	for i := 0; i < directWant; i++ {
		if d.direct[i] == 0 {
			ids, ok := fm.Allocate(1)
			if !ok {
				return false
			}
			d.direct[i] = ids[0]
			sc.Write(ids[0], zeroSector[:], 0)
		}
	}
	if n <= DirectCount {
		return true
	}

	// Indirect tier.
	indirectWant := min(n-DirectCount, IndirectCount)
	if d.indirect == 0 {
		ids, ok := fm.Allocate(1)
		if !ok {
			return false
		}
		d.indirect = ids[0]
		sc.Write(ids[0], zeroSector[:], 0)
	}
	var page [PointersPerBlock]uint32
	readBlock(sc, d.indirect, &page)
	for i := 0; i < indirectWant; i++ {
		if page[i] == 0 {
			ids, ok := fm.Allocate(1)
			if !ok {
				writeBlock(sc, d.indirect, &page)
				return false
			}
			page[i] = ids[0]
			sc.Write(ids[0], zeroSector[:], 0)
		}
	}
	writeBlock(sc, d.indirect, &page)
	if n <= DirectCount+IndirectCount {
		return true
	}

	// Doubly-indirect tier.
	remaining := n - DirectCount - IndirectCount
	if d.doublyIndirect == 0 {
		ids, ok := fm.Allocate(1)
		if !ok {
			return false
		}
		d.doublyIndirect = ids[0]
		sc.Write(ids[0], zeroSector[:], 0)
	}
	var outer [PointersPerBlock]uint32
	readBlock(sc, d.doublyIndirect, &outer)
	outerCount := (remaining + PointersPerBlock - 1) / PointersPerBlock
	for o := 0; o < outerCount; o++ {
		if outer[o] == 0 {
			ids, ok := fm.Allocate(1)
			if !ok {
				writeBlock(sc, d.doublyIndirect, &outer)
				return false
			}
			outer[o] = ids[0]
			sc.Write(ids[0], zeroSector[:], 0)
		}
		var inner [PointersPerBlock]uint32
		readBlock(sc, outer[o], &inner)
		innerWant := remaining - o*PointersPerBlock
		if innerWant > PointersPerBlock {
			innerWant = PointersPerBlock
		}
		for i := 0; i < innerWant; i++ {
			if inner[i] == 0 {
				ids, ok := fm.Allocate(1)
				if !ok {
					writeBlock(sc, outer[o], &inner)
					writeBlock(sc, d.doublyIndirect, &outer)
					return false
				}
				inner[i] = ids[0]
				sc.Write(ids[0], zeroSector[:], 0)
			}
		}
		writeBlock(sc, outer[o], &inner)
	}
	writeBlock(sc, d.doublyIndirect, &outer)
	return true
}

// deallocate releases every valid data and index sector referenced by d
// back to the free map.
func deallocate(sc sectorCache, fm Allocator, d *onDisk) {
	n := bytesToSectors(int64(d.length))

	directCount := min(n, DirectCount)
	for i := 0; i < directCount; i++ {
		if d.direct[i] != 0 {
			fm.Release([]uint32{d.direct[i]})
		}
	}
	if n <= DirectCount {
		return
	}

	if d.indirect != 0 {
		var page [PointersPerBlock]uint32
		readBlock(sc, d.indirect, &page)
		indirectCount := min(n-DirectCount, IndirectCount)
		for i := 0; i < indirectCount; i++ {
			if page[i] != 0 {
				fm.Release([]uint32{page[i]})
			}
		}
		fm.Release([]uint32{d.indirect})
	}
	if n <= DirectCount+IndirectCount {
		return
	}

	if d.doublyIndirect != 0 {
		remaining := n - DirectCount - IndirectCount
		var outer [PointersPerBlock]uint32
		readBlock(sc, d.doublyIndirect, &outer)
		outerCount := (remaining + PointersPerBlock - 1) / PointersPerBlock
		for o := 0; o < outerCount; o++ {
			if outer[o] == 0 {
				continue
			}
			var inner [PointersPerBlock]uint32
			readBlock(sc, outer[o], &inner)
			innerWant := remaining - o*PointersPerBlock
			if innerWant > PointersPerBlock {
				innerWant = PointersPerBlock
			}
			for i := 0; i < innerWant; i++ {
				if inner[i] != 0 {
					fm.Release([]uint32{inner[i]})
				}
			}
			fm.Release([]uint32{outer[o]})
		}
		fm.Release([]uint32{d.doublyIndirect})
	}
}

func bytesToSectors(size int64) int {
	return int((size + blockdev.SectorSize - 1) / blockdev.SectorSize)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
