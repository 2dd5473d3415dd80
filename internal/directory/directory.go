// Package directory implements the directory layer: a directory is an
// ordinary file (via internal/inode) whose data is an array of fixed-width
// entries, with entry 0 always reserved for the parent ("..") pointer.
package directory

import (
	"encoding/binary"

	"github.com/grailbio/base/must"

	"sectorfs/internal/inode"
)

// NameMax is the longest a single path component's name may be.
const NameMax = 14

// entrySize is the on-disk size of one directory entry:
// 4-byte inode sector + (NameMax+1)-byte NUL-terminated name + 1-byte in_use.
const entrySize = 4 + (NameMax + 1) + 1

// RootSector is the fixed sector id of the root directory's inode.
const RootSector = 1

type entry struct {
	sector uint32
	name   string
	inUse  bool
}

func (e entry) marshal() [entrySize]byte {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], e.sector)
	copy(buf[4:4+NameMax+1], e.name)
	if e.inUse {
		buf[entrySize-1] = 1
	}
	return buf
}

func unmarshalEntry(buf []byte) entry {
	must.True(len(buf) == entrySize, "directory: short entry read")
	nameBytes := buf[4 : 4+NameMax+1]
	n := 0
	for n < len(nameBytes) && nameBytes[n] != 0 {
		n++
	}
	return entry{
		sector: binary.LittleEndian.Uint32(buf[0:4]),
		name:   string(nameBytes[:n]),
		inUse:  buf[entrySize-1] != 0,
	}
}

// Dir is a directory handle: an inode reference plus an iteration cursor.
type Dir struct {
	table *inode.Table
	in    *inode.Inode
	pos   int64
}

// Create makes a new directory inode at sector with room for entryCapacity
// entries, and writes a self-referencing ".." placeholder at offset 0 (the
// real parent is attached later by Add on the parent directory).
func Create(sc sectorCache, fm inode.Allocator, table *inode.Table, sector uint32, entryCapacity int) bool {
	if !inode.Create(sc, fm, sector, int64(entryCapacity*entrySize), true) {
		return false
	}
	in := table.Open(sector)
	defer table.Close(in)
	self := entry{sector: sector, name: "", inUse: false}
	buf := self.marshal()
	return in.WriteAt(table, buf[:], 0) == entrySize
}

// sectorCache mirrors the cache contract inode.Create needs; re-declared
// here so this package does not import internal/cache directly.
type sectorCache interface {
	Read(id uint32, dst []byte, offset int)
	Write(id uint32, src []byte, offset int)
}

// Open wraps an already-open inode in a Dir handle, with the cursor
// positioned just past the ".." entry.
func Open(table *inode.Table, in *inode.Inode) *Dir {
	return &Dir{table: table, in: in, pos: entrySize}
}

// OpenRoot opens the root directory.
func OpenRoot(table *inode.Table) *Dir {
	return Open(table, table.Open(RootSector))
}

// Reopen returns a new handle sharing d's inode, with its own fresh cursor.
func (d *Dir) Reopen() *Dir {
	return Open(d.table, d.table.Reopen(d.in))
}

// Close releases d's reference on its inode.
func (d *Dir) Close() {
	d.table.Close(d.in)
}

// Inode returns the directory's underlying inode handle.
func (d *Dir) Inode() *inode.Inode { return d.in }

// lookup scans from offset 0 for an in-use entry named name. ok is false if
// no match was found; in that case ofs is meaningless.
func (d *Dir) lookup(name string) (e entry, ofs int64, ok bool) {
	var buf [entrySize]byte
	for o := int64(0); d.in.ReadAt(d.table, buf[:], o) == entrySize; o += entrySize {
		cand := unmarshalEntry(buf[:])
		if cand.inUse && cand.name == name {
			return cand, o, true
		}
	}
	return entry{}, 0, false
}

// Lookup searches d for name, returning an opened inode handle on a hit.
func (d *Dir) Lookup(name string) (*inode.Inode, bool) {
	e, _, ok := d.lookup(name)
	if !ok {
		return nil, false
	}
	return d.table.Open(e.sector), true
}

// Add inserts a new entry for name pointing at inodeSector. Refuses empty
// names, names longer than NameMax, and duplicates. If isDir, the new
// inode's offset-0 entry is overwritten to point back at d (the ".."
// pointer).
func (d *Dir) Add(name string, inodeSector uint32, isDir bool) bool {
	if name == "" || len(name) > NameMax {
		return false
	}
	if _, _, exists := d.lookup(name); exists {
		return false
	}

	// Find the first free slot at or past offset entrySize (slot 0 is
	// reserved for "..") or fall through to append via WriteAt's implicit
	// extension.
	var buf [entrySize]byte
	ofs := int64(entrySize)
	for ; d.in.ReadAt(d.table, buf[:], ofs) == entrySize; ofs += entrySize {
		if !unmarshalEntry(buf[:]).inUse {
			break
		}
	}

	if isDir {
		child := Open(d.table, d.table.Open(inodeSector))
		parent := entry{sector: d.in.Inumber(), name: "..", inUse: true}
		pbuf := parent.marshal()
		wrote := child.in.WriteAt(d.table, pbuf[:], 0)
		child.Close()
		if wrote != entrySize {
			return false
		}
	}

	e := entry{sector: inodeSector, name: name, inUse: true}
	ebuf := e.marshal()
	return d.in.WriteAt(d.table, ebuf[:], ofs) == entrySize
}

// Remove erases the entry named name, rejecting removal of a non-empty
// directory. The target inode is marked removed; physical deallocation is
// deferred to its last close.
func (d *Dir) Remove(name string) bool {
	e, ofs, ok := d.lookup(name)
	if !ok {
		return false
	}
	target := d.table.Open(e.sector)
	defer d.table.Close(target)

	if target.IsDir(d.table) {
		td := Open(d.table, d.table.Reopen(target))
		empty := td.IsEmpty()
		td.Close()
		if !empty {
			return false
		}
	}

	e.inUse = false
	buf := e.marshal()
	if d.in.WriteAt(d.table, buf[:], ofs) != entrySize {
		return false
	}
	d.table.Remove(target)
	return true
}

// Readdir advances past ".." and returns the next in-use entry's name.
// Returns false, "" once exhausted; it stays false on every subsequent
// call (idempotent at EOF).
func (d *Dir) Readdir() (string, bool) {
	if d.pos == 0 {
		d.pos = entrySize
	}
	var buf [entrySize]byte
	for d.in.ReadAt(d.table, buf[:], d.pos) == entrySize {
		d.pos += entrySize
		e := unmarshalEntry(buf[:])
		if e.inUse {
			return e.name, true
		}
	}
	return "", false
}

// IsEmpty reports whether d has no in-use entries past the ".." slot.
func (d *Dir) IsEmpty() bool {
	var buf [entrySize]byte
	for ofs := int64(entrySize); d.in.ReadAt(d.table, buf[:], ofs) == entrySize; ofs += entrySize {
		if unmarshalEntry(buf[:]).inUse {
			return false
		}
	}
	return true
}

// IsRoot reports whether d is the root directory.
func (d *Dir) IsRoot() bool {
	return d.in.Inumber() == RootSector
}

// IsSame reports whether d1 and d2 refer to the same inode.
func IsSame(d1, d2 *Dir) bool {
	return d1 != nil && d2 != nil && d1.in.Inumber() == d2.in.Inumber()
}

// Parent opens a fresh handle on d's parent, read from the offset-0 entry.
func (d *Dir) Parent() *Dir {
	var buf [entrySize]byte
	if d.in.ReadAt(d.table, buf[:], 0) != entrySize {
		return nil
	}
	e := unmarshalEntry(buf[:])
	return Open(d.table, d.table.Open(e.sector))
}
