// Package fsys implements path resolution and the filesystem facade: the
// six user-visible operations (create, open, remove, chdir, init,
// shutdown) built on top of internal/cache, internal/inode, and
// internal/directory.
package fsys

import (
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"sectorfs/internal/blockdev"
	"sectorfs/internal/cache"
	"sectorfs/internal/directory"
	"sectorfs/internal/freemap"
	"sectorfs/internal/inode"
	"sectorfs/internal/pathutil"
)

// rootEntryCapacity is how many directory entries the root (and any
// freshly created directory) starts out sized for.
const rootEntryCapacity = 16

// freeMapSector is the fixed sector id of the free-map file's inode.
const freeMapSector = 0

// FS is the process-wide filesystem instance: the device, cache,
// open-inode table, and free-sector map. These are the "global filesystem
// state" singletons spec §9 describes; callers construct exactly one via
// Init and release it with Shutdown.
type FS struct {
	dev   *blockdev.Device
	cache *cache.Cache
	table *inode.Table
	fm    *freemap.Map
	fmIn  *inode.Inode
}

// Init opens (or, if format is true, creates) the filesystem on the image
// at devicePath with the given sector count, and returns the ready-to-use
// instance. cacheSlots sizes the buffer cache; 0 or negative falls back to
// cache.DefaultNumSlots. Re-entering Init on the same image without a
// matching Shutdown is undefined — the device lock makes a concurrent
// second Init fail loudly instead of corrupting the image.
func Init(devicePath string, sectorCount uint32, format bool, cacheSlots int) (*FS, error) {
	var dev *blockdev.Device
	var err error
	if format {
		dev, err = blockdev.Format(devicePath, sectorCount)
	} else {
		dev, err = blockdev.Open(devicePath, sectorCount)
	}
	if err != nil {
		return nil, err
	}
	if err := dev.Lock(); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("fsys: %w", err)
	}

	c := cache.NewSized(dev, cacheSlots)
	fs := &FS{dev: dev, cache: c}

	if format {
		fs.fm = freemap.New(int(sectorCount))
		fs.fm.MarkUsed(freeMapSector)
		fs.fm.MarkUsed(directory.RootSector)

		fs.table = inode.NewTable(c, fs.fm)
		if !inode.Create(c, fs.fm, freeMapSector, int64(fs.fm.ByteLen()), false) {
			return nil, fmt.Errorf("fsys: free-map inode creation failed")
		}
		fs.fmIn = fs.table.Open(freeMapSector)
		if n := fs.fmIn.WriteAt(fs.table, fs.fm.Marshal(), 0); n != fs.fm.ByteLen() {
			return nil, fmt.Errorf("fsys: writing free-map contents failed")
		}

		if !directory.Create(c, fs.fm, fs.table, directory.RootSector, rootEntryCapacity) {
			return nil, fmt.Errorf("fsys: root directory creation failed")
		}
		log.Printf("fsys: formatted %q (%d sectors)", devicePath, sectorCount)
	} else {
		// The free map itself must be read before it exists: bootstrap the
		// table with a lazy allocator that starts out empty and is filled
		// in once the bitmap bytes have been read back through it. Reading
		// never calls Allocate/Release, so this is safe.
		la := &lazyAllocator{}
		fs.table = inode.NewTable(c, la)
		fs.fmIn = fs.table.Open(freeMapSector)
		raw := make([]byte, fs.fmIn.Length(fs.table))
		fs.fmIn.ReadAt(fs.table, raw, 0)
		fs.fm, err = freemap.Unmarshal(raw, int(sectorCount))
		if err != nil {
			return nil, fmt.Errorf("fsys: loading free-map: %w", err)
		}
		la.fm = fs.fm
	}

	return fs, nil
}

// lazyAllocator defers to fm once it has been set, so the open-inode table
// can be constructed before the free map it depends on has been loaded.
type lazyAllocator struct{ fm *freemap.Map }

func (la *lazyAllocator) Allocate(n int) ([]uint32, bool) { return la.fm.Allocate(n) }
func (la *lazyAllocator) Release(ids []uint32)            { la.fm.Release(ids) }

// Shutdown flushes the cache and closes the free map and device. Using fs
// after Shutdown is undefined.
func (fs *FS) Shutdown() {
	fs.fmIn.WriteAt(fs.table, fs.fm.Marshal(), 0)
	fs.table.Close(fs.fmIn)
	fs.cache.Invalidate()
	must.Nil(fs.dev.Unlock(), "fsys: unlock device")
	must.Nil(fs.dev.Close(), "fsys: close device")
	log.Printf("fsys: shutdown complete")
}

// Session is a per-task context: the working directory handle a caller's
// relative paths resolve against. The zero value has no working directory
// (resolves relative to root), mirroring an unset per-task field.
type Session struct {
	fs *FS
	wd *directory.Dir
}

// NewSession returns a Session with no working directory (root-relative).
func (fs *FS) NewSession() *Session {
	return &Session{fs: fs}
}

// Close releases the session's working-directory handle, if any. Called on
// task exit.
func (s *Session) Close() {
	if s.wd != nil {
		s.wd.Close()
	}
}

// startDir opens the directory the walk should begin from for a given
// directory prefix: root if the prefix is absolute or there is no working
// directory, otherwise a fresh handle on the working directory.
func (s *Session) startDir(absolute bool) *directory.Dir {
	if absolute || s.wd == nil {
		return directory.OpenRoot(s.fs.table)
	}
	return s.wd.Reopen()
}

// walk resolves dirPrefix to an open directory handle, honoring '.' and
// '..' components structurally. Returns not-found (ok=false) if any
// component lookup fails or if the resolved directory turns out removed.
func (s *Session) walk(dirPrefix string) (*directory.Dir, bool) {
	comps, absolute, err := pathutil.Components(dirPrefix)
	if err != nil {
		return nil, false
	}
	cur := s.startDir(absolute)
	for _, comp := range comps {
		switch comp {
		case ".":
			continue
		case "..":
			parent := cur.Parent()
			cur.Close()
			if parent == nil {
				return nil, false
			}
			cur = parent
		default:
			child, ok := cur.Lookup(comp)
			if !ok {
				cur.Close()
				return nil, false
			}
			if !child.IsDir(s.fs.table) {
				cur.Close()
				s.fs.table.Close(child)
				return nil, false
			}
			next := directory.Open(s.fs.table, child)
			cur.Close()
			cur = next
		}
	}
	if cur.Inode().IsRemoved() {
		cur.Close()
		return nil, false
	}
	return cur, true
}

// Create implements filesys_create: split the path, resolve the directory
// prefix, allocate a fresh inode sector, create the inode (or sub-
// directory), and attach it under the resolved directory. Rolls back the
// inode-sector allocation on any failure past that point.
func (s *Session) Create(path string, length int64, isDir bool) bool {
	dirPrefix, final, err := pathutil.Split(path)
	if err != nil || final == "" || final == "." || final == ".." || pathutil.Validate(final) != nil {
		return false
	}
	dir, ok := s.walk(dirPrefix)
	if !ok {
		return false
	}
	defer dir.Close()

	ids, ok := s.fs.fm.Allocate(1)
	if !ok {
		return false
	}
	sector := ids[0]

	var created bool
	if isDir {
		created = directory.Create(s.fs.cache, s.fs.fm, s.fs.table, sector, rootEntryCapacity)
	} else {
		created = inode.Create(s.fs.cache, s.fs.fm, sector, length, false)
	}
	if !created {
		s.fs.fm.Release([]uint32{sector})
		return false
	}

	if !dir.Add(final, sector, isDir) {
		s.fs.fm.Release([]uint32{sector})
		return false
	}
	return true
}

// Handle is an open-file handle: an inode reference plus seek position,
// the object returned to callers by Open.
type Handle struct {
	table *inode.Table
	in    *inode.Inode
	dir   *directory.Dir // non-nil iff this handle is actually a directory
	pos   int64
}

// Open implements filesys_open. If the final component is empty or ".",
// returns a handle on the directory itself; otherwise looks the name up
// and opens it. Fails on a missing or removed target.
func (s *Session) Open(path string) (*Handle, bool) {
	if path == "" {
		return nil, false
	}
	dirPrefix, final, err := pathutil.Split(path)
	if err != nil {
		return nil, false
	}
	dir, ok := s.walk(dirPrefix)
	if !ok {
		return nil, false
	}

	switch {
	case final == "" || final == ".":
		if dir.Inode().IsDir(s.fs.table) {
			return &Handle{table: s.fs.table, in: dir.Inode(), dir: dir}, true
		}
		dir.Close()
		return nil, false
	case final == "..":
		parent := dir.Parent()
		dir.Close()
		if parent == nil {
			return nil, false
		}
		return &Handle{table: s.fs.table, in: parent.Inode(), dir: parent}, true
	default:
		in, ok := dir.Lookup(final)
		dir.Close()
		if !ok {
			return nil, false
		}
		if in.IsRemoved() {
			s.fs.table.Close(in)
			return nil, false
		}
		if in.IsDir(s.fs.table) {
			return &Handle{table: s.fs.table, in: in, dir: directory.Open(s.fs.table, in)}, true
		}
		return &Handle{table: s.fs.table, in: in}, true
	}
}

// Remove implements filesys_remove. Refuses removal of a directory that is
// an ancestor of this session's working directory.
func (s *Session) Remove(path string) bool {
	dirPrefix, final, err := pathutil.Split(path)
	if err != nil || final == "" {
		return false
	}
	dir, ok := s.walk(dirPrefix)
	if !ok {
		return false
	}
	defer dir.Close()

	if s.isAncestorOfWD(dir, final) {
		return false
	}
	return dir.Remove(final)
}

// isAncestorOfWD reports whether the entry (dir, name) is an ancestor of
// s's working directory, by walking the ".." chain from wd and checking
// for a sector match.
func (s *Session) isAncestorOfWD(dir *directory.Dir, name string) bool {
	if s.wd == nil {
		return false
	}
	target, ok := dir.Lookup(name)
	if !ok {
		return false
	}
	defer s.fs.table.Close(target)
	if !target.IsDir(s.fs.table) {
		return false
	}
	targetSector := target.Inumber()

	cur := s.wd.Reopen()
	for {
		if cur.Inode().Inumber() == targetSector {
			cur.Close()
			return true
		}
		if cur.IsRoot() {
			cur.Close()
			return false
		}
		parent := cur.Parent()
		cur.Close()
		if parent == nil {
			return false
		}
		cur = parent
	}
}

// Chdir implements filesys_chdir: resolve path and atomically swap the
// session's working directory, closing the old one.
func (s *Session) Chdir(path string) bool {
	h, ok := s.Open(path)
	if !ok {
		return false
	}
	if !h.in.IsDir(s.fs.table) {
		h.Close()
		return false
	}
	old := s.wd
	s.wd = h.dir
	if old != nil {
		old.Close()
	}
	return true
}
