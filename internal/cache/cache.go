// Package cache implements the write-back buffer cache over a fixed-size
// sector device: a small fixed array of slots, second-chance eviction, and
// per-slot locking so callers get an exclusive hold on a sector's payload
// for the duration of a read or write.
package cache

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	"sectorfs/internal/blockdev"
)

// DefaultNumSlots is the cache size used when a caller doesn't override it.
const DefaultNumSlots = 64

// ChancesInit is the number of reprieves a freshly loaded or re-referenced
// slot gets before the clock hand is allowed to evict it.
const ChancesInit = 1

// SectorSize re-exports blockdev.SectorSize for callers that only import
// cache.
const SectorSize = blockdev.SectorSize

// device is the subset of *blockdev.Device the cache needs; kept as an
// interface so tests can substitute a fake without touching a real file.
type device interface {
	ReadSector(id uint32, dst []byte)
	WriteSector(id uint32, src []byte)
}

type slot struct {
	mu       sync.Mutex
	valid    bool
	dirty    bool
	sector   uint32
	chances  int
	data     [blockdev.SectorSize]byte
}

// Cache is the buffer cache. Zero value is not usable; construct with New.
type Cache struct {
	dev     device
	tableMu sync.Mutex // protects slot identity (valid/sector pairing) and hand
	hand    int
	slots   []*slot
	inited  bool
}

// New constructs a cache over dev with DefaultNumSlots slots. Equivalent to
// spec's init(): all slots start invalid.
func New(dev device) *Cache {
	return NewSized(dev, DefaultNumSlots)
}

// NewSized constructs a cache over dev with the given number of slots.
// numSlots <= 0 falls back to DefaultNumSlots.
func NewSized(dev device, numSlots int) *Cache {
	if numSlots <= 0 {
		numSlots = DefaultNumSlots
	}
	c := &Cache{dev: dev, slots: make([]*slot, numSlots)}
	for i := range c.slots {
		c.slots[i] = &slot{}
	}
	c.inited = true
	return c
}

func (c *Cache) checkInited() {
	must.True(c.inited, "cache: used before init")
}

// accessMode distinguishes a plain read/write from a whole-sector write,
// which the clock algorithm may use to skip the device read on a miss.
type accessMode int

const (
	modeNormal accessMode = iota
	modeWholeSectorWrite
)

// findOrLoad returns the slot caching sector id, loading it on a miss.
// The returned slot's lock is held; callers must unlock it.
func (c *Cache) findOrLoad(id uint32, mode accessMode) *slot {
	// Phase 1: scan for a hit without the table lock.
	if s := c.scanForHit(id); s != nil {
		return s
	}

	// Phase 2: miss. Acquire the table lock and rescan — another goroutine
	// may have raced us to load it.
	c.tableMu.Lock()
	if s := c.scanForHitLocked(id); s != nil {
		c.tableMu.Unlock()
		return s
	}

	// Phase 3: clock algorithm picks a victim slot, still under the table
	// lock, then releases the table lock before doing any device I/O.
	victim := c.clockEvict()
	c.tableMu.Unlock()

	// victim.mu is already held by clockEvict.
	if victim.valid && victim.dirty {
		c.dev.WriteSector(victim.sector, victim.data[:])
	}
	victim.valid = false

	victim.sector = id
	victim.dirty = false
	victim.chances = ChancesInit
	if mode != modeWholeSectorWrite {
		c.dev.ReadSector(id, victim.data[:])
	}
	victim.valid = true
	return victim
}

// scanForHit looks for sector id among the slots, locking each slot in turn.
// If found, the slot is returned locked (hit). Never holds the table lock.
func (c *Cache) scanForHit(id uint32) *slot {
	for _, s := range c.slots {
		s.mu.Lock()
		if s.valid && s.sector == id {
			return s
		}
		s.mu.Unlock()
	}
	return nil
}

// scanForHitLocked is scanForHit called while already holding the table
// lock (used for the post-miss rescan).
func (c *Cache) scanForHitLocked(id uint32) *slot {
	return c.scanForHit(id)
}

// clockEvict runs the second-chance sweep starting from the persistent hand.
// Must be called with the table lock held. Returns a locked slot chosen as
// victim; the table lock is the caller's to release.
func (c *Cache) clockEvict() *slot {
	for {
		s := c.slots[c.hand]
		c.hand = (c.hand + 1) % len(c.slots)
		s.mu.Lock()
		if !s.valid {
			return s
		}
		if s.chances == 0 {
			return s
		}
		s.chances--
		s.mu.Unlock()
	}
}

// Read copies len(dst) bytes from sector id starting at offset into dst.
// Requires 0 <= offset and offset+len(dst) <= SectorSize.
func (c *Cache) Read(id uint32, dst []byte, offset int) {
	c.checkInited()
	must.True(offset >= 0 && offset+len(dst) <= blockdev.SectorSize, "cache: read bounds out of range")
	s := c.findOrLoad(id, modeNormal)
	copy(dst, s.data[offset:offset+len(dst)])
	s.chances = ChancesInit
	s.mu.Unlock()
}

// Write copies src into sector id at offset, marking the slot dirty.
// If the write covers the entire sector (offset==0, len(src)==SectorSize)
// the cache is allowed to skip the device read on a miss.
func (c *Cache) Write(id uint32, src []byte, offset int) {
	c.checkInited()
	must.True(offset >= 0 && offset+len(src) <= blockdev.SectorSize, "cache: write bounds out of range")
	mode := modeNormal
	if offset == 0 && len(src) == blockdev.SectorSize {
		mode = modeWholeSectorWrite
	}
	s := c.findOrLoad(id, mode)
	copy(s.data[offset:offset+len(src)], src)
	s.chances = ChancesInit
	s.dirty = true
	s.mu.Unlock()
}

// Flush writes every dirty slot back to the device. Idempotent: a second
// call with no intervening writes issues no device I/O.
func (c *Cache) Flush() {
	c.checkInited()
	for _, s := range c.slots {
		s.mu.Lock()
		if s.valid && s.dirty {
			c.dev.WriteSector(s.sector, s.data[:])
			s.dirty = false
		}
		s.mu.Unlock()
	}
}

// Invalidate flushes dirty slots, then marks every slot invalid. Used on
// shutdown.
func (c *Cache) Invalidate() {
	c.checkInited()
	c.Flush()
	for _, s := range c.slots {
		s.mu.Lock()
		s.valid = false
		s.mu.Unlock()
	}
	log.Printf("cache: invalidated %d slots", len(c.slots))
}
