// Package freemap implements the free-sector bitmap: the external
// allocate-one/release-one contract the inode layer allocates data and
// index sectors through.
//
// The bitmap itself lives entirely in memory as a []uintptr word array
// (github.com/grailbio/base/bitset's native representation); Marshal/
// Unmarshal convert it to and from the bytes that get persisted as the
// free-map file's contents, sector 0's inode, by the filesystem facade.
package freemap

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/bitset"
)

// Map is the free-sector bitmap. One bit per sector; set means allocated.
type Map struct {
	mu    sync.Mutex
	bits  []uintptr
	count int // number of sectors this map covers
}

// wordsFor returns the number of uintptr words needed to hold count bits.
func wordsFor(count int) int {
	return (count + bitset.BitsPerWord - 1) / bitset.BitsPerWord
}

// New creates a free-sector map covering count sectors, all initially free.
func New(count int) *Map {
	return &Map{bits: make([]uintptr, wordsFor(count)), count: count}
}

// ByteLen is the length in bytes of the serialized bitmap, i.e. the length
// of the free-map file.
func (m *Map) ByteLen() int {
	return len(m.bits) * (bitset.BitsPerWord / 8)
}

// MarkUsed forcibly marks sector id allocated. Used only during bootstrap
// formatting, to reserve the free-map's own inode sector and the root
// directory's inode sector before any data sectors have been handed out.
func (m *Map) MarkUsed(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bitset.Set(m.bits, int(id))
}

// Allocate finds n contiguous-or-not free sectors (any n free bits; spec
// does not require physical contiguity), marks them used, and returns their
// ids in ascending order. Returns false if fewer than n sectors are free.
func (m *Map) Allocate(n int) ([]uint32, bool) {
	if n <= 0 {
		return nil, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint32, 0, n)
	for i := 0; i < m.count && len(ids) < n; i++ {
		if !bitset.Test(m.bits, i) {
			ids = append(ids, uint32(i))
		}
	}
	if len(ids) < n {
		return nil, false
	}
	for _, id := range ids {
		bitset.Set(m.bits, int(id))
	}
	return ids, true
}

// Release returns each id in ids to the free pool.
func (m *Map) Release(ids []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		bitset.Clear(m.bits, int(id))
	}
}

// Marshal serializes the bitmap to bytes, little-endian words, for
// persistence as the free-map file's contents.
func (m *Map) Marshal() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.ByteLen())
	for i, w := range m.bits {
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(w >> (8 * b))
		}
	}
	return out
}

// Unmarshal loads a previously-marshaled bitmap covering count sectors from
// raw bytes (the free-map file's contents, as read back through the inode
// layer at startup).
func Unmarshal(raw []byte, count int) (*Map, error) {
	want := wordsFor(count) * 8
	if len(raw) < want {
		return nil, fmt.Errorf("freemap: short bitmap: have %d bytes, want %d", len(raw), want)
	}
	m := New(count)
	for i := range m.bits {
		var w uintptr
		for b := 0; b < 8; b++ {
			w |= uintptr(raw[i*8+b]) << (8 * b)
		}
		m.bits[i] = w
	}
	return m, nil
}
