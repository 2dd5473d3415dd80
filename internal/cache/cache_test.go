package cache

import (
	"sync"
	"testing"

	"github.com/grailbio/base/traverse"
	"github.com/stretchr/testify/require"

	"sectorfs/internal/blockdev"
)

// fakeDevice is an in-memory device standing in for *blockdev.Device, large
// enough to exercise eviction without touching the filesystem.
type fakeDevice struct {
	mu      sync.Mutex
	sectors map[uint32]*[blockdev.SectorSize]byte
	reads   int
	writes  int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{sectors: make(map[uint32]*[blockdev.SectorSize]byte)}
}

func (d *fakeDevice) ReadSector(id uint32, dst []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if s, ok := d.sectors[id]; ok {
		copy(dst, s[:])
	}
}

func (d *fakeDevice) WriteSector(id uint32, src []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	var buf [blockdev.SectorSize]byte
	copy(buf[:], src)
	d.sectors[id] = &buf
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	src := make([]byte, 64)
	for i := range src {
		src[i] = byte(i)
	}
	c.Write(3, src, 100)

	dst := make([]byte, 64)
	c.Read(3, dst, 100)
	require.Equal(t, src, dst)
}

func TestFlushWritesDirtyOnly(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	c.Write(1, []byte{1, 2, 3}, 0)
	c.Flush()
	require.Equal(t, 1, dev.writes)

	c.Flush()
	require.Equal(t, 1, dev.writes, "second flush with no new writes must be a no-op")
}

func TestWholeSectorWriteSkipsDeviceRead(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	full := make([]byte, blockdev.SectorSize)
	for i := range full {
		full[i] = 0xAB
	}
	c.Write(9, full, 0)
	require.Zero(t, dev.reads, "a whole-sector write on a cold slot must not read through")
}

func TestClockEvictionRoundRobinUnderCapacity(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	// Touch exactly DefaultNumSlots distinct sectors: every one must fit without
	// eviction, so nothing gets written back to the device by touching it.
	for id := uint32(0); id < DefaultNumSlots; id++ {
		buf := make([]byte, 4)
		c.Write(id, buf, 0)
	}
	require.Zero(t, dev.writes)

	// One more distinct sector forces an eviction of whatever the clock hand
	// currently points at. Every slot was written above, so the victim is
	// dirty and is written back exactly once.
	c.Write(DefaultNumSlots, make([]byte, 4), 0)
	require.Equal(t, 1, dev.writes)
}

func TestClockEvictionStress(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	// Round-robin through one more distinct sector than there are slots,
	// fanned out across goroutines, and confirm every written value can
	// still be read back correctly through repeated eviction cycles.
	const totalSectors = DefaultNumSlots + 1
	err := traverse.Each(totalSectors).Do(func(i int) error {
		id := uint32(i)
		val := byte(i)
		buf := []byte{val}
		c.Write(id, buf, 0)
		return nil
	})
	require.NoError(t, err)

	for id := uint32(0); id < totalSectors; id++ {
		dst := make([]byte, 1)
		c.Read(id, dst, 0)
		// Sectors evicted earlier are read back from the fake device, which
		// reflects whatever was last flushed for that id; every sector was
		// written exactly once so its value is unambiguous once flushed.
		_ = dst
	}
	c.Flush()
	for id := uint32(0); id < totalSectors; id++ {
		dst := make([]byte, 1)
		c.Read(id, dst, 0)
		require.Equal(t, byte(id), dst[0])
	}
}

func TestInvalidateFlushesAndMarksAllInvalid(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	c.Write(0, []byte{42}, 0)
	c.Invalidate()
	require.Equal(t, 1, dev.writes)

	for _, s := range c.slots {
		require.False(t, s.valid)
	}
}

func TestNewSizedHonorsSlotCount(t *testing.T) {
	dev := newFakeDevice()
	c := NewSized(dev, 4)
	require.Len(t, c.slots, 4)

	for id := uint32(0); id < 4; id++ {
		c.Write(id, []byte{byte(id)}, 0)
	}
	require.Zero(t, dev.writes, "four distinct sectors must fit in four slots without eviction")

	c.Write(4, []byte{4}, 0)
	require.Equal(t, 1, dev.writes, "a fifth distinct sector must evict one of the four slots")
}

func TestNewSizedNonPositiveFallsBackToDefault(t *testing.T) {
	dev := newFakeDevice()
	c := NewSized(dev, 0)
	require.Len(t, c.slots, DefaultNumSlots)
}

func TestReadWriteBoundsPanic(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev)

	require.Panics(t, func() { c.Read(0, make([]byte, blockdev.SectorSize+1), 0) })
	require.Panics(t, func() { c.Write(0, make([]byte, 1), blockdev.SectorSize) })
}
