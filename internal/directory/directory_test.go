package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sectorfs/internal/blockdev"
	"sectorfs/internal/freemap"
	"sectorfs/internal/inode"
)

type memCache struct {
	sectors map[uint32]*[blockdev.SectorSize]byte
}

func newMemCache() *memCache {
	return &memCache{sectors: make(map[uint32]*[blockdev.SectorSize]byte)}
}

func (m *memCache) get(id uint32) *[blockdev.SectorSize]byte {
	s, ok := m.sectors[id]
	if !ok {
		s = &[blockdev.SectorSize]byte{}
		m.sectors[id] = s
	}
	return s
}

func (m *memCache) Read(id uint32, dst []byte, offset int) {
	s := m.get(id)
	copy(dst, s[offset:offset+len(dst)])
}

func (m *memCache) Write(id uint32, src []byte, offset int) {
	s := m.get(id)
	copy(s[offset:offset+len(src)], src)
}

// newFixture builds a free map with sectors [0, reserved) pre-marked used,
// mirroring the facade reserving fixed metadata sectors (free-map, root)
// before any directory/inode creation happens.
func newFixture(t *testing.T, sectorCount int, reserved uint32) (*memCache, *freemap.Map, *inode.Table) {
	t.Helper()
	sc := newMemCache()
	fm := freemap.New(sectorCount)
	for i := uint32(0); i < reserved; i++ {
		fm.MarkUsed(i)
	}
	table := inode.NewTable(sc, fm)
	return sc, fm, table
}

func TestCreateRootThenAddAndLookup(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))

	root := OpenRoot(table)
	defer root.Close()

	ids, ok := fm.Allocate(1)
	require.True(t, ok)
	require.True(t, inode.Create(sc, fm, ids[0], 0, false))
	require.True(t, root.Add("hello.txt", ids[0], false))

	found, ok := root.Lookup("hello.txt")
	defer table.Close(found)
	require.True(t, ok)
	require.Equal(t, ids[0], found.Inumber())
}

func TestAddRejectsDuplicateAndOverlongNames(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	ids, _ := fm.Allocate(1)
	require.True(t, inode.Create(sc, fm, ids[0], 0, false))
	require.True(t, root.Add("a", ids[0], false))

	ids2, _ := fm.Allocate(1)
	require.True(t, inode.Create(sc, fm, ids2[0], 0, false))
	require.False(t, root.Add("a", ids2[0], false), "duplicate name must be rejected")
	require.False(t, root.Add("this-name-is-too-long", ids2[0], false), "overlong name must be rejected")
}

func TestAddNeverOverwritesParentSlot(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	ids, _ := fm.Allocate(1)
	require.True(t, inode.Create(sc, fm, ids[0], 0, false))
	require.True(t, root.Add("x", ids[0], false))

	parent := root.Parent()
	require.NotNil(t, parent)
	require.True(t, IsSame(parent, root), "root's '..' must still point at itself after Add")
	parent.Close()
}

func TestSubdirectoryDotDotPointsAtParent(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	subIDs, _ := fm.Allocate(1)
	require.True(t, Create(sc, fm, table, subIDs[0], 16))
	require.True(t, root.Add("sub", subIDs[0], true))

	sub, ok := root.Lookup("sub")
	require.True(t, ok)
	subDir := Open(table, sub)
	defer subDir.Close()

	parent := subDir.Parent()
	defer parent.Close()
	require.True(t, IsSame(parent, root))
}

func TestRemoveRefusesNonEmptyDirectory(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	subIDs, _ := fm.Allocate(1)
	require.True(t, Create(sc, fm, table, subIDs[0], 16))
	require.True(t, root.Add("sub", subIDs[0], true))

	sub, _ := root.Lookup("sub")
	subDir := Open(table, sub)
	fileIDs, _ := fm.Allocate(1)
	require.True(t, inode.Create(sc, fm, fileIDs[0], 0, false))
	require.True(t, subDir.Add("f", fileIDs[0], false))
	subDir.Close()

	require.False(t, root.Remove("sub"), "removing a non-empty directory must fail")
}

func TestRemoveEmptyDirectorySucceeds(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	subIDs, _ := fm.Allocate(1)
	require.True(t, Create(sc, fm, table, subIDs[0], 16))
	require.True(t, root.Add("sub", subIDs[0], true))

	require.True(t, root.Remove("sub"))
	_, ok := root.Lookup("sub")
	require.False(t, ok)
}

func TestReaddirSkipsDotDotAndRemovedEntries(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	for _, name := range []string{"a", "b", "c"} {
		ids, _ := fm.Allocate(1)
		require.True(t, inode.Create(sc, fm, ids[0], 0, false))
		require.True(t, root.Add(name, ids[0], false))
	}
	require.True(t, root.Remove("b"))

	var got []string
	for {
		name, ok := root.Readdir()
		if !ok {
			break
		}
		got = append(got, name)
	}
	require.ElementsMatch(t, []string{"a", "c"}, got)

	// Idempotent at EOF.
	_, ok := root.Readdir()
	require.False(t, ok)
}

func TestIsEmptyAndIsRoot(t *testing.T) {
	sc, fm, table := newFixture(t, 1000, RootSector+1)
	require.True(t, Create(sc, fm, table, RootSector, 16))
	root := OpenRoot(table)
	defer root.Close()

	require.True(t, root.IsEmpty())
	require.True(t, root.IsRoot())

	ids, _ := fm.Allocate(1)
	require.True(t, inode.Create(sc, fm, ids[0], 0, false))
	require.True(t, root.Add("f", ids[0], false))
	require.False(t, root.IsEmpty())
}
