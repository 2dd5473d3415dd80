package blockdev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCreatesZeroedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Format(path, 16)
	require.NoError(t, err)
	defer dev.Close()

	require.EqualValues(t, 16, dev.SectorCount())

	var buf [SectorSize]byte
	dev.ReadSector(5, buf[:])
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Format(path, 4)
	require.NoError(t, err)
	defer dev.Close()

	var src [SectorSize]byte
	for i := range src {
		src[i] = byte(i)
	}
	dev.WriteSector(2, src[:])

	var dst [SectorSize]byte
	dev.ReadSector(2, dst[:])
	require.Equal(t, src[:], dst[:])
}

func TestOpenRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Format(path, 4)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	_, err = Open(path, 8)
	require.Error(t, err)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Format(path, 2)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Lock())
	defer dev.Unlock()

	second, err := Open(path, 2)
	require.NoError(t, err)
	defer second.Close()
	require.Error(t, second.Lock())
}

func TestReadSectorOutOfRangePanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := Format(path, 2)
	require.NoError(t, err)
	defer dev.Close()

	var buf [SectorSize]byte
	require.Panics(t, func() { dev.ReadSector(99, buf[:]) })
}
