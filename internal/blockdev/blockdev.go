// Package blockdev implements the fixed-sector block device contract the
// buffer cache and free-map layers are built on: a flat file of
// SectorSize-byte sectors addressed by a 32-bit sector id.
package blockdev

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/flock"
	"github.com/grailbio/base/must"
	"github.com/natefinch/atomic"
)

// SectorSize is the fixed transfer granularity of the device, matching
// BLOCK_SECTOR_SIZE.
const SectorSize = 512

// Device is a file-backed block device: SectorCount contiguous SectorSize
// sectors. It performs no caching of its own — that is the buffer cache's
// job — and treats every I/O error as fatal, per the device's infallibility
// assumption.
type Device struct {
	path        string
	f           *os.File
	sectorCount uint32
	lock        flock.FileLock
}

// Format creates a new zero-filled image of sectorCount sectors at path,
// written atomically so a crash mid-format never leaves a partial image
// visible, then opens it.
func Format(path string, sectorCount uint32) (*Device, error) {
	if sectorCount == 0 {
		return nil, fmt.Errorf("blockdev: sector count must be positive")
	}
	zero := make([]byte, int64(sectorCount)*SectorSize)
	if err := atomic.WriteFile(path, &zeroReader{b: zero}); err != nil {
		return nil, fmt.Errorf("blockdev: format %q: %w", path, err)
	}
	return Open(path, sectorCount)
}

// zeroReader adapts a []byte to io.Reader for atomic.WriteFile.
type zeroReader struct {
	b []byte
	i int
}

func (z *zeroReader) Read(p []byte) (int, error) {
	if z.i >= len(z.b) {
		return 0, io.EOF
	}
	n := copy(p, z.b[z.i:])
	z.i += n
	return n, nil
}

// Open opens an existing image file, verifying its size matches
// sectorCount*SectorSize exactly.
func Open(path string, sectorCount uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: stat %q: %w", path, err)
	}
	want := int64(sectorCount) * SectorSize
	if fi.Size() != want {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: %q has size %d, want %d", path, fi.Size(), want)
	}
	return &Device{path: path, f: f, sectorCount: sectorCount}, nil
}

// SectorCount returns the device's fixed sector address space size.
func (d *Device) SectorCount() uint32 { return d.sectorCount }

// ReadSector reads exactly SectorSize bytes from sector id into dst.
// An out-of-range id is a structural error: it panics rather than returning
// a failure, since address space violations indicate a bug in the caller.
func (d *Device) ReadSector(id uint32, dst []byte) {
	must.True(id < d.sectorCount, "blockdev: read sector ", id, " out of range (", d.sectorCount, ")")
	must.True(len(dst) == SectorSize, "blockdev: read dst must be exactly SectorSize bytes")
	n, err := d.f.ReadAt(dst, int64(id)*SectorSize)
	must.Nil(err, "blockdev: read sector ", id)
	must.True(n == SectorSize, "blockdev: short read of sector ", id)
}

// WriteSector writes exactly SectorSize bytes from src to sector id.
func (d *Device) WriteSector(id uint32, src []byte) {
	must.True(id < d.sectorCount, "blockdev: write sector ", id, " out of range (", d.sectorCount, ")")
	must.True(len(src) == SectorSize, "blockdev: write src must be exactly SectorSize bytes")
	n, err := d.f.WriteAt(src, int64(id)*SectorSize)
	must.Nil(err, "blockdev: write sector ", id)
	must.True(n == SectorSize, "blockdev: short write of sector ", id)
}

// Lock takes an advisory, process-exclusive lock on the device image,
// guarding against re-entering Init on the same image without a matching
// Shutdown (spec: "re-entering init without shutdown is undefined").
func (d *Device) Lock() error {
	l := flock.New(d.path + ".lock")
	if err := l.Lock(context.Background()); err != nil {
		return fmt.Errorf("blockdev: lock %q: %w", d.path, err)
	}
	d.lock = l
	return nil
}

// Unlock releases the lock taken by Lock, if any.
func (d *Device) Unlock() error {
	if d.lock == nil {
		return nil
	}
	err := d.lock.Unlock()
	d.lock = nil
	return err
}

// Close closes the underlying file. Callers should Unlock first.
func (d *Device) Close() error {
	return d.f.Close()
}
