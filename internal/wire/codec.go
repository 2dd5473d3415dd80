// Package wire implements the binary request/response framing the daemon
// uses to carry filesystem facade operations: little-endian
// length-prefixed primitives plus a status-code taxonomy, adapted from the
// teacher's W64F protocol codec.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Decoder reads little-endian primitives from a byte slice. Intentionally
// minimal to keep behavior deterministic and dependency-free.
type Decoder struct {
	b []byte
	o int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b, o: 0}
}

// Remaining returns how many unread bytes are left.
func (d *Decoder) Remaining() int { return len(d.b) - d.o }

func (d *Decoder) ReadU8() (byte, error) {
	if d.Remaining() < 1 {
		return 0, fmt.Errorf("wire: need 1 byte")
	}
	v := d.b[d.o]
	d.o++
	return v, nil
}

func (d *Decoder) ReadU32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, fmt.Errorf("wire: need 4 bytes")
	}
	v := binary.LittleEndian.Uint32(d.b[d.o : d.o+4])
	d.o += 4
	return v, nil
}

func (d *Decoder) ReadI64() (int64, error) {
	if d.Remaining() < 8 {
		return 0, fmt.Errorf("wire: need 8 bytes")
	}
	v := int64(binary.LittleEndian.Uint64(d.b[d.o : d.o+8]))
	d.o += 8
	return v, nil
}

func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("wire: negative length")
	}
	if d.Remaining() < n {
		return nil, fmt.Errorf("wire: need %d bytes", n)
	}
	v := d.b[d.o : d.o+n]
	d.o += n
	return v, nil
}

// ReadString reads a u16 length-prefixed string, bounded by maxLen (a
// protocol-level limit such as the max path length).
func (d *Decoder) ReadString(maxLen uint16) (string, error) {
	if d.Remaining() < 2 {
		return "", fmt.Errorf("wire: need 2 bytes")
	}
	ln := binary.LittleEndian.Uint16(d.b[d.o : d.o+2])
	d.o += 2
	if ln > maxLen {
		return "", fmt.Errorf("wire: string length %d exceeds limit %d", ln, maxLen)
	}
	b, err := d.ReadBytes(int(ln))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encoder builds little-endian payloads.
type Encoder struct {
	b []byte
}

func NewEncoder(capacity int) *Encoder {
	if capacity < 0 {
		capacity = 0
	}
	return &Encoder{b: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) WriteU8(v byte) {
	e.b = append(e.b, v)
}

func (e *Encoder) WriteU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteI64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteString(s string) {
	var ln [2]byte
	binary.LittleEndian.PutUint16(ln[:], uint16(len(s)))
	e.b = append(e.b, ln[:]...)
	e.b = append(e.b, s...)
}

func (e *Encoder) WriteBytes(b []byte) {
	e.b = append(e.b, b...)
}
