package main

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/grailbio/base/log"

	"sectorfs/internal/fsys"
	"sectorfs/internal/wire"
)

const maxPathLen = 255

// server dispatches wire requests against one shared *fsys.FS, giving each
// connection its own session (working directory) and open-handle table.
type server struct {
	fs *fsys.FS
}

func newServer(fs *fsys.FS) *server {
	return &server{fs: fs}
}

// connState tracks one client connection's per-task state: its working directory
// and the handles it currently has open.
type connState struct {
	sess    *fsys.Session
	handles map[uint32]*fsys.Handle
	nextID  uint32
}

func (s *server) handleConn(c net.Conn) {
	defer c.Close()
	st := &connState{
		sess:    s.fs.NewSession(),
		handles: make(map[uint32]*fsys.Handle),
	}
	defer func() {
		for _, h := range st.handles {
			h.Close()
		}
		st.sess.Close()
	}()

	for {
		req, err := readFrame(c)
		if err != nil {
			if err != io.EOF {
				log.Printf("sectorfsd: read frame: %v", err)
			}
			return
		}
		hdr, ok, err := wire.ParseReqHeader(req)
		if !ok || err != nil {
			log.Printf("sectorfsd: bad request: %v", err)
			return
		}
		payload := req[wire.HeaderSize : wire.HeaderSize+int(hdr.PayloadLen)]

		resp := dispatch(st, hdr.Op, payload)
		if _, err := c.Write(resp); err != nil {
			log.Printf("sectorfsd: write response: %v", err)
			return
		}
	}
}

// readFrame reads one full SECT request (header + payload) off r.
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[8:10])
	body := make([]byte, wire.HeaderSize+int(n))
	copy(body, hdr)
	if n > 0 {
		if _, err := io.ReadFull(r, body[wire.HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func respond(op byte, status wire.Status, payload []byte) []byte {
	out, err := wire.BuildResponse(op, status, payload)
	if err != nil {
		out, _ = wire.BuildResponse(op, wire.StatusInternal, nil)
	}
	return out
}

func dispatch(st *connState, op byte, payload []byte) []byte {
	d := wire.NewDecoder(payload)
	switch op {
	case wire.OpCreate:
		return doCreate(st, d, op)
	case wire.OpOpen:
		return doOpen(st, d, op)
	case wire.OpRemove:
		return doRemove(st, d, op)
	case wire.OpChdir:
		return doChdir(st, d, op)
	case wire.OpRead:
		return doRead(st, d, op)
	case wire.OpWrite:
		return doWrite(st, d, op)
	case wire.OpSeek:
		return doSeek(st, d, op)
	case wire.OpTell:
		return doTell(st, d, op)
	case wire.OpLength:
		return doLength(st, d, op)
	case wire.OpIsDir:
		return doIsDir(st, d, op)
	case wire.OpClose:
		return doClose(st, d, op)
	case wire.OpReaddir:
		return doReaddir(st, d, op)
	default:
		return respond(op, wire.StatusInternal, nil)
	}
}

func doCreate(st *connState, d *wire.Decoder, op byte) []byte {
	path, err := d.ReadString(maxPathLen)
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	length, err := d.ReadI64()
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	isDirByte, err := d.ReadU8()
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	if !st.sess.Create(path, length, isDirByte != 0) {
		return respond(op, wire.StatusExists, nil)
	}
	return respond(op, wire.StatusOK, nil)
}

func (st *connState) register(h *fsys.Handle) uint32 {
	st.nextID++
	id := st.nextID
	st.handles[id] = h
	return id
}

func doOpen(st *connState, d *wire.Decoder, op byte) []byte {
	path, err := d.ReadString(maxPathLen)
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	h, ok := st.sess.Open(path)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	id := st.register(h)
	e := wire.NewEncoder(5)
	e.WriteU32(id)
	isDir := byte(0)
	if h.IsDir() {
		isDir = 1
	}
	e.WriteU8(isDir)
	return respond(op, wire.StatusOK, e.Bytes())
}

func doRemove(st *connState, d *wire.Decoder, op byte) []byte {
	path, err := d.ReadString(maxPathLen)
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	if !st.sess.Remove(path) {
		return respond(op, wire.StatusDenied, nil)
	}
	return respond(op, wire.StatusOK, nil)
}

func doChdir(st *connState, d *wire.Decoder, op byte) []byte {
	path, err := d.ReadString(maxPathLen)
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	if !st.sess.Chdir(path) {
		return respond(op, wire.StatusNotADir, nil)
	}
	return respond(op, wire.StatusOK, nil)
}

func handleByID(st *connState, d *wire.Decoder) (*fsys.Handle, uint32, bool) {
	id, err := d.ReadU32()
	if err != nil {
		return nil, 0, false
	}
	h, ok := st.handles[id]
	return h, id, ok
}

func doRead(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	n, err := d.ReadU32()
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	if n > wire.MaxPayload-4 {
		n = wire.MaxPayload - 4
	}
	buf := make([]byte, n)
	got := h.Read(buf)
	return respond(op, wire.StatusOK, buf[:got])
}

func doWrite(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	buf, err := d.ReadBytes(d.Remaining())
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	n := h.Write(buf)
	e := wire.NewEncoder(4)
	e.WriteU32(uint32(n))
	return respond(op, wire.StatusOK, e.Bytes())
}

func doSeek(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	pos, err := d.ReadI64()
	if err != nil {
		return respond(op, wire.StatusBadPath, nil)
	}
	h.Seek(pos)
	return respond(op, wire.StatusOK, nil)
}

func doTell(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	e := wire.NewEncoder(8)
	e.WriteI64(h.Tell())
	return respond(op, wire.StatusOK, e.Bytes())
}

func doLength(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	e := wire.NewEncoder(8)
	e.WriteI64(h.Length())
	return respond(op, wire.StatusOK, e.Bytes())
}

func doIsDir(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	e := wire.NewEncoder(1)
	v := byte(0)
	if h.IsDir() {
		v = 1
	}
	e.WriteU8(v)
	return respond(op, wire.StatusOK, e.Bytes())
}

func doClose(st *connState, d *wire.Decoder, op byte) []byte {
	h, id, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	h.Close()
	delete(st.handles, id)
	return respond(op, wire.StatusOK, nil)
}

func doReaddir(st *connState, d *wire.Decoder, op byte) []byte {
	h, _, ok := handleByID(st, d)
	if !ok {
		return respond(op, wire.StatusNotFound, nil)
	}
	name, ok := h.Readdir()
	if !ok {
		e := wire.NewEncoder(1)
		e.WriteU8(0)
		return respond(op, wire.StatusOK, e.Bytes())
	}
	e := wire.NewEncoder(3 + len(name))
	e.WriteU8(1)
	e.WriteString(name)
	return respond(op, wire.StatusOK, e.Bytes())
}
