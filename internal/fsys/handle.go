package fsys

// Read reads up to len(buf) bytes from h's current position, advancing it
// by the number of bytes actually read.
func (h *Handle) Read(buf []byte) int {
	n := h.in.ReadAt(h.table, buf, h.pos)
	h.pos += int64(n)
	return n
}

// Write writes buf at h's current position, advancing it by the number of
// bytes actually written.
func (h *Handle) Write(buf []byte) int {
	n := h.in.WriteAt(h.table, buf, h.pos)
	h.pos += int64(n)
	return n
}

// Seek repositions h's cursor to an absolute byte offset.
func (h *Handle) Seek(pos int64) {
	if pos < 0 {
		pos = 0
	}
	h.pos = pos
}

// Tell returns h's current cursor position.
func (h *Handle) Tell() int64 { return h.pos }

// Length returns the underlying file's current length in bytes.
func (h *Handle) Length() int64 { return h.in.Length(h.table) }

// IsDir reports whether h refers to a directory.
func (h *Handle) IsDir() bool { return h.dir != nil }

// Readdir advances a directory handle past its previously returned entry
// and returns the next in-use name. Returns false on a non-directory
// handle or once the directory is exhausted.
func (h *Handle) Readdir() (string, bool) {
	if h.dir == nil {
		return "", false
	}
	return h.dir.Readdir()
}

// Close releases h's reference on its underlying inode.
func (h *Handle) Close() {
	if h.dir != nil {
		h.dir.Close()
		return
	}
	h.table.Close(h.in)
}
