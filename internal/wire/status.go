package wire

// Status is a one-byte result code carried in every response frame,
// renamed from the teacher's proto.Status* taxonomy onto this filesystem's
// error cases.
type Status byte

const (
	StatusOK Status = iota
	StatusNotFound
	StatusIsADir
	StatusNotADir
	StatusExists
	StatusDirNotEmpty
	StatusDenied
	StatusBadPath
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not found"
	case StatusIsADir:
		return "is a directory"
	case StatusNotADir:
		return "not a directory"
	case StatusExists:
		return "already exists"
	case StatusDirNotEmpty:
		return "directory not empty"
	case StatusDenied:
		return "access denied"
	case StatusBadPath:
		return "invalid path"
	case StatusInternal:
		return "internal error"
	default:
		return "unknown status"
	}
}
