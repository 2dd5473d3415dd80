// Package pathutil implements the filesystem facade's path syntax: '/'
// separated components, where '.' and '..' are literal components acted on
// structurally during the walk rather than stripped lexically, and each
// component is bounded by NAME_MAX bytes.
//
// This is a generalization of the teacher's strict single-volume path
// normalizer: that version forbade '..' outright (WiCOS64 has no notion of
// a working directory to walk relative to); this one validates characters
// and length the same way but leaves '.'/'..' for the caller's walk to
// interpret.
package pathutil

import (
	"fmt"
	"strings"
)

// MaxName is the longest a single stored path component may be.
const MaxName = 14

// Validate checks a single path component against the character and length
// rules a real stored name must satisfy. "." and ".." are always valid
// regardless of length, since they are structural, not stored, names.
func Validate(component string) error {
	if component == "." || component == ".." {
		return nil
	}
	if component == "" {
		return fmt.Errorf("pathutil: empty component")
	}
	if len(component) > MaxName {
		return fmt.Errorf("pathutil: component %q exceeds %d bytes", component, MaxName)
	}
	for i := 0; i < len(component); i++ {
		c := component[i]
		if c == 0 {
			return fmt.Errorf("pathutil: NUL not allowed")
		}
		if c == '/' {
			return fmt.Errorf("pathutil: component may not contain '/'")
		}
	}
	return nil
}

// Components splits path on '/', collapsing repeated separators and
// dropping empty segments, and reports whether the path was absolute.
// Every non-empty segment is validated with Validate.
func Components(path string) (comps []string, absolute bool, err error) {
	if path == "" {
		return nil, false, nil
	}
	absolute = strings.HasPrefix(path, "/")
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if err := Validate(seg); err != nil {
			return nil, false, err
		}
		comps = append(comps, seg)
	}
	return comps, absolute, nil
}

// Split divides path into (directoryPrefix, finalComponent): everything up
// to and including the last '/' goes to the prefix, the tail is the final
// component. An empty path is invalid. The prefix keeps path's leading '/'
// if present, so Components can be called on it unchanged.
func Split(path string) (dirPrefix, final string, err error) {
	if path == "" {
		return "", "", fmt.Errorf("pathutil: empty path")
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path, nil
	}
	return path[:i+1], path[i+1:], nil
}
