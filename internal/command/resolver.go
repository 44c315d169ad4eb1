package command

import (
	"errors"
	"fmt"
	"strings"
)

// RootSegment is the conventional root name of call paths. It is optional.
const RootSegment = "api"

// ErrEmptyPath is returned when a call path has no segments.
var ErrEmptyPath = errors.New("empty call path")

// PathResolutionError is returned when a call path does not exist on the
// capability tree.
type PathResolutionError struct {
	Path    string
	Segment string // First segment that could not be resolved
	Err     error
}

func (e *PathResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("resolve %q: segment %q not found", e.Path, e.Segment)
}

func (e *PathResolutionError) Unwrap() error {
	return e.Err
}

// Call is a resolved operation bound to one connection's capability tree.
type Call struct {
	Path    string
	Handler Handler
}

// Segments splits a dotted path and strips the optional root segment.
func Segments(path string) []string {
	segs := splitPath(path)
	if len(segs) > 0 && segs[0] == RootSegment {
		segs = segs[1:]
	}
	return segs
}

// Canonical returns path without the root segment.
func Canonical(path string) string {
	return strings.Join(Segments(path), ".")
}

// Resolve resolves a dotted path against a capability tree. Paths are
// accepted with or without the leading root segment. Resolution has no
// side effects and nothing is cached.
func Resolve(reg *Registry, path string) (*Call, error) {
	segs := Segments(path)
	if len(segs) == 0 {
		return nil, &PathResolutionError{Path: path, Err: ErrEmptyPath}
	}
	for _, s := range segs {
		if s == "" {
			return nil, &PathResolutionError{Path: path, Err: fmt.Errorf("empty segment")}
		}
	}
	if reg == nil {
		return nil, &PathResolutionError{Path: path, Segment: segs[0]}
	}

	h, depth, ok := reg.Lookup(segs)
	if !ok {
		seg := ""
		if depth < len(segs) {
			seg = segs[depth]
		} else {
			seg = segs[len(segs)-1]
		}
		return nil, &PathResolutionError{Path: path, Segment: seg}
	}
	return &Call{Path: strings.Join(segs, "."), Handler: h}, nil
}
