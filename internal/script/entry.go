// Package script parses declarative script entries into typed calls.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gateway-fm/rpctester/internal/command"
)

// Kind is the variant of a script entry, decided once at parse time.
type Kind int

const (
	// KindBare is a path invoked with no arguments.
	KindBare Kind = iota
	// KindRead is a path invoked with arguments, unsigned.
	KindRead
	// KindWrite is a signed submission that consumes a nonce.
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindBare:
		return "bare"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// WriteSegment marks a path as a signed submission.
const WriteSegment = "tx"

var (
	// ErrInvalidEntry is returned for entries that are neither a string
	// nor an object with a path.
	ErrInvalidEntry = errors.New("invalid script entry")
)

// Entry is one script instruction.
type Entry struct {
	Kind   Kind
	Path   string
	Params []any
	Signer string // Only meaningful for KindWrite; may be empty
}

// EntryError reports the script position of a parse failure.
type EntryError struct {
	Index int
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("txs[%d]: %v", e.Index, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// IsWritePath reports whether any segment of path is the write segment.
func IsWritePath(path string) bool {
	for _, seg := range command.Segments(path) {
		if seg == WriteSegment {
			return true
		}
	}
	return false
}

// Parse converts one decoded JSON value into an Entry. Strings are bare
// calls; objects are reads unless their path is a write path. An object
// names its call under "path", or "tx" when "path" is absent.
func Parse(raw any) (Entry, error) {
	switch v := raw.(type) {
	case string:
		path := strings.TrimSpace(v)
		if path == "" {
			return Entry{}, fmt.Errorf("%w: empty path", ErrInvalidEntry)
		}
		return Entry{Kind: KindBare, Path: path}, nil

	case map[string]any:
		path, _ := v["path"].(string)
		path = strings.TrimSpace(path)
		if path == "" {
			// Older scripts name the call under "tx".
			path, _ = v["tx"].(string)
			path = strings.TrimSpace(path)
		}
		if path == "" {
			return Entry{}, fmt.Errorf("%w: object without path or tx", ErrInvalidEntry)
		}

		var params []any
		switch p := v["params"].(type) {
		case nil:
		case []any:
			params = p
		default:
			return Entry{}, fmt.Errorf("%w: params must be a list, got %T", ErrInvalidEntry, p)
		}

		e := Entry{Kind: KindRead, Path: path, Params: params}
		if IsWritePath(path) {
			e.Kind = KindWrite
			if s, ok := v["signer"].(string); ok {
				e.Signer = strings.TrimSpace(s)
			}
		}
		return e, nil

	default:
		return Entry{}, fmt.Errorf("%w: unexpected %T", ErrInvalidEntry, raw)
	}
}

// ParseAll parses every entry, reporting the first failure with its index.
func ParseAll(raw []any) ([]Entry, error) {
	entries := make([]Entry, 0, len(raw))
	for i, r := range raw {
		e, err := Parse(r)
		if err != nil {
			return nil, &EntryError{Index: i, Err: err}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// String renders the entry as "🔗 path(params) | ✍️  signer".
func (e Entry) String() string {
	parts := make([]string, len(e.Params))
	for i, p := range e.Params {
		parts[i] = formatParam(p)
	}
	s := fmt.Sprintf("🔗 %s(%s)", e.Path, strings.Join(parts, ", "))
	if e.Signer != "" {
		s += " | ✍️  " + e.Signer
	}
	return s
}

func formatParam(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
