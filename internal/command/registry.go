// Package command resolves dotted call paths against a connection's
// capability tree and prepares call arguments and results.
package command

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gateway-fm/rpctester/internal/keyring"
)

// ReadFunc invokes a read-only remote operation.
type ReadFunc func(ctx context.Context, params []any) (any, error)

// WriteFunc signs and submits a remote operation with the given nonce.
type WriteFunc func(ctx context.Context, req WriteRequest) (Submission, error)

// WriteRequest carries everything a write handler needs to submit.
type WriteRequest struct {
	Params []any
	Signer *keyring.Signer
	Nonce  uint64
}

// Handler is one leaf of the capability tree. Exactly one of Read or
// Write is set.
type Handler struct {
	Read  ReadFunc
	Write WriteFunc
}

// IsWrite reports whether the handler submits signed operations.
func (h Handler) IsWrite() bool {
	return h.Write != nil
}

// DynamicFunc resolves the remaining segments below a dynamic node.
type DynamicFunc func(rest []string) (Handler, bool)

type node struct {
	children map[string]*node
	handler  *Handler
	dynamic  DynamicFunc
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Registry is a capability tree mapping dotted paths to handlers.
// It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	root *node
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{root: newNode()}
}

// Register adds or replaces the handler at path.
func (r *Registry) Register(path string, h Handler) {
	segs := splitPath(path)
	if len(segs) == 0 || (h.Read == nil && h.Write == nil) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.walkCreate(segs)
	n.handler = &h
}

// RegisterDynamic installs a resolver for every path below prefix that has
// no static entry, e.g. "rpc" for pass-through JSON-RPC methods.
func (r *Registry) RegisterDynamic(prefix string, fn DynamicFunc) {
	segs := splitPath(prefix)
	if len(segs) == 0 || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.walkCreate(segs).dynamic = fn
}

func (r *Registry) walkCreate(segs []string) *node {
	n := r.root
	for _, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	return n
}

// Lookup walks the tree along segs. It returns the handler and true on
// success; otherwise it returns the number of segments that matched
// before traversal failed.
func (r *Registry) Lookup(segs []string) (Handler, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.root
	for i, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			if n.dynamic != nil {
				if h, ok := n.dynamic(segs[i:]); ok {
					return h, len(segs), true
				}
			}
			return Handler{}, i, false
		}
		n = child
	}
	if n.handler == nil {
		if n.dynamic != nil {
			if h, ok := n.dynamic(nil); ok {
				return h, len(segs), true
			}
		}
		return Handler{}, len(segs), false
	}
	return *n.handler, len(segs), true
}

// Paths returns all statically registered paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paths []string
	var walk func(prefix string, n *node)
	walk = func(prefix string, n *node) {
		if n.handler != nil {
			paths = append(paths, prefix)
		}
		if n.dynamic != nil {
			paths = append(paths, prefix+".*")
		}
		for seg, child := range n.children {
			p := seg
			if prefix != "" {
				p = prefix + "." + seg
			}
			walk(p, child)
		}
	}
	walk("", r.root)
	sort.Strings(paths)
	return paths
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
