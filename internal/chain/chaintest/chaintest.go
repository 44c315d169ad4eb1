// Package chaintest provides in-memory connections for tests of the
// dispatch engine.
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gateway-fm/rpctester/internal/chain"
	"github.com/gateway-fm/rpctester/internal/command"
)

// DevChain is the identity used by default.
var DevChain = chain.Identity{SpecName: "eip155", SpecVersion: 31337}

// Conn is a scripted chain.Connection.
type Conn struct {
	endpoint string
	identity chain.Identity
	registry *command.Registry

	mu       sync.Mutex
	next     map[string]uint64
	nextErr  error
	queries  int
	closed   bool
	closeErr error
}

var _ chain.Connection = (*Conn)(nil)

// NewConn creates a connection with an empty capability tree.
func NewConn(endpoint string, id chain.Identity) *Conn {
	return &Conn{
		endpoint: endpoint,
		identity: id,
		registry: command.NewRegistry(),
		next:     make(map[string]uint64),
	}
}

func (c *Conn) Endpoint() string                { return c.endpoint }
func (c *Conn) Identity() chain.Identity        { return c.identity }
func (c *Conn) Capabilities() *command.Registry { return c.registry }

// SetNextIndex sets the chain-reported next index of address.
func (c *Conn) SetNextIndex(address string, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next[strings.ToLower(address)] = n
}

// FailNextIndex makes every NextAccountIndex call fail with err.
func (c *Conn) FailNextIndex(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextErr = err
}

func (c *Conn) NextAccountIndex(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	if c.nextErr != nil {
		return 0, c.nextErr
	}
	return c.next[strings.ToLower(address)], nil
}

// IndexQueries returns how often NextAccountIndex was called.
func (c *Conn) IndexQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out Conns built by Build and fails endpoints listed in Fail.
type Dialer struct {
	Build func(endpoint string) *Conn
	Fail  map[string]error

	mu       sync.Mutex
	attempts map[string]int
	conns    []*Conn
}

var _ chain.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, endpoint string) (chain.Connection, error) {
	d.mu.Lock()
	if d.attempts == nil {
		d.attempts = make(map[string]int)
	}
	d.attempts[endpoint]++
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &chain.ConnectionError{Endpoint: endpoint, Err: err}
	}
	if err, ok := d.Fail[endpoint]; ok {
		return nil, &chain.ConnectionError{Endpoint: endpoint, Err: err}
	}

	var conn *Conn
	if d.Build != nil {
		conn = d.Build(endpoint)
	} else {
		conn = NewConn(endpoint, DevChain)
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Attempts returns the number of Dial calls for endpoint.
func (d *Dialer) Attempts(endpoint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[endpoint]
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Submission is a manually driven status stream.
type Submission struct {
	hash   string
	events chan command.StatusEvent

	mu           sync.Mutex
	closed       bool
	unsubscribed bool
}

var _ command.Submission = (*Submission)(nil)

// NewSubmission creates a submission whose stream already holds events.
// The stream stays open until Close or Unsubscribe.
func NewSubmission(hash string, events ...command.StatusEvent) *Submission {
	s := &Submission{
		hash:   hash,
		events: make(chan command.StatusEvent, len(events)+4),
	}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

func (s *Submission) Hash() string                       { return s.hash }
func (s *Submission) Status() <-chan command.StatusEvent { return s.events }

// Send pushes another event.
func (s *Submission) Send(ev command.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

// Close ends the stream.
func (s *Submission) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Submission) Unsubscribe() {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	s.Close()
}

// Unsubscribed reports whether Unsubscribe was called.
func (s *Submission) Unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// InBlock returns an inBlock event for block n.
func InBlock(n uint64) command.StatusEvent {
	return command.StatusEvent{Kind: command.StatusInBlock, BlockNumber: n, BlockHash: fmt.Sprintf("0xblock%d", n)}
}

// Finalized returns a finalized event for block n.
func Finalized(n uint64) command.StatusEvent {
	return command.StatusEvent{Kind: command.StatusFinalized, BlockNumber: n, BlockHash: fmt.Sprintf("0xblock%d", n)}
}
