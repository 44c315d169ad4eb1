// Package chain defines the connection contract the dispatch engine
// consumes from remote protocol clients.
package chain

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gateway-fm/rpctester/internal/command"
)

// Identity distinguishes otherwise-identical account addresses across
// remote networks. It is part of every nonce key.
type Identity struct {
	SpecName    string
	SpecVersion uint64
}

// String returns "name/version".
func (i Identity) String() string {
	return i.SpecName + "/" + strconv.FormatUint(i.SpecVersion, 10)
}

// Connection is an established session to one endpoint. A connection is
// owned by the single dispatch path that uses it.
type Connection interface {
	// Endpoint returns the address this connection was dialed with.
	Endpoint() string

	// Identity returns the chain identity reported at connect time.
	Identity() Identity

	// Capabilities returns the navigable capability tree.
	Capabilities() *command.Registry

	// NextAccountIndex returns the chain's next sequence number for address.
	NextAccountIndex(ctx context.Context, address string) (uint64, error)

	// Close releases the session.
	Close() error
}

// Dialer establishes connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint string) (Connection, error)

// Dial calls f(ctx, endpoint).
func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Connection, error) {
	return f(ctx, endpoint)
}

// ConnectionError reports a failed connection attempt.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
