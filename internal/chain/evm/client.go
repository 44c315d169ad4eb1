// Package evm connects the dispatch engine to EVM JSON-RPC nodes over
// HTTP, WebSocket or IPC.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gateway-fm/rpctester/internal/chain"
	"github.com/gateway-fm/rpctester/internal/command"
)

// SpecName is the identity namespace of EVM chains (CAIP-2).
const SpecName = "eip155"

// DefaultPollInterval is used to follow submissions when the transport
// has no subscriptions.
const DefaultPollInterval = 500 * time.Millisecond

// Config for EVM connections.
type Config struct {
	PollInterval time.Duration // Receipt polling interval without subscriptions (default: 500ms)
	Logger       *slog.Logger
}

// Conn is one session to an EVM node.
type Conn struct {
	endpoint     string
	rc           *rpc.Client
	ec           *ethclient.Client
	chainID      *big.Int
	identity     chain.Identity
	caps         *command.Registry
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ chain.Connection = (*Conn)(nil)

// NewDialer returns a chain.Dialer producing EVM connections.
func NewDialer(cfg Config) chain.Dialer {
	return chain.DialerFunc(func(ctx context.Context, endpoint string) (chain.Connection, error) {
		c, err := Dial(ctx, endpoint, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Dial connects to endpoint and reads the chain identity.
func Dial(ctx context.Context, endpoint string, cfg Config) (*Conn, error) {
	rc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, &chain.ConnectionError{Endpoint: endpoint, Err: err}
	}
	c, err := NewConnection(ctx, rc, endpoint, cfg)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection wraps an established RPC client. The chain id is queried
// once, so an unreachable HTTP endpoint fails here rather than on first use.
func NewConnection(ctx context.Context, rc *rpc.Client, endpoint string, cfg Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ec := ethclient.NewClient(rc)
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, &chain.ConnectionError{Endpoint: endpoint, Err: fmt.Errorf("read chain id: %w", err)}
	}

	c := &Conn{
		endpoint: endpoint,
		rc:       rc,
		ec:       ec,
		chainID:  chainID,
		identity: chain.Identity{
			SpecName:    SpecName,
			SpecVersion: chainID.Uint64(),
		},
		pollInterval: poll,
		logger:       logger.With(slog.String("endpoint", endpoint)),
	}
	c.caps = c.capabilities()
	return c, nil
}

// Endpoint returns the dialed address.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Identity returns eip155/<chain id>.
func (c *Conn) Identity() chain.Identity {
	return c.identity
}

// ChainID returns the chain id reported at connect time.
func (c *Conn) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Capabilities returns the connection's capability tree.
func (c *Conn) Capabilities() *command.Registry {
	return c.caps
}

// NextAccountIndex returns the pending nonce of address.
func (c *Conn) NextAccountIndex(ctx context.Context, address string) (uint64, error) {
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("invalid address %q", address)
	}
	return c.ec.PendingNonceAt(ctx, common.HexToAddress(address))
}

// Close closes the underlying RPC client.
func (c *Conn) Close() error {
	c.rc.Close()
	return nil
}
