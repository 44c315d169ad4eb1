// Package nonce serializes per-account sequence numbers across concurrent
// dispatch paths.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gateway-fm/rpctester/internal/chain"
	"github.com/gateway-fm/rpctester/internal/metrics"
)

// DefaultLockTimeout bounds the wait for the table lock.
const DefaultLockTimeout = 5 * time.Second

// Key identifies one sequencing stream.
type Key struct {
	SpecName    string
	SpecVersion uint64
	Account     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.SpecName, k.SpecVersion, k.Account)
}

// Source is the part of a connection the coordinator needs.
type Source interface {
	Identity() chain.Identity
	NextAccountIndex(ctx context.Context, address string) (uint64, error)
}

// LockTimeoutError is returned when the table lock could not be acquired
// within the configured bound.
type LockTimeoutError struct {
	Key     Key
	Timeout time.Duration
	Err     error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("nonce lock for %s not acquired within %s", e.Key, e.Timeout)
}

func (e *LockTimeoutError) Unwrap() error {
	return e.Err
}

// Config for creating a Coordinator.
type Config struct {
	LockTimeout time.Duration // Max wait for the table lock (default: 5s)
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Coordinator owns the process-wide next-nonce table. Every access goes
// through a single weighted semaphore acquired under a deadline.
type Coordinator struct {
	sem         *semaphore.Weighted
	lockTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// next is guarded by sem; mu only protects Snapshot readers.
	mu   sync.Mutex
	next map[Key]uint64
}

// New creates a new Coordinator.
func New(cfg Config) *Coordinator {
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		sem:         semaphore.NewWeighted(1),
		lockTimeout: timeout,
		metrics:     cfg.Metrics,
		logger:      logger,
		next:        make(map[Key]uint64),
	}
}

// KeyFor builds the nonce key of account on src's chain.
func KeyFor(src Source, account string) Key {
	id := src.Identity()
	return Key{
		SpecName:    id.SpecName,
		SpecVersion: id.SpecVersion,
		Account:     strings.ToLower(account),
	}
}

// Acquire hands out the next sequence number for account. The first use
// of a key seeds the table from the chain. The table is advanced before
// the lock is released, so no two callers ever receive the same number.
func (c *Coordinator) Acquire(ctx context.Context, src Source, account string) (uint64, error) {
	key := KeyFor(src, account)
	if err := c.lock(ctx, key); err != nil {
		return 0, err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	n, ok := c.next[key]
	c.mu.Unlock()

	if !ok {
		seed, err := src.NextAccountIndex(ctx, account)
		if err != nil {
			return 0, fmt.Errorf("fetch next index for %s: %w", key, err)
		}
		n = seed
		c.logger.Debug("Nonce stream seeded from chain",
			slog.String("key", key.String()),
			slog.Uint64("nonce", seed),
		)
	}

	c.mu.Lock()
	c.next[key] = n + 1
	c.mu.Unlock()

	return n, nil
}

// Commit records that used was consumed. The table never moves backwards.
func (c *Coordinator) Commit(ctx context.Context, src Source, account string, used uint64) error {
	key := KeyFor(src, account)
	if err := c.lock(ctx, key); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.next[key]; !ok || cur < used+1 {
		c.next[key] = used + 1
	}
	return nil
}

// Release returns an unconsumed number to the stream if it is still the
// most recently issued one (a rejected submission). Otherwise the number
// stays consumed and the gap is logged.
func (c *Coordinator) Release(ctx context.Context, src Source, account string, unused uint64) error {
	key := KeyFor(src, account)
	if err := c.lock(ctx, key); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	next := c.next[key]
	if next == unused+1 {
		c.next[key] = unused
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Warn("Nonce gap: rejected nonce already followed by later writes; they will not confirm",
		slog.String("key", key.String()),
		slog.Uint64("nonce", unused),
		slog.Uint64("next", next),
	)
	return nil
}

// Peek returns the next number for key without advancing it.
func (c *Coordinator) Peek(key Key) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.next[key]
	return n, ok
}

// Snapshot returns a copy of the table.
func (c *Coordinator) Snapshot() map[Key]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]uint64, len(c.next))
	for k, v := range c.next {
		out[k] = v
	}
	return out
}

func (c *Coordinator) lock(ctx context.Context, key Key) error {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	err := c.sem.Acquire(lockCtx, 1)
	wait := time.Since(start)
	if err == nil {
		c.metrics.RecordNonceLockWait(wait, false)
		return nil
	}

	// Caller cancellation is not a lock timeout.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.metrics.RecordNonceLockWait(wait, true)
	c.logger.Warn("Nonce lock timeout",
		slog.String("key", key.String()),
		slog.Duration("timeout", c.lockTimeout),
	)
	if !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return &LockTimeoutError{Key: key, Timeout: c.lockTimeout, Err: err}
}
