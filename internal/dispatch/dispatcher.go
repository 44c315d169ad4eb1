// Package dispatch replays a script on live connections, one sequential
// path per connection, with per-account nonce coordination for writes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/rpctester/internal/command"
	"github.com/gateway-fm/rpctester/internal/keyring"
	"github.com/gateway-fm/rpctester/internal/metrics"
	"github.com/gateway-fm/rpctester/internal/nonce"
	"github.com/gateway-fm/rpctester/internal/pool"
	"github.com/gateway-fm/rpctester/internal/ratelimit"
	"github.com/gateway-fm/rpctester/internal/script"
	"github.com/gateway-fm/rpctester/pkg/types"
)

// ErrStreamClosed is returned when a status stream ends before the
// awaited status.
var ErrStreamClosed = errors.New("status stream closed before confirmation")

// ErrWriteAsRead is returned for a write path given without a signer
// object, or a read path invoked as a write.
var ErrWriteAsRead = errors.New("path kind does not match entry kind")

// MissingSignerError is returned for a write entry without a signer.
type MissingSignerError struct {
	Path string
}

func (e *MissingSignerError) Error() string {
	return fmt.Sprintf("%s: write has no signer specified", e.Path)
}

// Write statuses reported in WriteReceipt.Status.
const (
	WriteSubmitted = "submitted"
	WriteInBlock   = "inBlock"
	WriteFinalized = "finalized"
)

// WriteReceipt is the result value of a write entry.
type WriteReceipt struct {
	Hash        string `json:"hash"`
	Nonce       uint64 `json:"nonce"`
	Status      string `json:"status"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// EventSink receives one event per executed entry. Implementations must
// be safe for concurrent use.
type EventSink interface {
	Emit(ev types.EntryEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev types.EntryEvent)

// Emit calls f(ev).
func (f EventSinkFunc) Emit(ev types.EntryEvent) {
	f(ev)
}

// Config for creating a Dispatcher.
type Config struct {
	Coordinator *nonce.Coordinator
	Keyring     *keyring.Keyring
	Policy      types.WaitPolicy
	WaitTimeout time.Duration      // Bound on confirmation waits (0 = unbounded)
	Limiter     *ratelimit.Limiter // Shared call pacing (nil = unlimited)
	Metrics     *metrics.Metrics
	Sinks       []EventSink
	Logger      *slog.Logger
}

// Dispatcher executes scripts. The nonce coordinator is the only state
// shared between connections.
type Dispatcher struct {
	coord       *nonce.Coordinator
	keyring     *keyring.Keyring
	policy      types.WaitPolicy
	waitTimeout time.Duration
	limiter     *ratelimit.Limiter
	metrics     *metrics.Metrics
	sinks       []EventSink
	logger      *slog.Logger
}

// New creates a new Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coord := cfg.Coordinator
	if coord == nil {
		coord = nonce.New(nonce.Config{Metrics: cfg.Metrics, Logger: logger})
	}
	policy := cfg.Policy
	if policy == "" {
		policy = types.WaitNone
	}
	return &Dispatcher{
		coord:       coord,
		keyring:     cfg.Keyring,
		policy:      policy,
		waitTimeout: cfg.WaitTimeout,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		sinks:       cfg.Sinks,
		logger:      logger,
	}
}

// RunAll runs the script on every slot concurrently and waits for all of
// them. Results are in slot order.
func (d *Dispatcher) RunAll(ctx context.Context, slots []pool.Slot, entries []script.Entry) []types.ExecutionResult {
	results := make([]types.ExecutionResult, len(slots))

	var wg sync.WaitGroup
	for i, slot := range slots {
		wg.Add(1)
		go func(i int, slot pool.Slot) {
			defer wg.Done()
			results[i] = d.Run(ctx, slot, entries)
		}(i, slot)
	}
	wg.Wait()

	return results
}

// Run replays entries in order on one connection and closes it when done.
// The first failing entry aborts the rest of this connection's script.
func (d *Dispatcher) Run(ctx context.Context, slot pool.Slot, entries []script.Entry) types.ExecutionResult {
	start := time.Now()
	defer slot.Connection.Close()

	r := &run{
		d:      d,
		slot:   slot,
		named:  d.signerNames(),
		cache:  make(map[string]*keyring.Signer),
		logger: d.logger.With(slog.String("endpoint", slot.Endpoint), slog.Int("connection", slot.Index)),
	}

	res := types.ExecutionResult{
		Endpoint:    slot.Endpoint,
		Connection:  slot.Index,
		FailedEntry: -1,
	}

	for i, e := range entries {
		value, err := r.execute(ctx, i, e)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
			res.FailedEntry = i
			r.logger.Warn("Script aborted",
				slog.Int("entry", i),
				slog.String("path", e.Path),
				slog.String("error", err.Error()),
			)
			break
		}
		res.EntriesRun++
		res.Value = value
	}

	res.Duration = time.Since(start)
	return res
}

func (d *Dispatcher) signerNames() command.SignerLookup {
	if d.keyring == nil {
		return command.SignerMap{}
	}
	return d.keyring
}

func (d *Dispatcher) emit(ev types.EntryEvent) {
	for _, s := range d.sinks {
		s.Emit(ev)
	}
}

// run is the state owned by one connection's dispatch path.
type run struct {
	d      *Dispatcher
	slot   pool.Slot
	named  command.SignerLookup       // Known signer names for parameter substitution
	cache  map[string]*keyring.Signer // Resolved write signers by reference
	logger *slog.Logger
}

func (r *run) execute(ctx context.Context, i int, e script.Entry) (any, error) {
	if err := r.d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		value any
		nonce *uint64
		err   error
	)
	if e.Kind == script.KindWrite {
		var receipt *WriteReceipt
		receipt, err = r.write(ctx, e)
		if receipt != nil {
			n := receipt.Nonce
			nonce = &n
			value = receipt
		}
	} else {
		value, err = r.read(ctx, e)
	}
	elapsed := time.Since(start)

	ev := types.EntryEvent{
		Time:       start,
		Endpoint:   r.slot.Endpoint,
		Connection: r.slot.Index,
		Entry:      i,
		Kind:       e.Kind.String(),
		Path:       e.Path,
		Signer:     e.Signer,
		Nonce:      nonce,
		Status:     types.EntryOK,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		Value:      value,
	}
	if err != nil {
		ev.Status = types.EntryFailed
		ev.Error = err.Error()
	}
	r.d.metrics.RecordCall(ev.Kind, command.Canonical(e.Path), ev.Status, elapsed)
	r.d.emit(ev)

	r.logger.Debug("Entry executed",
		slog.Int("entry", i),
		slog.String("path", e.Path),
		slog.String("status", string(ev.Status)),
		slog.Duration("elapsed", elapsed),
	)

	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *run) read(ctx context.Context, e script.Entry) (any, error) {
	call, err := command.Resolve(r.slot.Connection.Capabilities(), e.Path)
	if err != nil {
		return nil, err
	}
	if call.Handler.IsWrite() {
		return nil, fmt.Errorf("%s: %w: write paths need an object entry with a signer", e.Path, ErrWriteAsRead)
	}

	params := command.TransformParams(e.Params, r.named)
	v, err := call.Handler.Read(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Path, err)
	}
	return command.TransformResult(v), nil
}
