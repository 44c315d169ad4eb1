// Package tester runs one test script end to end: open the connection
// pool, replay the script on every surviving connection, and collect
// outcomes and timing.
package tester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gateway-fm/rpctester/internal/chain"
	"github.com/gateway-fm/rpctester/internal/config"
	"github.com/gateway-fm/rpctester/internal/dispatch"
	"github.com/gateway-fm/rpctester/internal/keyring"
	"github.com/gateway-fm/rpctester/internal/metrics"
	"github.com/gateway-fm/rpctester/internal/nonce"
	"github.com/gateway-fm/rpctester/internal/pool"
	"github.com/gateway-fm/rpctester/internal/ratelimit"
	"github.com/gateway-fm/rpctester/internal/report"
	"github.com/gateway-fm/rpctester/pkg/types"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("tester already initialized")
	// ErrNotInitialized is returned by ExecuteAll before Initialize.
	ErrNotInitialized = errors.New("tester not initialized")
	// ErrClosed is returned by ExecuteAll after Close released the
	// connections unexecuted.
	ErrClosed = errors.New("tester closed")
)

// Deps are the collaborators of a Tester. Dialer is required.
type Deps struct {
	Dialer   chain.Dialer
	Keyring  *keyring.Keyring // nil builds one from the config
	Metrics  *metrics.Metrics // nil records nothing
	Reporter *report.Reporter // nil writes to stdout
	Sinks    []dispatch.EventSink
	Logger   *slog.Logger
}

// Tester drives a single run. It is not reusable across runs.
type Tester struct {
	cfg        *config.Config
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
	coord      *nonce.Coordinator
	reporter   *report.Reporter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.RWMutex
	state    types.RunState
	opened   *pool.Result
	results  []types.ExecutionResult
	executed bool
	done     chan struct{} // Closed when execution finishes; nil if closed unexecuted

	entriesOK     atomic.Int64
	entriesFailed atomic.Int64
}

// New creates a Tester for a validated config.
func New(cfg *config.Config, deps Deps) (*Tester, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kr := deps.Keyring
	if kr == nil {
		var err error
		kr, err = keyring.New(cfg.KeyringConfig())
		if err != nil {
			return nil, fmt.Errorf("keyring: %w", err)
		}
	}

	reporter := deps.Reporter
	if reporter == nil {
		reporter = report.New(report.Config{Logger: logger})
	}
	reporter.SetScript(cfg.Entries)

	coord := nonce.New(nonce.Config{
		LockTimeout: cfg.NonceLockTimeout.Std(),
		Metrics:     deps.Metrics,
		Logger:      logger,
	})

	t := &Tester{
		cfg:      cfg,
		pool:     pool.New(pool.Config{Dialer: deps.Dialer, Logger: logger}),
		coord:    coord,
		reporter: reporter,
		metrics:  deps.Metrics,
		logger:   logger,
		state:    types.StateIdle,
	}

	sinks := append([]dispatch.EventSink{reporter, dispatch.EventSinkFunc(t.count)}, deps.Sinks...)
	t.dispatcher = dispatch.New(dispatch.Config{
		Coordinator: coord,
		Keyring:     kr,
		Policy:      cfg.WaitPolicy,
		WaitTimeout: cfg.WriteTxTimeout.Std(),
		Limiter:     ratelimit.New(cfg.MaxCallsPerSecond),
		Metrics:     deps.Metrics,
		Sinks:       sinks,
		Logger:      logger,
	})

	return t, nil
}

func (t *Tester) count(ev types.EntryEvent) {
	if ev.Status == types.EntryOK {
		t.entriesOK.Add(1)
	} else {
		t.entriesFailed.Add(1)
	}
}

// Initialize opens endpoints × connections connections and keeps the
// survivors. Failed attempts are reported but never fatal; only a
// cancelled ctx fails the phase.
func (t *Tester) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.state != types.StateIdle {
		t.mu.Unlock()
		return ErrAlreadyInitialized
	}
	t.state = types.StateConnecting
	t.mu.Unlock()

	t.logger.Info("Connecting to endpoints",
		slog.Int("endpoints", len(t.cfg.EndPoints)),
		slog.Int("connections", t.cfg.Connections),
	)

	t.reporter.Start(types.PhaseConnect)
	res := t.pool.Open(ctx, t.cfg.EndPoints, t.cfg.Connections)
	elapsed := t.reporter.Stop(types.PhaseConnect)

	for _, f := range res.Failures {
		t.reporter.AddConnectionFailure(f.Endpoint, f.Index, f.Err)
	}
	t.metrics.RecordConnections(len(res.Connections), len(res.Failures))
	t.metrics.RecordPhase(types.PhaseConnect, elapsed)

	t.mu.Lock()
	t.opened = res
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connection phase: %w", err)
	}
	return nil
}

// ExecuteAll replays the script on every open connection concurrently
// and returns one result per connection, in connection order. Each
// connection is closed when its script ends. Later calls wait for the
// first one and return its results.
func (t *Tester) ExecuteAll(ctx context.Context) ([]types.ExecutionResult, error) {
	t.mu.Lock()
	if t.opened == nil {
		t.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if t.executed {
		done := t.done
		t.mu.Unlock()
		return t.awaitResults(ctx, done)
	}
	t.executed = true
	t.done = make(chan struct{})
	t.state = types.StateExecuting
	slots := t.opened.Connections
	t.mu.Unlock()

	t.reporter.Start(types.PhaseExecute)
	results := t.dispatcher.RunAll(ctx, slots, t.cfg.Entries)
	elapsed := t.reporter.Stop(types.PhaseExecute)

	t.reporter.Collect(results...)
	t.metrics.RecordPhase(types.PhaseExecute, elapsed)

	t.mu.Lock()
	t.results = results
	t.state = types.StateCompleted
	close(t.done)
	t.mu.Unlock()

	succeeded, failed := t.reporter.Summary()
	t.logger.Info("Execution phase complete",
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Duration("elapsed", elapsed),
	)
	return results, nil
}

// awaitResults serves a repeated ExecuteAll call: it waits for the first
// call to finish and returns the same results.
func (t *Tester) awaitResults(ctx context.Context, done <-chan struct{}) ([]types.ExecutionResult, error) {
	if done == nil {
		return nil, ErrClosed
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.results, nil
}

// TimingReport returns the connection and execution windows.
func (t *Tester) TimingReport() types.TimingRecord {
	return t.reporter.Timing()
}

// Reporter returns the reporter collecting this run.
func (t *Tester) Reporter() *report.Reporter {
	return t.reporter
}

// Coordinator returns the nonce coordinator of this run.
func (t *Tester) Coordinator() *nonce.Coordinator {
	return t.coord
}

// Status returns a point-in-time view of the run.
func (t *Tester) Status() types.RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := types.RunStatus{
		State:           t.state,
		EntriesExecuted: t.entriesOK.Load() + t.entriesFailed.Load(),
		EntriesFailed:   t.entriesFailed.Load(),
		Timing:          t.reporter.Timing(),
		Results:         t.results,
	}
	if t.opened != nil {
		st.Attempts = t.opened.Attempts
		st.Connected = len(t.opened.Connections)
	}
	return st
}

// Close releases connections that were opened but never executed.
func (t *Tester) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opened == nil || t.executed {
		return nil
	}
	t.executed = true
	return t.opened.CloseAll()
}
