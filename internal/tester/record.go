package tester

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/rpctester/internal/config"
	"github.com/gateway-fm/rpctester/internal/storage"
	"github.com/gateway-fm/rpctester/pkg/types"
)

// maxLoggedEntries caps the in-memory entry log of one run.
const maxLoggedEntries = 100_000

// Recorder buffers the entry log of a run in memory and writes it, with
// the run summary and outcomes, to storage after the run completes.
type Recorder struct {
	store  storage.Storage
	run    *storage.Run
	logger *slog.Logger

	mu        sync.Mutex
	entries   []types.EntryEvent
	truncated int
}

// NewRecorder creates the run row and returns a recorder for it.
func NewRecorder(ctx context.Context, store storage.Storage, configPath string, cfg *config.Config, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	run := storage.NewRun(configPath, cfg.EndPoints, cfg.Connections, len(cfg.Entries), cfg.WaitPolicy)
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &Recorder{
		store:  store,
		run:    run,
		logger: logger.With(slog.String("run_id", run.ID)),
	}, nil
}

// RunID returns the id of the recorded run.
func (r *Recorder) RunID() string {
	return r.run.ID
}

// Emit buffers one entry event.
func (r *Recorder) Emit(ev types.EntryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= maxLoggedEntries {
		r.truncated++
		return
	}
	r.entries = append(r.entries, ev)
}

// Finish writes the summary, outcomes and entry log of t. runErr marks
// the run failed when the run itself could not finish.
func (r *Recorder) Finish(ctx context.Context, t *Tester, stats map[string]*types.LatencyStats, runErr error) error {
	st := t.Status()
	succeeded, failed := t.Reporter().Summary()

	now := time.Now()
	run := r.run
	run.CompletedAt = &now
	run.Status = storage.RunCompleted
	run.ConnectMs = st.Timing.ConnectDuration().Milliseconds()
	run.ExecuteMs = st.Timing.ExecuteDuration().Milliseconds()
	run.Attempts = st.Attempts
	run.Connected = st.Connected
	run.Succeeded = succeeded
	run.Failed = failed
	run.LatencyStats = stats
	if runErr != nil {
		run.Status = storage.RunFailed
		run.ErrorMessage = runErr.Error()
	}

	if err := r.store.CompleteRun(ctx, run); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	results := t.Reporter().Results()
	outcomes := make([]storage.Outcome, 0, len(results))
	for _, res := range results {
		outcomes = append(outcomes, storage.OutcomeFrom(res))
	}
	if err := r.store.BulkInsertOutcomes(ctx, run.ID, outcomes); err != nil {
		return fmt.Errorf("save outcomes: %w", err)
	}

	r.mu.Lock()
	entries := r.entries
	truncated := r.truncated
	r.mu.Unlock()

	if err := r.store.BulkInsertEntries(ctx, run.ID, entries); err != nil {
		return fmt.Errorf("save entry log: %w", err)
	}

	attrs := []any{
		slog.Int("outcomes", len(outcomes)),
		slog.Int("entries", len(entries)),
	}
	if truncated > 0 {
		attrs = append(attrs, slog.Int("entries_dropped", truncated))
	}
	r.logger.Info("Run recorded", attrs...)
	return nil
}
