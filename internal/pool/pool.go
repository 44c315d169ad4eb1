// Package pool opens the working set of connections for a run.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gateway-fm/rpctester/internal/chain"
)

// Config for creating a Manager.
type Config struct {
	Dialer chain.Dialer
	Logger *slog.Logger
}

// Manager opens endpoints × count connections concurrently. Failed
// attempts are logged and dropped; nothing is retried.
type Manager struct {
	dialer chain.Dialer
	logger *slog.Logger
}

// New creates a new Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer: cfg.Dialer,
		logger: logger,
	}
}

// Slot is one surviving connection with its position in the attempt order.
type Slot struct {
	Index      int // Attempt index: endpoint position × count + replica
	Endpoint   string
	Connection chain.Connection
}

// Failure is one failed attempt.
type Failure struct {
	Index    int
	Endpoint string
	Err      error
}

// Result is the outcome of the connection phase.
type Result struct {
	Attempts    int
	Connections []Slot    // In attempt order
	Failures    []Failure // In attempt order
}

// Open dials every endpoint count times, all attempts at once, and waits
// for all of them. An empty working set is not an error.
func (m *Manager) Open(ctx context.Context, endpoints []string, count int) *Result {
	if count < 0 {
		count = 0
	}
	total := len(endpoints) * count

	type outcome struct {
		conn chain.Connection
		err  error
	}
	outcomes := make([]outcome, total)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			endpoint := endpoints[i/count]
			conn, err := m.dialer.Dial(ctx, endpoint)
			if err == nil && conn == nil {
				err = errors.New("dialer returned no connection")
			}
			if err != nil {
				var cerr *chain.ConnectionError
				if !errors.As(err, &cerr) {
					err = &chain.ConnectionError{Endpoint: endpoint, Err: err}
				}
			}
			outcomes[i] = outcome{conn: conn, err: err}
		}(i)
	}
	wg.Wait()

	res := &Result{Attempts: total}
	for i, o := range outcomes {
		endpoint := endpoints[i/count]
		if o.err != nil {
			m.logger.Warn("Connection failed",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", i),
				slog.String("error", o.err.Error()),
			)
			res.Failures = append(res.Failures, Failure{Index: i, Endpoint: endpoint, Err: o.err})
			continue
		}
		res.Connections = append(res.Connections, Slot{Index: i, Endpoint: endpoint, Connection: o.conn})
	}

	m.logger.Info("Connection phase complete",
		slog.Int("attempts", total),
		slog.Int("connected", len(res.Connections)),
		slog.Int("failed", len(res.Failures)),
	)
	return res
}

// CloseAll closes every connection in the working set.
func (r *Result) CloseAll() error {
	var errs []error
	for _, s := range r.Connections {
		if err := s.Connection.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
