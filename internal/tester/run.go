package tester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/rpctester/internal/chain"
	"github.com/gateway-fm/rpctester/internal/config"
	"github.com/gateway-fm/rpctester/internal/dispatch"
	"github.com/gateway-fm/rpctester/internal/metrics"
	"github.com/gateway-fm/rpctester/internal/report"
	"github.com/gateway-fm/rpctester/internal/storage"
	"github.com/gateway-fm/rpctester/internal/transport"
	"github.com/gateway-fm/rpctester/pkg/types"
)

// Options configure a complete run.
type Options struct {
	ConfigPath string
	Config     *config.Config // Loaded from ConfigPath when nil
	Dialer     chain.Dialer

	Out     io.Writer // Report destination
	NoColor bool
	Live    bool // Print every entry as it completes

	Listen      net.Listener    // Serve status, metrics and events while running (optional)
	CORSOrigins string          // Origins allowed on the HTTP API; empty allows all
	Store       storage.Storage // Record the run (optional)
	Registry    *prometheus.Registry

	Logger *slog.Logger
}

// Summary is what a complete run produced.
type Summary struct {
	RunID     string
	Results   []types.ExecutionResult
	Failures  []report.ConnectionFailure
	Timing    types.TimingRecord
	Latency   map[string]*types.LatencyStats
	Succeeded int
	Failed    int
}

// Run loads the config, runs both phases, renders the report and
// records the run when a store is given. Connection and entry failures
// are part of the summary, not errors.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("Config warning", slog.String("warning", w))
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	reporter := report.New(report.Config{
		Out:     opts.Out,
		NoColor: opts.NoColor,
		Live:    opts.Live,
		Logger:  logger,
	})

	var sinks []dispatch.EventSink

	var rec *Recorder
	if opts.Store != nil {
		var err error
		rec, err = NewRecorder(ctx, opts.Store, opts.ConfigPath, cfg, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rec)
	}

	var srv *transport.Server
	var t *Tester
	if opts.Listen != nil {
		srv = transport.NewServer(serverConfig(opts, func() types.RunStatus { return t.Status() }, reg, logger))
		sinks = append(sinks, srv)
	}

	t, err := New(cfg, Deps{
		Dialer:   opts.Dialer,
		Metrics:  m,
		Reporter: reporter,
		Sinks:    sinks,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	defer t.Close()

	if srv != nil {
		srvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)
		go func() { done <- srv.ServeListener(srvCtx, opts.Listen) }()
		defer func() {
			stop()
			if err := <-done; err != nil {
				logger.Warn("HTTP server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	runErr := t.Initialize(ctx)
	if runErr == nil {
		_, runErr = t.ExecuteAll(ctx)
	}

	stats := m.PathStats()
	reporter.Render(stats)

	if rec != nil {
		// The run context may be cancelled already; the record still goes out.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := rec.Finish(saveCtx, t, stats, runErr); err != nil {
			logger.Error("Failed to record run", slog.String("error", err.Error()))
		}
		cancel()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return nil, fmt.Errorf("run: %w", runErr)
	}

	succeeded, failed := reporter.Summary()
	sum := &Summary{
		Results:   reporter.Results(),
		Failures:  reporter.Failures(),
		Timing:    reporter.Timing(),
		Latency:   stats,
		Succeeded: succeeded,
		Failed:    failed,
	}
	if rec != nil {
		sum.RunID = rec.RunID()
	}
	return sum, runErr
}

func serverConfig(opts Options, status transport.StatusFunc, reg prometheus.Gatherer, logger *slog.Logger) transport.Config {
	return transport.Config{
		Status:             status,
		History:            opts.Store,
		Gatherer:           reg,
		CORSAllowedOrigins: opts.CORSOrigins,
		Logger:             logger,
	}
}
