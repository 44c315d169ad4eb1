// Package report collects run timing and per-connection outcomes and
// renders them for the terminal.
package report

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/gateway-fm/rpctester/internal/script"
	"github.com/gateway-fm/rpctester/pkg/types"
)

// ConnectionFailure is one connection attempt that did not survive the
// connection phase.
type ConnectionFailure struct {
	Endpoint string `json:"endpoint"`
	Index    int    `json:"index"`
	Error    string `json:"error"`
}

// Config for creating a Reporter.
type Config struct {
	Out     io.Writer // Report destination (default os.Stdout)
	NoColor bool
	Live    bool // Print every executed entry as it completes
	Logger  *slog.Logger
}

// Reporter records the two timing windows of a run and one terminal
// outcome per connection. It is safe for concurrent use.
type Reporter struct {
	out    io.Writer
	live   bool
	logger *slog.Logger
	style  style

	mu       sync.Mutex
	timing   types.TimingRecord
	entries  []script.Entry
	results  []types.ExecutionResult
	failures []ConnectionFailure
}

// New creates a new Reporter.
func New(cfg Config) *Reporter {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		out:    out,
		live:   cfg.Live,
		logger: logger,
		style:  newStyle(cfg.NoColor),
	}
}

// Start opens a timing window.
func (r *Reporter) Start(phase types.Phase) {
	r.mark(phase, true)
}

// Stop closes a timing window and returns its duration.
func (r *Reporter) Stop(phase types.Phase) time.Duration {
	r.mark(phase, false)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch phase {
	case types.PhaseConnect:
		return r.timing.ConnectDuration()
	case types.PhaseExecute:
		return r.timing.ExecuteDuration()
	}
	return 0
}

func (r *Reporter) mark(phase types.Phase, start bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case phase == types.PhaseConnect && start:
		r.timing.ConnectStart = now
	case phase == types.PhaseConnect:
		r.timing.ConnectEnd = now
	case phase == types.PhaseExecute && start:
		r.timing.ExecuteStart = now
	case phase == types.PhaseExecute:
		r.timing.ExecuteEnd = now
	default:
		r.logger.Warn("Unknown timing phase", slog.String("phase", string(phase)))
	}
}

// Timing returns the recorded timing windows.
func (r *Reporter) Timing() types.TimingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timing
}

// SetScript sets the entries used to label live output.
func (r *Reporter) SetScript(entries []script.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
}

// AddConnectionFailure records a connection attempt that failed.
func (r *Reporter) AddConnectionFailure(endpoint string, index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, ConnectionFailure{Endpoint: endpoint, Index: index, Error: err.Error()})
}

// Collect records terminal outcomes.
func (r *Reporter) Collect(results ...types.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
}

// Results returns the collected outcomes ordered by connection index.
func (r *Reporter) Results() []types.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]types.ExecutionResult(nil), r.results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Connection < out[j].Connection })
	return out
}

// Failures returns the failed connection attempts.
func (r *Reporter) Failures() []ConnectionFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionFailure(nil), r.failures...)
}

// Outcome is the set of results for one endpoint.
type Outcome struct {
	Endpoint string                  `json:"endpoint"`
	Results  []types.ExecutionResult `json:"results"`
	Failures []ConnectionFailure     `json:"failures,omitempty"`
}

// Outcomes groups results and connection failures by endpoint, in the
// order endpoints were first seen.
func (r *Reporter) Outcomes() []Outcome {
	results := r.Results()
	failures := r.Failures()

	var order []string
	byEndpoint := make(map[string]*Outcome)
	get := func(ep string) *Outcome {
		o, ok := byEndpoint[ep]
		if !ok {
			o = &Outcome{Endpoint: ep}
			byEndpoint[ep] = o
			order = append(order, ep)
		}
		return o
	}
	for _, res := range results {
		o := get(res.Endpoint)
		o.Results = append(o.Results, res)
	}
	for _, f := range failures {
		o := get(f.Endpoint)
		o.Failures = append(o.Failures, f)
	}

	out := make([]Outcome, 0, len(order))
	for _, ep := range order {
		out = append(out, *byEndpoint[ep])
	}
	return out
}

// Summary counts surviving connections by outcome.
func (r *Reporter) Summary() (succeeded, failed int) {
	for _, res := range r.Results() {
		if res.Success() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Emit prints one executed entry when live output is enabled.
func (r *Reporter) Emit(ev types.EntryEvent) {
	if !r.live {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	label := ev.Path
	if ev.Entry >= 0 && ev.Entry < len(r.entries) {
		label = r.entries[ev.Entry].String()
	}
	r.style.renderEvent(r.out, label, ev)
}

// style is the terminal palette of one reporter.
type style struct {
	title    *color.Color
	category *color.Color
	key      *color.Color
	value    *color.Color
	link     *color.Color
	ok       *color.Color
	fail     *color.Color
	dim      *color.Color
}

func newStyle(noColor bool) style {
	s := style{
		title:    color.New(color.Bold, color.FgHiYellow, color.ReverseVideo),
		category: color.New(color.BgBlack, color.FgYellow),
		key:      color.New(color.FgCyan),
		value:    color.New(color.FgHiWhite),
		link:     color.New(color.Underline),
		ok:       color.New(color.Bold, color.FgGreen),
		fail:     color.New(color.Bold, color.FgRed),
		dim:      color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{s.title, s.category, s.key, s.value, s.link, s.ok, s.fail, s.dim} {
			c.DisableColor()
		}
	}
	return s
}
