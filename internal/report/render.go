package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// Stringify renders a result value for display. A list of strings is
// joined one per line, indented by spacing; other lists and objects are
// indented JSON; scalars use their text form.
func Stringify(v any, spacing int) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.Number:
		return val.String()
	case []string:
		return strings.Join(val, "\n"+strings.Repeat(" ", spacing))
	case []any:
		if len(val) > 0 {
			if _, ok := val[0].(string); ok {
				parts := make([]string, len(val))
				for i, p := range val {
					parts[i] = fmt.Sprint(p)
				}
				return strings.Join(parts, "\n"+strings.Repeat(" ", spacing))
			}
		}
		return indentJSON(val)
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(val)
	case fmt.Stringer:
		return val.String()
	default:
		return indentJSON(val)
	}
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func (s style) renderEvent(w io.Writer, label string, ev types.EntryEvent) {
	fmt.Fprintf(w, "%s %s\n", s.link.Sprint(label), s.dim.Sprintf("[%s #%d %.1fms]", ev.Endpoint, ev.Connection, ev.DurationMs))
	if ev.Status == types.EntryFailed {
		fmt.Fprintf(w, "  %s %s\n", s.fail.Sprint("✘"), ev.Error)
		return
	}
	fmt.Fprintf(w, "  %s\n", Stringify(ev.Value, 2))
}

// RenderResults writes every endpoint's outcomes.
func (r *Reporter) RenderResults() {
	outcomes := r.Outcomes()

	r.mu.Lock()
	defer r.mu.Unlock()
	w, s := r.out, r.style

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.title.Sprint("--- Results ---"))
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "  no connections")
		return
	}
	for _, o := range outcomes {
		fmt.Fprintln(w, s.category.Sprint(o.Endpoint))
		for _, res := range o.Results {
			if res.Success() {
				fmt.Fprintf(w, "  %s %s %s\n", s.ok.Sprint("✔"), s.key.Sprintf("#%d", res.Connection), s.dim.Sprintf("(%d entries, %s)", res.EntriesRun, round(res.Duration)))
				fmt.Fprintf(w, "    %s\n", Stringify(res.Value, 4))
				continue
			}
			fmt.Fprintf(w, "  %s %s %s\n", s.fail.Sprint("✘"), s.key.Sprintf("#%d", res.Connection), s.dim.Sprintf("(entry %d)", res.FailedEntry))
			fmt.Fprintf(w, "    %s\n", res.Error)
		}
		for _, f := range o.Failures {
			fmt.Fprintf(w, "  %s %s %s\n", s.fail.Sprint("✘"), s.key.Sprintf("attempt %d", f.Index), f.Error)
		}
	}
}

// RenderLatency writes the per-path latency table.
func (r *Reporter) RenderLatency(stats map[string]*types.LatencyStats) {
	if len(stats) == 0 {
		return
	}
	paths := make([]string, 0, len(stats))
	for p := range stats {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	r.mu.Lock()
	defer r.mu.Unlock()
	w, s := r.out, r.style

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.title.Sprint("--- Latency (ms) ---"))
	for _, p := range paths {
		st := stats[p]
		fmt.Fprintf(w, "  %s: %s\n", s.key.Sprint(p), s.value.Sprintf(
			"count=%d min=%.2f avg=%.2f p50=%.2f p90=%.2f p99=%.2f max=%.2f",
			st.Count, st.Min, st.Avg, st.P50, st.P90, st.P99, st.Max,
		))
	}
}

// RenderTiming writes the timing report.
func (r *Reporter) RenderTiming() {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, s := r.out, r.style

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.title.Sprint("--- Timing Report ---"))
	fmt.Fprintln(w, s.category.Sprint("Connecting to all endpoints"))
	fmt.Fprintf(w, "  %s: %s\n", s.key.Sprint("time taken"), s.value.Sprint(round(r.timing.ConnectDuration())))
	fmt.Fprintln(w, s.category.Sprint("Executing all transactions"))
	fmt.Fprintf(w, "  %s: %s\n", s.key.Sprint("time taken"), s.value.Sprint(round(r.timing.ExecuteDuration())))
}

// Render writes results, latency and timing in that order.
func (r *Reporter) Render(stats map[string]*types.LatencyStats) {
	r.RenderResults()
	r.RenderLatency(stats)
	r.RenderTiming()
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(time.Microsecond)
}
