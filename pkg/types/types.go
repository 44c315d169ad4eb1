// Package types contains public API types for the RPC tester.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"fmt"
	"strings"
	"time"
)

// WaitPolicy controls how long a write waits after submission.
type WaitPolicy string

const (
	WaitNone      WaitPolicy = "none"
	WaitInBlock   WaitPolicy = "inBlock"
	WaitFinalized WaitPolicy = "finalized"
)

// ParseWaitPolicy parses a policy name case-insensitively.
// An empty string yields WaitNone.
func ParseWaitPolicy(s string) (WaitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return WaitNone, nil
	case "inblock":
		return WaitInBlock, nil
	case "finalized":
		return WaitFinalized, nil
	default:
		return "", fmt.Errorf("invalid writeTxWait %q (supported: none, inBlock, finalized)", s)
	}
}

// Phase names a timing window of a run.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseExecute Phase = "execute"
)

// TimingRecord holds the wall-clock windows of one run.
type TimingRecord struct {
	ConnectStart time.Time `json:"connectStart"`
	ConnectEnd   time.Time `json:"connectEnd"`
	ExecuteStart time.Time `json:"executeStart"`
	ExecuteEnd   time.Time `json:"executeEnd"`
}

// ConnectDuration returns the elapsed time of the connection phase.
func (t TimingRecord) ConnectDuration() time.Duration {
	return span(t.ConnectStart, t.ConnectEnd)
}

// ExecuteDuration returns the elapsed time of the execution phase.
func (t TimingRecord) ExecuteDuration() time.Duration {
	return span(t.ExecuteStart, t.ExecuteEnd)
}

func span(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// ExecutionResult is the terminal outcome of one connection's script run.
type ExecutionResult struct {
	Endpoint    string        `json:"endpoint"`
	Connection  int           `json:"connection"`      // Attempt index: endpoint position × connections + replica
	Value       any           `json:"value,omitempty"` // Result of the last executed entry
	Err         error         `json:"-"`               // Failure that aborted the script (nil on success)
	Error       string        `json:"error,omitempty"` // Err rendered for JSON consumers
	FailedEntry int           `json:"failedEntry"`     // Index of the failing entry, -1 on success
	EntriesRun  int           `json:"entriesRun"`      // Entries that completed successfully
	Duration    time.Duration `json:"durationNs"`      // Wall time of this connection's script
}

// Success reports whether every entry of the script completed.
func (r ExecutionResult) Success() bool {
	return r.Err == nil
}

// EntryStatus is the outcome of a single script entry.
type EntryStatus string

const (
	EntryOK     EntryStatus = "ok"
	EntryFailed EntryStatus = "failed"
)

// EntryEvent is emitted once per executed script entry.
type EntryEvent struct {
	Time       time.Time   `json:"time"`
	Endpoint   string      `json:"endpoint"`
	Connection int         `json:"connection"`
	Entry      int         `json:"entry"`
	Kind       string      `json:"kind"`
	Path       string      `json:"path"`
	Signer     string      `json:"signer,omitempty"`
	Nonce      *uint64     `json:"nonce,omitempty"`
	Status     EntryStatus `json:"status"`
	DurationMs float64     `json:"durationMs"`
	Value      any         `json:"value,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// LatencyStats summarises call latency in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// RunState is the lifecycle state of the tester process.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateConnecting RunState = "connecting"
	StateExecuting  RunState = "executing"
	StateCompleted  RunState = "completed"
)

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	State           RunState          `json:"state"`
	Attempts        int               `json:"attempts"`
	Connected       int               `json:"connected"`
	EntriesExecuted int64             `json:"entriesExecuted"`
	EntriesFailed   int64             `json:"entriesFailed"`
	Timing          TimingRecord      `json:"timing"`
	Results         []ExecutionResult `json:"results,omitempty"`
}
