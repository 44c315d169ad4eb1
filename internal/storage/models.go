package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// RunStatus is the lifecycle state of a stored run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed" // The run itself could not finish
)

// Run is one invocation of the tester.
// JSON tags use camelCase to match the HTTP API.
type Run struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ConfigPath  string     `json:"configPath"`
	Endpoints   []string   `json:"endpoints"`
	Connections int        `json:"connections"` // Per endpoint
	Entries     int        `json:"entries"`
	WaitPolicy  string     `json:"writeTxWait"`
	Status      RunStatus  `json:"status"`

	// Filled in on completion
	ConnectMs    int64                          `json:"connectMs"`
	ExecuteMs    int64                          `json:"executeMs"`
	Attempts     int                            `json:"attempts"`
	Connected    int                            `json:"connected"`
	Succeeded    int                            `json:"succeeded"`
	Failed       int                            `json:"failed"`
	LatencyStats map[string]*types.LatencyStats `json:"latencyStats,omitempty"`
	ErrorMessage string                         `json:"errorMessage,omitempty"`

	// User metadata
	CustomName string `json:"customName,omitempty"`
	IsFavorite bool   `json:"isFavorite"`
}

// NewRun creates a running record with a fresh id.
func NewRun(configPath string, endpoints []string, connections, entries int, policy types.WaitPolicy) *Run {
	return &Run{
		ID:          uuid.NewString(),
		StartedAt:   time.Now(),
		ConfigPath:  configPath,
		Endpoints:   endpoints,
		Connections: connections,
		Entries:     entries,
		WaitPolicy:  string(policy),
		Status:      RunRunning,
	}
}

// Outcome is the terminal result of one connection.
type Outcome struct {
	Endpoint    string          `json:"endpoint"`
	Connection  int             `json:"connection"`
	Success     bool            `json:"success"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailedEntry int             `json:"failedEntry"`
	EntriesRun  int             `json:"entriesRun"`
	DurationMs  int64           `json:"durationMs"`
}

// OutcomeFrom converts an execution result for storage. Values that do
// not encode as JSON are stored as their text form.
func OutcomeFrom(res types.ExecutionResult) Outcome {
	o := Outcome{
		Endpoint:    res.Endpoint,
		Connection:  res.Connection,
		Success:     res.Success(),
		Error:       res.Error,
		FailedEntry: res.FailedEntry,
		EntriesRun:  res.EntriesRun,
		DurationMs:  res.Duration.Milliseconds(),
	}
	if res.Value != nil {
		o.Value = encodeValue(res.Value)
	}
	return o
}

func encodeValue(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(err.Error())
	}
	return data
}

// RunMetadataUpdate represents an update to run metadata (name/favorite).
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// RunDetail combines a run with its outcomes.
type RunDetail struct {
	Run      *Run      `json:"run"`
	Outcomes []Outcome `json:"outcomes"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// PaginatedEntries represents a paginated entry log.
type PaginatedEntries struct {
	Entries []types.EntryEvent `json:"entries"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}
