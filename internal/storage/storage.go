package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Storage persists the results of finished runs. Nothing stored here is
// read back by a later run.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Per-connection outcomes (written once the run completes)
	BulkInsertOutcomes(ctx context.Context, runID string, outcomes []Outcome) error
	GetOutcomes(ctx context.Context, runID string) ([]Outcome, error)

	// Entry log
	BulkInsertEntries(ctx context.Context, runID string, events []types.EntryEvent) error
	GetEntries(ctx context.Context, runID string, limit, offset int) (*PaginatedEntries, error)

	// Lifecycle
	Close() error
}
