package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/rpctester/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		config_path TEXT NOT NULL,
		endpoints TEXT NOT NULL,
		connections INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		wait_policy TEXT NOT NULL,
		status TEXT DEFAULT 'running',
		connect_ms INTEGER DEFAULT 0,
		execute_ms INTEGER DEFAULT 0,
		attempts INTEGER DEFAULT 0,
		connected INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		latency_stats TEXT,
		error_message TEXT,
		custom_name TEXT,
		is_favorite INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		connection INTEGER NOT NULL,
		success INTEGER NOT NULL,
		value TEXT,
		error TEXT,
		failed_entry INTEGER DEFAULT -1,
		entries_run INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);

	CREATE TABLE IF NOT EXISTS entry_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		at DATETIME NOT NULL,
		endpoint TEXT NOT NULL,
		connection INTEGER NOT NULL,
		entry INTEGER NOT NULL,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		signer TEXT,
		nonce INTEGER,
		status TEXT NOT NULL,
		duration_ms REAL DEFAULT 0,
		value TEXT,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_entry_log_run ON entry_log(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	endpointsJSON, err := json.Marshal(run.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoints: %w", err)
	}
	status := run.Status
	if status == "" {
		status = RunRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, config_path, endpoints, connections, entries, wait_policy, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.ConfigPath, string(endpointsJSON), run.Connections, run.Entries, run.WaitPolicy, string(status))

	return err
}

// CompleteRun stores the final statistics of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	latencyJSON, _ := json.Marshal(run.LatencyStats)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	status := run.Status
	if status == "" || status == RunRunning {
		status = RunCompleted
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			connect_ms = ?,
			execute_ms = ?,
			attempts = ?,
			connected = ?,
			succeeded = ?,
			failed = ?,
			latency_stats = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, string(status), run.ConnectMs, run.ExecuteMs, run.Attempts, run.Connected,
		run.Succeeded, run.Failed, string(latencyJSON), nullString(run.ErrorMessage), run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, run.ID)
}

const runColumns = `id, started_at, completed_at, config_path, endpoints, connections, entries, wait_policy,
	status, connect_ms, execute_ms, attempts, connected, succeeded, failed, latency_stats, error_message,
	custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListRuns returns a paginated list of runs, favorites first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and all associated data.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// UpdateRunMetadata updates the custom name and/or favorite status of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []any

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

// BulkInsertOutcomes inserts the outcomes of a run in one transaction.
func (s *SQLiteStorage) BulkInsertOutcomes(ctx context.Context, runID string, outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, endpoint, connection, success, value, error, failed_entry, entries_run, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outcomes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, o.Endpoint, o.Connection, boolInt(o.Success),
			nullString(string(o.Value)), nullString(o.Error), o.FailedEntry, o.EntriesRun, o.DurationMs)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetOutcomes returns the outcomes of a run ordered by connection index.
func (s *SQLiteStorage) GetOutcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, connection, success, value, error, failed_entry, entries_run, duration_ms
		FROM outcomes
		WHERE run_id = ?
		ORDER BY connection
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := []Outcome{}
	for rows.Next() {
		var o Outcome
		var success int
		var value, errMsg sql.NullString
		if err := rows.Scan(&o.Endpoint, &o.Connection, &success, &value, &errMsg, &o.FailedEntry, &o.EntriesRun, &o.DurationMs); err != nil {
			return nil, err
		}
		o.Success = success != 0
		if value.Valid {
			o.Value = json.RawMessage(value.String)
		}
		o.Error = errMsg.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// BulkInsertEntries inserts the entry log of a run in one transaction.
func (s *SQLiteStorage) BulkInsertEntries(ctx context.Context, runID string, events []types.EntryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entry_log (run_id, at, endpoint, connection, entry, kind, path, signer, nonce, status, duration_ms, value, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var nonce sql.NullInt64
		if ev.Nonce != nil {
			nonce = sql.NullInt64{Int64: int64(*ev.Nonce), Valid: true}
		}
		var value sql.NullString
		if ev.Value != nil {
			value = sql.NullString{String: string(encodeValue(ev.Value)), Valid: true}
		}
		_, err := stmt.ExecContext(ctx, runID, ev.Time, ev.Endpoint, ev.Connection, ev.Entry, ev.Kind, ev.Path,
			nullString(ev.Signer), nonce, string(ev.Status), ev.DurationMs, value, nullString(ev.Error))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetEntries retrieves a paginated entry log for a run.
func (s *SQLiteStorage) GetEntries(ctx context.Context, runID string, limit, offset int) (*PaginatedEntries, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entry_log WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT at, endpoint, connection, entry, kind, path, signer, nonce, status, duration_ms, value, error
		FROM entry_log
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []types.EntryEvent{}
	for rows.Next() {
		var ev types.EntryEvent
		var status string
		var signer, value, errMsg sql.NullString
		var nonce sql.NullInt64

		err := rows.Scan(&ev.Time, &ev.Endpoint, &ev.Connection, &ev.Entry, &ev.Kind, &ev.Path,
			&signer, &nonce, &status, &ev.DurationMs, &value, &errMsg)
		if err != nil {
			return nil, err
		}

		ev.Status = types.EntryStatus(status)
		ev.Signer = signer.String
		ev.Error = errMsg.String
		if nonce.Valid {
			n := uint64(nonce.Int64)
			ev.Nonce = &n
		}
		if value.Valid {
			unmarshalJSON(value.String, &ev.Value, "value", runID)
		}
		entries = append(entries, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedEntries{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var status, endpointsJSON string
	var completedAt sql.NullTime
	var latencyJSON, errMsg, customName sql.NullString
	var favorite int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.ConfigPath, &endpointsJSON,
		&run.Connections, &run.Entries, &run.WaitPolicy, &status, &run.ConnectMs, &run.ExecuteMs,
		&run.Attempts, &run.Connected, &run.Succeeded, &run.Failed, &latencyJSON, &errMsg,
		&customName, &favorite)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	unmarshalJSON(endpointsJSON, &run.Endpoints, "endpoints", run.ID)
	if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
		unmarshalJSON(latencyJSON.String, &run.LatencyStats, "latency_stats", run.ID)
	}
	run.ErrorMessage = errMsg.String
	run.CustomName = customName.String
	run.IsFavorite = favorite != 0

	return &run, nil
}

func requireRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
