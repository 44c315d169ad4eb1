package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/rpctester/pkg/types"
)

func TestNullString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
	}{
		{name: "empty string returns invalid", input: "", wantValid: false},
		{name: "non-empty string returns valid", input: "hello", wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullString(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullString(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.String != tt.input {
				t.Errorf("nullString(%q).String = %q", tt.input, got.String)
			}
		})
	}
}

// createTestStorage creates a new SQLite storage in a temporary directory.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStorage("/nonexistent/directory/that/should/not/exist/runs.db")
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	run := NewRun("bench.jsonc", []string{"ws://a", "ws://b"}, 2, 3, types.WaitInBlock)
	if run.ID == "" || run.Status != RunRunning {
		t.Fatalf("NewRun = %+v", run)
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunRunning || got.CompletedAt != nil {
		t.Errorf("running run = %+v", got)
	}
	if len(got.Endpoints) != 2 || got.Endpoints[1] != "ws://b" || got.WaitPolicy != "inBlock" {
		t.Errorf("run fields = %+v", got)
	}

	run.ConnectMs = 120
	run.ExecuteMs = 3400
	run.Attempts = 4
	run.Connected = 3
	run.Succeeded = 2
	run.Failed = 1
	run.LatencyStats = map[string]*types.LatencyStats{"chain.getBlock": {Count: 3, P50: 1.5}}
	if err := s.CompleteRun(ctx, run); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunCompleted || got.CompletedAt == nil {
		t.Errorf("completed run = %+v", got)
	}
	if got.Connected != 3 || got.Succeeded != 2 || got.Failed != 1 || got.ExecuteMs != 3400 {
		t.Errorf("counts = %+v", got)
	}
	if st := got.LatencyStats["chain.getBlock"]; st == nil || st.Count != 3 || st.P50 != 1.5 {
		t.Errorf("latency = %+v", got.LatencyStats)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := createTestStorage(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	err = s.CompleteRun(context.Background(), &Run{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteRun err = %v, want ErrNotFound", err)
	}
}

func TestListRunsAndMetadata(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run := NewRun("c.yaml", []string{"ws://a"}, 1, 1, types.WaitNone)
		run.StartedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}

	page, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Runs[0].ID != ids[2] {
		t.Errorf("newest first: got %s, want %s", page.Runs[0].ID, ids[2])
	}

	name := "baseline"
	fav := true
	if err := s.UpdateRunMetadata(ctx, ids[0], &RunMetadataUpdate{CustomName: &name, IsFavorite: &fav}); err != nil {
		t.Fatalf("UpdateRunMetadata: %v", err)
	}
	page, err = s.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Runs[0].ID != ids[0] || page.Runs[0].CustomName != "baseline" || !page.Runs[0].IsFavorite {
		t.Errorf("favorite first: %+v", page.Runs[0])
	}

	if err := s.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{CustomName: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
	if err := s.UpdateRunMetadata(ctx, "missing", &RunMetadataUpdate{}); err != nil {
		t.Errorf("empty update: %v", err)
	}
}

func TestOutcomesAndEntries(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	run := NewRun("c.yaml", []string{"ws://a"}, 2, 2, types.WaitNone)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	outcomes := []Outcome{
		OutcomeFrom(types.ExecutionResult{Endpoint: "ws://a", Connection: 1, Err: errors.New("boom"), Error: "boom", FailedEntry: 1, EntriesRun: 1}),
		OutcomeFrom(types.ExecutionResult{Endpoint: "ws://a", Connection: 0, Value: map[string]any{"number": "0x10"}, FailedEntry: -1, EntriesRun: 2, Duration: 40 * time.Millisecond}),
	}
	if err := s.BulkInsertOutcomes(ctx, run.ID, outcomes); err != nil {
		t.Fatalf("BulkInsertOutcomes: %v", err)
	}

	got, err := s.GetOutcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetOutcomes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got))
	}
	if !got[0].Success || string(got[0].Value) != `{"number":"0x10"}` || got[0].DurationMs != 40 {
		t.Errorf("outcome 0 = %+v", got[0])
	}
	if got[1].Success || got[1].Error != "boom" || got[1].FailedEntry != 1 || got[1].Value != nil {
		t.Errorf("outcome 1 = %+v", got[1])
	}

	n := uint64(7)
	events := []types.EntryEvent{
		{Time: time.Now(), Endpoint: "ws://a", Entry: 0, Kind: "bare", Path: "chain.getBlock", Status: types.EntryOK, DurationMs: 1.5, Value: "0x10"},
		{Time: time.Now(), Endpoint: "ws://a", Entry: 1, Kind: "write", Path: "tx.balances.transfer", Signer: "alice", Nonce: &n, Status: types.EntryFailed, Error: "rejected"},
	}
	if err := s.BulkInsertEntries(ctx, run.ID, events); err != nil {
		t.Fatalf("BulkInsertEntries: %v", err)
	}

	page, err := s.GetEntries(ctx, run.ID, 10, 0)
	if err != nil {
		t.Fatalf("GetEntries: %v", err)
	}
	if page.Total != 2 || len(page.Entries) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Entries[0].Value != "0x10" || page.Entries[0].Nonce != nil {
		t.Errorf("entry 0 = %+v", page.Entries[0])
	}
	if e := page.Entries[1]; e.Nonce == nil || *e.Nonce != 7 || e.Signer != "alice" || e.Status != types.EntryFailed {
		t.Errorf("entry 1 = %+v", e)
	}

	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	got, err = s.GetOutcomes(ctx, run.ID)
	if err != nil || len(got) != 0 {
		t.Errorf("outcomes after delete = %v, %v", got, err)
	}
}
