package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/rpctester/internal/storage"
	"github.com/gateway-fm/rpctester/pkg/types"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Logger = slogt.New(t)
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	s := NewServer(cfg)
	t.Cleanup(s.Close)
	return s
}

func newHistory(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	st, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, Config{Status: func() types.RunStatus {
		return types.RunStatus{State: types.StateExecuting, Attempts: 4, Connected: 3}
	}})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var st types.RunStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != types.StateExecuting || st.Connected != 3 || st.Attempts != 4 {
		t.Errorf("status = %+v", st)
	}

	if rec := do(t, h, http.MethodPost, "/v1/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d", rec.Code)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		status types.RunStatus
		want   int
	}{
		{name: "idle", status: types.RunStatus{State: types.StateIdle}, want: http.StatusServiceUnavailable},
		{name: "connecting", status: types.RunStatus{State: types.StateConnecting, Connected: 2}, want: http.StatusServiceUnavailable},
		{name: "no survivors", status: types.RunStatus{State: types.StateCompleted}, want: http.StatusServiceUnavailable},
		{name: "executing", status: types.RunStatus{State: types.StateExecuting, Connected: 1}, want: http.StatusOK},
		{name: "completed", status: types.RunStatus{State: types.StateCompleted, Connected: 2}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{Status: func() types.RunStatus { return tt.status }})
			rec := do(t, s.Handler(), http.MethodGet, "/ready", "")
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, path := range []string{"/health", "/healthz"} {
		rec := do(t, s.Handler(), http.MethodGet, path, "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
			t.Errorf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		origin  string
		want    string
	}{
		{name: "allow all", allowed: "", origin: "http://x", want: "*"},
		{name: "listed origin", allowed: "http://a, http://b", origin: "http://b", want: "http://b"},
		{name: "unlisted origin", allowed: "http://a", origin: "http://c", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{CORSAllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("preflight code = %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, path := range []string{"/v1/history", "/v1/history/abc"} {
		if rec := do(t, s.Handler(), http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: code = %d", path, rec.Code)
		}
	}
}

func TestHistoryRoutes(t *testing.T) {
	hist := newHistory(t)
	ctx := context.Background()

	run := storage.NewRun("bench.yaml", []string{"ws://a"}, 2, 1, types.WaitNone)
	if err := hist.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	outcomes := []storage.Outcome{
		storage.OutcomeFrom(types.ExecutionResult{Endpoint: "ws://a", Connection: 0, Value: "0x1", FailedEntry: -1, EntriesRun: 1}),
	}
	if err := hist.BulkInsertOutcomes(ctx, run.ID, outcomes); err != nil {
		t.Fatal(err)
	}
	events := []types.EntryEvent{
		{Endpoint: "ws://a", Entry: 0, Kind: "bare", Path: "chain.getBlock", Status: types.EntryOK},
		{Endpoint: "ws://a", Connection: 1, Entry: 0, Kind: "bare", Path: "chain.getBlock", Status: types.EntryOK},
	}
	if err := hist.BulkInsertEntries(ctx, run.ID, events); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, Config{History: hist})
	h := s.Handler()

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/history?limit=5000&offset=-1", "")
		var page storage.PaginatedRuns
		if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
			t.Fatal(err)
		}
		if page.Total != 1 || page.Limit != defaultPageSize || page.Offset != 0 {
			t.Errorf("page = %+v", page)
		}
	})

	t.Run("detail", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/history/"+run.ID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
		}
		var detail storage.RunDetail
		if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
			t.Fatal(err)
		}
		if detail.Run.ID != run.ID || len(detail.Outcomes) != 1 || !detail.Outcomes[0].Success {
			t.Errorf("detail = %+v", detail)
		}
	})

	t.Run("entries", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/history/"+run.ID+"/entries?limit=1", "")
		var page storage.PaginatedEntries
		if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
			t.Fatal(err)
		}
		if page.Total != 2 || len(page.Entries) != 1 {
			t.Errorf("page = %+v", page)
		}
	})

	t.Run("patch", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, "/v1/history/"+run.ID, `{"customName":"baseline","isFavorite":true}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
		}
		var got storage.Run
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.CustomName != "baseline" || !got.IsFavorite {
			t.Errorf("run = %+v", got)
		}

		if rec := do(t, h, http.MethodPatch, "/v1/history/"+run.ID, `{`); rec.Code != http.StatusBadRequest {
			t.Errorf("bad body code = %d", rec.Code)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if rec := do(t, h, http.MethodGet, "/v1/history/nope", ""); rec.Code != http.StatusNotFound {
			t.Errorf("code = %d", rec.Code)
		}
		if rec := do(t, h, http.MethodGet, "/v1/history/", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("empty id code = %d", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if rec := do(t, h, http.MethodDelete, "/v1/history/"+run.ID, ""); rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		if rec := do(t, h, http.MethodGet, "/v1/history/"+run.ID, ""); rec.Code != http.StatusNotFound {
			t.Errorf("after delete code = %d", rec.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "rpctester_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := newTestServer(t, Config{Gatherer: reg})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rpctester_test_total 1") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	s := newTestServer(t, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.wsServer.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Emit(types.EntryEvent{Endpoint: "ws://a", Entry: 2, Kind: "read", Path: "query.system.account", Status: types.EntryOK})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.EntryEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Entry != 2 || ev.Path != "query.system.account" || ev.Status != types.EntryOK {
		t.Errorf("event = %+v", ev)
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	ws := NewWebSocketServer(slogt.New(t))
	// Not started: nothing drains the buffer.
	for i := 0; i < broadcastBuffer+10; i++ {
		ws.Emit(types.EntryEvent{Entry: i})
	}
	if got := ws.Dropped(); got != 10 {
		t.Errorf("Dropped = %d, want 10", got)
	}
	ws.Stop()
	ws.Stop()
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
