package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/rpctester/pkg/types"
)

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCall("read", "chain.getBlock", types.EntryOK, 20*time.Millisecond)
	m.RecordCall("read", "chain.getBlock", types.EntryFailed, 40*time.Millisecond)
	m.RecordCall("write", "tx.balances.transfer", types.EntryOK, time.Second)
	m.RecordNonceLockWait(time.Millisecond, false)
	m.RecordNonceLockWait(5*time.Second, true)
	m.RecordConnections(3, 1)
	m.RecordPhase(types.PhaseConnect, 2*time.Second)

	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("read", "ok")); got != 1 {
		t.Errorf("read/ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("write", "ok")); got != 1 {
		t.Errorf("write/ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NonceLockTimeouts); got != 1 {
		t.Errorf("lock timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Connections.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PhaseDuration.WithLabelValues("connect")); got != 2 {
		t.Errorf("connect phase = %v, want 2", got)
	}

	paths := m.PathStats()
	if paths["chain.getBlock"] == nil || paths["chain.getBlock"].Count != 2 {
		t.Errorf("chain.getBlock path stats = %+v", paths["chain.getBlock"])
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCall("read", "x", types.EntryOK, time.Millisecond)
	m.RecordNonceLockWait(time.Millisecond, true)
	m.RecordConnections(1, 0)
	m.RecordPhase(types.PhaseExecute, time.Second)
	if m.PathStats() != nil {
		t.Error("expected nil path stats")
	}
}
