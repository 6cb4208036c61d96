package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageCommitToFirstAudio, 500*time.Millisecond)
	w.Observe(StageCommitToFirstAudio, 700*time.Millisecond)
	w.Observe(StageCommitToFirstAudio, 900*time.Millisecond)
	w.Count("barge_in")
	w.Count("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("unexpected stage stats: %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
	if len(snap.Counters) != 1 || snap.Counters[0].Count != 2 {
		t.Fatalf("Counters = %+v, want barge_in=2", snap.Counters)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	w := NewLatencyWindow(2)
	for _, ms := range []float64{10, 20, 30} {
		w.ObserveMS(StageNegotiate, ms)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.Total != 3 || s.AvgMS != 25 {
		t.Fatalf("stats = %+v, want 2 of 3 samples averaging 25", s)
	}
	if s.P50MS != 25 || s.LastMS != 30 {
		t.Fatalf("P50MS = %.2f LastMS = %.2f, want 25 and 30", s.P50MS, s.LastMS)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestLatencyWindowPipelineOrder(t *testing.T) {
	w := NewLatencyWindow(4)
	w.ObserveMS("custom", 1)
	w.ObserveMS(StageCommitToFirstAudio, 1)
	w.ObserveMS(StageNegotiate, 1)
	w.ObserveMS(StageIssue, 1)
	w.ObserveMS(StageNegotiate, -1)

	var got []string
	for _, s := range w.Snapshot().Stages {
		got = append(got, s.Stage)
	}
	want := []string{StageIssue, StageNegotiate, StageCommitToFirstAudio, "custom"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if s := w.Snapshot().Stages[3]; s.TargetP95MS != 0 {
		t.Fatalf("custom TargetP95MS = %.2f, want 0", s.TargetP95MS)
	}
	if s := w.Snapshot().Stages[1]; s.Total != 1 {
		t.Fatalf("negotiate Total = %d, want 1", s.Total)
	}
}

func TestMetricsHandlerServesPrivateRegistry(t *testing.T) {
	m := NewMetrics("tandem", nil)
	m.ObserveMessage("inbound", "session.created")
	m.ActiveSessions.Inc()

	// a second set must not collide with the first
	_ = NewMetrics("tandem", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `tandem_realtime_messages_total{direction="inbound",type="session.created"} 1`) {
		t.Fatalf("metrics output missing message counter:\n%s", body)
	}
	if !strings.Contains(string(body), "tandem_active_sessions 1") {
		t.Fatalf("metrics output missing active sessions gauge")
	}
}
