package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.CacheLoadsTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(true)
	m.RecordEvaluation(true)
	m.RecordEvaluation(false)

	firedCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true"))
	missedCount := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("false"))

	if firedCount != 2 {
		t.Fatalf("expected fired count 2, got %v", firedCount)
	}
	if missedCount != 1 {
		t.Fatalf("expected not-fired count 1, got %v", missedCount)
	}
}

func TestRecordGateOutcome(t *testing.T) {
	m := New()

	m.RecordGateOutcome("cooldown_active")
	m.RecordGateOutcome("cooldown_active")
	m.RecordGateOutcome("source_excluded")

	if got := testutil.ToFloat64(m.GateOutcomesTotal.WithLabelValues("cooldown_active")); got != 2 {
		t.Fatalf("expected cooldown_active count 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.GateOutcomesTotal.WithLabelValues("source_excluded")); got != 1 {
		t.Fatalf("expected source_excluded count 1, got %v", got)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize(5)
	if val := testutil.ToFloat64(m.CacheSize); val != 5 {
		t.Fatalf("expected cache size 5, got %v", val)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.RecordEvaluation(true)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "triggerd_evaluations_total") {
		t.Fatalf("metrics output missing evaluation counter:\n%s", body)
	}
}
