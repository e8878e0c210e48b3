// Copyright 2026 The Ceramic Anchor Service Authors

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_HandlerExposesRegisteredSeries(t *testing.T) {
	m := New()
	m.RequestsIntake.WithLabelValues("api").Inc()
	m.BatchesSelected.Inc()
	m.BatchSize.Observe(4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"cas_requests_intake_total",
		"cas_batch_selected_total",
		"cas_batch_size",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestBatchObserver_RecordsAbortReason(t *testing.T) {
	m := New()
	obs := NewBatchObserver(m)

	obs.OnBatchSelected(8)
	obs.OnBatchAborted("blockchain fatal")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `reason="blockchain fatal"`) {
		t.Errorf("expected aborted-batch reason label in output, got: %s", body)
	}
}

func TestManyMutexAttemptsHook_Increments(t *testing.T) {
	m := New()
	hook := m.ManyMutexAttemptsHook()
	hook()
	hook()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "cas_mutex_many_attempts_total 2") {
		t.Errorf("expected many_attempts_total to read 2, got: %s", rec.Body.String())
	}
}
