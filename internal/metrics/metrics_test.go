package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("static", "hit", 250*time.Millisecond)

	families := gather(t, rec, "bixworker_fetch_requests_total", "bixworker_fetch_request_duration_seconds")

	counter := findMetric(t, families["bixworker_fetch_requests_total"], map[string]string{
		"strategy": "static",
		"source":   "hit",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for fetches")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["bixworker_fetch_request_duration_seconds"], map[string]string{
		"strategy": "static",
		"source":   "hit",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderBlankLabelsBecomeUnknown(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch(" ", "", time.Millisecond)

	families := gather(t, rec, "bixworker_fetch_requests_total")
	findMetric(t, families["bixworker_fetch_requests_total"], map[string]string{
		"strategy": "unknown",
		"source":   "unknown",
	})
}

func TestRecorderObserveInstallAndRevalidation(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveInstall(InstallCommitted, 5*time.Millisecond)
	rec.ObserveInstall(InstallFailed, time.Millisecond)
	rec.ObserveRevalidation(RevalidationStored)
	rec.ObserveRevalidation(RevalidationStored)
	rec.ObserveTransition("active")

	families := gather(t, rec,
		"bixworker_install_attempts_total",
		"bixworker_install_duration_seconds",
		"bixworker_fetch_revalidations_total",
		"bixworker_lifecycle_transitions_total",
	)

	committed := findMetric(t, families["bixworker_install_attempts_total"], map[string]string{"result": string(InstallCommitted)})
	if got := committed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected committed counter 1, got %v", got)
	}
	failed := findMetric(t, families["bixworker_install_attempts_total"], map[string]string{"result": string(InstallFailed)})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failed counter 1, got %v", got)
	}

	latency := findMetric(t, families["bixworker_install_duration_seconds"], map[string]string{"result": string(InstallCommitted)})
	want := 0.005
	if diff := math.Abs(latency.GetHistogram().GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, latency.GetHistogram().GetSampleSum())
	}

	stored := findMetric(t, families["bixworker_fetch_revalidations_total"], map[string]string{"result": string(RevalidationStored)})
	if got := stored.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected revalidation counter 2, got %v", got)
	}

	active := findMetric(t, families["bixworker_lifecycle_transitions_total"], map[string]string{"state": "active"})
	if got := active.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected transition counter 1, got %v", got)
	}
}

func TestRecorderGauges(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetGenerations(2)
	rec.SetClients(3)
	rec.SetClients(1)

	families := gather(t, rec, "bixworker_cache_generations", "bixworker_channel_clients")
	if got := families["bixworker_cache_generations"][0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("expected generations gauge 2, got %v", got)
	}
	if got := families["bixworker_channel_clients"][0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected clients gauge 1, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveFetch("static", "hit", time.Millisecond)
	rec.ObserveInstall(InstallCommitted, time.Millisecond)
	rec.ObserveRevalidation(RevalidationDropped)
	rec.ObserveTransition("active")
	rec.SetGenerations(1)
	rec.SetClients(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
