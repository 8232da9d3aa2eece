package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRegistryRegistersAllCollectors(t *testing.T) {
	r := NewRegistry()
	r.LoginAttempts.WithLabelValues("success").Inc()
	r.ChatRequests.WithLabelValues("200").Inc()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"login_attempts_total",
		"login_bruteforce_blocked_total",
		"rate_limit_rejections_total",
		"quota_checks_total",
		"upstream_latency_seconds",
		"upstream_errors_total",
		"chat_requests_total",
	} {
		if !names[want] {
			t.Errorf("expected metric family %q to be registered", want)
		}
	}
}

func TestUpstreamTimerObservesHistogram(t *testing.T) {
	r := NewRegistry()
	timer := r.StartUpstreamTimer()
	timer.Observe()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var hist *dto.Histogram
	for _, f := range families {
		if f.GetName() == "upstream_latency_seconds" {
			hist = f.Metric[0].Histogram
		}
	}
	if hist == nil || hist.GetSampleCount() != 1 {
		t.Fatalf("expected one histogram observation, got %+v", hist)
	}
}

func TestDailyRecorderPersistsAndResumesAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	rec := NewDailyRecorder(dir)

	if err := rec.RecordUsageFrame(100, 50, 10, 5); err != nil {
		t.Fatalf("RecordUsageFrame: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one daily file, got %d", len(files))
	}

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var st DailyTokens
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if st.PromptTokens != 100 || st.CompletionTokens != 50 {
		t.Fatalf("unexpected persisted totals: %+v", st)
	}

	// Simulate a restart: a fresh recorder over the same directory must
	// resume from the persisted totals instead of zeroing them.
	rec2 := NewDailyRecorder(dir)
	if err := rec2.RecordEstimatedOutput(7); err != nil {
		t.Fatalf("RecordEstimatedOutput: %v", err)
	}
	data2, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile after resume: %v", err)
	}
	var st2 DailyTokens
	if err := json.Unmarshal(data2, &st2); err != nil {
		t.Fatalf("Unmarshal after resume: %v", err)
	}
	if st2.PromptTokens != 100 {
		t.Fatalf("expected prior totals preserved across restart, got %+v", st2)
	}
	if st2.EstimatedOutputTokens != 7 {
		t.Fatalf("expected estimated output tokens recorded, got %+v", st2)
	}
}
