package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresuchdata/batchflow/internal/pipeline"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from metrics handler, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics()
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	if metrics == nil || handler == nil {
		t.Fatal("Expected metrics and handler to be non-nil")
	}
}

func TestItemObserver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics()
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	started := time.Now().Add(-2 * time.Minute)
	item := pipeline.WorkItem{Path: "batch/a.jsonl"}
	metrics.ItemStarted(ctx, item)
	metrics.ItemFinished(ctx, &pipeline.Result{
		Item:       item,
		Outcome:    pipeline.OutcomeSucceeded,
		Stage:      pipeline.StageDone,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Cleanup: pipeline.CleanupReport{Actions: []pipeline.CleanupAction{
			{Resource: pipeline.ResourceOutputFile, ID: "out-1", Error: "boom"},
		}},
	})

	body := scrape(t, handler)
	for _, want := range []string{
		"batchflow_items_started_total",
		"batchflow_items_finished_total",
		`outcome="succeeded"`,
		"batchflow_item_duration_seconds",
		`resource="output_file"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected scrape to contain %q", want)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics()
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordHTTPRequest(ctx, "GET", "/health", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/api/v1/sweeps", 409, 0.002)
	metrics.RecordHTTPRequest(ctx, "GET", "", 404, 0.001)

	body := scrape(t, handler)
	for _, want := range []string{`status="4xx"`, `route="unmatched"`, `route="/api/v1/sweeps"`} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected scrape to contain %q", want)
		}
	}
}

func TestStatusAttr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{202, "2xx"},
		{409, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusAttr(tt.code).Value.AsString(); got != tt.want {
			t.Errorf("statusAttr(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
