package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/health", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/pipelines/svc/runs", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/runs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/runs/xyz789", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "DELETE", "/v1/runs/abc123", 204, 0.100)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/pipelines/svc/runs", 500, 0.001)
}

func TestRecordRunMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordRunStarted(ctx, "service-Pipeline")
	metrics.RecordRunFinished(ctx, "service-Pipeline", "Succeeded", "", 42)
	metrics.RecordRunStarted(ctx, "service-Pipeline")
	metrics.RecordRunFinished(ctx, "service-Pipeline", "Failed", "ActionTimeout", 1800)
	metrics.RecordAction(ctx, "service-Pipeline", "Build", true, "", 12.5)
	metrics.RecordAction(ctx, "service-Pipeline", "ChangeSetExecute", false, "ChangeSetConflict", 0.2)
	metrics.RecordStackLockWait(ctx, "service-Pipeline", 0.01)
	metrics.RecordNotification(ctx, "service-Pipeline", false)
	metrics.RecordOrphans(ctx, "service-Pipeline", 0)
	metrics.RecordOrphans(ctx, "service-Pipeline", 2)
	metrics.RecordBuildStarted(ctx, "amazonlinux:2")
	metrics.RecordBuildCompleted(ctx, "amazonlinux:2", true, 30)
	metrics.RecordDispatcherDelivered(ctx, 0.05)
	metrics.RecordDispatcherFailed(ctx)
	metrics.RecordDispatcherDropped(ctx)
	metrics.RecordDispatcherRequeued(ctx)
	metrics.RecordDispatcherQueueSize(ctx, 3)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/v1/runs", "/v1/runs"},
		{"/v1/runs/abc123", "/v1/runs/{runId}"},
		{"/v1/pipelines", "/v1/pipelines"},
		{"/v1/pipelines/svc-Pipeline/runs", "/v1/pipelines/{pipeline}/runs"},
		{"/v1/changesets/orphaned", "/v1/changesets/orphaned"},
		{"/v1/changesets/TestStack/TestStack-ChangeSet", "/v1/changesets/{stack}/{name}"},
		{"/other/path", "/other/path"},
		{"GET /v1/runs/{runId}", "/v1/runs/{runId}"},
		{"POST /v1/pipelines/{pipeline}/runs", "/v1/pipelines/{pipeline}/runs"},
		{"unmatched", "unmatched"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
