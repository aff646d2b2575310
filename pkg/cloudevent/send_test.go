package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "400 Bad Request",
			err:      &HTTPError{StatusCode: 400},
			expected: true,
		},
		{
			name:     "401 Unauthorized",
			err:      &HTTPError{StatusCode: 401},
			expected: true,
		},
		{
			name:     "404 Not Found",
			err:      &HTTPError{StatusCode: 404},
			expected: true,
		},
		{
			name:     "499 client error boundary",
			err:      &HTTPError{StatusCode: 499},
			expected: true,
		},
		{
			name:     "408 Request Timeout is retryable",
			err:      &HTTPError{StatusCode: 408},
			expected: false,
		},
		{
			name:     "429 Too Many Requests is retryable",
			err:      &HTTPError{StatusCode: 429},
			expected: false,
		},
		{
			name:     "wrapped 403",
			err:      fmt.Errorf("webhook ops: %w", &HTTPError{StatusCode: 403}),
			expected: true,
		},
		{
			name:     "500 Internal Server Error",
			err:      &HTTPError{StatusCode: 500},
			expected: false,
		},
		{
			name:     "503 Service Unavailable",
			err:      &HTTPError{StatusCode: 503},
			expected: false,
		},
		{
			name:     "399 not a client error",
			err:      &HTTPError{StatusCode: 399},
			expected: false,
		},
		{
			name:     "non-HTTP error",
			err:      context.DeadlineExceeded,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsClientError(tt.err)
			if got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestGenerateSignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)
	key := "secret-key"

	signature := generateSignature(payload, key)

	// Verify it starts with sha256=
	if len(signature) < 7 || signature[:7] != "sha256=" {
		t.Errorf("signature should start with 'sha256=', got %q", signature)
	}

	// Verify the hex part is 64 characters (SHA256 = 32 bytes = 64 hex chars)
	hexPart := signature[7:]
	if len(hexPart) != 64 {
		t.Errorf("signature hex part should be 64 chars, got %d", len(hexPart))
	}

	// Verify deterministic output
	signature2 := generateSignature(payload, key)
	if signature != signature2 {
		t.Error("signature should be deterministic")
	}

	// Different key should produce different signature
	signature3 := generateSignature(payload, "different-key")
	if signature == signature3 {
		t.Error("different keys should produce different signatures")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	body := []byte(`{"id":"run-1"}`)
	sig := generateSignature(body, "k")

	if !Verify(body, "k", sig) {
		t.Error("Verify rejected a valid signature")
	}
	if Verify(body, "other", sig) {
		t.Error("Verify accepted a signature made with another key")
	}
	if Verify([]byte(`{"id":"run-2"}`), "k", sig) {
		t.Error("Verify accepted a signature of another body")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := New("pipeline.run.succeeded", "cdpipeline/engine", "web-Pipeline", "run-1", nil).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := (&CloudEvent{SpecVersion: "0.3"}).Validate(); err == nil {
		t.Error("expected an error for an event without attributes")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()
	type captured struct {
		header http.Header
		body   []byte
	}
	requests := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	event := New("pipeline.run.failed", "cdpipeline/engine", "web-Pipeline", "run-7", map[string]any{"runId": "run-7"})
	if err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, SendOptions{SigningKey: "k"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	req := <-requests
	got, body := req.header, req.body

	if ct := got.Get("Content-Type"); ct != StructuredContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := got.Get("Ce-Id"); id != "run-7" {
		t.Errorf("Ce-Id = %q", id)
	}
	if !Verify(body, "k", got.Get(SignatureHeader)) {
		t.Error("signature does not match the body")
	}
	var decoded CloudEvent
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Type != "pipeline.run.failed" {
		t.Errorf("body = %s (%v)", body, err)
	}
}

func TestSender_HTTPError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "slow down\n")
	}))
	defer server.Close()

	event := New("pipeline.run.succeeded", "cdpipeline/engine", "web-Pipeline", "run-1", nil)
	err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, SendOptions{})

	he, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusTooManyRequests || he.Body != "slow down" || he.RetryAfter != 7*time.Second {
		t.Errorf("HTTPError = %+v", he)
	}
	if IsClientError(err) {
		t.Error("429 must be retryable")
	}
}

func TestSender_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()
	err := NewSender(time.Second).Send(context.Background(), "http://127.0.0.1:1", &CloudEvent{SpecVersion: Version}, SendOptions{})
	if err == nil {
		t.Fatal("expected validation error")
	}
}
