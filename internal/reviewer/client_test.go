package reviewer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/config"
	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.ReviewerConfig{
		BaseURL:        server.URL,
		APIKey:         "test-key",
		Timeout:        5 * time.Second,
		ConnectTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_Review(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/reviews" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("unexpected api key header: %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SubmissionID != "sub-1" || req.Model != "test-model" {
			t.Errorf("unexpected request body: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Result{
			Payload:      "looks good",
			Model:        "test-model",
			InputTokens:  120,
			OutputTokens: 45,
		})
	})

	result, err := client.Review(context.Background(), Request{
		SubmissionID: "sub-1",
		Model:        "test-model",
		Prompt:       "review this diff",
	})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if result.Payload != "looks good" || result.InputTokens != 120 || result.OutputTokens != 45 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClient_Review_HTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.Review(context.Background(), Request{SubmissionID: "sub-2"})
	if err == nil {
		t.Fatal("expected error")
	}
	var revErr cerrors.ReviewerError
	if !errors.As(err, &revErr) {
		t.Fatalf("expected ReviewerError, got %T: %v", err, err)
	}
	if revErr.Status != http.StatusServiceUnavailable {
		t.Errorf("unexpected status: %d", revErr.Status)
	}
	if !cerrors.IsRetryable(err) {
		t.Error("reviewer failures must be retryable")
	}
}

func TestClient_Review_MalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	if _, err := client.Review(context.Background(), Request{SubmissionID: "sub-3"}); err == nil {
		t.Fatal("expected error for malformed response")
	}
}
