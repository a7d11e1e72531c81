package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/cache"
	"github.com/jmlee-dev/review-pipeline-go/internal/cost"
	"github.com/jmlee-dev/review-pipeline-go/internal/deadletter"
	"github.com/jmlee-dev/review-pipeline-go/internal/health"
	"github.com/jmlee-dev/review-pipeline-go/internal/metrics"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
	"github.com/jmlee-dev/review-pipeline-go/internal/pricing"
	"github.com/jmlee-dev/review-pipeline-go/internal/review"
	"github.com/jmlee-dev/review-pipeline-go/internal/status"
	"github.com/jmlee-dev/review-pipeline-go/internal/testhelper"
	"github.com/jmlee-dev/review-pipeline-go/internal/usagedb"
)

type apiFixture struct {
	server   *httptest.Server
	statuses *status.Store
	cache    *cache.Store
	costs    *cost.Tracker
	dlq      *deadletter.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWithUsage(t, nil)
}

func newAPIFixtureWithUsage(t *testing.T, usage UsageSource) *apiFixture {
	t.Helper()
	client, _ := testhelper.NewMiniValkey(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	statuses := status.NewStore(client, logger, time.Hour, time.Hour)
	cacheStore := cache.NewStore(client, logger, time.Hour)
	table := pricing.NewTable(map[string]pricing.ModelPricing{
		"test-model": {InputRatePerToken: 0.3 / 1e6, OutputRatePerToken: 2.5 / 1e6},
	})
	costs := cost.NewTracker(client, logger, table)
	dlq := deadletter.NewStore(client, logger)
	publisher := mq.NewStreamPublisher(client, logger, mq.StreamPublisherConfig{Stream: "review:jobs"})
	enqueuer := review.NewEnqueuer(publisher, statuses, logger)

	health.Init("test")

	mux := http.NewServeMux()
	Register(mux, Deps{
		Enqueuer:  enqueuer,
		Statuses:  statuses,
		Cache:     cacheStore,
		Costs:     costs,
		DLQ:       dlq,
		Metrics:   metrics.NewStore(),
		Usage:     usage,
		BudgetUSD: 100,
		Logger:    logger,
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &apiFixture{
		server:   server,
		statuses: statuses,
		cache:    cacheStore,
		costs:    costs,
		dlq:      dlq,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status"`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestCreateReview(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/reviews",
		`{"submissionId":"sub-1","model":"test-model","prompt":"review this"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", resp.StatusCode, body)
	}

	var created CreateReviewResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if created.Status != "PENDING" || created.MessageID == "" {
		t.Errorf("unexpected response: %+v", created)
	}

	st, err := f.statuses.Get(context.Background(), "sub-1")
	if err != nil || st.State != status.StatePending {
		t.Errorf("expected PENDING status, got %+v err=%v", st, err)
	}
}

func TestCreateReview_RejectsIncompleteBody(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/reviews", `{"submissionId":"sub-1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

func TestReviewStatus(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	resp, _ := f.do(t, http.MethodGet, "/api/reviews/ghost/status", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown submission, got %d", resp.StatusCode)
	}

	if _, err := f.statuses.SetState(ctx, "sub-1", status.StateReviewing, 40); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/reviews/sub-1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var st StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Status != "REVIEWING" || st.Progress != 40 {
		t.Errorf("unexpected status body: %+v", st)
	}
}

func TestReviewResult_OnlyAfterReviewed(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	if _, err := f.statuses.SetState(ctx, "sub-1", status.StateReviewing, 40); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	resp, _ := f.do(t, http.MethodGet, "/api/reviews/sub-1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 before completion, got %d", resp.StatusCode)
	}

	if err := f.statuses.StoreResult(ctx, "sub-1", `{"score":77}`); err != nil {
		t.Fatalf("store result: %v", err)
	}
	if _, err := f.statuses.SetState(ctx, "sub-1", status.StateReviewed, 100); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/reviews/sub-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var result ReviewResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Payload != `{"score":77}` {
		t.Errorf("unexpected payload: %q", result.Payload)
	}
}

func TestCacheEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	f.cache.Set(ctx, "test-model", "p1", []byte("r1"))
	f.cache.Get(ctx, "test-model", "p1")
	f.cache.Get(ctx, "test-model", "p2")

	resp, body := f.do(t, http.MethodGet, "/api/cache/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var stats CacheStatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	resp, body = f.do(t, http.MethodDelete, "/api/cache", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var cleared CacheClearResponse
	if err := json.Unmarshal(body, &cleared); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cleared.Deleted != 1 {
		t.Errorf("expected 1 deleted entry, got %d", cleared.Deleted)
	}
}

func TestCostEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	f.costs.TrackUsage(ctx, cost.UsageRecord{Model: "test-model", InputTokens: 1000, OutputTokens: 200})

	resp, body := f.do(t, http.MethodGet, "/api/costs/day", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var stats CostStatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Requests != 1 || stats.InputTokens != 1000 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if len(stats.ByModel) != 1 || stats.ByModel[0].Model != "test-model" {
		t.Errorf("unexpected breakdown: %+v", stats.ByModel)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/costs/week", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid period, got %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/costs/budget", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var budget BudgetResponse
	if err := json.Unmarshal(body, &budget); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if budget.BudgetUSD != 100 || budget.IsExceeded {
		t.Errorf("unexpected budget: %+v", budget)
	}
}

func TestDLQStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()

	err := f.dlq.RecordFailure(context.Background(), deadletter.DeadLetterJob{
		SubmissionID:      "sub-1",
		FailureReason:     deadletter.FailureReason{Category: deadletter.CategoryReviewerError, Message: "boom"},
		FailureCount:      1,
		OriginalQueueName: "review:jobs",
		FailedAt:          now,
	}, now)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/dlq/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var stats DLQStatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Total != 1 || stats.ByCategory[deadletter.CategoryReviewerError] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDLQRecentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now().UTC()

	for _, id := range []string{"sub-1", "sub-2"} {
		err := f.dlq.RecordFailure(context.Background(), deadletter.DeadLetterJob{
			SubmissionID:      id,
			FailureReason:     deadletter.FailureReason{Category: deadletter.CategoryTimeout, Message: "deadline"},
			FailureCount:      3,
			OriginalQueueName: "review:jobs",
			FailedAt:          now,
		}, now)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	resp, body := f.do(t, http.MethodGet, "/api/dlq/recent?limit=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var recent DLQRecentResponse
	if err := json.Unmarshal(body, &recent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(recent.Failures) != 1 {
		t.Fatalf("expected 1 entry with limit=1, got %d", len(recent.Failures))
	}
	// LPUSH이므로 최신 기록이 먼저 온다
	if recent.Failures[0].SubmissionID != "sub-2" {
		t.Errorf("expected newest failure first, got %+v", recent.Failures[0])
	}
}

type fakeUsageSource struct {
	rows     []usagedb.DailyUsage
	err      error
	lastDays int
}

func (f *fakeUsageSource) GetRecentUsage(_ context.Context, days int) ([]usagedb.DailyUsage, error) {
	f.lastDays = days
	return f.rows, f.err
}

func TestUsageRecentEndpoint(t *testing.T) {
	source := &fakeUsageSource{rows: []usagedb.DailyUsage{
		{
			UsageDate:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Model:        "test-model",
			InputTokens:  1000,
			OutputTokens: 200,
			RequestCount: 3,
			CostUSD:      0.0008,
		},
	}}
	f := newAPIFixtureWithUsage(t, source)

	resp, body := f.do(t, http.MethodGet, "/api/usage/recent?days=14", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", resp.StatusCode, body)
	}
	var usage UsageRecentResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if usage.Days != 14 || source.lastDays != 14 {
		t.Errorf("expected days=14, got resp=%d source=%d", usage.Days, source.lastDays)
	}
	if len(usage.Entries) != 1 || usage.Entries[0].Date != "2026-03-01" || usage.Entries[0].Requests != 3 {
		t.Errorf("unexpected entries: %+v", usage.Entries)
	}
}

func TestUsageRecentEndpoint_ArchiveDisabled(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/usage/recent", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when archive disabled, got %d", resp.StatusCode)
	}
}
