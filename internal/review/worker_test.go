package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	"github.com/jmlee-dev/review-pipeline-go/internal/cache"
	"github.com/jmlee-dev/review-pipeline-go/internal/cost"
	"github.com/jmlee-dev/review-pipeline-go/internal/deadletter"
	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/metrics"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
	"github.com/jmlee-dev/review-pipeline-go/internal/pricing"
	"github.com/jmlee-dev/review-pipeline-go/internal/reviewer"
	"github.com/jmlee-dev/review-pipeline-go/internal/status"
	"github.com/jmlee-dev/review-pipeline-go/internal/testhelper"
)

const (
	testStream     = "review:jobs"
	testDeadStream = "review:jobs:dead"
)

type fakeReviewer struct {
	calls  int
	result reviewer.Result
	err    error
}

func (f *fakeReviewer) Review(_ context.Context, _ reviewer.Request) (reviewer.Result, error) {
	f.calls++
	if f.err != nil {
		return reviewer.Result{}, f.err
	}
	return f.result, nil
}

type workerFixture struct {
	worker   *Worker
	reviewer *fakeReviewer
	statuses *status.Store
	costs    *cost.Tracker
	cache    *cache.Store
	client   valkey.Client
}

func newWorkerFixture(t *testing.T, rev *fakeReviewer, maxAttempts int) *workerFixture {
	t.Helper()
	client, _ := testhelper.NewMiniValkey(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher := mq.NewStreamPublisher(client, logger, mq.StreamPublisherConfig{Stream: testStream})
	deadPublisher := mq.NewStreamPublisher(client, logger, mq.StreamPublisherConfig{Stream: testDeadStream})
	cacheStore := cache.NewStore(client, logger, time.Hour)
	table := pricing.NewTable(map[string]pricing.ModelPricing{
		"test-model": {InputRatePerToken: 0.3 / 1e6, OutputRatePerToken: 2.5 / 1e6},
	})
	costs := cost.NewTracker(client, logger, table)
	statuses := status.NewStore(client, logger, time.Hour, time.Hour)

	worker := NewWorker(
		publisher, deadPublisher, cacheStore, costs, statuses,
		rev, metrics.NewStore(), logger, maxAttempts,
	)
	return &workerFixture{
		worker:   worker,
		reviewer: rev,
		statuses: statuses,
		costs:    costs,
		cache:    cacheStore,
		client:   client,
	}
}

func jobMessage(job Job) mq.XMessage {
	return mq.XMessage{ID: "1-0", Values: job.streamFields()}
}

func testReviewJob() Job {
	return Job{
		SubmissionID: "sub-1",
		UserID:       "user-1",
		Model:        "test-model",
		Prompt:       "review this diff",
		Attempts:     1,
	}
}

func (f *workerFixture) streamEntries(t *testing.T, stream string) []valkey.XRangeEntry {
	t.Helper()
	cmd := f.client.B().Xrange().Key(stream).Start("-").End("+").Build()
	entries, err := f.client.Do(context.Background(), cmd).AsXRange()
	if err != nil {
		t.Fatalf("xrange %s failed: %v", stream, err)
	}
	return entries
}

func TestWorker_SuccessPath(t *testing.T) {
	rev := &fakeReviewer{result: reviewer.Result{
		Payload:      `{"score":91}`,
		Model:        "test-model",
		InputTokens:  1000,
		OutputTokens: 200,
	}}
	f := newWorkerFixture(t, rev, 3)
	ctx := context.Background()

	if err := f.worker.Handle(ctx, jobMessage(testReviewJob())); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	st, err := f.statuses.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("status get failed: %v", err)
	}
	if st.State != status.StateReviewed || st.Progress != 100 {
		t.Errorf("expected REVIEWED/100, got %+v", st)
	}

	payload, err := f.statuses.FetchResult(ctx, "sub-1")
	if err != nil || payload != `{"score":91}` {
		t.Errorf("unexpected result payload: %q err=%v", payload, err)
	}

	day, err := f.costs.UsageStats(ctx, cost.PeriodDay)
	if err != nil {
		t.Fatalf("usage stats failed: %v", err)
	}
	if day.Requests != 1 || day.InputTokens != 1000 {
		t.Errorf("usage not tracked: %+v", day)
	}

	if _, hit := f.cache.Get(ctx, "test-model", "review this diff"); !hit {
		t.Error("expected cache to be populated after success")
	}
}

func TestWorker_CacheHitSkipsReviewerAndCost(t *testing.T) {
	rev := &fakeReviewer{result: reviewer.Result{Payload: "fresh"}}
	f := newWorkerFixture(t, rev, 3)
	ctx := context.Background()

	f.cache.Set(ctx, "test-model", "review this diff", []byte("cached review"))

	if err := f.worker.Handle(ctx, jobMessage(testReviewJob())); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if rev.calls != 0 {
		t.Errorf("reviewer must not be called on cache hit, got %d calls", rev.calls)
	}

	payload, err := f.statuses.FetchResult(ctx, "sub-1")
	if err != nil || payload != "cached review" {
		t.Errorf("expected cached payload, got %q err=%v", payload, err)
	}

	day, err := f.costs.UsageStats(ctx, cost.PeriodDay)
	if err != nil {
		t.Fatalf("usage stats failed: %v", err)
	}
	if day.Requests != 0 {
		t.Errorf("cache hit must not record cost, got %+v", day)
	}
}

func TestWorker_RetryRepublishesWithIncrementedAttempts(t *testing.T) {
	rev := &fakeReviewer{err: cerrors.ReviewerError{Status: 503, Err: errors.New("overloaded")}}
	f := newWorkerFixture(t, rev, 3)
	ctx := context.Background()

	if err := f.worker.Handle(ctx, jobMessage(testReviewJob())); err != nil {
		t.Fatalf("Handle must absorb retryable failure: %v", err)
	}

	entries := f.streamEntries(t, testStream)
	if len(entries) != 1 {
		t.Fatalf("expected 1 republished job, got %d", len(entries))
	}
	if got := entries[0].FieldValues[fieldAttempts]; got != "2" {
		t.Errorf("expected attempts=2, got %q", got)
	}

	// 재시도 중에는 폴링 소비자에게 실패가 드러나지 않는다
	st, err := f.statuses.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("status get failed: %v", err)
	}
	if st.State != status.StateReviewing {
		t.Errorf("expected REVIEWING during retries, got %+v", st)
	}

	if dead := f.streamEntries(t, testDeadStream); len(dead) != 0 {
		t.Errorf("dead stream must stay empty before exhaustion, got %d", len(dead))
	}
}

func TestWorker_ExhaustedAttemptsGoToDeadLetter(t *testing.T) {
	rev := &fakeReviewer{err: cerrors.ReviewerError{Status: 503, Err: errors.New("overloaded")}}
	f := newWorkerFixture(t, rev, 3)
	ctx := context.Background()

	job := testReviewJob()
	job.Attempts = 3
	if err := f.worker.Handle(ctx, jobMessage(job)); err != nil {
		t.Fatalf("Handle must absorb exhausted failure: %v", err)
	}

	dead := f.streamEntries(t, testDeadStream)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-lettered job, got %d", len(dead))
	}

	var record deadletter.DeadLetterJob
	if err := json.Unmarshal([]byte(dead[0].FieldValues[deadletter.FieldPayload]), &record); err != nil {
		t.Fatalf("unmarshal dead-letter payload: %v", err)
	}
	if record.SubmissionID != "sub-1" || record.FailureCount != 3 {
		t.Errorf("unexpected record: %+v", record)
	}
	if record.FailureReason.Category != deadletter.CategoryReviewerError {
		t.Errorf("unexpected category: %q", record.FailureReason.Category)
	}
	if record.OriginalQueueName != testStream {
		t.Errorf("unexpected queue name: %q", record.OriginalQueueName)
	}

	st, err := f.statuses.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("status get failed: %v", err)
	}
	if st.State != status.StateError {
		t.Errorf("expected ERROR after dead-lettering, got %+v", st)
	}

	if primary := f.streamEntries(t, testStream); len(primary) != 0 {
		t.Errorf("exhausted job must not be republished, got %d", len(primary))
	}
}

func TestWorker_MalformedJobSkipsRetry(t *testing.T) {
	rev := &fakeReviewer{}
	f := newWorkerFixture(t, rev, 3)
	ctx := context.Background()

	msg := mq.XMessage{ID: "1-0", Values: map[string]string{
		fieldSubmissionID: "sub-bad",
		fieldModel:        "test-model",
		// prompt 누락
	}}
	if err := f.worker.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	dead := f.streamEntries(t, testDeadStream)
	if len(dead) != 1 {
		t.Fatalf("malformed job must go straight to dead letter, got %d entries", len(dead))
	}
	var record deadletter.DeadLetterJob
	if err := json.Unmarshal([]byte(dead[0].FieldValues[deadletter.FieldPayload]), &record); err != nil {
		t.Fatalf("unmarshal dead-letter payload: %v", err)
	}
	if record.FailureReason.Category != deadletter.CategoryMalformedJob {
		t.Errorf("unexpected category: %q", record.FailureReason.Category)
	}

	if primary := f.streamEntries(t, testStream); len(primary) != 0 {
		t.Errorf("malformed job must not be retried, got %d", len(primary))
	}
	if rev.calls != 0 {
		t.Errorf("reviewer must not be called for malformed job, got %d", rev.calls)
	}
}

func TestWorker_TerminalStatusDropsDuplicate(t *testing.T) {
	rev := &fakeReviewer{result: reviewer.Result{Payload: "done"}}
	f := newWorkerFixture(t, rev, 3)
	ctx := context.Background()

	if _, err := f.statuses.SetState(ctx, "sub-1", status.StateReviewed, 100); err != nil {
		t.Fatalf("seed terminal state: %v", err)
	}

	if err := f.worker.Handle(ctx, jobMessage(testReviewJob())); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if rev.calls != 0 {
		t.Errorf("duplicate delivery after terminal state must be dropped, got %d calls", rev.calls)
	}
}

func TestEnqueuer_PublishesPendingJob(t *testing.T) {
	f := newWorkerFixture(t, &fakeReviewer{}, 3)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher := mq.NewStreamPublisher(f.client, logger, mq.StreamPublisherConfig{Stream: testStream})
	enqueuer := NewEnqueuer(publisher, f.statuses, logger)

	messageID, err := enqueuer.Enqueue(ctx, Job{
		SubmissionID: "sub-9",
		Model:        "test-model",
		Prompt:       "review me",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if messageID == "" {
		t.Error("expected non-empty message id")
	}

	st, err := f.statuses.Get(ctx, "sub-9")
	if err != nil {
		t.Fatalf("status get failed: %v", err)
	}
	if st.State != status.StatePending {
		t.Errorf("expected PENDING after enqueue, got %+v", st)
	}

	entries := f.streamEntries(t, testStream)
	if len(entries) != 1 {
		t.Fatalf("expected 1 published job, got %d", len(entries))
	}
	if got := entries[0].FieldValues[fieldAttempts]; got != "1" {
		t.Errorf("expected attempts=1, got %q", got)
	}
}

func TestEnqueuer_RejectsIncompleteJob(t *testing.T) {
	f := newWorkerFixture(t, &fakeReviewer{}, 3)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := mq.NewStreamPublisher(f.client, logger, mq.StreamPublisherConfig{Stream: testStream})
	enqueuer := NewEnqueuer(publisher, f.statuses, logger)

	if _, err := enqueuer.Enqueue(context.Background(), Job{Model: "m", Prompt: "p"}); err == nil {
		t.Error("expected error for missing submission id")
	}
	if _, err := enqueuer.Enqueue(context.Background(), Job{SubmissionID: "s", Prompt: "p"}); err == nil {
		t.Error("expected error for missing model")
	}
}
