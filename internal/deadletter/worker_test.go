package deadletter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/jmlee-dev/review-pipeline-go/internal/alert"
	"github.com/jmlee-dev/review-pipeline-go/internal/mq"
	"github.com/jmlee-dev/review-pipeline-go/internal/testhelper"
)

type fakeNotifier struct {
	alerts []alert.CriticalAlert
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, a alert.CriticalAlert) error {
	f.alerts = append(f.alerts, a)
	return f.err
}

func newTestWorker(t *testing.T, notifier alert.Notifier) *Worker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(newTestStore(t), notifier, logger)
}

func payloadMessage(t *testing.T, job DeadLetterJob) mq.XMessage {
	t.Helper()
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return mq.XMessage{ID: "1-0", Values: map[string]string{FieldPayload: string(raw)}}
}

func TestWorker_RecordsWithoutAlertBelowThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	worker := newTestWorker(t, notifier)

	job := testJob(CategoryReviewerError, 2)
	if err := worker.Handle(context.Background(), payloadMessage(t, job)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("alert must not fire below threshold, got %d", len(notifier.alerts))
	}
}

func TestWorker_EscalatesAtThreshold(t *testing.T) {
	notifier := &fakeNotifier{}
	worker := newTestWorker(t, notifier)

	job := testJob(CategoryReviewerError, 3)
	if err := worker.Handle(context.Background(), payloadMessage(t, job)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(notifier.alerts))
	}
	sent := notifier.alerts[0]
	if sent.SubmissionID != "sub-1" || sent.FailureCount != 3 {
		t.Errorf("unexpected alert: %+v", sent)
	}
	if sent.FailureReason != "reviewer_error: boom" {
		t.Errorf("unexpected reason: %q", sent.FailureReason)
	}
	if sent.OriginalQueueName != "review:jobs" {
		t.Errorf("unexpected queue name: %q", sent.OriginalQueueName)
	}
}

func TestWorker_AlertFailureIsSwallowed(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	worker := newTestWorker(t, notifier)

	job := testJob(CategoryTimeout, 5)
	if err := worker.Handle(context.Background(), payloadMessage(t, job)); err != nil {
		t.Fatalf("alert failure must not fail the job: %v", err)
	}
}

func TestWorker_MalformedPayloadIsDropped(t *testing.T) {
	worker := newTestWorker(t, &fakeNotifier{})

	msgs := []mq.XMessage{
		{ID: "1-0", Values: map[string]string{}},
		{ID: "1-1", Values: map[string]string{FieldPayload: "not json"}},
		{ID: "1-2", Values: map[string]string{FieldPayload: `{"failureCount":1}`}},
	}
	for _, msg := range msgs {
		if err := worker.Handle(context.Background(), msg); err != nil {
			t.Errorf("malformed message %s must be dropped without error, got %v", msg.ID, err)
		}
	}
}

func TestWorker_StoreFailurePropagates(t *testing.T) {
	client, mini := testhelper.NewMiniValkey(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWorker(NewStore(client, logger), &fakeNotifier{}, logger)
	mini.Close()

	job := testJob(CategoryStoreError, 1)
	if err := worker.Handle(context.Background(), payloadMessage(t, job)); err == nil {
		t.Fatal("expected store failure to propagate for queue retry")
	}
}
