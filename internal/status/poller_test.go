package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type scriptedSource struct {
	statuses []Status
	errs     []error
	calls    int

	payload    string
	fetchCalls int
	fetchErr   error
}

func (s *scriptedSource) Get(_ context.Context, _ string) (Status, error) {
	idx := s.calls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return Status{}, s.errs[idx]
	}
	return s.statuses[idx], nil
}

func (s *scriptedSource) FetchResult(_ context.Context, _ string) (string, error) {
	s.fetchCalls++
	if s.fetchErr != nil {
		return "", s.fetchErr
	}
	return s.payload, nil
}

func newTestPoller(source Source) *Poller {
	return NewPoller(source, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Millisecond)
}

func TestPoller_StopsOnReviewed(t *testing.T) {
	source := &scriptedSource{
		statuses: []Status{
			{State: StatePending, Progress: 0},
			{State: StateReviewing, Progress: 30},
			{State: StateReviewing, Progress: 60},
			{State: StateReviewed, Progress: 60},
		},
		payload: `{"score":88}`,
	}

	outcome, err := newTestPoller(source).Wait(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Status.State != StateReviewed || outcome.Status.Progress != 100 {
		t.Errorf("expected REVIEWED/100, got %+v", outcome.Status)
	}
	if outcome.Payload != `{"score":88}` {
		t.Errorf("unexpected payload: %s", outcome.Payload)
	}
	if source.calls != 4 {
		t.Errorf("expected exactly 4 status queries, got %d", source.calls)
	}
	if source.fetchCalls != 1 {
		t.Errorf("payload must be fetched exactly once, got %d", source.fetchCalls)
	}
}

func TestPoller_StopsOnError(t *testing.T) {
	source := &scriptedSource{
		statuses: []Status{
			{State: StateReviewing, Progress: 20},
			{State: StateError, Progress: 20},
		},
	}

	outcome, err := newTestPoller(source).Wait(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if outcome.Status.State != StateError {
		t.Errorf("expected ERROR, got %+v", outcome.Status)
	}
	if source.fetchCalls != 0 {
		t.Errorf("payload must not be fetched on ERROR, got %d fetches", source.fetchCalls)
	}
}

func TestPoller_GivesUpAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("store unreachable")
	source := &scriptedSource{
		statuses: []Status{{}, {}, {}},
		errs:     []error{boom, boom, boom},
	}

	if _, err := newTestPoller(source).Wait(context.Background(), "sub-1"); !errors.Is(err, boom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if source.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", source.calls)
	}
}

func TestPoller_SuccessResetsFailureCount(t *testing.T) {
	boom := errors.New("transient")
	source := &scriptedSource{
		statuses: []Status{
			{},
			{},
			{State: StateReviewing, Progress: 10},
			{},
			{},
			{State: StateReviewed},
		},
		errs: []error{boom, boom, nil, boom, boom, nil},
	}

	outcome, err := newTestPoller(source).Wait(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("Wait failed after interleaved errors: %v", err)
	}
	if outcome.Status.State != StateReviewed {
		t.Errorf("expected REVIEWED, got %+v", outcome.Status)
	}
}

func TestPoller_ContextCancel(t *testing.T) {
	source := &scriptedSource{
		statuses: []Status{{State: StateReviewing, Progress: 10}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestPoller(source).Wait(ctx, "sub-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
