package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmlee-dev/review-pipeline-go/internal/testhelper"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, _ := testhelper.NewMiniValkey(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(client, logger, time.Hour, time.Hour)
}

func TestStore_StateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	applied, err := store.SetState(ctx, "sub-1", StatePending, 0)
	if err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if !applied {
		t.Fatal("expected transition to apply")
	}

	st, err := store.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.State != StatePending || st.Progress != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestStore_ReviewedForcesFullProgress(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.SetState(ctx, "sub-1", StateReviewing, 40)
	if _, err := store.SetState(ctx, "sub-1", StateReviewed, 55); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	st, err := store.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.State != StateReviewed || st.Progress != 100 {
		t.Errorf("expected REVIEWED/100, got %+v", st)
	}
}

func TestStore_TerminalStatesAreAbsorbing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, terminal := range []State{StateReviewed, StateError} {
		id := "sub-" + string(terminal)
		if _, err := store.SetState(ctx, id, terminal, 100); err != nil {
			t.Fatalf("SetState(%s) failed: %v", terminal, err)
		}

		applied, err := store.SetState(ctx, id, StateReviewing, 10)
		if err != nil {
			t.Fatalf("SetState after %s failed: %v", terminal, err)
		}
		if applied {
			t.Errorf("transition out of %s must be rejected", terminal)
		}

		st, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if st.State != terminal {
			t.Errorf("state mutated out of terminal %s: %+v", terminal, st)
		}
	}
}

func TestStore_GetUnknownSubmission(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ResultRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreResult(ctx, "sub-1", `{"score":92}`); err != nil {
		t.Fatalf("StoreResult failed: %v", err)
	}

	payload, err := store.FetchResult(ctx, "sub-1")
	if err != nil {
		t.Fatalf("FetchResult failed: %v", err)
	}
	if payload != `{"score":92}` {
		t.Errorf("unexpected payload: %s", payload)
	}

	if _, err := store.FetchResult(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing result, got %v", err)
	}
}
