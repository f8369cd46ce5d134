package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/sender"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

type fakeSettings map[sysconfig.Key]int

func (f fakeSettings) Get(ctx context.Context, k sysconfig.Key) (int, error) {
	if v, ok := f[k]; ok {
		return v, nil
	}
	return 0, errors.New("unset")
}

type retryCall struct {
	permanent   bool
	retryCount  int
	nextRetryAt time.Time
	msg         string
}

type fakeRetryStore struct {
	calls []retryCall
}

func (f *fakeRetryStore) MarkFailedPermanent(ctx context.Context, subTaskID, serviceID uuid.UUID, msg string) error {
	f.calls = append(f.calls, retryCall{permanent: true, msg: msg})
	return nil
}

func (f *fakeRetryStore) RequeueForRetry(ctx context.Context, subTaskID, serviceID uuid.UUID, retryCount int, nextRetryAt time.Time, msg string) error {
	f.calls = append(f.calls, retryCall{retryCount: retryCount, nextRetryAt: nextRetryAt, msg: msg})
	return nil
}

func TestBackoffDelayDoubles(t *testing.T) {
	wants := map[int]time.Duration{
		1: 2 * time.Minute,
		2: 4 * time.Minute,
		3: 8 * time.Minute,
		4: 16 * time.Minute,
	}
	for attempt, want := range wants {
		if got := backoffDelay(attempt); got != want {
			t.Errorf("backoffDelay(%d) = %s, want %s", attempt, got, want)
		}
	}
}

// The very first retry must already wait the full 2^1 minutes, not 2^0.
func TestHandleFailureFirstRetryWaitsTwoMinutes(t *testing.T) {
	st := &fakeRetryStore{}
	m := NewRetryManager(st, fakeSettings{sysconfig.KeyMaxRetryAttempts: 3})

	sub := &domain.SubTask{ID: uuid.New(), RetryCount: 0}
	before := time.Now()

	if _, err := m.HandleFailure(context.Background(), sub, uuid.New(), errors.New("timeout")); err != nil {
		t.Fatalf("HandleFailure error: %v", err)
	}
	if len(st.calls) != 1 {
		t.Fatalf("calls = %+v, want one requeue", st.calls)
	}
	if delay := st.calls[0].nextRetryAt.Sub(before); delay < 2*time.Minute {
		t.Errorf("delay after first failure = %s, want >= 2m", delay)
	}
}

func TestHandleFailureTransientRequeues(t *testing.T) {
	st := &fakeRetryStore{}
	m := NewRetryManager(st, fakeSettings{sysconfig.KeyMaxRetryAttempts: 3})

	sub := &domain.SubTask{ID: uuid.New(), RetryCount: 1}
	before := time.Now()

	outcome, err := m.HandleFailure(context.Background(), sub, uuid.New(), errors.New("timeout"))
	if err != nil {
		t.Fatalf("HandleFailure error: %v", err)
	}
	if outcome != OutcomeRequeued {
		t.Fatalf("outcome = %v, want requeued", outcome)
	}
	if len(st.calls) != 1 || st.calls[0].permanent {
		t.Fatalf("calls = %+v, want one requeue", st.calls)
	}
	call := st.calls[0]
	if call.retryCount != 2 {
		t.Errorf("retryCount = %d, want 2", call.retryCount)
	}
	// This is attempt 2, so the delay is 2^2 minutes.
	wantAt := before.Add(4 * time.Minute)
	if call.nextRetryAt.Before(wantAt.Add(-5*time.Second)) || call.nextRetryAt.After(wantAt.Add(5*time.Second)) {
		t.Errorf("nextRetryAt = %s, want about %s", call.nextRetryAt, wantAt)
	}
}

func TestHandleFailureExhaustsRetries(t *testing.T) {
	st := &fakeRetryStore{}
	m := NewRetryManager(st, fakeSettings{sysconfig.KeyMaxRetryAttempts: 3})

	sub := &domain.SubTask{ID: uuid.New(), RetryCount: 3}

	outcome, err := m.HandleFailure(context.Background(), sub, uuid.New(), errors.New("timeout"))
	if err != nil {
		t.Fatalf("HandleFailure error: %v", err)
	}
	if outcome != OutcomeRetriesExhausted {
		t.Fatalf("outcome = %v, want exhausted", outcome)
	}
	if len(st.calls) != 1 || !st.calls[0].permanent {
		t.Fatalf("calls = %+v, want one permanent failure", st.calls)
	}
}

// A permanent provider error must go terminal immediately, with retry_count
// untouched and no retry scheduled.
func TestHandleFailurePermanentIsTerminal(t *testing.T) {
	st := &fakeRetryStore{}
	m := NewRetryManager(st, fakeSettings{sysconfig.KeyMaxRetryAttempts: 3})

	sub := &domain.SubTask{ID: uuid.New(), RetryCount: 0}
	permErr := sender.Permanent(errors.New("recipient suppressed"))

	outcome, err := m.HandleFailure(context.Background(), sub, uuid.New(), permErr)
	if err != nil {
		t.Fatalf("HandleFailure error: %v", err)
	}
	if outcome != OutcomeFailedPermanent {
		t.Fatalf("outcome = %v, want permanent", outcome)
	}
	if len(st.calls) != 1 || !st.calls[0].permanent {
		t.Fatalf("calls = %+v, want one permanent failure, no requeue", st.calls)
	}
}

func TestHandleFailureZeroMaxRetries(t *testing.T) {
	st := &fakeRetryStore{}
	m := NewRetryManager(st, fakeSettings{sysconfig.KeyMaxRetryAttempts: 0})

	sub := &domain.SubTask{ID: uuid.New(), RetryCount: 0}

	outcome, err := m.HandleFailure(context.Background(), sub, uuid.New(), errors.New("timeout"))
	if err != nil {
		t.Fatalf("HandleFailure error: %v", err)
	}
	if outcome != OutcomeRetriesExhausted {
		t.Errorf("outcome = %v, want exhausted when retries are disabled", outcome)
	}
}
