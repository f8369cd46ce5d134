package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/sender"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// RetryStore is the store surface failure handling needs.
type RetryStore interface {
	MarkFailedPermanent(ctx context.Context, subTaskID, serviceID uuid.UUID, msg string) error
	RequeueForRetry(ctx context.Context, subTaskID, serviceID uuid.UUID, retryCount int, nextRetryAt time.Time, msg string) error
}

// Outcome is the terminal-or-requeued verdict for one failed send.
type Outcome int

const (
	OutcomeRequeued Outcome = iota
	OutcomeFailedPermanent
	OutcomeRetriesExhausted
)

// RetryManager decides what happens to a subtask whose send failed.
type RetryManager struct {
	store    RetryStore
	settings Settings
}

// NewRetryManager creates a retry manager.
func NewRetryManager(st RetryStore, settings Settings) *RetryManager {
	return &RetryManager{store: st, settings: settings}
}

// backoffDelay returns the wait before retry attempt n: 2^n minutes, so the
// first retry waits 2m, the second 4m, and so on. The exponent is capped so
// the shift stays sane.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(1<<uint(attempt)) * time.Minute
}

// HandleFailure routes one failed send: permanent errors and exhausted
// retries go terminal, transient errors requeue with exponential backoff and
// the service binding cleared so the next allocation may pick another
// service.
func (m *RetryManager) HandleFailure(ctx context.Context, st *domain.SubTask, serviceID uuid.UUID, sendErr error) (Outcome, error) {
	msg := sendErr.Error()

	if sender.IsPermanent(sendErr) {
		if err := m.store.MarkFailedPermanent(ctx, st.ID, serviceID, msg); err != nil {
			return OutcomeFailedPermanent, err
		}
		log.Printf("[Retry] subtask %s failed permanently: %s", st.ID, msg)
		return OutcomeFailedPermanent, nil
	}

	maxAttempts, err := m.settings.Get(ctx, sysconfig.KeyMaxRetryAttempts)
	if err != nil {
		maxAttempts = sysconfig.Default(sysconfig.KeyMaxRetryAttempts)
		log.Printf("[Retry] max_retry_attempts read failed, using %d: %v", maxAttempts, err)
	}

	next := st.RetryCount + 1
	if next > maxAttempts {
		exhausted := fmt.Sprintf("retries exhausted after %d attempts: %s", st.RetryCount, msg)
		if err := m.store.MarkFailedPermanent(ctx, st.ID, serviceID, exhausted); err != nil {
			return OutcomeRetriesExhausted, err
		}
		log.Printf("[Retry] subtask %s out of retries", st.ID)
		return OutcomeRetriesExhausted, nil
	}

	retryAt := time.Now().Add(backoffDelay(next))
	if err := m.store.RequeueForRetry(ctx, st.ID, serviceID, next, retryAt, msg); err != nil {
		return OutcomeRequeued, err
	}
	log.Printf("[Retry] subtask %s requeued (attempt %d, next at %s)",
		st.ID, next, retryAt.Format(time.RFC3339))
	return OutcomeRequeued, nil
}
