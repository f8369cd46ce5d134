package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/events"
	"github.com/relaypoint/bulkmail/internal/sender"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

type memDispatchStore struct {
	service     *domain.EmailService
	reservation *domain.Reservation
	subTask     *domain.SubTask

	claimed      bool
	sentMsgID    string
	permFailMsg  string
	requeueCount int
	svcFailures  int
}

func (m *memDispatchStore) ListEnabledServices(ctx context.Context) ([]domain.EmailService, error) {
	return []domain.EmailService{*m.service}, nil
}

func (m *memDispatchStore) GetService(ctx context.Context, id uuid.UUID) (*domain.EmailService, error) {
	s := *m.service
	return &s, nil
}

func (m *memDispatchStore) LiveReservation(ctx context.Context, serviceID uuid.UUID) (*domain.Reservation, error) {
	if m.reservation == nil || time.Now().After(m.reservation.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	return m.reservation, nil
}

func (m *memDispatchStore) GetSubTask(ctx context.Context, id uuid.UUID) (*domain.SubTask, error) {
	return m.subTask, nil
}

func (m *memDispatchStore) ClaimSending(ctx context.Context, subTaskID, serviceID uuid.UUID) error {
	if m.subTask.Status != domain.SubTaskAllocated {
		return store.ErrStaleState
	}
	m.subTask.Status = domain.SubTaskSending
	m.claimed = true
	return nil
}

func (m *memDispatchStore) MarkSent(ctx context.Context, subTaskID, serviceID uuid.UUID, providerMessageID string) error {
	m.subTask.Status = domain.SubTaskSent
	m.sentMsgID = providerMessageID
	m.reservation = nil
	return nil
}

func (m *memDispatchStore) RecordServiceFailure(ctx context.Context, id uuid.UUID, freezeAfter int) (int, bool, error) {
	m.svcFailures++
	return m.svcFailures, m.svcFailures >= freezeAfter, nil
}

func (m *memDispatchStore) MarkFailedPermanent(ctx context.Context, subTaskID, serviceID uuid.UUID, msg string) error {
	m.subTask.Status = domain.SubTaskFailed
	m.permFailMsg = msg
	m.reservation = nil
	return nil
}

func (m *memDispatchStore) RequeueForRetry(ctx context.Context, subTaskID, serviceID uuid.UUID, retryCount int, nextRetryAt time.Time, msg string) error {
	m.subTask.Status = domain.SubTaskPending
	m.subTask.RetryCount = retryCount
	m.requeueCount++
	m.reservation = nil
	return nil
}

type scriptedSender struct {
	result *sender.Result
	err    error
	calls  int
}

func (s *scriptedSender) Send(ctx context.Context, msg sender.Message) (*sender.Result, error) {
	s.calls++
	return s.result, s.err
}

type capturingPublisher struct {
	published []events.SendOutcome
}

func (c *capturingPublisher) Publish(ev events.SendOutcome) {
	c.published = append(c.published, ev)
}

func dispatchFixture(snd sender.Sender) (*memDispatchStore, *Pool, *capturingPublisher) {
	svcID := uuid.New()
	subID := uuid.New()
	m := &memDispatchStore{
		service: &domain.EmailService{
			ID:             svcID,
			Name:           "relay-1",
			Provider:       "http",
			Enabled:        true,
			DailyQuota:     100,
			SendIntervalMS: 100,
		},
		reservation: &domain.Reservation{
			ServiceID: svcID,
			SubTaskID: subID,
			ExpiresAt: time.Now().Add(30 * time.Second),
		},
		subTask: &domain.SubTask{
			ID:        subID,
			TaskID:    uuid.New(),
			ServiceID: &svcID,
			Status:    domain.SubTaskAllocated,
			Email:     "jane@example.com",
			Subject:   "Hi",
			Body:      "Hello",
		},
	}

	settings := fakeSettings{
		sysconfig.KeyMaxRetryAttempts:    3,
		sysconfig.KeyFreezeAfterFailures: 5,
	}
	pub := &capturingPublisher{}
	pool := NewPool(m,
		NewRegistryResolver(snd),
		NewIntervalGate(nil),
		NewRetryManager(m, settings),
		settings, pub, "test-dispatch", time.Second)
	return m, pool, pub
}

// NewRegistryResolver wraps a single sender as the resolver for any provider.
func NewRegistryResolver(s sender.Sender) SenderResolver {
	return staticResolver{s: s}
}

type staticResolver struct{ s sender.Sender }

func (r staticResolver) For(provider string) (sender.Sender, error) { return r.s, nil }

func TestRunnerTickSendsAndMarksSent(t *testing.T) {
	snd := &scriptedSender{result: &sender.Result{ProviderMessageID: "pm-1"}}
	m, pool, pub := dispatchFixture(snd)

	r := newServiceRunner(pool, *m.service)
	r.tick(context.Background())

	if snd.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", snd.calls)
	}
	if m.subTask.Status != domain.SubTaskSent || m.sentMsgID != "pm-1" {
		t.Errorf("subtask = (%s, %q), want (sent, pm-1)", m.subTask.Status, m.sentMsgID)
	}
	if len(pub.published) != 1 || pub.published[0].Outcome != events.OutcomeSent {
		t.Errorf("published = %+v, want one sent outcome", pub.published)
	}
}

func TestRunnerTickNoReservationIsIdle(t *testing.T) {
	snd := &scriptedSender{result: &sender.Result{ProviderMessageID: "pm-1"}}
	m, pool, _ := dispatchFixture(snd)
	m.reservation = nil

	r := newServiceRunner(pool, *m.service)
	r.tick(context.Background())

	if snd.calls != 0 {
		t.Errorf("sender calls = %d, want 0 with no reservation", snd.calls)
	}
	if m.claimed {
		t.Error("no claim should happen without a reservation")
	}
}

func TestRunnerTickIneligibleServiceSkips(t *testing.T) {
	snd := &scriptedSender{}
	m, pool, _ := dispatchFixture(snd)
	m.service.Frozen = true

	r := newServiceRunner(pool, *m.service)
	r.tick(context.Background())

	if snd.calls != 0 {
		t.Errorf("sender calls = %d, want 0 for a frozen service", snd.calls)
	}
}

func TestRunnerTickTransientFailureRequeues(t *testing.T) {
	snd := &scriptedSender{err: errors.New("connection reset")}
	m, pool, pub := dispatchFixture(snd)

	r := newServiceRunner(pool, *m.service)
	r.tick(context.Background())

	if m.requeueCount != 1 {
		t.Fatalf("requeues = %d, want 1", m.requeueCount)
	}
	if m.subTask.Status != domain.SubTaskPending || m.subTask.RetryCount != 1 {
		t.Errorf("subtask = (%s, retry %d), want (pending, 1)", m.subTask.Status, m.subTask.RetryCount)
	}
	if m.svcFailures != 1 {
		t.Errorf("service failures = %d, want 1", m.svcFailures)
	}
	// Transient failures are not terminal; nothing is published.
	if len(pub.published) != 0 {
		t.Errorf("published = %+v, want none", pub.published)
	}
}

func TestRunnerTickPermanentFailureTerminal(t *testing.T) {
	snd := &scriptedSender{err: sender.Permanent(errors.New("suppressed recipient"))}
	m, pool, pub := dispatchFixture(snd)

	r := newServiceRunner(pool, *m.service)
	r.tick(context.Background())

	if m.subTask.Status != domain.SubTaskFailed {
		t.Errorf("subtask status = %s, want failed", m.subTask.Status)
	}
	if m.subTask.RetryCount != 0 {
		t.Errorf("retry count = %d, want untouched 0", m.subTask.RetryCount)
	}
	if len(pub.published) != 1 || pub.published[0].Outcome != events.OutcomeFailed {
		t.Errorf("published = %+v, want one failed outcome", pub.published)
	}
}

func TestPoolStartStop(t *testing.T) {
	snd := &scriptedSender{result: &sender.Result{ProviderMessageID: "pm-1"}}
	_, pool, _ := dispatchFixture(snd)

	pool.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	// Stop must be idempotent.
	pool.Stop()
}
