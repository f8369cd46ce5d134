package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/events"
	"github.com/relaypoint/bulkmail/internal/pkg/logger"
	"github.com/relaypoint/bulkmail/internal/sender"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// DispatcherStore is the store surface the dispatcher needs.
type DispatcherStore interface {
	ListEnabledServices(ctx context.Context) ([]domain.EmailService, error)
	GetService(ctx context.Context, id uuid.UUID) (*domain.EmailService, error)
	LiveReservation(ctx context.Context, serviceID uuid.UUID) (*domain.Reservation, error)
	GetSubTask(ctx context.Context, id uuid.UUID) (*domain.SubTask, error)
	ClaimSending(ctx context.Context, subTaskID, serviceID uuid.UUID) error
	MarkSent(ctx context.Context, subTaskID, serviceID uuid.UUID, providerMessageID string) error
	RecordServiceFailure(ctx context.Context, id uuid.UUID, freezeAfter int) (int, bool, error)
}

// SenderResolver resolves the provider adapter for a service.
type SenderResolver interface {
	For(provider string) (sender.Sender, error)
}

// OutcomePublisher emits terminal send outcomes. A nil *events.Publisher is
// a valid no-op implementation.
type OutcomePublisher interface {
	Publish(ev events.SendOutcome)
}

// minTick keeps very small send intervals from turning the runner into a
// busy loop; actual spacing is still enforced by the gate and
// next_available_at.
const minTick = 100 * time.Millisecond

// Pool runs one serviceRunner per enabled service and reconciles the runner
// set against the service table periodically, so services added, removed or
// disabled at runtime are picked up without a restart.
type Pool struct {
	store      DispatcherStore
	senders    SenderResolver
	gate       *IntervalGate
	retry      *RetryManager
	settings   Settings
	events     OutcomePublisher
	instanceID string
	syncEvery  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runners map[uuid.UUID]*serviceRunner

	sent   atomic.Int64
	failed atomic.Int64
}

// NewPool creates a dispatcher pool.
func NewPool(st DispatcherStore, senders SenderResolver, gate *IntervalGate, retry *RetryManager, settings Settings, pub OutcomePublisher, instanceID string, syncEvery time.Duration) *Pool {
	return &Pool{
		store:      st,
		senders:    senders,
		gate:       gate,
		retry:      retry,
		settings:   settings,
		events:     pub,
		instanceID: instanceID,
		syncEvery:  syncEvery,
		runners:    make(map[uuid.UUID]*serviceRunner),
	}
}

// Start launches the pool and its first reconcile.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.superviseLoop(ctx)
	log.Printf("[Dispatcher] started (sync every %s)", p.syncEvery)
}

// Stop cancels every runner and waits for in-flight sends to finish. Work
// left allocated or sending is reclaimed by the sweeper once its
// reservation expires.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[Dispatcher] stopped (sent=%d failed=%d)", p.sent.Load(), p.failed.Load())
}

func (p *Pool) superviseLoop(ctx context.Context) {
	defer p.wg.Done()

	p.reconcile(ctx)
	ticker := time.NewTicker(p.syncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// reconcile aligns the runner set with the enabled services.
func (p *Pool) reconcile(ctx context.Context) {
	svcs, err := p.store.ListEnabledServices(ctx)
	if err != nil {
		log.Printf("[Dispatcher] service list failed: %v", err)
		return
	}

	want := make(map[uuid.UUID]domain.EmailService, len(svcs))
	for _, svc := range svcs {
		want[svc.ID] = svc
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	for id, r := range p.runners {
		if _, ok := want[id]; !ok {
			r.stop()
			delete(p.runners, id)
			log.Printf("[Dispatcher] runner for service %s removed", id)
		}
	}
	for id, svc := range want {
		if r, ok := p.runners[id]; ok {
			r.setInterval(svc.SendInterval())
			continue
		}
		r := newServiceRunner(p, svc)
		rctx, rcancel := context.WithCancel(ctx)
		r.cancel = rcancel
		p.runners[id] = r
		p.wg.Add(1)
		go r.run(rctx)
		log.Printf("[Dispatcher] runner for service %s (%s) started", svc.Name, id)
	}
}

// serviceRunner owns the send loop of one service.
type serviceRunner struct {
	pool      *Pool
	serviceID uuid.UUID
	provider  string

	intervalMu sync.Mutex
	interval   time.Duration

	cancel context.CancelFunc
	once   sync.Once
}

func newServiceRunner(p *Pool, svc domain.EmailService) *serviceRunner {
	return &serviceRunner{
		pool:      p,
		serviceID: svc.ID,
		provider:  svc.Provider,
		interval:  svc.SendInterval(),
	}
}

func (r *serviceRunner) setInterval(d time.Duration) {
	r.intervalMu.Lock()
	r.interval = d
	r.intervalMu.Unlock()
}

func (r *serviceRunner) tickInterval() time.Duration {
	r.intervalMu.Lock()
	defer r.intervalMu.Unlock()
	if r.interval < minTick {
		return minTick
	}
	return r.interval
}

func (r *serviceRunner) stop() {
	r.once.Do(r.cancel)
}

func (r *serviceRunner) run(ctx context.Context) {
	defer r.pool.wg.Done()
	defer r.stop()

	for {
		wait := r.tickInterval()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.tick(ctx)
		}
	}
}

// tick attempts one send. Every step that could race another process is a
// conditional read or CAS; losing any of them just means skipping the tick.
func (r *serviceRunner) tick(ctx context.Context) {
	svc, err := r.pool.store.GetService(ctx, r.serviceID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Dispatcher] service %s reload failed: %v", r.serviceID, err)
		}
		return
	}
	r.setInterval(svc.SendInterval())

	if !svc.EligibleAt(time.Now()) {
		return
	}

	res, err := r.pool.store.LiveReservation(ctx, svc.ID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("[Dispatcher] reservation read for %s failed: %v", svc.Name, err)
		return
	}

	gateRes, err := r.pool.gate.Allow(ctx, svc.ID, svc.SendInterval(), svc.DailyQuota)
	if err != nil {
		log.Printf("[Dispatcher] gate check for %s failed open: %v", svc.Name, err)
	}
	if gateRes != GateAllowed {
		return
	}

	st, err := r.pool.store.GetSubTask(ctx, res.SubTaskID)
	if err != nil {
		log.Printf("[Dispatcher] subtask %s load failed: %v", res.SubTaskID, err)
		return
	}

	if err := r.pool.store.ClaimSending(ctx, st.ID, svc.ID); err != nil {
		if !errors.Is(err, store.ErrStaleState) {
			log.Printf("[Dispatcher] claim of subtask %s failed: %v", st.ID, err)
		}
		return
	}

	r.send(ctx, svc, res, st)
}

func (r *serviceRunner) send(ctx context.Context, svc *domain.EmailService, res *domain.Reservation, st *domain.SubTask) {
	// The send must resolve inside the reservation window; otherwise the
	// sweeper could requeue a message that is still in flight.
	deadline := res.ExpiresAt.Add(-time.Second)
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	snd, err := r.pool.senders.For(r.provider)
	if err == nil {
		var result *sender.Result
		result, err = snd.Send(sendCtx, sender.Message{
			To:         st.Email,
			Subject:    st.Subject,
			Body:       st.Body,
			TrackingID: st.TrackingID,
			SubTaskID:  st.ID,
		})
		if err == nil {
			r.completeSend(ctx, svc, st, result)
			return
		}
	}

	r.failSend(ctx, svc, st, err)
}

func (r *serviceRunner) completeSend(ctx context.Context, svc *domain.EmailService, st *domain.SubTask, result *sender.Result) {
	if err := r.pool.store.MarkSent(ctx, st.ID, svc.ID, result.ProviderMessageID); err != nil {
		// The provider accepted the message but the record did not land;
		// the subtask will be swept back to pending and may send again.
		// The reservation TTL makes this window small.
		log.Printf("[Dispatcher] mark sent for subtask %s failed: %v", st.ID, err)
		return
	}
	r.pool.sent.Add(1)
	logger.Info("subtask sent",
		"subtask_id", st.ID, "service", svc.Name, "recipient", st.Email)

	r.pool.events.Publish(events.SendOutcome{
		TaskID:            st.TaskID,
		SubTaskID:         st.ID,
		ServiceID:         svc.ID,
		TrackingID:        st.TrackingID,
		Outcome:           events.OutcomeSent,
		ProviderMessageID: result.ProviderMessageID,
	})
}

func (r *serviceRunner) failSend(ctx context.Context, svc *domain.EmailService, st *domain.SubTask, sendErr error) {
	r.pool.failed.Add(1)
	logger.Warn("subtask send failed",
		"subtask_id", st.ID, "service", svc.Name, "error", sendErr.Error())

	freezeAfter, err := r.pool.settings.Get(ctx, sysconfig.KeyFreezeAfterFailures)
	if err != nil {
		freezeAfter = sysconfig.Default(sysconfig.KeyFreezeAfterFailures)
		log.Printf("[Dispatcher] freeze_after_failures read failed, using %d: %v", freezeAfter, err)
	}
	if failures, frozen, err := r.pool.store.RecordServiceFailure(ctx, svc.ID, freezeAfter); err != nil {
		log.Printf("[Dispatcher] failure bookkeeping for %s failed: %v", svc.Name, err)
	} else if frozen {
		log.Printf("[Dispatcher] service %s frozen after %d consecutive failures", svc.Name, failures)
	}

	outcome, err := r.pool.retry.HandleFailure(ctx, st, svc.ID, sendErr)
	if err != nil {
		log.Printf("[Dispatcher] retry handling for subtask %s failed: %v", st.ID, err)
		return
	}
	if outcome == OutcomeFailedPermanent || outcome == OutcomeRetriesExhausted {
		r.pool.events.Publish(events.SendOutcome{
			TaskID:     st.TaskID,
			SubTaskID:  st.ID,
			ServiceID:  svc.ID,
			TrackingID: st.TrackingID,
			Outcome:    events.OutcomeFailed,
			Error:      sendErr.Error(),
		})
	}
}

// Stats reports cumulative pool counters.
func (p *Pool) Stats() (sent, failed int64) {
	return p.sent.Load(), p.failed.Load()
}
