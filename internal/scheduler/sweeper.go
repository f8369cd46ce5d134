package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypoint/bulkmail/internal/pkg/distlock"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// SweeperStore is the store surface the sweeper needs.
type SweeperStore interface {
	SweepExpiredReservations(ctx context.Context) (int, error)
}

// Sweeper reclaims expired reservations. It is the only crash-recovery
// mechanism: whatever a dead dispatcher left allocated or sending comes back
// to pending here, once the reservation TTL runs out.
type Sweeper struct {
	store    SweeperStore
	settings Settings
	lock     distlock.Lock
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	reclaimed atomic.Int64
}

// NewSweeper creates a sweeper. settings and lock may be nil.
func NewSweeper(st SweeperStore, settings Settings, lock distlock.Lock, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, settings: settings, lock: lock, interval: interval}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	log.Printf("[Sweeper] started (interval %s)", s.interval)
}

// Stop halts the loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Sweeper] stopped (reclaimed=%d)", s.reclaimed.Load())
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := resolveInterval(ctx, s.settings, sysconfig.KeySweeperIntervalSeconds, s.interval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Sweeper] pass error: %v", err)
			}
		}
	}
}

// RunPass sweeps once. The delete-if-expired inside the store is atomic, so
// a sweeper racing a dispatcher that finishes at the last moment can never
// reclaim a reservation that just completed.
func (s *Sweeper) RunPass(ctx context.Context) error {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Sweeper] pass lock unavailable, proceeding: %v", err)
		} else if !ok {
			return nil
		} else {
			defer s.lock.Release(ctx)
		}
	}

	n, err := s.store.SweepExpiredReservations(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.reclaimed.Add(int64(n))
		log.Printf("[Sweeper] reclaimed %d expired reservations", n)
	}
	return nil
}
