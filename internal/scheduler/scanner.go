package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// ScannerStore is the store surface the scanner needs.
type ScannerStore interface {
	ActivateDueTasks(ctx context.Context) (int64, error)
	FinalizeCompletedTasks(ctx context.Context) ([]uuid.UUID, error)
}

// Scanner moves scheduled tasks into the queue when their time arrives and
// finalizes tasks whose subtasks have all reached a terminal state.
type Scanner struct {
	store    ScannerStore
	settings Settings
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScanner creates a scanner. settings may be nil.
func NewScanner(st ScannerStore, settings Settings, interval time.Duration) *Scanner {
	return &Scanner{store: st, settings: settings, interval: interval}
}

// Start launches the scan loop.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	log.Printf("[Scanner] started (interval %s)", s.interval)
}

// Stop halts the loop.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Scanner] stopped")
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		wait := resolveInterval(ctx, s.settings, sysconfig.KeyScannerIntervalSeconds, s.interval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Scanner] pass error: %v", err)
			}
		}
	}
}

// RunPass activates due tasks and finalizes finished ones. Both statements
// are CAS-style, so concurrent scanners are harmless.
func (s *Scanner) RunPass(ctx context.Context) error {
	activated, err := s.store.ActivateDueTasks(ctx)
	if err != nil {
		return err
	}
	if activated > 0 {
		log.Printf("[Scanner] activated %d scheduled tasks", activated)
	}

	finalized, err := s.store.FinalizeCompletedTasks(ctx)
	if err != nil {
		return err
	}
	for _, id := range finalized {
		log.Printf("[Scanner] task %s finalized", id)
	}
	return nil
}
