package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/pkg/distlock"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

// AllocatorStore is the store surface one allocation pass needs.
type AllocatorStore interface {
	AllocationSnapshot(ctx context.Context, limit int) (*domain.AllocationSnapshot, error)
	CommitAllocation(ctx context.Context, g domain.Grant, reservedBy string, ttl time.Duration) error
}

// Settings reads runtime tunables. *sysconfig.Service satisfies it.
type Settings interface {
	Get(ctx context.Context, k sysconfig.Key) (int, error)
}

// resolveInterval reads a loop's cadence from settings, falling back to the
// bootstrap interval when the key cannot be read. Loops call it at the top of
// every iteration, so a config write takes effect on the next tick without a
// restart.
func resolveInterval(ctx context.Context, settings Settings, k sysconfig.Key, fallback time.Duration) time.Duration {
	if settings == nil {
		return fallback
	}
	v, err := settings.Get(ctx, k)
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

// Allocator periodically matches pending subtasks to free services.
type Allocator struct {
	store      AllocatorStore
	settings   Settings
	lock       distlock.Lock
	instanceID string
	interval   time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	rotation  int
	granted   atomic.Int64
	conflicts atomic.Int64
}

// NewAllocator creates an allocator. lock may be nil; it only suppresses
// redundant passes, correctness comes from CommitAllocation.
func NewAllocator(st AllocatorStore, settings Settings, lock distlock.Lock, instanceID string, interval time.Duration) *Allocator {
	return &Allocator{
		store:      st,
		settings:   settings,
		lock:       lock,
		instanceID: instanceID,
		interval:   interval,
	}
}

// Start launches the allocation loop.
func (a *Allocator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.loop(ctx)
	log.Printf("[Allocator] started (interval %s)", a.interval)
}

// Stop halts the loop and waits for an in-flight pass.
func (a *Allocator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	log.Printf("[Allocator] stopped (granted=%d conflicts=%d)",
		a.granted.Load(), a.conflicts.Load())
}

func (a *Allocator) loop(ctx context.Context) {
	defer a.wg.Done()

	for {
		wait := resolveInterval(ctx, a.settings, sysconfig.KeyAllocatorIntervalSeconds, a.interval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := a.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Allocator] pass error: %v", err)
			}
		}
	}
}

// RunPass executes one allocation pass: snapshot, plan, commit each grant.
// Returns the number of grants committed. Commit conflicts are expected
// under concurrency and are skipped, not failed.
func (a *Allocator) RunPass(ctx context.Context) (int, error) {
	if a.lock != nil {
		ok, err := a.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Allocator] pass lock unavailable, proceeding: %v", err)
		} else if !ok {
			return 0, nil
		} else {
			defer a.lock.Release(ctx)
		}
	}

	batchSize, err := a.settings.Get(ctx, sysconfig.KeyBatchSize)
	if err != nil {
		batchSize = sysconfig.Default(sysconfig.KeyBatchSize)
		log.Printf("[Allocator] batch_size read failed, using %d: %v", batchSize, err)
	}
	ttlSec, err := a.settings.Get(ctx, sysconfig.KeyReservationTTLSeconds)
	if err != nil {
		ttlSec = sysconfig.Default(sysconfig.KeyReservationTTLSeconds)
		log.Printf("[Allocator] reservation_ttl read failed, using %ds: %v", ttlSec, err)
	}
	ttl := time.Duration(ttlSec) * time.Second

	// Snapshot beyond the batch so skipped users still leave enough
	// candidates to fill it.
	snap, err := a.store.AllocationSnapshot(ctx, batchSize*4)
	if err != nil {
		return 0, err
	}
	if len(snap.Pending) == 0 {
		return 0, nil
	}

	grants := planPass(snap, batchSize, a.rotation)
	a.rotation++

	committed := 0
	for _, g := range grants {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		err := a.store.CommitAllocation(ctx, g, a.instanceID, ttl)
		switch {
		case err == nil:
			committed++
			a.granted.Add(1)
		case errors.Is(err, store.ErrServiceBusy), errors.Is(err, store.ErrStaleState):
			// Another process got there first; the subtask stays pending.
			a.conflicts.Add(1)
		default:
			log.Printf("[Allocator] commit failed for subtask %s: %v", g.SubTaskID, err)
		}
	}

	if committed > 0 {
		log.Printf("[Allocator] pass committed %d/%d grants", committed, len(grants))
	}
	return committed, nil
}
