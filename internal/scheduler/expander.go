// Package scheduler contains the periodic loops that move campaign work
// through the system: expansion, allocation, dispatch, retry, sweeping,
// scanning and metrics. Every loop is a Start/Stop component with context
// cancellation; all shared state lives in the store, so any number of
// scheduler processes can run the same loops concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/pkg/logger"
	"github.com/relaypoint/bulkmail/internal/store"
)

// ExpanderStore is the store surface the expander needs.
type ExpanderStore interface {
	ClaimQueuedTask(ctx context.Context) (*domain.Task, error)
	ListRecipients(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error)
	ExpandTask(ctx context.Context, taskID uuid.UUID, subs []store.NewSubTask) (int, error)
	FailTask(ctx context.Context, id uuid.UUID, msg string) error
}

// Renderer renders one recipient's subject and body.
type Renderer interface {
	RenderMessage(subjectTmpl, bodyTmpl string, c domain.Contact) (subject, body string, err error)
}

// Expander fans queued tasks out into one subtask per recipient.
type Expander struct {
	store    ExpanderStore
	renderer Renderer
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	tasksExpanded atomic.Int64
	subTasksTotal atomic.Int64
	tasksFailed   atomic.Int64
}

// NewExpander creates an expander ticking at the given interval.
func NewExpander(st ExpanderStore, r Renderer, interval time.Duration) *Expander {
	return &Expander{store: st, renderer: r, interval: interval}
}

// Start launches the expansion loop.
func (e *Expander) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	log.Printf("[Expander] started (interval %s)", e.interval)
}

// Stop halts the loop and waits for an in-flight expansion to finish.
func (e *Expander) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	log.Printf("[Expander] stopped (tasks=%d subtasks=%d failed=%d)",
		e.tasksExpanded.Load(), e.subTasksTotal.Load(), e.tasksFailed.Load())
}

func (e *Expander) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExpandDueTasks(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Expander] pass error: %v", err)
			}
		}
	}
}

// ExpandDueTasks claims and expands queued tasks until the queue is empty.
// Each task is claimed with a CAS to sending first, so two processes never
// expand the same task; the unique (task_id, contact_id) constraint makes a
// re-run after a crash converge instead of duplicating.
func (e *Expander) ExpandDueTasks(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := e.store.ClaimQueuedTask(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := e.expandOne(ctx, task); err != nil {
			e.tasksFailed.Add(1)
			logger.Warn("task expansion failed",
				"task_id", task.ID, "error", err.Error())
			if failErr := e.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
				log.Printf("[Expander] failed to mark task %s failed: %v", task.ID, failErr)
			}
		}
	}
}

func (e *Expander) expandOne(ctx context.Context, task *domain.Task) error {
	contacts, err := e.store.ListRecipients(ctx, task.RecipientListID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	if len(contacts) == 0 {
		return errors.New("recipient list is empty")
	}

	subs := make([]store.NewSubTask, 0, len(contacts))
	for _, c := range contacts {
		subject, body, err := e.renderer.RenderMessage(task.SubjectTemplate, task.BodyTemplate, c)
		if err != nil {
			return fmt.Errorf("render for contact %s: %w", c.ID, err)
		}
		subs = append(subs, store.NewSubTask{
			ContactID:  c.ID,
			Email:      c.Email,
			Subject:    subject,
			Body:       body,
			TrackingID: uuid.NewString(),
		})
	}

	total, err := e.store.ExpandTask(ctx, task.ID, subs)
	if err != nil {
		return fmt.Errorf("persist subtasks: %w", err)
	}

	e.tasksExpanded.Add(1)
	e.subTasksTotal.Add(int64(total))
	log.Printf("[Expander] task %s expanded to %d subtasks", task.ID, total)
	return nil
}
