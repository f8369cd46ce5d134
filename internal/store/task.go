package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypoint/bulkmail/internal/domain"
)

const taskColumns = `id, user_id, name, status, priority, recipient_list_id,
	subject_template, body_template, total_subtasks, allocated_subtasks,
	pending_subtasks, sent_count, failed_count, scheduled_at, error_message,
	created_at, updated_at`

const taskColumnsT = `t.id, t.user_id, t.name, t.status, t.priority, t.recipient_list_id,
	t.subject_template, t.body_template, t.total_subtasks, t.allocated_subtasks,
	t.pending_subtasks, t.sent_count, t.failed_count, t.scheduled_at, t.error_message,
	t.created_at, t.updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.Task, error) {
	var t domain.Task
	var errMsg sql.NullString
	var scheduledAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.Status, &t.Priority, &t.RecipientListID,
		&t.SubjectTemplate, &t.BodyTemplate, &t.TotalSubTasks, &t.AllocatedSubTasks,
		&t.PendingSubTasks, &t.SentCount, &t.FailedCount, &scheduledAt, &errMsg,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	t.ErrorMessage = errMsg.String
	return &t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ActivateDueTasks moves scheduled tasks whose scheduled_at has arrived to
// queued. Returns the number of tasks activated.
func (s *Store) ActivateDueTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'queued', updated_at = NOW()
		WHERE status = 'scheduled' AND scheduled_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("activate due tasks: %w", err)
	}
	return res.RowsAffected()
}

// ClaimQueuedTask claims one queued task for expansion by moving it to
// sending. SKIP LOCKED lets concurrent expander processes each take a
// different task. Returns ErrNotFound when no task is queued.
func (s *Store) ClaimQueuedTask(ctx context.Context) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM tasks
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tasks t
		SET status = 'sending', updated_at = NOW()
		FROM next
		WHERE t.id = next.id
		RETURNING `+taskColumnsT)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued task: %w", err)
	}
	return t, nil
}

// statusesAllowing renders the state machine's legal sources for a target
// status as SQL-ready strings.
func statusesAllowing(to domain.TaskStatus) []string {
	from := domain.TaskStatusesAllowing(to)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// FailTask moves a task to failed with an error message. The set of statuses
// it may fail from comes from the task state machine.
func (s *Store) FailTask(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, msg, pq.Array(statusesAllowing(domain.TaskFailed)))
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// PauseTask pauses an active task. Allocation stops immediately; in-flight
// sends finish on their own.
func (s *Store) PauseTask(ctx context.Context, id uuid.UUID) error {
	return s.transitionTask(ctx, id, domain.TaskPaused, []string{"queued", "sending"})
}

// ResumeTask returns a paused task to sending.
func (s *Store) ResumeTask(ctx context.Context, id uuid.UUID) error {
	return s.transitionTask(ctx, id, domain.TaskSending, []string{"paused"})
}

// transitionTask performs a conditional status update. The from list is
// filtered through the task state machine first, so a writer can never move a
// task along an edge the machine does not define.
func (s *Store) transitionTask(ctx context.Context, id uuid.UUID, to domain.TaskStatus, from []string) error {
	allowed := make([]string, 0, len(from))
	for _, f := range from {
		if domain.CanTransitionTask(domain.TaskStatus(f), to) {
			allowed = append(allowed, f)
		}
	}
	if len(allowed) == 0 {
		return &domain.ErrIllegalTransition{Entity: "task", From: from[0], To: string(to)}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("transition task to %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.explainMiss(ctx, id, string(to))
	}
	return nil
}

// explainMiss distinguishes a missing task from an illegal transition after
// a zero-row conditional update.
func (s *Store) explainMiss(ctx context.Context, id uuid.UUID, to string) error {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load task status: %w", err)
	}
	return &domain.ErrIllegalTransition{Entity: "task", From: cur, To: to}
}

// CancelTask cancels a task and fails its unsent subtasks. Reservations held
// for those subtasks are released so their services free up immediately.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cancel task: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)`,
		id, pq.Array(statusesAllowing(domain.TaskCancelled)))
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMiss(ctx, id, "cancelled")
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM service_reservations
		WHERE subtask_id IN (
			SELECT id FROM sub_tasks
			WHERE task_id = $1 AND status IN ('allocated', 'sending')
		)`, id)
	if err != nil {
		return fmt.Errorf("cancel task: release reservations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sub_tasks
		SET status = 'failed', error_message = 'task cancelled',
		    next_retry_at = NULL, updated_at = NOW()
		WHERE task_id = $1 AND status IN ('pending', 'allocated', 'sending')`,
		id)
	if err != nil {
		return fmt.Errorf("cancel task: fail subtasks: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET failed_count = failed_count + pending_subtasks + allocated_subtasks,
		    pending_subtasks = 0, allocated_subtasks = 0, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel task: counters: %w", err)
	}

	return tx.Commit()
}

// FinalizeCompletedTasks closes out sending tasks that have no remaining
// active subtasks. A task where every recipient failed becomes failed;
// otherwise it completes, noting partial failures in error_message.
func (s *Store) FinalizeCompletedTasks(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET status = CASE
				WHEN failed_count >= total_subtasks THEN 'failed'
				ELSE 'completed'
			END,
		    error_message = CASE
				WHEN failed_count > 0 AND failed_count < total_subtasks
					THEN failed_count || ' of ' || total_subtasks || ' recipients failed'
				ELSE error_message
			END,
		    updated_at = NOW()
		WHERE status = 'sending'
		  AND total_subtasks > 0
		  AND NOT EXISTS (
			SELECT 1 FROM sub_tasks st
			WHERE st.task_id = tasks.id
			  AND st.status IN ('pending', 'allocated', 'sending')
		  )
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("finalize tasks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TaskProgress returns the counter snapshot for one task.
func (s *Store) TaskProgress(ctx context.Context, id uuid.UUID) (*domain.TaskProgress, error) {
	var p domain.TaskProgress
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, total_subtasks, allocated_subtasks, pending_subtasks,
		       sent_count, failed_count, updated_at
		FROM tasks WHERE id = $1`, id).Scan(
		&p.TaskID, &p.Status, &p.Total, &p.Allocated, &p.Pending,
		&p.Sent, &p.Failed, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task progress: %w", err)
	}
	return &p, nil
}
