package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
)

const subTaskColumns = `id, task_id, contact_id, email, service_id, status,
	subject, body, tracking_id, retry_count, next_retry_at, allocated_at,
	sending_at, sent_at, provider_message_id, error_message, created_at, updated_at`

func scanSubTask(row interface{ Scan(...interface{}) error }) (*domain.SubTask, error) {
	var st domain.SubTask
	var serviceID uuid.NullUUID
	var nextRetryAt, allocatedAt, sendingAt, sentAt sql.NullTime
	var providerMsgID, errMsg sql.NullString
	err := row.Scan(
		&st.ID, &st.TaskID, &st.ContactID, &st.Email, &serviceID, &st.Status,
		&st.Subject, &st.Body, &st.TrackingID, &st.RetryCount, &nextRetryAt,
		&allocatedAt, &sendingAt, &sentAt, &providerMsgID, &errMsg,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if serviceID.Valid {
		st.ServiceID = &serviceID.UUID
	}
	if nextRetryAt.Valid {
		st.NextRetryAt = &nextRetryAt.Time
	}
	if allocatedAt.Valid {
		st.AllocatedAt = &allocatedAt.Time
	}
	if sendingAt.Valid {
		st.SendingAt = &sendingAt.Time
	}
	if sentAt.Valid {
		st.SentAt = &sentAt.Time
	}
	st.ProviderMessageID = providerMsgID.String
	st.ErrorMessage = errMsg.String
	return &st, nil
}

// GetSubTask loads a subtask by id.
func (s *Store) GetSubTask(ctx context.Context, id uuid.UUID) (*domain.SubTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subTaskColumns+` FROM sub_tasks WHERE id = $1`, id)
	st, err := scanSubTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return st, nil
}

// ClaimSending moves a subtask allocated -> sending for the given service.
// Exactly one caller can win this CAS, which is what makes a send happen at
// most once even with several dispatcher processes.
func (s *Store) ClaimSending(ctx context.Context, subTaskID, serviceID uuid.UUID) error {
	if err := domain.CheckTransition(domain.SubTaskAllocated, domain.SubTaskSending); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sub_tasks
		SET status = 'sending', sending_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND service_id = $2 AND status = 'allocated'`,
		subTaskID, serviceID)
	if err != nil {
		return fmt.Errorf("claim sending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// MarkSent finalizes a successful send: subtask to sent, service quota and
// interval bookkeeping, reservation released, task counters. One transaction
// so a crash leaves either the full outcome or none of it.
func (s *Store) MarkSent(ctx context.Context, subTaskID, serviceID uuid.UUID, providerMessageID string) error {
	if err := domain.CheckTransition(domain.SubTaskSending, domain.SubTaskSent); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark sent: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sub_tasks
		SET status = 'sent', sent_at = NOW(), provider_message_id = $2,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		subTaskID, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark sent: subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	// Conditional on used_quota so the daily quota can never be exceeded,
	// whatever the allocator believed when it planned.
	res, err = tx.ExecContext(ctx, `
		UPDATE email_services
		SET used_quota = used_quota + 1,
		    next_available_at = NOW() + (send_interval_ms * interval '1 millisecond'),
		    consecutive_failures = 0,
		    updated_at = NOW()
		WHERE id = $1 AND used_quota < daily_quota`,
		serviceID)
	if err != nil {
		return fmt.Errorf("mark sent: service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQuotaExhausted
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM service_reservations
		WHERE service_id = $1 AND subtask_id = $2`,
		serviceID, subTaskID); err != nil {
		return fmt.Errorf("mark sent: release reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET sent_count = sent_count + 1,
		    allocated_subtasks = GREATEST(allocated_subtasks - 1, 0),
		    updated_at = NOW()
		WHERE id = (SELECT task_id FROM sub_tasks WHERE id = $1)`,
		subTaskID); err != nil {
		return fmt.Errorf("mark sent: task counters: %w", err)
	}

	return tx.Commit()
}

// MarkFailedPermanent moves a sending subtask to terminal failed and releases
// its reservation. retry_count is left untouched so a permanent failure on
// the first attempt reads retry_count = 0.
func (s *Store) MarkFailedPermanent(ctx context.Context, subTaskID, serviceID uuid.UUID, msg string) error {
	if err := domain.CheckTransition(domain.SubTaskSending, domain.SubTaskFailed); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark failed: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sub_tasks
		SET status = 'failed', error_message = $2, next_retry_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		subTaskID, msg)
	if err != nil {
		return fmt.Errorf("mark failed: subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM service_reservations
		WHERE service_id = $1 AND subtask_id = $2`,
		serviceID, subTaskID); err != nil {
		return fmt.Errorf("mark failed: release reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET failed_count = failed_count + 1,
		    allocated_subtasks = GREATEST(allocated_subtasks - 1, 0),
		    updated_at = NOW()
		WHERE id = (SELECT task_id FROM sub_tasks WHERE id = $1)`,
		subTaskID); err != nil {
		return fmt.Errorf("mark failed: task counters: %w", err)
	}

	return tx.Commit()
}

// RequeueForRetry returns a sending subtask to pending with an incremented
// retry count and a future next_retry_at. The service binding is cleared so
// the next allocation may pick a different service.
func (s *Store) RequeueForRetry(ctx context.Context, subTaskID, serviceID uuid.UUID, retryCount int, nextRetryAt time.Time, msg string) error {
	if err := domain.CheckTransition(domain.SubTaskSending, domain.SubTaskPending); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("requeue retry: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sub_tasks
		SET status = 'pending', service_id = NULL, retry_count = $2,
		    next_retry_at = $3, error_message = $4,
		    allocated_at = NULL, sending_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		subTaskID, retryCount, nextRetryAt, msg)
	if err != nil {
		return fmt.Errorf("requeue retry: subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM service_reservations
		WHERE service_id = $1 AND subtask_id = $2`,
		serviceID, subTaskID); err != nil {
		return fmt.Errorf("requeue retry: release reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET pending_subtasks = pending_subtasks + 1,
		    allocated_subtasks = GREATEST(allocated_subtasks - 1, 0),
		    updated_at = NOW()
		WHERE id = (SELECT task_id FROM sub_tasks WHERE id = $1)`,
		subTaskID); err != nil {
		return fmt.Errorf("requeue retry: task counters: %w", err)
	}

	return tx.Commit()
}
