package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypoint/bulkmail/internal/domain"
)

// AllocationSnapshot builds the view one allocation pass plans over: the
// oldest eligible pending subtasks (retry backoff respected), the eligible
// services, the user/service entitlements for the users present, and the set
// of services currently carrying a live reservation. The snapshot may be
// stale by the time the plan commits; CommitAllocation resolves that.
func (s *Store) AllocationSnapshot(ctx context.Context, limit int) (*domain.AllocationSnapshot, error) {
	snap := &domain.AllocationSnapshot{
		UserServices:     make(map[uuid.UUID][]uuid.UUID),
		ReservedServices: make(map[uuid.UUID]bool),
		Now:              time.Now(),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT st.id, st.task_id, t.user_id, t.priority, t.created_at, st.created_at
		FROM sub_tasks st
		JOIN tasks t ON t.id = st.task_id
		WHERE st.status = 'pending'
		  AND t.status = 'sending'
		  AND (st.next_retry_at IS NULL OR st.next_retry_at <= NOW())
		ORDER BY t.priority DESC, t.created_at ASC, st.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("allocation snapshot: pending: %w", err)
	}
	defer rows.Close()

	userSet := make(map[uuid.UUID]bool)
	for rows.Next() {
		var p domain.PendingSubTask
		if err := rows.Scan(&p.SubTaskID, &p.TaskID, &p.UserID, &p.Priority,
			&p.TaskCreatedAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("allocation snapshot: scan pending: %w", err)
		}
		snap.Pending = append(snap.Pending, p)
		userSet[p.UserID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snap.Pending) == 0 {
		return snap, nil
	}

	snap.Services, err = s.listEligibleServices(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]uuid.UUID, 0, len(userSet))
	for u := range userSet {
		users = append(users, u)
	}
	mapRows, err := s.db.QueryContext(ctx, `
		SELECT user_id, service_id FROM user_services
		WHERE user_id = ANY($1)`, pq.Array(users))
	if err != nil {
		return nil, fmt.Errorf("allocation snapshot: user services: %w", err)
	}
	defer mapRows.Close()
	for mapRows.Next() {
		var userID, serviceID uuid.UUID
		if err := mapRows.Scan(&userID, &serviceID); err != nil {
			return nil, fmt.Errorf("allocation snapshot: scan mapping: %w", err)
		}
		snap.UserServices[userID] = append(snap.UserServices[userID], serviceID)
	}
	if err := mapRows.Err(); err != nil {
		return nil, err
	}

	resRows, err := s.db.QueryContext(ctx, `
		SELECT service_id FROM service_reservations WHERE expires_at > NOW()`)
	if err != nil {
		return nil, fmt.Errorf("allocation snapshot: reservations: %w", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		var id uuid.UUID
		if err := resRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("allocation snapshot: scan reservation: %w", err)
		}
		snap.ReservedServices[id] = true
	}
	return snap, resRows.Err()
}

// CommitAllocation atomically binds one grant: a reservation row (rejected if
// the service is already reserved, courtesy of the service_id primary key),
// the subtask CAS to allocated, and the task counters. Either every effect
// lands or none; a loss on any leg simply leaves the subtask pending for a
// later pass.
func (s *Store) CommitAllocation(ctx context.Context, g domain.Grant, reservedBy string, ttl time.Duration) error {
	if err := domain.CheckTransition(domain.SubTaskPending, domain.SubTaskAllocated); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit allocation: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO service_reservations
			(service_id, subtask_id, reserved_by, reserved_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + make_interval(secs => $4))
		ON CONFLICT (service_id) DO NOTHING`,
		g.ServiceID, g.SubTaskID, reservedBy, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("commit allocation: reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// An expired but unswept row also blocks the insert; take it over
		// in place rather than waiting for the sweeper.
		res, err = tx.ExecContext(ctx, `
			UPDATE service_reservations
			SET subtask_id = $2, reserved_by = $3, reserved_at = NOW(),
			    expires_at = NOW() + make_interval(secs => $4)
			WHERE service_id = $1 AND expires_at <= NOW()`,
			g.ServiceID, g.SubTaskID, reservedBy, ttl.Seconds())
		if err != nil {
			return fmt.Errorf("commit allocation: takeover: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrServiceBusy
		}
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE sub_tasks
		SET status = 'allocated', service_id = $2, allocated_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		g.SubTaskID, g.ServiceID)
	if err != nil {
		return fmt.Errorf("commit allocation: subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET allocated_subtasks = allocated_subtasks + 1,
		    pending_subtasks = GREATEST(pending_subtasks - 1, 0),
		    updated_at = NOW()
		WHERE id = $1`, g.TaskID); err != nil {
		return fmt.Errorf("commit allocation: task counters: %w", err)
	}

	return tx.Commit()
}

// LiveReservation returns the unexpired reservation held by a service, or
// ErrNotFound when the service is idle.
func (s *Store) LiveReservation(ctx context.Context, serviceID uuid.UUID) (*domain.Reservation, error) {
	var r domain.Reservation
	err := s.db.QueryRowContext(ctx, `
		SELECT service_id, subtask_id, reserved_by, reserved_at, expires_at
		FROM service_reservations
		WHERE service_id = $1 AND expires_at > NOW()`, serviceID).Scan(
		&r.ServiceID, &r.SubTaskID, &r.ReservedBy, &r.ReservedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("live reservation: %w", err)
	}
	return &r, nil
}

// SweepExpiredReservations deletes reservations past their expiry and
// returns their bound subtasks to pending. This is the sole crash-recovery
// path: a dispatcher that died mid-send surfaces here once its TTL runs out.
// Returns the number of subtasks reclaimed.
func (s *Store) SweepExpiredReservations(ctx context.Context) (int, error) {
	for _, from := range []domain.SubTaskStatus{domain.SubTaskAllocated, domain.SubTaskSending} {
		if err := domain.CheckTransition(from, domain.SubTaskPending); err != nil {
			return 0, err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		WITH expired AS (
			DELETE FROM service_reservations
			WHERE expires_at <= NOW()
			RETURNING subtask_id
		)
		UPDATE sub_tasks st
		SET status = 'pending', service_id = NULL, allocated_at = NULL,
		    sending_at = NULL, updated_at = NOW()
		FROM expired e
		WHERE st.id = e.subtask_id
		  AND st.status IN ('allocated', 'sending')
		RETURNING st.task_id`)
	if err != nil {
		return 0, fmt.Errorf("sweep: reclaim: %w", err)
	}

	taskCounts := make(map[uuid.UUID]int)
	reclaimed := 0
	for rows.Next() {
		var taskID uuid.UUID
		if err := rows.Scan(&taskID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep: scan: %w", err)
		}
		taskCounts[taskID]++
		reclaimed++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for taskID, n := range taskCounts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET pending_subtasks = pending_subtasks + $2,
			    allocated_subtasks = GREATEST(allocated_subtasks - $2, 0),
			    updated_at = NOW()
			WHERE id = $1`, taskID, n); err != nil {
			return 0, fmt.Errorf("sweep: task counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep: commit: %w", err)
	}
	return reclaimed, nil
}
