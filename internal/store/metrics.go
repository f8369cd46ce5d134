package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceQueueDepth is the per-service backlog of allocated and in-flight
// subtasks.
type ServiceQueueDepth struct {
	ServiceID uuid.UUID `json:"service_id"`
	Name      string    `json:"name"`
	Depth     int       `json:"depth"`
}

// QueueStatus is the snapshot served by GET /api/status/queue.
type QueueStatus struct {
	PendingTotal     int                 `json:"pending_total"`
	OldestPendingAge float64             `json:"oldest_pending_age_seconds"`
	PerService       []ServiceQueueDepth `json:"per_service"`
}

// QueueStatus aggregates the global pending backlog and per-service depths.
func (s *Store) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	var qs QueueStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)
		FROM sub_tasks WHERE status = 'pending'`).Scan(
		&qs.PendingTotal, &qs.OldestPendingAge)
	if err != nil {
		return nil, fmt.Errorf("queue status: pending: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT es.id, es.name, COUNT(st.id)
		FROM email_services es
		LEFT JOIN sub_tasks st
		  ON st.service_id = es.id AND st.status IN ('allocated', 'sending')
		WHERE es.enabled
		GROUP BY es.id, es.name
		ORDER BY es.name`)
	if err != nil {
		return nil, fmt.Errorf("queue status: per service: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d ServiceQueueDepth
		if err := rows.Scan(&d.ServiceID, &d.Name, &d.Depth); err != nil {
			return nil, fmt.Errorf("queue status: scan: %w", err)
		}
		qs.PerService = append(qs.PerService, d)
	}
	return &qs, rows.Err()
}

// ErrorRateSince returns terminal failures as a fraction of finished sends
// within the window. Zero activity reads as zero rate.
func (s *Store) ErrorRateSince(ctx context.Context, since time.Time) (float64, error) {
	var sent, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status IN ('sent', 'delivered', 'opened', 'clicked')),
		       COUNT(*) FILTER (WHERE status IN ('failed', 'bounced'))
		FROM sub_tasks
		WHERE updated_at >= $1`, since).Scan(&sent, &failed)
	if err != nil {
		return 0, fmt.Errorf("error rate: %w", err)
	}
	total := sent + failed
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// AvailableServiceCount counts services currently able to accept a send.
func (s *Store) AvailableServiceCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_services
		WHERE enabled AND NOT frozen AND used_quota < daily_quota`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("available services: %w", err)
	}
	return n, nil
}

// StuckTasks returns sending tasks with pending work that has not moved
// within the threshold.
func (s *Store) StuckTasks(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'sending'
		  AND pending_subtasks > 0
		  AND updated_at < NOW() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("stuck tasks: %w", err)
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

// RecordMetric samples one metric value, optionally bound to a task.
func (s *Store) RecordMetric(ctx context.Context, taskID *uuid.UUID, metric string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_metrics (id, task_id, metric, value, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), nullableUUID(taskID), metric, value)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// Alert is one operational alert row.
type Alert struct {
	ID        uuid.UUID              `json:"id"`
	Kind      string                 `json:"kind"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// RecordAlert persists an alert for the API and alerter to pick up.
func (s *Store) RecordAlert(ctx context.Context, kind, message string, details map[string]interface{}) error {
	var raw []byte
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_alerts (id, kind, message, details, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), kind, message, nullableJSON(raw))
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, message, COALESCE(details, 'null'), created_at
		FROM scheduler_alerts
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var raw []byte
		if err := rows.Scan(&a.ID, &a.Kind, &a.Message, &raw, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if len(raw) > 0 {
			json.Unmarshal(raw, &a.Details)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
