package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
)

const serviceColumns = `id, name, provider, enabled, frozen, daily_quota,
	used_quota, send_interval_ms, next_available_at, consecutive_failures, updated_at`

func scanService(row interface{ Scan(...interface{}) error }) (*domain.EmailService, error) {
	var svc domain.EmailService
	err := row.Scan(
		&svc.ID, &svc.Name, &svc.Provider, &svc.Enabled, &svc.Frozen,
		&svc.DailyQuota, &svc.UsedQuota, &svc.SendIntervalMS,
		&svc.NextAvailableAt, &svc.ConsecutiveFailures, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// GetService loads a service by id.
func (s *Store) GetService(ctx context.Context, id uuid.UUID) (*domain.EmailService, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM email_services WHERE id = $1`, id)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// ListEnabledServices returns every enabled service, frozen or not. The
// dispatcher pool runs a runner per enabled service; frozen ones idle until
// an operator thaws them.
func (s *Store) ListEnabledServices(ctx context.Context) ([]domain.EmailService, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM email_services WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled services: %w", err)
	}
	defer rows.Close()

	var svcs []domain.EmailService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		svcs = append(svcs, *svc)
	}
	return svcs, rows.Err()
}

func (s *Store) listEligibleServices(ctx context.Context) ([]domain.EmailService, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM email_services
		WHERE enabled AND NOT frozen AND used_quota < daily_quota
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list eligible services: %w", err)
	}
	defer rows.Close()

	var svcs []domain.EmailService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		svcs = append(svcs, *svc)
	}
	return svcs, rows.Err()
}

// RecordServiceFailure bumps a service's consecutive-failure counter,
// advances its interval clock, and freezes it once the counter reaches
// freezeAfter. Returns the new counter and whether the service froze.
func (s *Store) RecordServiceFailure(ctx context.Context, id uuid.UUID, freezeAfter int) (int, bool, error) {
	var failures int
	var frozen bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE email_services
		SET consecutive_failures = consecutive_failures + 1,
		    next_available_at = NOW() + (send_interval_ms * interval '1 millisecond'),
		    frozen = frozen OR (consecutive_failures + 1 >= $2),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures, frozen`,
		id, freezeAfter).Scan(&failures, &frozen)
	if err == sql.ErrNoRows {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("record service failure: %w", err)
	}
	return failures, frozen, nil
}

// ResetDailyQuotas zeroes used_quota on every service. Meant to run once per
// day at the quota boundary.
func (s *Store) ResetDailyQuotas(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_services
		SET used_quota = 0, updated_at = NOW()
		WHERE used_quota > 0`)
	if err != nil {
		return 0, fmt.Errorf("reset daily quotas: %w", err)
	}
	return res.RowsAffected()
}
