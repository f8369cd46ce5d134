// Package sysconfig is the runtime configuration store: operator-tunable
// integer settings persisted in PostgreSQL, cached in Redis, validated
// against per-key bounds, and audited on every change. Scheduler loops read
// their tunables here at the top of each pass so changes apply without a
// restart.
package sysconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key identifies one runtime setting.
type Key string

const (
	// KeyBatchSize caps how many subtasks one allocation pass may grant.
	KeyBatchSize Key = "batch_size"
	// KeyMaxRetryAttempts is the retry ceiling before a subtask goes
	// terminal failed.
	KeyMaxRetryAttempts Key = "max_retry_attempts"
	// KeyReservationTTLSeconds bounds how long a reservation may outlive a
	// crashed dispatcher.
	KeyReservationTTLSeconds Key = "reservation_ttl_seconds"
	// KeyFreezeAfterFailures is the consecutive-failure count that freezes
	// a service.
	KeyFreezeAfterFailures Key = "freeze_after_failures"
	// KeyAllocatorIntervalSeconds is the allocation pass cadence.
	KeyAllocatorIntervalSeconds Key = "allocator_interval_seconds"
	// KeySweeperIntervalSeconds is the reservation sweep cadence.
	KeySweeperIntervalSeconds Key = "sweeper_interval_seconds"
	// KeyScannerIntervalSeconds is the scheduled-task scan cadence.
	KeyScannerIntervalSeconds Key = "scanner_interval_seconds"
	// KeyMetricsIntervalSeconds is the metrics collection cadence.
	KeyMetricsIntervalSeconds Key = "metrics_interval_seconds"
	// KeyStuckTaskThresholdSeconds is how long a task may sit without
	// progress before it alerts.
	KeyStuckTaskThresholdSeconds Key = "stuck_task_threshold_seconds"
	// KeyErrorRateAlertPercent is the error-rate alert threshold.
	KeyErrorRateAlertPercent Key = "error_rate_alert_percent"
)

type spec struct {
	def, min, max int
	description   string
}

// registry is the authoritative list of known keys with bounds and defaults.
// Unknown keys are rejected on both read and write.
var registry = map[Key]spec{
	KeyBatchSize:                 {10, 1, 1000, "max subtasks granted per allocation pass"},
	KeyMaxRetryAttempts:          {3, 0, 10, "retry ceiling before terminal failure"},
	KeyReservationTTLSeconds:     {30, 5, 600, "reservation lifetime"},
	KeyFreezeAfterFailures:       {5, 1, 100, "consecutive failures before a service freezes"},
	KeyAllocatorIntervalSeconds:  {2, 1, 300, "allocation pass interval"},
	KeySweeperIntervalSeconds:    {10, 1, 300, "reservation sweep interval"},
	KeyScannerIntervalSeconds:    {10, 1, 3600, "scheduled task scan interval"},
	KeyMetricsIntervalSeconds:    {60, 5, 3600, "metrics collection interval"},
	KeyStuckTaskThresholdSeconds: {600, 60, 86400, "no-progress window before a stuck-task alert"},
	KeyErrorRateAlertPercent:     {25, 1, 100, "error-rate percentage that raises an alert"},
}

var (
	// ErrUnknownKey is returned for keys outside the registry.
	ErrUnknownKey = errors.New("sysconfig: unknown key")
	// ErrOutOfBounds is returned when a write violates the key's bounds.
	ErrOutOfBounds = errors.New("sysconfig: value out of bounds")
)

const cacheTTL = 5 * time.Minute

// Service reads and writes runtime settings. Reads are Redis-cache-first
// with a TTL; writes validate, persist, audit, and invalidate. A nil Redis
// client degrades to database-only reads.
type Service struct {
	db  *sql.DB
	rdb *redis.Client
}

// New creates a Service. rdb may be nil.
func New(db *sql.DB, rdb *redis.Client) *Service {
	return &Service{db: db, rdb: rdb}
}

// Keys returns every known key with its bounds, default and description.
type KeyInfo struct {
	Key         Key    `json:"key"`
	Default     int    `json:"default"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
	Description string `json:"description"`
}

// Keys lists the registry for the config API.
func Keys() []KeyInfo {
	out := make([]KeyInfo, 0, len(registry))
	for k, s := range registry {
		out = append(out, KeyInfo{Key: k, Default: s.def, Min: s.min, Max: s.max, Description: s.description})
	}
	return out
}

// Default returns the registry default for a key, or 0 for unknown keys.
// Callers that must not fail a pass use it as the fallback when a read errors.
func Default(k Key) int { return registry[k].def }

func cacheKey(k Key) string { return "sysconfig:" + string(k) }

// Get returns the current value for a key: cache, then database, then the
// registry default. A cache or database read error degrades to the default
// rather than failing the caller's pass.
func (s *Service) Get(ctx context.Context, k Key) (int, error) {
	sp, ok := registry[k]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}

	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, cacheKey(k)).Result(); err == nil {
			if v, err := strconv.Atoi(raw); err == nil {
				return clamp(v, sp), nil
			}
		}
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = $1`, string(k)).Scan(&raw)
	if err == sql.ErrNoRows {
		return sp.def, nil
	}
	if err != nil {
		return sp.def, fmt.Errorf("sysconfig: read %s: %w", k, err)
	}

	v, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return sp.def, nil
	}
	v = clamp(v, sp)

	if s.rdb != nil {
		s.rdb.Set(ctx, cacheKey(k), strconv.Itoa(v), cacheTTL)
	}
	return v, nil
}

// GetDuration reads a *_seconds key as a time.Duration.
func (s *Service) GetDuration(ctx context.Context, k Key) (time.Duration, error) {
	v, err := s.Get(ctx, k)
	return time.Duration(v) * time.Second, err
}

// Set validates and persists a new value, records an audit row, and
// invalidates the cache entry so every process sees the change on its next
// read.
func (s *Service) Set(ctx context.Context, k Key, value int, actor string) error {
	sp, ok := registry[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}
	if value < sp.min || value > sp.max {
		return fmt.Errorf("%w: %s=%d (allowed %d..%d)", ErrOutOfBounds, k, value, sp.min, sp.max)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sysconfig: begin: %w", err)
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = $1 FOR UPDATE`, string(k)).Scan(&old)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("sysconfig: read old %s: %w", k, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_config (key, value, description, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = NOW()`,
		string(k), strconv.Itoa(value), sp.description, actor)
	if err != nil {
		return fmt.Errorf("sysconfig: write %s: %w", k, err)
	}

	oldVal := strconv.Itoa(sp.def)
	if old.Valid {
		oldVal = old.String
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO system_config_audit (key, old_value, new_value, actor, changed_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		string(k), oldVal, strconv.Itoa(value), actor)
	if err != nil {
		return fmt.Errorf("sysconfig: audit %s: %w", k, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sysconfig: commit %s: %w", k, err)
	}

	if s.rdb != nil {
		s.rdb.Del(ctx, cacheKey(k))
	}
	return nil
}

// clamp pulls an out-of-range stored value back into bounds. Values can only
// leave bounds through direct database edits; reads repair rather than fail.
func clamp(v int, sp spec) int {
	if v < sp.min {
		return sp.min
	}
	if v > sp.max {
		return sp.max
	}
	return v
}
