// Package distlock provides non-blocking distributed locks used to keep
// periodic scheduler passes (allocator, sweeper, scanner) from running
// redundantly when several scheduler processes are deployed. Correctness of
// allocation never depends on these locks; the reservation table and CAS
// status updates carry that. The locks only save wasted passes.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed lock. Acquire returns false immediately
// when another holder owns the lock. A single Lock value must not be shared
// across goroutines.
type Lock interface {
	// Acquire tries to take the lock, returning true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is supplied
// (preferred for cross-host deployments), otherwise PostgreSQL advisory
// locks, which are released automatically when the session drops.
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock implements Lock on pg_try_advisory_lock. The lock id is
// derived deterministically from the key string.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewAdvisoryLock creates a PostgreSQL advisory lock for the given key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries to take the advisory lock without blocking.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.lockID).Scan(&ok)
	return ok, err
}

// Release unlocks the advisory lock.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.lockID)
	return err
}
