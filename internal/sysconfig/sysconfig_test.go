package sysconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setup(t *testing.T) (*Service, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(db, rdb), mock, mr
}

func TestGetDefaultWhenUnset(t *testing.T) {
	s, mock, _ := setup(t)

	mock.ExpectQuery(`SELECT value FROM system_config`).
		WithArgs("batch_size").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	v, err := s.Get(context.Background(), KeyBatchSize)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if v != 10 {
		t.Errorf("Get(batch_size) unset = %d, want default 10", v)
	}
}

func TestGetCachesInRedis(t *testing.T) {
	s, mock, mr := setup(t)

	mock.ExpectQuery(`SELECT value FROM system_config`).
		WithArgs("batch_size").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("50"))

	ctx := context.Background()
	v, err := s.Get(ctx, KeyBatchSize)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if v != 50 {
		t.Fatalf("Get = %d, want 50", v)
	}
	if got, _ := mr.Get("sysconfig:batch_size"); got != "50" {
		t.Errorf("cache = %q, want \"50\"", got)
	}

	// Second read is served by the cache; no DB expectation set.
	v, err = s.Get(ctx, KeyBatchSize)
	if err != nil || v != 50 {
		t.Errorf("cached Get = (%d, %v), want (50, nil)", v, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetUnknownKey(t *testing.T) {
	s, _, _ := setup(t)

	_, err := s.Get(context.Background(), Key("no_such_key"))
	if !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Get(no_such_key) = %v, want ErrUnknownKey", err)
	}
}

func TestGetClampsStoredValue(t *testing.T) {
	s, mock, _ := setup(t)

	// 5000 is above the 1..1000 bound for batch_size.
	mock.ExpectQuery(`SELECT value FROM system_config`).
		WithArgs("batch_size").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("5000"))

	v, err := s.Get(context.Background(), KeyBatchSize)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if v != 1000 {
		t.Errorf("Get out-of-range stored value = %d, want clamped 1000", v)
	}
}

func TestSetValidatesBounds(t *testing.T) {
	s, _, _ := setup(t)

	err := s.Set(context.Background(), KeyMaxRetryAttempts, 99, "ops@example.com")
	if !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Set(max_retry_attempts, 99) = %v, want ErrOutOfBounds", err)
	}
}

func TestSetPersistsAuditsAndInvalidates(t *testing.T) {
	s, mock, mr := setup(t)

	mr.Set("sysconfig:reservation_ttl_seconds", "30")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT value FROM system_config`).
		WithArgs("reservation_ttl_seconds").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("30"))
	mock.ExpectExec(`INSERT INTO system_config`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO system_config_audit`).
		WithArgs("reservation_ttl_seconds", "30", "60", "ops@example.com").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Set(context.Background(), KeyReservationTTLSeconds, 60, "ops@example.com")
	if err != nil {
		t.Fatalf("Set error: %v", err)
	}

	if mr.Exists("sysconfig:reservation_ttl_seconds") {
		t.Error("Set should invalidate the cache entry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestKeysRegistryComplete(t *testing.T) {
	keys := Keys()
	if len(keys) != len(registry) {
		t.Fatalf("Keys() returned %d entries, registry has %d", len(keys), len(registry))
	}
	for _, ki := range keys {
		if ki.Min > ki.Default || ki.Default > ki.Max {
			t.Errorf("%s: default %d outside bounds %d..%d", ki.Key, ki.Default, ki.Min, ki.Max)
		}
	}
}
