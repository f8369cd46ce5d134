package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypoint/bulkmail/internal/domain"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimQueuedTask(t *testing.T) {
	s, mock := setupTestDB(t)

	taskID := uuid.New()
	userID := uuid.New()
	listID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "name", "status", "priority", "recipient_list_id",
		"subject_template", "body_template", "total_subtasks", "allocated_subtasks",
		"pending_subtasks", "sent_count", "failed_count", "scheduled_at",
		"error_message", "created_at", "updated_at",
	}).AddRow(taskID, userID, "spring promo", "sending", 5, listID,
		"Hi {{name}}", "Body", 0, 0, 0, 0, 0, nil, nil, now, now)

	mock.ExpectQuery(`UPDATE tasks t`).WillReturnRows(rows)

	task, err := s.ClaimQueuedTask(context.Background())
	if err != nil {
		t.Fatalf("ClaimQueuedTask error: %v", err)
	}
	if task.ID != taskID || task.Status != domain.TaskSending {
		t.Errorf("claimed task = (%s, %s), want (%s, sending)", task.ID, task.Status, taskID)
	}
	expectationsMet(t, mock)
}

func TestClaimQueuedTaskEmpty(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectQuery(`UPDATE tasks t`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.ClaimQueuedTask(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ClaimQueuedTask on empty queue = %v, want ErrNotFound", err)
	}
	expectationsMet(t, mock)
}

func TestCommitAllocation(t *testing.T) {
	s, mock := setupTestDB(t)

	g := domain.Grant{
		SubTaskID: uuid.New(),
		TaskID:    uuid.New(),
		ServiceID: uuid.New(),
		UserID:    uuid.New(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO service_reservations`).
		WithArgs(g.ServiceID, g.SubTaskID, "sched-1", float64(30)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sub_tasks`).
		WithArgs(g.SubTaskID, g.ServiceID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(g.TaskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.CommitAllocation(context.Background(), g, "sched-1", 30*time.Second)
	if err != nil {
		t.Fatalf("CommitAllocation error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestCommitAllocationServiceBusy(t *testing.T) {
	s, mock := setupTestDB(t)

	g := domain.Grant{SubTaskID: uuid.New(), TaskID: uuid.New(), ServiceID: uuid.New()}

	mock.ExpectBegin()
	// Insert hits the live reservation, takeover finds nothing expired.
	mock.ExpectExec(`INSERT INTO service_reservations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE service_reservations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CommitAllocation(context.Background(), g, "sched-1", 30*time.Second)
	if !errors.Is(err, ErrServiceBusy) {
		t.Errorf("CommitAllocation on reserved service = %v, want ErrServiceBusy", err)
	}
	expectationsMet(t, mock)
}

func TestCommitAllocationSubTaskGone(t *testing.T) {
	s, mock := setupTestDB(t)

	g := domain.Grant{SubTaskID: uuid.New(), TaskID: uuid.New(), ServiceID: uuid.New()}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO service_reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Another pass already allocated the subtask.
	mock.ExpectExec(`UPDATE sub_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CommitAllocation(context.Background(), g, "sched-1", 30*time.Second)
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("CommitAllocation on stale subtask = %v, want ErrStaleState", err)
	}
	expectationsMet(t, mock)
}

func TestClaimSending(t *testing.T) {
	s, mock := setupTestDB(t)

	subID, svcID := uuid.New(), uuid.New()

	mock.ExpectExec(`UPDATE sub_tasks`).
		WithArgs(subID, svcID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ClaimSending(context.Background(), subID, svcID); err != nil {
		t.Fatalf("ClaimSending error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestClaimSendingLost(t *testing.T) {
	s, mock := setupTestDB(t)

	mock.ExpectExec(`UPDATE sub_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ClaimSending(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("ClaimSending losing the CAS = %v, want ErrStaleState", err)
	}
	expectationsMet(t, mock)
}

func TestMarkSent(t *testing.T) {
	s, mock := setupTestDB(t)

	subID, svcID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sub_tasks`).
		WithArgs(subID, "msg-123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_services`).
		WithArgs(svcID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM service_reservations`).
		WithArgs(svcID, subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.MarkSent(context.Background(), subID, svcID, "msg-123"); err != nil {
		t.Fatalf("MarkSent error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestMarkSentQuotaExhausted(t *testing.T) {
	s, mock := setupTestDB(t)

	subID, svcID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sub_tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// used_quota < daily_quota guard fails.
	mock.ExpectExec(`UPDATE email_services`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkSent(context.Background(), subID, svcID, "msg-123")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("MarkSent past quota = %v, want ErrQuotaExhausted", err)
	}
	expectationsMet(t, mock)
}

func TestRequeueForRetry(t *testing.T) {
	s, mock := setupTestDB(t)

	subID, svcID := uuid.New(), uuid.New()
	retryAt := time.Now().Add(2 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sub_tasks`).
		WithArgs(subID, 1, retryAt, "connection reset").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM service_reservations`).
		WithArgs(svcID, subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RequeueForRetry(context.Background(), subID, svcID, 1, retryAt, "connection reset")
	if err != nil {
		t.Fatalf("RequeueForRetry error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestSweepExpiredReservations(t *testing.T) {
	s, mock := setupTestDB(t)

	taskA, taskB := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`WITH expired AS`).
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).
			AddRow(taskA).AddRow(taskA).AddRow(taskB))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.SweepExpiredReservations(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredReservations error: %v", err)
	}
	if n != 3 {
		t.Errorf("reclaimed = %d, want 3", n)
	}
	expectationsMet(t, mock)
}

func TestRecordServiceFailureFreezes(t *testing.T) {
	s, mock := setupTestDB(t)

	svcID := uuid.New()
	mock.ExpectQuery(`UPDATE email_services`).
		WithArgs(svcID, 5).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "frozen"}).
			AddRow(5, true))

	failures, frozen, err := s.RecordServiceFailure(context.Background(), svcID, 5)
	if err != nil {
		t.Fatalf("RecordServiceFailure error: %v", err)
	}
	if failures != 5 || !frozen {
		t.Errorf("RecordServiceFailure = (%d, %v), want (5, true)", failures, frozen)
	}
	expectationsMet(t, mock)
}

// FailTask's WHERE clause must carry exactly the sources the task state
// machine allows for failed, nothing broader.
func TestFailTaskGuardsFromStateMachine(t *testing.T) {
	s, mock := setupTestDB(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(id, "template render failed", pq.Array([]string{"queued", "sending"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FailTask(context.Background(), id, "template render failed"); err != nil {
		t.Fatalf("FailTask error: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPauseTaskIllegal(t *testing.T) {
	s, mock := setupTestDB(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM tasks`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := s.PauseTask(context.Background(), id)
	var ill *domain.ErrIllegalTransition
	if !errors.As(err, &ill) {
		t.Fatalf("PauseTask on completed task = %v, want ErrIllegalTransition", err)
	}
	if ill.From != "completed" || ill.To != "paused" {
		t.Errorf("transition = %s -> %s, want completed -> paused", ill.From, ill.To)
	}
	expectationsMet(t, mock)
}
