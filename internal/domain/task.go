package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates the lifecycle states of a campaign task.
type TaskStatus string

const (
	TaskDraft     TaskStatus = "draft"
	TaskScheduled TaskStatus = "scheduled"
	TaskQueued    TaskStatus = "queued"
	TaskSending   TaskStatus = "sending"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskClosed    TaskStatus = "closed"
)

// Task is a campaign-level unit of email work. It is expanded into one
// SubTask per recipient and is terminal once every SubTask is terminal.
type Task struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	UserID          uuid.UUID  `json:"user_id" db:"user_id"`
	Name            string     `json:"name" db:"name"`
	Status          TaskStatus `json:"status" db:"status"`
	Priority        int        `json:"priority" db:"priority"`
	RecipientListID uuid.UUID  `json:"recipient_list_id" db:"recipient_list_id"`
	SubjectTemplate string     `json:"subject_template" db:"subject_template"`
	BodyTemplate    string     `json:"body_template" db:"body_template"`

	// Counters maintained by the expander and the scheduler.
	// Invariant: AllocatedSubTasks + PendingSubTasks <= TotalSubTasks.
	TotalSubTasks     int `json:"total_subtasks" db:"total_subtasks"`
	AllocatedSubTasks int `json:"allocated_subtasks" db:"allocated_subtasks"`
	PendingSubTasks   int `json:"pending_subtasks" db:"pending_subtasks"`
	SentCount         int `json:"sent_count" db:"sent_count"`
	FailedCount       int `json:"failed_count" db:"failed_count"`

	ScheduledAt  *time.Time `json:"scheduled_at" db:"scheduled_at"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskClosed:
		return true
	}
	return false
}

// CanPause reports whether a pause request is valid for the current status.
func (t *Task) CanPause() bool {
	return t.Status == TaskScheduled || t.Status == TaskQueued || t.Status == TaskSending
}

// CanResume reports whether a resume request is valid for the current status.
func (t *Task) CanResume() bool {
	return t.Status == TaskPaused
}

// CanCancel reports whether a cancel request is valid for the current status.
// Cancel is always allowed until the task reaches a terminal state.
func (t *Task) CanCancel() bool {
	return !t.IsTerminal()
}

// Contact is one resolved recipient handed over by the CRUD layer.
type Contact struct {
	ID         uuid.UUID              `json:"id" db:"id"`
	Email      string                 `json:"email" db:"email"`
	Name       string                 `json:"name" db:"name"`
	Attributes map[string]interface{} `json:"attributes" db:"attributes"`
}

// TaskProgress is the per-task counter snapshot served by the status API.
type TaskProgress struct {
	TaskID    uuid.UUID  `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Total     int        `json:"total_subtasks"`
	Pending   int        `json:"pending_subtasks"`
	Allocated int        `json:"allocated_subtasks"`
	Sent      int        `json:"sent_count"`
	Failed    int        `json:"failed_count"`
	UpdatedAt time.Time  `json:"updated_at"`
}
