package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubTaskStatus enumerates the lifecycle of a single (task, recipient) send unit.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskAllocated SubTaskStatus = "allocated"
	// SubTaskSending is the dispatch claim: exactly one worker may move a
	// subtask allocated->sending, which is what prevents double-sends when
	// several scheduler processes run the same service loop.
	SubTaskSending   SubTaskStatus = "sending"
	SubTaskSent      SubTaskStatus = "sent"
	SubTaskDelivered SubTaskStatus = "delivered"
	SubTaskOpened    SubTaskStatus = "opened"
	SubTaskClicked   SubTaskStatus = "clicked"
	SubTaskBounced   SubTaskStatus = "bounced"
	SubTaskFailed    SubTaskStatus = "failed"
)

// SubTask is the atomic scheduling object: one recipient of one task, with
// its rendered content and retry bookkeeping. Unique on (TaskID, ContactID).
type SubTask struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	TaskID    uuid.UUID     `json:"task_id" db:"task_id"`
	ContactID uuid.UUID     `json:"contact_id" db:"contact_id"`
	Email     string        `json:"email" db:"email"`
	ServiceID *uuid.UUID    `json:"service_id" db:"service_id"`
	Status    SubTaskStatus `json:"status" db:"status"`

	Subject    string `json:"subject" db:"subject"`
	Body       string `json:"body" db:"body"`
	TrackingID string `json:"tracking_id" db:"tracking_id"`

	RetryCount  int        `json:"retry_count" db:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at" db:"next_retry_at"`

	AllocatedAt       *time.Time `json:"allocated_at" db:"allocated_at"`
	SendingAt         *time.Time `json:"sending_at" db:"sending_at"`
	SentAt            *time.Time `json:"sent_at" db:"sent_at"`
	ProviderMessageID string     `json:"provider_message_id" db:"provider_message_id"`
	ErrorMessage      string     `json:"error_message" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true once no scheduler component may touch the subtask
// again. Delivered/opened/clicked remain mutable by external delivery events
// only; bounced and failed are hard-terminal.
func (s *SubTask) IsTerminal() bool {
	switch s.Status {
	case SubTaskSent, SubTaskDelivered, SubTaskOpened, SubTaskClicked, SubTaskBounced, SubTaskFailed:
		return true
	}
	return false
}
