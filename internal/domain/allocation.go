package domain

import (
	"time"

	"github.com/google/uuid"
)

// PendingSubTask is the slice of a subtask the allocator needs, joined with
// the owning task's ordering fields.
type PendingSubTask struct {
	SubTaskID     uuid.UUID
	TaskID        uuid.UUID
	UserID        uuid.UUID
	Priority      int
	TaskCreatedAt time.Time
	CreatedAt     time.Time
}

// AllocationSnapshot is a point-in-time view of everything one allocation
// pass considers. The planner works over the snapshot only; staleness is
// resolved by the conditional commits, not by locking.
type AllocationSnapshot struct {
	Pending          []PendingSubTask
	Services         []EmailService
	UserServices     map[uuid.UUID][]uuid.UUID
	ReservedServices map[uuid.UUID]bool
	Now              time.Time
}

// Grant pairs one subtask with the service chosen for it.
type Grant struct {
	SubTaskID uuid.UUID
	TaskID    uuid.UUID
	ServiceID uuid.UUID
	UserID    uuid.UUID
}
