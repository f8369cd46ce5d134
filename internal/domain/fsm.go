package domain

import "fmt"

// subTaskTransitions is the single source of truth for legal SubTask status
// changes. Every store writer that moves a subtask declares its edge and
// validates it with CheckTransition before issuing the conditional update, so
// the SQL guards cannot drift from the state machine.
var subTaskTransitions = map[SubTaskStatus][]SubTaskStatus{
	SubTaskPending:   {SubTaskAllocated},
	SubTaskAllocated: {SubTaskSending, SubTaskPending}, // pending via sweeper reclaim
	SubTaskSending:   {SubTaskSent, SubTaskFailed, SubTaskPending},
	SubTaskSent:      {SubTaskDelivered, SubTaskBounced},
	SubTaskDelivered: {SubTaskOpened, SubTaskClicked},
	SubTaskOpened:    {SubTaskClicked},
	SubTaskFailed:    {SubTaskPending}, // retry re-queue
	// bounced and clicked have no outgoing edges
}

// CanTransition reports whether a SubTask may move from one status to another.
func CanTransition(from, to SubTaskStatus) bool {
	for _, next := range subTaskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a status write would violate one of
// the state machines.
type ErrIllegalTransition struct {
	Entity string
	From   string
	To     string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}

// CheckTransition returns an *ErrIllegalTransition if the move is not allowed.
func CheckTransition(from, to SubTaskStatus) error {
	if !CanTransition(from, to) {
		return &ErrIllegalTransition{Entity: "subtask", From: string(from), To: string(to)}
	}
	return nil
}

// taskTransitions is the task-level state machine. Operator controls
// (pause/resume/cancel) and the scheduler both consult it.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskDraft:     {TaskScheduled, TaskQueued, TaskCancelled},
	TaskScheduled: {TaskQueued, TaskPaused, TaskCancelled},
	TaskQueued:    {TaskSending, TaskPaused, TaskCancelled, TaskFailed, TaskDraft},
	TaskSending:   {TaskPaused, TaskCompleted, TaskFailed, TaskCancelled},
	TaskPaused:    {TaskSending, TaskCancelled},
	TaskCompleted: {TaskClosed},
	TaskFailed:    {TaskQueued, TaskClosed}, // re-queue after fixing the template
	TaskCancelled: {TaskClosed},
}

// CanTransitionTask reports whether a Task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// taskStatusOrder fixes the iteration order so derived status lists are
// stable across runs.
var taskStatusOrder = []TaskStatus{
	TaskDraft, TaskScheduled, TaskQueued, TaskSending, TaskPaused,
	TaskCompleted, TaskFailed, TaskCancelled, TaskClosed,
}

// TaskStatusesAllowing returns every status from which the target is
// reachable. Store writers build their conditional updates from it, so the
// WHERE clauses always mirror the state machine.
func TaskStatusesAllowing(to TaskStatus) []TaskStatus {
	var from []TaskStatus
	for _, s := range taskStatusOrder {
		if CanTransitionTask(s, to) {
			from = append(from, s)
		}
	}
	return from
}
