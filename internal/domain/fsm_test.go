package domain

import "testing"

func TestSubTaskTransitions(t *testing.T) {
	tests := []struct {
		name string
		from SubTaskStatus
		to   SubTaskStatus
		ok   bool
	}{
		{"allocate pending", SubTaskPending, SubTaskAllocated, true},
		{"claim allocated", SubTaskAllocated, SubTaskSending, true},
		{"sweeper reclaim allocated", SubTaskAllocated, SubTaskPending, true},
		{"sweeper reclaim sending", SubTaskSending, SubTaskPending, true},
		{"send success", SubTaskSending, SubTaskSent, true},
		{"send permanent failure", SubTaskSending, SubTaskFailed, true},
		{"retry requeue", SubTaskFailed, SubTaskPending, true},
		{"delivery event", SubTaskSent, SubTaskDelivered, true},
		{"bounce event", SubTaskSent, SubTaskBounced, true},
		{"open after delivery", SubTaskDelivered, SubTaskOpened, true},
		{"click after open", SubTaskOpened, SubTaskClicked, true},

		{"skip allocation", SubTaskPending, SubTaskSending, false},
		{"skip claim", SubTaskAllocated, SubTaskSent, false},
		{"double send", SubTaskSent, SubTaskSent, false},
		{"resurrect bounced", SubTaskBounced, SubTaskPending, false},
		{"pending direct to sent", SubTaskPending, SubTaskSent, false},
		{"sent back to pending", SubTaskSent, SubTaskPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
			err := CheckTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("CheckTransition(%s, %s) unexpected error: %v", tt.from, tt.to, err)
			}
			if !tt.ok && err == nil {
				t.Errorf("CheckTransition(%s, %s) expected error, got nil", tt.from, tt.to)
			}
		})
	}
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{"schedule draft", TaskDraft, TaskScheduled, true},
		{"queue immediately", TaskDraft, TaskQueued, true},
		{"scanner activates", TaskScheduled, TaskQueued, true},
		{"expander starts", TaskQueued, TaskSending, true},
		{"expansion failure", TaskQueued, TaskFailed, true},
		{"pause sending", TaskSending, TaskPaused, true},
		{"resume", TaskPaused, TaskSending, true},
		{"complete", TaskSending, TaskCompleted, true},
		{"cancel paused", TaskPaused, TaskCancelled, true},

		{"complete a draft", TaskDraft, TaskCompleted, false},
		{"resume a cancelled task", TaskCancelled, TaskSending, false},
		{"pause a completed task", TaskCompleted, TaskPaused, false},
		{"reopen completed", TaskCompleted, TaskSending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionTask(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransitionTask(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestTaskStatusesAllowing(t *testing.T) {
	tests := []struct {
		to   TaskStatus
		want []TaskStatus
	}{
		{TaskFailed, []TaskStatus{TaskQueued, TaskSending}},
		{TaskCancelled, []TaskStatus{TaskDraft, TaskScheduled, TaskQueued, TaskSending, TaskPaused}},
		{TaskPaused, []TaskStatus{TaskScheduled, TaskQueued, TaskSending}},
		{TaskClosed, []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled}},
	}

	for _, tt := range tests {
		got := TaskStatusesAllowing(tt.to)
		if len(got) != len(tt.want) {
			t.Errorf("TaskStatusesAllowing(%s) = %v, want %v", tt.to, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("TaskStatusesAllowing(%s)[%d] = %s, want %s", tt.to, i, got[i], tt.want[i])
			}
		}
		// The derived list must agree edge by edge with the machine itself.
		for _, from := range got {
			if !CanTransitionTask(from, tt.to) {
				t.Errorf("TaskStatusesAllowing(%s) includes %s, but CanTransitionTask denies it", tt.to, from)
			}
		}
	}
}

func TestSubTaskIsTerminal(t *testing.T) {
	terminal := []SubTaskStatus{SubTaskSent, SubTaskDelivered, SubTaskOpened, SubTaskClicked, SubTaskBounced, SubTaskFailed}
	active := []SubTaskStatus{SubTaskPending, SubTaskAllocated, SubTaskSending}

	for _, s := range terminal {
		st := SubTask{Status: s}
		if !st.IsTerminal() {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range active {
		st := SubTask{Status: s}
		if st.IsTerminal() {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}
