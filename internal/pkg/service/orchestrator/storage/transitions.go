package storage

import (
	"time"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
)

// Transition functions mutate a sub-task in place and report whether a
// change was applied. A false return with a nil error means the event
// arrived late for an already terminal sub-task and was dropped.
// They are shared by both store implementations, each wraps them in its
// own atomicity mechanism.

func applyDispatch(s *model.SubTask, nodeID string, now time.Time) (bool, error) {
	if s.IsTerminal() {
		return false, nil
	}
	if !s.CanTransition(model.SubTaskRunning) {
		return false, &IllegalTransitionError{SubTaskID: s.ID, From: s.Status, To: model.SubTaskRunning}
	}
	s.Status = model.SubTaskRunning
	s.NodeID = nodeID
	s.ErrorMessage = ""
	s.StartedAt = &now
	return true, nil
}

func applyComplete(s *model.SubTask, now time.Time) (bool, error) {
	if s.IsTerminal() {
		return false, nil
	}
	if !s.CanTransition(model.SubTaskCompleted) {
		return false, &IllegalTransitionError{SubTaskID: s.ID, From: s.Status, To: model.SubTaskCompleted}
	}
	s.Status = model.SubTaskCompleted
	s.CompletedAt = &now
	return true, nil
}

func applyFail(s *model.SubTask, errorMessage string, now time.Time) (bool, error) {
	if s.IsTerminal() {
		return false, nil
	}
	s.Status = model.SubTaskFailed
	s.ErrorMessage = errorMessage
	s.CompletedAt = &now
	return true, nil
}

func applyStop(s *model.SubTask, now time.Time) (bool, error) {
	if s.IsTerminal() {
		return false, nil
	}
	s.Status = model.SubTaskStopped
	s.CompletedAt = &now
	return true, nil
}

func applyRequeue(s *model.SubTask, reason string, consumeRetry bool) (bool, error) {
	if s.IsTerminal() {
		return false, nil
	}
	if s.Status != model.SubTaskRunning {
		return false, &IllegalTransitionError{SubTaskID: s.ID, From: s.Status, To: model.SubTaskPending}
	}
	s.Status = model.SubTaskPending
	s.NodeID = ""
	s.StartedAt = nil
	s.ErrorMessage = reason
	if consumeRetry {
		s.RetryCount++
	}
	return true, nil
}

func applyMessage(s *model.SubTask, message string) (bool, error) {
	if s.Status != model.SubTaskPending || s.ErrorMessage == message {
		return false, nil
	}
	s.ErrorMessage = message
	return true, nil
}

// refreshTask recomputes the derived fields of the parent task.
func refreshTask(t *model.Task, subtasks []*model.SubTask, now time.Time) {
	status, message := model.DeriveTaskStatus(subtasks)
	t.Status = status
	t.ErrorMessage = message

	active := 0
	for _, s := range subtasks {
		if s.Status == model.SubTaskRunning {
			active++
		}
	}
	t.ActiveSubTasks = active
	t.TotalSubTasks = len(subtasks)

	if status == model.TaskRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	switch status {
	case model.TaskStopped, model.TaskFailed:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	case model.TaskPending, model.TaskRunning:
		t.CompletedAt = nil
	}
}
