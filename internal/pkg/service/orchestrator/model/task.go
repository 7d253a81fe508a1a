package model

import (
	"time"
)

// TaskType is the kind of analysis source a sub-task works on.
type TaskType string

const (
	TaskTypeImage  TaskType = "image"
	TaskTypeVideo  TaskType = "video"
	TaskTypeStream TaskType = "stream"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskStopped TaskStatus = "stopped"
	TaskFailed  TaskStatus = "failed"
)

// Task is a user-level analysis job spanning one or more source/model
// combinations. Its status is derived from the child sub-tasks, see
// DeriveTaskStatus; only a user-issued stop sets it directly.
type Task struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name" validate:"required"`

	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	SubTaskIDs     []string `json:"subTaskIds"`
	ActiveSubTasks int      `json:"activeSubTasks"`
	TotalSubTasks  int      `json:"totalSubTasks"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DeriveTaskStatus re-aggregates the task status from its children.
// It must be called inside the same storage transaction as the sub-task
// mutation, so concurrent updates cannot observe inconsistent counts.
func DeriveTaskStatus(subtasks []*SubTask) (TaskStatus, string) {
	if len(subtasks) == 0 {
		return TaskPending, ""
	}

	var pending, running, completed, stopped, failed int
	for _, s := range subtasks {
		switch s.Status {
		case SubTaskPending:
			pending++
		case SubTaskRunning:
			running++
		case SubTaskCompleted:
			completed++
		case SubTaskStopped:
			stopped++
		case SubTaskFailed:
			failed++
		}
	}

	total := len(subtasks)
	switch {
	case running > 0:
		return TaskRunning, ""
	case pending > 0:
		// Queued work remains, the task is not terminal.
		return TaskPending, ""
	case failed == total:
		return TaskFailed, aggregateErrors(subtasks)
	case stopped > 0 && failed == 0 && completed == 0:
		return TaskStopped, "task stopped"
	case failed > 0:
		return TaskStopped, aggregateErrors(subtasks)
	default:
		return TaskStopped, ""
	}
}

func aggregateErrors(subtasks []*SubTask) string {
	out := ""
	for _, s := range subtasks {
		if s.Status == SubTaskFailed && s.ErrorMessage != "" {
			if out != "" {
				out += "; "
			}
			out += s.ID + ": " + s.ErrorMessage
		}
	}
	return out
}
