package model

import (
	"time"
)

type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskStopped   SubTaskStatus = "stopped"
	SubTaskFailed    SubTaskStatus = "failed"
)

// SubTask is the smallest schedulable entity, one source × one model.
type SubTask struct {
	ID     string `json:"id" validate:"required"`
	TaskID string `json:"taskId" validate:"required"`
	// Seq is the creation order within the parent task, admission is FIFO by Seq.
	Seq int `json:"seq"`

	Type     TaskType       `json:"type" validate:"required,oneof=image video stream"`
	Source   Source         `json:"source" validate:"required"`
	Analysis AnalysisConfig `json:"analysis" validate:"required"`
	Result   ResultConfig   `json:"result"`
	// Priority is a re-ordering hint for admission, not a hard guarantee.
	Priority int `json:"priority,omitempty"`

	NodeID string        `json:"nodeId,omitempty"`
	Status SubTaskStatus `json:"status"`

	RetryCount   int    `json:"retryCount"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Source describes what the node should analyze.
type Source struct {
	Type TaskType `json:"type" validate:"required,oneof=image video stream"`
	URLs []string `json:"urls" validate:"required,min=1,dive,required"`
}

func (s *SubTask) IsTerminal() bool {
	switch s.Status {
	case SubTaskCompleted, SubTaskStopped, SubTaskFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state change is legal.
// RUNNING→PENDING is legal only as a recovery action, see ResetSubTask.
func (s *SubTask) CanTransition(to SubTaskStatus) bool {
	switch s.Status {
	case SubTaskPending:
		return to == SubTaskRunning || to == SubTaskStopped || to == SubTaskFailed
	case SubTaskRunning:
		return to == SubTaskCompleted || to == SubTaskFailed || to == SubTaskStopped || to == SubTaskPending
	default:
		// Terminal states accept no transitions, late events are no-ops.
		return false
	}
}
