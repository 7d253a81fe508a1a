// Package storage persists nodes, tasks and sub-tasks and guards the
// legality of sub-task state transitions. All transition operations are
// atomic: the sub-task mutation and the derived parent task status are
// written together, so readers never observe a half-updated pair.
package storage

import (
	"context"
	"fmt"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSubTaskNotFound = errors.New("sub-task not found")
	ErrNodeNotFound    = errors.New("node not found")
)

// IllegalTransitionError is returned for a state change the machine forbids.
// Late completion or failure events on an already terminal sub-task are not
// errors, those are silently dropped by the transition operations.
type IllegalTransitionError struct {
	SubTaskID string
	From      model.SubTaskStatus
	To        model.SubTaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(`illegal sub-task "%s" transition from "%s" to "%s"`, e.SubTaskID, e.From, e.To)
}

// Store is the persistence boundary of the orchestrator.
// There are two implementations, etcd for production and an in-memory
// store for tests.
type Store interface {
	// CreateTask stores the task together with its sub-tasks in one
	// transaction, a partially created task is never visible.
	CreateTask(ctx context.Context, task *model.Task, subtasks []*model.SubTask) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]*model.Task, error)
	// DeleteTask removes the task and all its sub-tasks.
	DeleteTask(ctx context.Context, taskID string) error

	GetSubTask(ctx context.Context, taskID, subTaskID string) (*model.SubTask, error)
	ListSubTasks(ctx context.Context, taskID string) ([]*model.SubTask, error)
	// ListSubTasksByNode returns the running sub-tasks assigned to the node.
	ListSubTasksByNode(ctx context.Context, nodeID string) ([]*model.SubTask, error)
	// ListPendingSubTasks returns pending sub-tasks in admission order,
	// oldest creation first.
	ListPendingSubTasks(ctx context.Context) ([]*model.SubTask, error)

	// DispatchSubTask moves a pending sub-task to running on the node.
	DispatchSubTask(ctx context.Context, taskID, subTaskID, nodeID string) error
	// CompleteSubTask moves a running sub-task to completed.
	// A completion event for an already terminal sub-task is a no-op.
	CompleteSubTask(ctx context.Context, taskID, subTaskID string) error
	// FailSubTask moves a pending or running sub-task to failed.
	// A failure event for an already terminal sub-task is a no-op.
	FailSubTask(ctx context.Context, taskID, subTaskID, errorMessage string) error
	// StopSubTask moves a pending or running sub-task to stopped,
	// terminal sub-tasks are left untouched.
	StopSubTask(ctx context.Context, taskID, subTaskID string) error
	// RequeueSubTask returns a running sub-task to the pending queue,
	// clearing its node assignment and start time. The retry budget is
	// consumed only when the requeue is caused by a dispatch failure,
	// not when the assigned node was lost.
	RequeueSubTask(ctx context.Context, taskID, subTaskID, reason string, consumeRetry bool) error

	// SetSubTaskMessage records a human readable reason on a pending
	// sub-task, for example why it cannot be dispatched right now.
	// Non-pending sub-tasks are left untouched.
	SetSubTaskMessage(ctx context.Context, taskID, subTaskID, message string) error

	// RecoverRunning requeues every running sub-task, used once on
	// startup to pick up work orphaned by an orchestrator crash.
	// Returns the count of recovered sub-tasks.
	RecoverRunning(ctx context.Context) (int, error)

	PutNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	DeleteNode(ctx context.Context, nodeID string) error
}
