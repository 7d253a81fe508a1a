package controller

import (
	"context"
	"fmt"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// Broker event handlers, the controller implements dispatch.NodeEvents.

// OnNodeConnected registers or refreshes an announced node.
func (c *Controller) OnNodeConnected(ctx context.Context, node *model.Node) {
	if _, err := c.registry.Register(ctx, node); err != nil {
		c.logger.Errorf(`cannot register announced node "%s": %s`, node.ID, err)
	}
}

// OnNodeDisconnected handles a graceful goodbye. The node is marked
// offline right away and its running work returns to the queue, the
// retry budget of the moved sub-tasks is untouched.
func (c *Controller) OnNodeDisconnected(ctx context.Context, nodeID string) {
	if _, err := c.registry.MarkOffline(ctx, nodeID); err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			c.logger.Debugf(`goodbye from unknown node "%s" dropped`, nodeID)
			return
		}
		c.logger.Errorf(`cannot mark node "%s" offline: %s`, nodeID, err)
		return
	}

	orphans, err := c.store.ListSubTasksByNode(ctx, nodeID)
	if err != nil {
		c.logger.Errorf(`cannot list sub-tasks of node "%s": %s`, nodeID, err)
		return
	}
	reason := fmt.Sprintf(`node "%s" is offline`, nodeID)
	for _, st := range orphans {
		if err := c.store.RequeueSubTask(ctx, st.TaskID, st.ID, reason, false); err != nil {
			c.logger.Errorf(`cannot requeue sub-task "%s": %s`, st.ID, err)
		}
	}
	if len(orphans) > 0 {
		c.logger.Warnf(`requeued %d sub-tasks of disconnected node "%s"`, len(orphans), nodeID)
	}
}

// OnNodeHeartbeat refreshes the node liveness, a heartbeat of an unknown
// node is dropped, the node must announce itself first.
func (c *Controller) OnNodeHeartbeat(ctx context.Context, nodeID string, cpu, memory, gpu float64) {
	if _, err := c.registry.Heartbeat(ctx, nodeID, cpu, memory, gpu); err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			c.logger.Debugf(`heartbeat from unknown node "%s" dropped`, nodeID)
			return
		}
		c.logger.Errorf(`cannot process heartbeat of node "%s": %s`, nodeID, err)
	}
}

// OnSubTaskResult applies a terminal outcome reported by a node.
// Late events for already terminal sub-tasks are no-ops. A reported
// failure returns the sub-task to the queue, one retry attempt is
// consumed, the admission pass fails it once the budget is gone.
func (c *Controller) OnSubTaskResult(ctx context.Context, taskID, subTaskID string, success bool, errorMessage string) {
	st, err := c.store.GetSubTask(ctx, taskID, subTaskID)
	if err != nil {
		c.logger.Warnf(`result for unknown sub-task "%s" of task "%s" dropped`, subTaskID, taskID)
		return
	}
	if st.IsTerminal() {
		c.logger.Debugf(`late result for sub-task "%s" dropped`, subTaskID)
		return
	}

	if success {
		if err := c.store.CompleteSubTask(ctx, taskID, subTaskID); err != nil {
			c.logger.Errorf(`cannot complete sub-task "%s": %s`, subTaskID, err)
			return
		}
	} else {
		if err := c.store.RequeueSubTask(ctx, taskID, subTaskID, errorMessage, true); err != nil {
			c.logger.Errorf(`cannot requeue failed sub-task "%s": %s`, subTaskID, err)
			return
		}
		// The retry waits out the same backoff as a dispatch failure.
		c.queue.ScheduleRetry(subTaskID, st.RetryCount+1)
	}

	if st.NodeID != "" {
		if err := c.registry.ReleaseNode(ctx, st.NodeID, st.Type); err != nil {
			c.logger.Errorf(`cannot release slot on node "%s": %s`, st.NodeID, err)
		}
	}
	if success {
		c.logger.Infof(`sub-task "%s" completed on node "%s"`, subTaskID, st.NodeID)
	} else {
		c.logger.Warnf(`sub-task "%s" failed on node "%s", requeued: %s`, subTaskID, st.NodeID, errorMessage)
	}
}
