package dispatch

import (
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
)

// MQTT wire messages. Field names follow the snake_case convention the
// worker nodes already speak, do not rename them.

// connectionMessage is a lifecycle event on the shared "connection"
// topic, an announce or a graceful goodbye.
type connectionMessage struct {
	NodeID   string  `json:"node_id"`
	Status   string  `json:"status,omitempty"` // "online" or "offline", empty means online
	Hostname string  `json:"hostname,omitempty"`
	Version  string  `json:"version,omitempty"`
	MaxTasks int     `json:"max_tasks,omitempty"`
	Time     float64 `json:"timestamp,omitempty"`
}

const connectionStatusOffline = "offline"

// statusMessage is published by a node on its own status topic, both as
// a periodic heartbeat and on resource changes.
type statusMessage struct {
	Type        string  `json:"type"`
	CPUUsage    float64 `json:"cpu_usage,omitempty"`
	MemoryUsage float64 `json:"memory_usage,omitempty"`
	GPUUsage    float64 `json:"gpu_usage,omitempty"`
	Time        float64 `json:"timestamp,omitempty"`
}

// resultMessage reports the state of a sub-task, a progress
// confirmation or a terminal outcome.
type resultMessage struct {
	TaskID       string  `json:"task_id"`
	SubTaskID    string  `json:"subtask_id"`
	Status       string  `json:"status"` // "running", "completed" or "failed"
	ErrorMessage string  `json:"error_message,omitempty"`
	Time         float64 `json:"timestamp,omitempty"`
}

const (
	resultStatusRunning   = "running"
	resultStatusCompleted = "completed"
	resultStatusFailed    = "failed"
)

// requestSetting wraps a work order sent to a node. The node confirms it
// on the confirmation topic, correlated by the message UUID.
type requestSetting struct {
	MessageUUID       string           `json:"message_uuid"`
	ConfirmationTopic string           `json:"confirmation_topic"`
	Command           string           `json:"command"`
	Data              *model.WorkOrder `json:"data"`
	Time              float64          `json:"timestamp"`
}

// configReply is the node's confirmation of a request.
type configReply struct {
	MessageUUID string `json:"message_uuid"`
	Status      string `json:"status"` // "success" or "error"
	Message     string `json:"message,omitempty"`
}

const replyStatusSuccess = "success"

// commandMessage carries a fire-and-forget command, currently only
// "stop_subtask".
type commandMessage struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
	Time    float64           `json:"timestamp"`
}
