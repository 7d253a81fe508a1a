package model

import (
	"time"
)

// TransportKind determines how the orchestrator talks to a node.
type TransportKind string

const (
	TransportHTTP TransportKind = "http"
	TransportMQTT TransportKind = "mqtt"
)

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

const (
	DefaultNodeWeight   = 5
	DefaultNodeMaxTasks = 4
)

// Node is a worker process capable of executing analysis work.
// It is keyed by ID: "ip:port" for HTTP nodes, the broker client/MAC
// identity for MQTT nodes.
type Node struct {
	ID        string        `json:"id" validate:"required"`
	Transport TransportKind `json:"transport" validate:"required,oneof=http mqtt"`
	Address   string        `json:"address" validate:"required"`
	Hostname  string        `json:"hostname,omitempty"`
	Version   string        `json:"version,omitempty"`

	Status NodeStatus `json:"status" validate:"required,oneof=online offline"`
	Active bool       `json:"active"`

	// Weight 1..10 scales the node score during selection.
	Weight   int `json:"weight" validate:"min=0,max=10"`
	MaxTasks int `json:"maxTasks" validate:"min=0"`

	// TaskCounts holds the in-flight work per task type.
	TaskCounts TaskCounts `json:"taskCounts"`

	CPUUsage    float64 `json:"cpuUsage,omitempty"`
	MemoryUsage float64 `json:"memoryUsage,omitempty"`
	GPUUsage    float64 `json:"gpuUsage,omitempty"`

	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type TaskCounts struct {
	Image  int `json:"image"`
	Video  int `json:"video"`
	Stream int `json:"stream"`
}

func (c TaskCounts) Total() int {
	return c.Image + c.Video + c.Stream
}

func (c *TaskCounts) Add(t TaskType, delta int) {
	switch t {
	case TaskTypeImage:
		c.Image = max(0, c.Image+delta)
	case TaskTypeVideo:
		c.Video = max(0, c.Video+delta)
	case TaskTypeStream:
		c.Stream = max(0, c.Stream+delta)
	}
}

// LoadFraction is the node's assigned task count divided by its maximum capacity.
func (n *Node) LoadFraction() float64 {
	if n.MaxTasks <= 0 {
		return 1.0
	}
	return float64(n.TaskCounts.Total()) / float64(n.MaxTasks)
}

func (n *Node) HasCapacity() bool {
	return n.MaxTasks > 0 && n.TaskCounts.Total() < n.MaxTasks
}

func (n *Node) IsEligible() bool {
	return n.Status == NodeOnline && n.Active && n.HasCapacity()
}
