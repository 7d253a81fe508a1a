package storage

import (
	"encoding/json"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// Etcd key layout, all keys live under the configured namespace:
//
//	runtime/node/<nodeID>           -> model.Node
//	task/<taskID>                   -> model.Task
//	task/<taskID>/subtask/<id>      -> model.SubTask
//
// Sub-tasks are nested under their task so a single range query loads a
// task with all its children.
const (
	nodePrefix = "runtime/node/"
	taskPrefix = "task/"
)

func nodeKey(nodeID string) string {
	if nodeID == "" {
		panic(errors.New("nodeID cannot be empty"))
	}
	return nodePrefix + nodeID
}

func taskKey(taskID string) string {
	if taskID == "" {
		panic(errors.New("taskID cannot be empty"))
	}
	return taskPrefix + taskID
}

func subTasksPrefix(taskID string) string {
	return taskKey(taskID) + "/subtask/"
}

func subTaskKey(taskID, subTaskID string) string {
	if subTaskID == "" {
		panic(errors.New("subTaskID cannot be empty"))
	}
	return subTasksPrefix(taskID) + subTaskID
}

func encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.PrefixError(err, "cannot encode value")
	}
	return out, nil
}

func decode[T any](data []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, errors.PrefixError(err, "cannot decode value")
	}
	return out, nil
}
