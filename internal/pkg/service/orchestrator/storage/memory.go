package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// memoryStore keeps everything in process memory guarded by one mutex.
// It exists for tests and for running the orchestrator without etcd.
type memoryStore struct {
	clock clock.Clock
	lock  sync.Mutex

	nodes    map[string]*model.Node
	tasks    map[string]*model.Task
	subtasks map[string]map[string]*model.SubTask // taskID -> subTaskID -> sub-task
}

func NewMemoryStore(clk clock.Clock) Store {
	return &memoryStore{
		clock:    clk,
		nodes:    make(map[string]*model.Node),
		tasks:    make(map[string]*model.Task),
		subtasks: make(map[string]map[string]*model.SubTask),
	}
}

func (s *memoryStore) CreateTask(_ context.Context, task *model.Task, subtasks []*model.SubTask) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.tasks[task.ID]; found {
		return errors.Errorf(`task "%s" already exists`, task.ID)
	}
	children := make(map[string]*model.SubTask, len(subtasks))
	for _, st := range subtasks {
		children[st.ID] = cloneSubTask(st)
	}
	s.tasks[task.ID] = cloneTask(task)
	s.subtasks[task.ID] = children
	return nil
}

func (s *memoryStore) GetTask(_ context.Context, taskID string) (*model.Task, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	task, found := s.tasks[taskID]
	if !found {
		return nil, errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
	}
	return cloneTask(task), nil
}

func (s *memoryStore) ListTasks(_ context.Context) ([]*model.Task, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.tasks[taskID]; !found {
		return errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
	}
	delete(s.tasks, taskID)
	delete(s.subtasks, taskID)
	return nil
}

func (s *memoryStore) GetSubTask(_ context.Context, taskID, subTaskID string) (*model.SubTask, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.subTask(taskID, subTaskID)
	if err != nil {
		return nil, err
	}
	return cloneSubTask(st), nil
}

func (s *memoryStore) ListSubTasks(_ context.Context, taskID string) ([]*model.SubTask, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	children, found := s.subtasks[taskID]
	if !found {
		return nil, errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
	}
	out := make([]*model.SubTask, 0, len(children))
	for _, st := range children {
		out = append(out, cloneSubTask(st))
	}
	sortSubTasks(out)
	return out, nil
}

func (s *memoryStore) ListSubTasksByNode(_ context.Context, nodeID string) ([]*model.SubTask, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*model.SubTask
	for _, children := range s.subtasks {
		for _, st := range children {
			if st.Status == model.SubTaskRunning && st.NodeID == nodeID {
				out = append(out, cloneSubTask(st))
			}
		}
	}
	sortSubTasks(out)
	return out, nil
}

func (s *memoryStore) ListPendingSubTasks(_ context.Context) ([]*model.SubTask, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*model.SubTask
	for _, children := range s.subtasks {
		for _, st := range children {
			if st.Status == model.SubTaskPending {
				out = append(out, cloneSubTask(st))
			}
		}
	}
	sortByAdmission(out)
	return out, nil
}

func (s *memoryStore) DispatchSubTask(_ context.Context, taskID, subTaskID, nodeID string) error {
	return s.transition(taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyDispatch(st, nodeID, s.clock.Now())
	})
}

func (s *memoryStore) CompleteSubTask(_ context.Context, taskID, subTaskID string) error {
	return s.transition(taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyComplete(st, s.clock.Now())
	})
}

func (s *memoryStore) FailSubTask(_ context.Context, taskID, subTaskID, errorMessage string) error {
	return s.transition(taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyFail(st, errorMessage, s.clock.Now())
	})
}

func (s *memoryStore) StopSubTask(_ context.Context, taskID, subTaskID string) error {
	return s.transition(taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyStop(st, s.clock.Now())
	})
}

func (s *memoryStore) RequeueSubTask(_ context.Context, taskID, subTaskID, reason string, consumeRetry bool) error {
	return s.transition(taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyRequeue(st, reason, consumeRetry)
	})
}

func (s *memoryStore) SetSubTaskMessage(_ context.Context, taskID, subTaskID, message string) error {
	return s.transition(taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyMessage(st, message)
	})
}

func (s *memoryStore) RecoverRunning(_ context.Context) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var running []*model.SubTask
	for _, children := range s.subtasks {
		for _, st := range children {
			if st.Status == model.SubTaskRunning {
				running = append(running, st)
			}
		}
	}
	sortSubTasks(running)

	touched := make(map[string]bool)
	for _, st := range running {
		if _, err := applyRequeue(st, "orchestrator restarted", false); err != nil {
			return 0, err
		}
		touched[st.TaskID] = true
	}
	for taskID := range touched {
		s.refresh(taskID)
	}
	return len(running), nil
}

func (s *memoryStore) PutNode(_ context.Context, node *model.Node) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nodes[node.ID] = cloneNode(node)
	return nil
}

func (s *memoryStore) GetNode(_ context.Context, nodeID string) (*model.Node, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	node, found := s.nodes[nodeID]
	if !found {
		return nil, errors.PrefixErrorf(ErrNodeNotFound, `node "%s"`, nodeID)
	}
	return cloneNode(node), nil
}

func (s *memoryStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*model.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, cloneNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) DeleteNode(_ context.Context, nodeID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.nodes[nodeID]; !found {
		return errors.PrefixErrorf(ErrNodeNotFound, `node "%s"`, nodeID)
	}
	delete(s.nodes, nodeID)
	return nil
}

func (s *memoryStore) transition(taskID, subTaskID string, fn func(*model.SubTask) (bool, error)) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	st, err := s.subTask(taskID, subTaskID)
	if err != nil {
		return err
	}
	changed, err := fn(st)
	if err != nil {
		return err
	}
	if changed {
		s.refresh(taskID)
	}
	return nil
}

// refresh recomputes the derived task fields, the caller holds the lock.
func (s *memoryStore) refresh(taskID string) {
	task, found := s.tasks[taskID]
	if !found {
		return
	}
	children := make([]*model.SubTask, 0, len(s.subtasks[taskID]))
	for _, st := range s.subtasks[taskID] {
		children = append(children, st)
	}
	refreshTask(task, children, s.clock.Now())
}

func (s *memoryStore) subTask(taskID, subTaskID string) (*model.SubTask, error) {
	children, found := s.subtasks[taskID]
	if !found {
		return nil, errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
	}
	st, found := children[subTaskID]
	if !found {
		return nil, errors.PrefixErrorf(ErrSubTaskNotFound, `sub-task "%s"`, subTaskID)
	}
	return st, nil
}

// sortByAdmission orders the queue: higher priority first, then FIFO.
func sortByAdmission(subtasks []*model.SubTask) {
	sort.Slice(subtasks, func(i, j int) bool {
		a, b := subtasks[i], subtasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.Seq < b.Seq
	})
}

func sortSubTasks(subtasks []*model.SubTask) {
	sort.Slice(subtasks, func(i, j int) bool {
		a, b := subtasks[i], subtasks[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.Seq < b.Seq
	})
}

func cloneTask(v *model.Task) *model.Task {
	out := *v
	out.SubTaskIDs = append([]string(nil), v.SubTaskIDs...)
	return &out
}

func cloneSubTask(v *model.SubTask) *model.SubTask {
	out := *v
	out.Source.URLs = append([]string(nil), v.Source.URLs...)
	return &out
}

func cloneNode(v *model.Node) *model.Node {
	out := *v
	return &out
}
