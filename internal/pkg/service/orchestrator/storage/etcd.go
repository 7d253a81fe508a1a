package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// txnMaxAttempts bounds the optimistic retry loop of a transition,
// a conflict means another orchestrator operation touched the same pair.
const txnMaxAttempts = 5

type etcdStore struct {
	client *etcd.Client
	clock  clock.Clock
}

func NewEtcdStore(client *etcd.Client, clk clock.Clock) Store {
	return &etcdStore{client: client, clock: clk}
}

func (s *etcdStore) CreateTask(ctx context.Context, task *model.Task, subtasks []*model.SubTask) error {
	ops := make([]etcd.Op, 0, len(subtasks)+1)
	taskValue, err := encode(task)
	if err != nil {
		return err
	}
	ops = append(ops, etcd.OpPut(taskKey(task.ID), string(taskValue)))
	for _, st := range subtasks {
		value, err := encode(st)
		if err != nil {
			return err
		}
		ops = append(ops, etcd.OpPut(subTaskKey(task.ID, st.ID), string(value)))
	}

	resp, err := s.client.Txn(ctx).
		If(etcd.Compare(etcd.Version(taskKey(task.ID)), "=", 0)).
		Then(ops...).
		Commit()
	if err != nil {
		return persistenceError(err)
	}
	if !resp.Succeeded {
		return errors.Errorf(`task "%s" already exists`, task.ID)
	}
	return nil
}

func (s *etcdStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	task, _, err := getOne[model.Task](ctx, s.client, taskKey(taskID))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
	}
	return task, nil
}

func (s *etcdStore) ListTasks(ctx context.Context) ([]*model.Task, error) {
	resp, err := s.client.Get(ctx, taskPrefix, etcd.WithPrefix())
	if err != nil {
		return nil, persistenceError(err)
	}
	var out []*model.Task
	for _, kv := range resp.Kvs {
		if strings.Contains(string(kv.Key), "/subtask/") {
			continue
		}
		task, err := decode[model.Task](kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *etcdStore) DeleteTask(ctx context.Context, taskID string) error {
	resp, err := s.client.Txn(ctx).
		If(etcd.Compare(etcd.Version(taskKey(taskID)), ">", 0)).
		Then(
			etcd.OpDelete(taskKey(taskID)),
			etcd.OpDelete(subTasksPrefix(taskID), etcd.WithPrefix()),
		).
		Commit()
	if err != nil {
		return persistenceError(err)
	}
	if !resp.Succeeded {
		return errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
	}
	return nil
}

func (s *etcdStore) GetSubTask(ctx context.Context, taskID, subTaskID string) (*model.SubTask, error) {
	st, _, err := getOne[model.SubTask](ctx, s.client, subTaskKey(taskID, subTaskID))
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.PrefixErrorf(ErrSubTaskNotFound, `sub-task "%s"`, subTaskID)
	}
	return st, nil
}

func (s *etcdStore) ListSubTasks(ctx context.Context, taskID string) ([]*model.SubTask, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	out, err := rangeSubTasks(ctx, s.client, subTasksPrefix(taskID))
	if err != nil {
		return nil, err
	}
	sortSubTasks(out)
	return out, nil
}

func (s *etcdStore) ListSubTasksByNode(ctx context.Context, nodeID string) ([]*model.SubTask, error) {
	all, err := rangeSubTasks(ctx, s.client, taskPrefix)
	if err != nil {
		return nil, err
	}
	var out []*model.SubTask
	for _, st := range all {
		if st.Status == model.SubTaskRunning && st.NodeID == nodeID {
			out = append(out, st)
		}
	}
	sortSubTasks(out)
	return out, nil
}

func (s *etcdStore) ListPendingSubTasks(ctx context.Context) ([]*model.SubTask, error) {
	all, err := rangeSubTasks(ctx, s.client, taskPrefix)
	if err != nil {
		return nil, err
	}
	var out []*model.SubTask
	for _, st := range all {
		if st.Status == model.SubTaskPending {
			out = append(out, st)
		}
	}
	sortByAdmission(out)
	return out, nil
}

func (s *etcdStore) DispatchSubTask(ctx context.Context, taskID, subTaskID, nodeID string) error {
	return s.transition(ctx, taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyDispatch(st, nodeID, s.clock.Now())
	})
}

func (s *etcdStore) CompleteSubTask(ctx context.Context, taskID, subTaskID string) error {
	return s.transition(ctx, taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyComplete(st, s.clock.Now())
	})
}

func (s *etcdStore) FailSubTask(ctx context.Context, taskID, subTaskID, errorMessage string) error {
	return s.transition(ctx, taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyFail(st, errorMessage, s.clock.Now())
	})
}

func (s *etcdStore) StopSubTask(ctx context.Context, taskID, subTaskID string) error {
	return s.transition(ctx, taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyStop(st, s.clock.Now())
	})
}

func (s *etcdStore) RequeueSubTask(ctx context.Context, taskID, subTaskID, reason string, consumeRetry bool) error {
	return s.transition(ctx, taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyRequeue(st, reason, consumeRetry)
	})
}

func (s *etcdStore) SetSubTaskMessage(ctx context.Context, taskID, subTaskID, message string) error {
	return s.transition(ctx, taskID, subTaskID, func(st *model.SubTask) (bool, error) {
		return applyMessage(st, message)
	})
}

func (s *etcdStore) RecoverRunning(ctx context.Context) (int, error) {
	all, err := rangeSubTasks(ctx, s.client, taskPrefix)
	if err != nil {
		return 0, err
	}
	sortSubTasks(all)

	count := 0
	for _, st := range all {
		if st.Status != model.SubTaskRunning {
			continue
		}
		if err := s.RequeueSubTask(ctx, st.TaskID, st.ID, "orchestrator restarted", false); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *etcdStore) PutNode(ctx context.Context, node *model.Node) error {
	value, err := encode(node)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, nodeKey(node.ID), string(value)); err != nil {
		return persistenceError(err)
	}
	return nil
}

func (s *etcdStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	node, _, err := getOne[model.Node](ctx, s.client, nodeKey(nodeID))
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, errors.PrefixErrorf(ErrNodeNotFound, `node "%s"`, nodeID)
	}
	return node, nil
}

func (s *etcdStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := s.client.Get(ctx, nodePrefix, etcd.WithPrefix())
	if err != nil {
		return nil, persistenceError(err)
	}
	out := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		node, err := decode[model.Node](kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *etcdStore) DeleteNode(ctx context.Context, nodeID string) error {
	resp, err := s.client.Delete(ctx, nodeKey(nodeID))
	if err != nil {
		return persistenceError(err)
	}
	if resp.Deleted == 0 {
		return errors.PrefixErrorf(ErrNodeNotFound, `node "%s"`, nodeID)
	}
	return nil
}

// transition loads the sub-task and its siblings, applies the change and
// writes the sub-task together with the refreshed parent task in one
// transaction. A concurrent modification fails the revision guards and
// the whole read-modify-write is repeated.
func (s *etcdStore) transition(ctx context.Context, taskID, subTaskID string, fn func(*model.SubTask) (bool, error)) error {
	for attempt := 0; attempt < txnMaxAttempts; attempt++ {
		st, stRev, err := getOne[model.SubTask](ctx, s.client, subTaskKey(taskID, subTaskID))
		if err != nil {
			return err
		}
		if st == nil {
			return errors.PrefixErrorf(ErrSubTaskNotFound, `sub-task "%s"`, subTaskID)
		}

		changed, err := fn(st)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		task, taskRev, err := getOne[model.Task](ctx, s.client, taskKey(taskID))
		if err != nil {
			return err
		}
		if task == nil {
			return errors.PrefixErrorf(ErrTaskNotFound, `task "%s"`, taskID)
		}

		siblings, err := rangeSubTasks(ctx, s.client, subTasksPrefix(taskID))
		if err != nil {
			return err
		}
		for i, sibling := range siblings {
			if sibling.ID == st.ID {
				siblings[i] = st
			}
		}
		refreshTask(task, siblings, s.clock.Now())

		stValue, err := encode(st)
		if err != nil {
			return err
		}
		taskValue, err := encode(task)
		if err != nil {
			return err
		}

		resp, err := s.client.Txn(ctx).
			If(
				etcd.Compare(etcd.ModRevision(subTaskKey(taskID, subTaskID)), "=", stRev),
				etcd.Compare(etcd.ModRevision(taskKey(taskID)), "=", taskRev),
			).
			Then(
				etcd.OpPut(subTaskKey(taskID, subTaskID), string(stValue)),
				etcd.OpPut(taskKey(taskID), string(taskValue)),
			).
			Commit()
		if err != nil {
			return persistenceError(err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return errors.Errorf(`sub-task "%s" transition failed, too many concurrent modifications`, subTaskID)
}

func getOne[T any](ctx context.Context, client *etcd.Client, key string) (*T, int64, error) {
	resp, err := client.Get(ctx, key)
	if err != nil {
		return nil, 0, persistenceError(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	out, err := decode[T](resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, err
	}
	return out, resp.Kvs[0].ModRevision, nil
}

func rangeSubTasks(ctx context.Context, client *etcd.Client, prefix string) ([]*model.SubTask, error) {
	resp, err := client.Get(ctx, prefix, etcd.WithPrefix())
	if err != nil {
		return nil, persistenceError(err)
	}
	var out []*model.SubTask
	for _, kv := range resp.Kvs {
		if !strings.Contains(string(kv.Key), "/subtask/") {
			continue
		}
		st, err := decode[model.SubTask](kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func persistenceError(err error) error {
	return errors.PrefixError(err, "persistence")
}
