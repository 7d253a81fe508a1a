package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/registry"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/scheduler"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
)

// fakeTransport accepts every order and records stop notifications.
type fakeTransport struct {
	lock    sync.Mutex
	stopped []string
}

func (f *fakeTransport) Send(_ context.Context, _ *model.Node, _ *model.WorkOrder) error {
	return nil
}

func (f *fakeTransport) Stop(_ context.Context, _ *model.Node, subTaskID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.stopped = append(f.stopped, subTaskID)
	return nil
}

func (f *fakeTransport) stops() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.stopped...)
}

type fixture struct {
	controller *Controller
	store      storage.Store
	registry   *registry.Registry
	transport  *fakeTransport
	clock      *clock.Mock
	logger     log.DebugLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	logger := log.NewDebugLogger()
	store := storage.NewMemoryStore(clk)
	reg := registry.New(logger, clk, store)
	transport := &fakeTransport{}
	queue := scheduler.New(logger, clk, config.Scheduler{
		TickInterval:   time.Second,
		MaxConcurrent:  3,
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Second,
	}, store, reg, transport)
	catalog := NewStaticCatalog("yolo-v8", "face-v2")
	return &fixture{
		controller: New(logger, clk, store, reg, queue, transport, catalog),
		store:      store,
		registry:   reg,
		transport:  transport,
		clock:      clk,
		logger:     logger,
	}
}

func (f *fixture) addNode(t *testing.T, id string, maxTasks int) {
	t.Helper()
	node, err := f.registry.Register(context.Background(), &model.Node{
		ID:        id,
		Transport: model.TransportHTTP,
		Address:   "http://" + id,
	})
	require.NoError(t, err)
	node.MaxTasks = maxTasks
	_, err = f.registry.Register(context.Background(), node)
	require.NoError(t, err)
}

func streamSource(url string) model.Source {
	return model.Source{Type: model.TaskTypeStream, URLs: []string{url}}
}

func TestController_CreateTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "entrance cameras",
		Sources:    []model.Source{streamSource("rtsp://cam/1"), streamSource("rtsp://cam/2")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, "2 of 2 sub-tasks created", result.Summary())
	assert.Empty(t, result.Warnings)

	task, err := f.store.GetTask(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, 2, task.TotalSubTasks)

	subtasks, err := f.store.ListSubTasks(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	for _, st := range subtasks {
		assert.Equal(t, model.SubTaskPending, st.Status)
		assert.Equal(t, "yolo-v8", st.Analysis.ModelCode)
	}
}

func TestController_CreateTaskSkipsMissingModel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Two sources and two models, one model unknown. The unknown model
	// drops both of its combinations, two of four materialize and the
	// skipped model is reported as a warning.
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "lobby",
		Sources:    []model.Source{streamSource("rtsp://cam/1"), streamSource("rtsp://cam/2")},
		ModelCodes: []string{"yolo-v8", "missing-model"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Requested)
	assert.Equal(t, 2, result.Created)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "missing-model")
}

func TestController_CreateTaskInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.controller.CreateTask(ctx, CreateTaskInput{Name: ""})
	assert.ErrorContains(t, err, "invalid task request")

	// All models unknown is an error, not a silent empty task.
	_, err = f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "lobby",
		Sources:    []model.Source{streamSource("rtsp://cam/1")},
		ModelCodes: []string{"missing-model"},
	})
	assert.ErrorContains(t, err, "no valid source and model combination")
}

func TestController_StartTaskPartialSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// One node with capacity for two of the three sub-tasks.
	f.addNode(t, "node-x", 2)
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "garage",
		Sources:    []model.Source{streamSource("rtsp://cam/1"), streamSource("rtsp://cam/2"), streamSource("rtsp://cam/3")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)

	started, total, err := f.controller.StartTask(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	assert.Equal(t, 3, total)

	// The third sub-task waits visibly for capacity.
	subtasks, err := f.store.ListSubTasks(ctx, result.Task.ID)
	require.NoError(t, err)
	pending := 0
	for _, st := range subtasks {
		if st.Status == model.SubTaskPending {
			pending++
			assert.Equal(t, "no resource available", st.ErrorMessage)
		}
	}
	assert.Equal(t, 1, pending)

	// Capacity frees up, the next start picks it up.
	require.NoError(t, f.store.CompleteSubTask(ctx, result.Task.ID, subtasks[0].ID))
	require.NoError(t, f.registry.ReleaseNode(ctx, "node-x", model.TaskTypeStream))
	started, _, err = f.controller.StartTask(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
}

func TestController_StopTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.addNode(t, "node-x", 4)
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "garage",
		Sources:    []model.Source{streamSource("rtsp://cam/1"), streamSource("rtsp://cam/2")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)
	taskID := result.Task.ID

	_, _, err = f.controller.StartTask(ctx, taskID)
	require.NoError(t, err)

	require.NoError(t, f.controller.StopTask(ctx, taskID))

	task, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStopped, task.Status)

	subtasks, err := f.store.ListSubTasks(ctx, taskID)
	require.NoError(t, err)
	for _, st := range subtasks {
		assert.Equal(t, model.SubTaskStopped, st.Status)
	}

	// Capacity returned, nodes notified.
	node, err := f.registry.GetNode(ctx, "node-x")
	require.NoError(t, err)
	assert.Zero(t, node.TaskCounts.Total())
	assert.Len(t, f.transport.stops(), 2)

	// Stopping again is a no-op.
	require.NoError(t, f.controller.StopTask(ctx, taskID))
	assert.Len(t, f.transport.stops(), 2)
}

func TestController_MigrateTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.addNode(t, "node-a", 4)
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "garage",
		Sources:    []model.Source{streamSource("rtsp://cam/1")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)
	taskID := result.Task.ID

	_, _, err = f.controller.StartTask(ctx, taskID)
	require.NoError(t, err)

	// Route new work away from node-a, then migrate.
	f.addNode(t, "node-b", 4)
	require.NoError(t, f.registry.SetActive(ctx, "node-a", false))
	require.NoError(t, f.controller.MigrateTask(ctx, taskID))

	subtasks, err := f.store.ListSubTasks(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, model.SubTaskRunning, subtasks[0].Status)
	assert.Equal(t, "node-b", subtasks[0].NodeID)
	assert.Zero(t, subtasks[0].RetryCount)

	// The old node was told to stop the sub-task and its slot is free.
	assert.Equal(t, []string{subtasks[0].ID}, f.transport.stops())
	nodeA, err := f.registry.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Zero(t, nodeA.TaskCounts.Total())
}

func TestController_OnSubTaskResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.addNode(t, "node-x", 4)
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "garage",
		Sources:    []model.Source{streamSource("rtsp://cam/1"), streamSource("rtsp://cam/2")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)
	taskID := result.Task.ID
	_, _, err = f.controller.StartTask(ctx, taskID)
	require.NoError(t, err)
	subtasks, err := f.store.ListSubTasks(ctx, taskID)
	require.NoError(t, err)

	// Success releases the slot and completes the sub-task.
	f.controller.OnSubTaskResult(ctx, taskID, subtasks[0].ID, true, "")
	st, err := f.store.GetSubTask(ctx, taskID, subtasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubTaskCompleted, st.Status)

	// Failure requeues with one retry consumed.
	f.controller.OnSubTaskResult(ctx, taskID, subtasks[1].ID, false, "stream decode error")
	st, err = f.store.GetSubTask(ctx, taskID, subtasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubTaskPending, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, "stream decode error", st.ErrorMessage)

	node, err := f.registry.GetNode(ctx, "node-x")
	require.NoError(t, err)
	assert.Zero(t, node.TaskCounts.Total())

	// A duplicate of the completion is a no-op.
	f.controller.OnSubTaskResult(ctx, taskID, subtasks[0].ID, false, "late contradiction")
	st, err = f.store.GetSubTask(ctx, taskID, subtasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubTaskCompleted, st.Status)

	// Unknown references are dropped.
	f.controller.OnSubTaskResult(ctx, "ghost", "ghost", true, "")
}

func TestController_NodeFailureBacksOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.addNode(t, "node-x", 4)
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "garage",
		Sources:    []model.Source{streamSource("rtsp://cam/1")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)
	taskID := result.Task.ID
	_, _, err = f.controller.StartTask(ctx, taskID)
	require.NoError(t, err)
	subtasks, err := f.store.ListSubTasks(ctx, taskID)
	require.NoError(t, err)
	subTaskID := subtasks[0].ID

	f.controller.OnSubTaskResult(ctx, taskID, subTaskID, false, "inference crashed")
	st, err := f.store.GetSubTask(ctx, taskID, subTaskID)
	require.NoError(t, err)
	require.Equal(t, model.SubTaskPending, st.Status)
	require.Equal(t, 1, st.RetryCount)

	// The requeued sub-task waits out the backoff, an immediate pass
	// must not redispatch it.
	require.NoError(t, f.controller.queue.TickAndWait(ctx))
	st, err = f.store.GetSubTask(ctx, taskID, subTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.SubTaskPending, st.Status)

	f.clock.Add(5 * time.Second)
	require.NoError(t, f.controller.queue.TickAndWait(ctx))
	st, err = f.store.GetSubTask(ctx, taskID, subTaskID)
	require.NoError(t, err)
	assert.Equal(t, model.SubTaskRunning, st.Status)
}

func TestController_OnNodeDisconnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.addNode(t, "node-x", 4)
	result, err := f.controller.CreateTask(ctx, CreateTaskInput{
		Name:       "garage",
		Sources:    []model.Source{streamSource("rtsp://cam/1"), streamSource("rtsp://cam/2")},
		ModelCodes: []string{"yolo-v8"},
	})
	require.NoError(t, err)
	taskID := result.Task.ID
	_, _, err = f.controller.StartTask(ctx, taskID)
	require.NoError(t, err)

	// The node says goodbye, its work returns to the queue at no
	// retry cost and new work is routed elsewhere.
	f.controller.OnNodeDisconnected(ctx, "node-x")

	node, err := f.registry.GetNode(ctx, "node-x")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOffline, node.Status)

	subtasks, err := f.store.ListSubTasks(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	for _, st := range subtasks {
		assert.Equal(t, model.SubTaskPending, st.Status)
		assert.Zero(t, st.RetryCount)
		assert.Contains(t, st.ErrorMessage, "offline")
	}

	// A goodbye of an unknown node is dropped.
	f.controller.OnNodeDisconnected(ctx, "ghost")
}

func TestController_OnNodeConnectedAndHeartbeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.controller.OnNodeConnected(ctx, &model.Node{
		ID:        "aa:bb:cc:dd",
		Transport: model.TransportMQTT,
		Address:   "aa:bb:cc:dd",
		MaxTasks:  2,
	})
	node, err := f.registry.GetNode(ctx, "aa:bb:cc:dd")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOnline, node.Status)
	assert.Equal(t, 2, node.MaxTasks)

	f.clock.Add(time.Minute)
	f.controller.OnNodeHeartbeat(ctx, "aa:bb:cc:dd", 42, 60, 10)
	node, err = f.registry.GetNode(ctx, "aa:bb:cc:dd")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), node.LastHeartbeatAt)
	assert.Equal(t, 42.0, node.CPUUsage)

	// Heartbeats of unknown nodes are dropped silently.
	f.controller.OnNodeHeartbeat(ctx, "ghost", 1, 1, 1)
}
