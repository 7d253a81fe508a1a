package health

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/registry"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
)

func testConfig() config.Health {
	return config.Health{
		CheckInterval: 30 * time.Second,
		SuspectAfter:  60 * time.Second,
		OfflineAfter:  120 * time.Second,
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry, storage.Store, *clock.Mock, log.DebugLogger) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	logger := log.NewDebugLogger()
	store := storage.NewMemoryStore(clk)
	reg := registry.New(logger, clk, store)
	return NewMonitor(logger, clk, testConfig(), reg, store), reg, store, clk, logger
}

func registerNode(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	_, err := reg.Register(context.Background(), &model.Node{
		ID:        id,
		Transport: model.TransportHTTP,
		Address:   "http://" + id,
	})
	require.NoError(t, err)
}

func TestMonitor_FreshNodeStaysOnline(t *testing.T) {
	t.Parallel()
	m, reg, _, clk, _ := newTestMonitor(t)
	ctx := context.Background()

	registerNode(t, reg, "node-a")
	clk.Add(30 * time.Second)
	require.NoError(t, m.Check(ctx))

	node, err := reg.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOnline, node.Status)
}

func TestMonitor_SilentNodeIsSuspectedThenOffline(t *testing.T) {
	t.Parallel()
	m, reg, store, clk, logger := newTestMonitor(t)
	ctx := context.Background()

	registerNode(t, reg, "node-a")

	// Give the node running work.
	task := &model.Task{ID: "t1", Name: "cams", Status: model.TaskPending, SubTaskIDs: []string{"s1"}, TotalSubTasks: 1, CreatedAt: clk.Now()}
	subtasks := []*model.SubTask{{
		ID: "s1", TaskID: "t1", Type: model.TaskTypeStream,
		Source:    model.Source{Type: model.TaskTypeStream, URLs: []string{"rtsp://cam/1"}},
		Analysis: model.AnalysisConfig{ModelCode: "yolo-v8", AnalysisType: model.TaskTypeStream},
		Status:   model.SubTaskPending, CreatedAt: clk.Now(),
	}}
	require.NoError(t, store.CreateTask(ctx, task, subtasks))
	require.NoError(t, store.DispatchSubTask(ctx, "t1", "s1", "node-a"))

	// Over the suspect threshold, still online.
	clk.Add(90 * time.Second)
	require.NoError(t, m.Check(ctx))
	node, err := reg.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOnline, node.Status)
	assert.Equal(t, 1, strings.Count(logger.WarnMessages(), "\n"))

	// The warning is not repeated within the same episode.
	clk.Add(10 * time.Second)
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 1, strings.Count(logger.WarnMessages(), "\n"))

	// Over the offline threshold, the node is lost and its work requeued.
	clk.Add(30 * time.Second)
	require.NoError(t, m.Check(ctx))
	node, err = reg.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOffline, node.Status)
	assert.Zero(t, node.TaskCounts.Total())

	st, err := store.GetSubTask(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SubTaskPending, st.Status)
	assert.Empty(t, st.NodeID)
	assert.Zero(t, st.RetryCount)
	assert.Equal(t, `node "node-a" is offline`, st.ErrorMessage)

	// Repeated checks on an offline node do nothing.
	clk.Add(30 * time.Second)
	require.NoError(t, m.Check(ctx))
}

func TestMonitor_HeartbeatResetsSuspicion(t *testing.T) {
	t.Parallel()
	m, reg, _, clk, logger := newTestMonitor(t)
	ctx := context.Background()

	registerNode(t, reg, "node-a")

	clk.Add(70 * time.Second)
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 1, strings.Count(logger.WarnMessages(), "\n"))

	// The node reports in, the next silence episode warns again.
	_, err := reg.Heartbeat(ctx, "node-a", 5, 10, 0)
	require.NoError(t, err)
	require.NoError(t, m.Check(ctx))

	clk.Add(70 * time.Second)
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 2, strings.Count(logger.WarnMessages(), "\n"))
}
