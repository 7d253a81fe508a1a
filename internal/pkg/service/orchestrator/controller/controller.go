// Package controller is the user-facing facade of the orchestrator.
// It fans a task out to its sub-tasks, aggregates their statuses and
// translates user commands into ledger transitions and node commands.
package controller

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/idgenerator"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/dispatch"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/registry"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

const subTaskIDLength = 16

// QueueManager triggers an admission pass, satisfied by the scheduler.
type QueueManager interface {
	// TickAndWait runs one admission pass and blocks until it settled.
	TickAndWait(ctx context.Context) error
	// ScheduleRetry delays the next admission of a failed sub-task.
	ScheduleRetry(subTaskID string, retryCount int)
}

// Stopper notifies a node to abort a sub-task, satisfied by the dispatcher.
type Stopper interface {
	Stop(ctx context.Context, node *model.Node, subTaskID string) error
}

type Controller struct {
	logger    log.Logger
	clock     clock.Clock
	store     storage.Store
	registry  *registry.Registry
	queue     QueueManager
	stopper   Stopper
	catalog   ModelCatalog
	validator *validator.Validate
}

func New(logger log.Logger, clk clock.Clock, store storage.Store, reg *registry.Registry, queue QueueManager, stopper Stopper, catalog ModelCatalog) *Controller {
	return &Controller{
		logger:    logger.AddPrefix("[controller]"),
		clock:     clk,
		store:     store,
		registry:  reg,
		queue:     queue,
		stopper:   stopper,
		catalog:   catalog,
		validator: validator.New(),
	}
}

// CreateTaskInput describes a user task request. One sub-task is created
// per source and model combination.
type CreateTaskInput struct {
	Name       string         `validate:"required"`
	Sources    []model.Source `validate:"required,min=1,dive"`
	ModelCodes []string       `validate:"required,min=1,dive,required"`

	AnalysisInterval int               `validate:"omitempty,min=1"`
	Confidence       float64           `validate:"omitempty,min=0,max=1"`
	ROI              *model.RegionSpec `validate:"omitempty"`
	// Priority reorders admission of the task's sub-tasks, higher first.
	Priority   int `validate:"omitempty,min=0"`
	SaveResult bool
	SaveImages bool
}

// CreateTaskResult reports how much of the request became real work.
// Skipped combinations are a partial success, not an error.
type CreateTaskResult struct {
	Task      *model.Task
	Created   int
	Requested int
	Warnings  []string
}

func (r *CreateTaskResult) Summary() string {
	return fmt.Sprintf("%d of %d sub-tasks created", r.Created, r.Requested)
}

// CreateTask validates the request and persists the task with its
// sub-tasks, all pending. A source or model that cannot be resolved
// skips only the affected combinations and is reported as a warning.
func (c *Controller) CreateTask(ctx context.Context, input CreateTaskInput) (*CreateTaskResult, error) {
	if err := c.validator.Struct(input); err != nil {
		return nil, errors.PrefixError(err, "invalid task request")
	}

	result := &CreateTaskResult{Requested: len(input.Sources) * len(input.ModelCodes)}

	var validModels []string
	for _, code := range input.ModelCodes {
		if !c.catalog.Has(code) {
			result.Warnings = append(result.Warnings, fmt.Sprintf(`model "%s" is not registered, skipped`, code))
			continue
		}
		validModels = append(validModels, code)
	}

	var validSources []model.Source
	for _, source := range input.Sources {
		if err := c.validator.Struct(source); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("invalid source %v, skipped: %s", source.URLs, err))
			continue
		}
		validSources = append(validSources, source)
	}

	if len(validModels) == 0 || len(validSources) == 0 {
		return nil, errors.Errorf("no valid source and model combination: %v", result.Warnings)
	}

	now := c.clock.Now()
	task := &model.Task{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      input.Name,
		Status:    model.TaskPending,
		CreatedAt: now,
	}

	var subtasks []*model.SubTask
	for _, source := range validSources {
		for _, code := range validModels {
			st := &model.SubTask{
				ID:     idgenerator.Random(subTaskIDLength),
				TaskID: task.ID,
				Seq:    len(subtasks),
				Type:   source.Type,
				Source: source,
				Analysis: model.AnalysisConfig{
					ModelCode:        code,
					AnalysisType:     source.Type,
					AnalysisInterval: input.AnalysisInterval,
					Confidence:       input.Confidence,
					ROI:              input.ROI,
				},
				Result: model.ResultConfig{
					SaveResult: input.SaveResult,
					SaveImages: input.SaveImages,
				},
				Priority:  input.Priority,
				Status:    model.SubTaskPending,
				CreatedAt: now,
			}
			subtasks = append(subtasks, st)
			task.SubTaskIDs = append(task.SubTaskIDs, st.ID)
		}
	}
	task.TotalSubTasks = len(subtasks)

	if err := c.store.CreateTask(ctx, task, subtasks); err != nil {
		return nil, err
	}
	result.Task = task
	result.Created = len(subtasks)

	for _, warning := range result.Warnings {
		c.logger.Warnf(`task "%s": %s`, task.ID, warning)
	}
	c.logger.Infof(`task "%s" created, %s`, task.ID, result.Summary())
	return result, nil
}

// StartTask triggers an immediate admission pass and reports how many of
// the task's sub-tasks are running afterwards. Partial success is a
// normal outcome, the rest stays queued for the next tick.
func (c *Controller) StartTask(ctx context.Context, taskID string) (started, total int, err error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}

	if err := c.queue.TickAndWait(ctx); err != nil {
		return 0, task.TotalSubTasks, err
	}

	subtasks, err := c.store.ListSubTasks(ctx, taskID)
	if err != nil {
		return 0, task.TotalSubTasks, err
	}
	for _, st := range subtasks {
		if st.Status == model.SubTaskRunning {
			started++
		}
	}
	c.logger.Infof(`task "%s": %d of %d sub-tasks started`, taskID, started, len(subtasks))
	return started, len(subtasks), nil
}

// StopTask transitions all non-terminal sub-tasks to stopped, releases
// the reserved node capacity and notifies the owning nodes best effort,
// without waiting for acknowledgements.
func (c *Controller) StopTask(ctx context.Context, taskID string) error {
	subtasks, err := c.store.ListSubTasks(ctx, taskID)
	if err != nil {
		return err
	}

	errs := errors.NewMultiError()
	for _, st := range subtasks {
		if st.IsTerminal() {
			continue
		}
		nodeID := st.NodeID
		if err := c.store.StopSubTask(ctx, taskID, st.ID); err != nil {
			errs.AppendWithPrefixf(err, `sub-task "%s"`, st.ID)
			continue
		}
		if nodeID != "" {
			c.releaseAndNotify(ctx, nodeID, st)
		}
	}
	if errs.Len() > 0 {
		return errs.ErrorOrNil()
	}
	c.logger.Infof(`task "%s" stopped`, taskID)
	return nil
}

// MigrateTask moves the task's running work to other nodes: each running
// sub-task is stopped on its current node and requeued, the next
// admission pass reselects. The retry budget is untouched.
func (c *Controller) MigrateTask(ctx context.Context, taskID string) error {
	subtasks, err := c.store.ListSubTasks(ctx, taskID)
	if err != nil {
		return err
	}

	migrated := 0
	errs := errors.NewMultiError()
	for _, st := range subtasks {
		if st.Status != model.SubTaskRunning {
			continue
		}
		nodeID := st.NodeID
		if err := c.store.RequeueSubTask(ctx, taskID, st.ID, "migrated by user", false); err != nil {
			errs.AppendWithPrefixf(err, `sub-task "%s"`, st.ID)
			continue
		}
		c.releaseAndNotify(ctx, nodeID, st)
		migrated++
	}
	if errs.Len() > 0 {
		return errs.ErrorOrNil()
	}

	if err := c.queue.TickAndWait(ctx); err != nil {
		return err
	}
	c.logger.Infof(`task "%s": %d sub-tasks migrated`, taskID, migrated)
	return nil
}

func (c *Controller) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	return c.store.GetTask(ctx, taskID)
}

func (c *Controller) ListTasks(ctx context.Context) ([]*model.Task, error) {
	return c.store.ListTasks(ctx)
}

func (c *Controller) DeleteTask(ctx context.Context, taskID string) error {
	if err := c.StopTask(ctx, taskID); err != nil {
		return err
	}
	return c.store.DeleteTask(ctx, taskID)
}

// releaseAndNotify gives the node slot back and sends the stop command,
// delivery failures are logged only.
func (c *Controller) releaseAndNotify(ctx context.Context, nodeID string, st *model.SubTask) {
	if err := c.registry.ReleaseNode(ctx, nodeID, st.Type); err != nil {
		c.logger.Errorf(`cannot release slot on node "%s": %s`, nodeID, err)
	}
	node, err := c.registry.GetNode(ctx, nodeID)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return
	} else if err != nil {
		c.logger.Errorf(`cannot load node "%s": %s`, nodeID, err)
		return
	}
	if node.Status != model.NodeOnline {
		return
	}
	if err := c.stopper.Stop(ctx, node, st.ID); err != nil {
		c.logger.Warnf(`cannot notify node "%s" about stopped sub-task "%s": %s`, nodeID, st.ID, err)
	}
}

var _ dispatch.NodeEvents = (*Controller)(nil)
