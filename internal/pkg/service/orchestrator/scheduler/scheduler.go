// Package scheduler admits pending sub-tasks to worker nodes.
//
// The loop ticks periodically, takes pending sub-tasks in creation order
// and dispatches each through a bounded worker pool. A transport failure
// consumes one retry attempt and the sub-task waits out an exponential
// backoff, a rejection fails it immediately. Missing capacity is plain
// back-pressure, the sub-task stays pending at no retry cost.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/common/servicectx"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/dispatch"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/registry"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

const noResourceMessage = "no resource available"

// Sender delivers a work order, satisfied by dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, node *model.Node, order *model.WorkOrder) error
}

type Scheduler struct {
	logger   log.Logger
	clock    clock.Clock
	cfg      config.Scheduler
	store    storage.Store
	registry *registry.Registry
	sender   Sender

	pool *errgroup.Group

	// retryAfter holds the earliest next attempt per sub-task. The map
	// is not persisted, after a restart retries are admitted right away.
	retryLock  sync.Mutex
	retryAfter map[string]time.Time
	// inFlight prevents a second admission of a sub-task whose dispatch
	// goroutine has not finished yet.
	inFlight map[string]bool
}

func New(logger log.Logger, clk clock.Clock, cfg config.Scheduler, store storage.Store, reg *registry.Registry, sender Sender) *Scheduler {
	pool := &errgroup.Group{}
	pool.SetLimit(cfg.MaxConcurrent)
	return &Scheduler{
		logger:     logger.AddPrefix("[scheduler]"),
		clock:      clk,
		cfg:        cfg,
		store:      store,
		registry:   reg,
		sender:     sender,
		pool:       pool,
		retryAfter: make(map[string]time.Time),
		inFlight:   make(map[string]bool),
	}
}

// Start recovers orphaned work and runs the admission loop until the
// service shuts down. In-flight dispatches are awaited on shutdown.
func (s *Scheduler) Start(proc *servicectx.Process) {
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		count, err := s.store.RecoverRunning(ctx)
		if err != nil {
			errCh <- errors.PrefixError(err, "cannot recover orphaned sub-tasks")
			return
		}
		if count > 0 {
			s.logger.Infof("recovered %d orphaned sub-tasks", count)
		}

		ticker := s.clock.Ticker(s.cfg.TickInterval)
		defer ticker.Stop()
		s.logger.Infof("started, tickInterval=%s, maxConcurrent=%d, maxRetries=%d", s.cfg.TickInterval, s.cfg.MaxConcurrent, s.cfg.MaxRetries)
		for {
			select {
			case <-ctx.Done():
				_ = s.pool.Wait()
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Errorf("tick failed: %s", err)
				}
			}
		}
	})
}

// Tick admits as many pending sub-tasks as the shared worker pool
// accepts, dispatches run asynchronously. Used by the admission loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.tick(ctx, func(fn func()) bool {
		return s.pool.TryGo(func() error {
			fn()
			return nil
		})
	})
}

// TickAndWait runs one admission pass with its own bounded pool and
// returns after every dispatch of the pass settled. It is safe to call
// while the admission loop runs, the shared pool is not touched.
func (s *Scheduler) TickAndWait(ctx context.Context) error {
	pass := &errgroup.Group{}
	pass.SetLimit(s.cfg.MaxConcurrent)
	err := s.tick(ctx, func(fn func()) bool {
		pass.Go(func() error {
			fn()
			return nil
		})
		return true
	})
	_ = pass.Wait()
	return err
}

func (s *Scheduler) tick(ctx context.Context, admit func(fn func()) bool) error {
	pending, err := s.store.ListPendingSubTasks(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, st := range pending {
		st := st
		if s.isInFlight(st.ID) || now.Before(s.nextAttempt(st.ID)) {
			continue
		}

		if st.RetryCount >= s.cfg.MaxRetries {
			message := fmt.Sprintf("dispatch failed after %d attempts: %s", st.RetryCount, st.ErrorMessage)
			if err := s.store.FailSubTask(ctx, st.TaskID, st.ID, message); err != nil {
				return err
			}
			s.forget(st.ID)
			s.logger.Warnf(`sub-task "%s" failed permanently: %s`, st.ID, message)
			continue
		}

		s.markInFlight(st.ID)
		if !admit(func() {
			defer s.clearInFlight(st.ID)
			s.dispatch(ctx, st)
		}) {
			// Pool is full, later sub-tasks would jump the queue.
			s.clearInFlight(st.ID)
			break
		}
	}
	return nil
}

// ScheduleRetry holds the sub-task back for the backoff of the given
// attempt before it is admitted again. Called for failures reported
// asynchronously by a node, dispatch failures schedule internally.
func (s *Scheduler) ScheduleRetry(subTaskID string, retryCount int) {
	s.scheduleRetry(subTaskID, s.retryDelay(retryCount))
}

func (s *Scheduler) dispatch(ctx context.Context, st *model.SubTask) {
	node, err := s.registry.AcquireNode(ctx, st.Type)
	if errors.Is(err, registry.ErrNoAvailableNode) {
		// Back-pressure, no retry budget is consumed.
		if err := s.store.SetSubTaskMessage(ctx, st.TaskID, st.ID, noResourceMessage); err != nil {
			s.logger.Errorf(`cannot record back-pressure on sub-task "%s": %s`, st.ID, err)
		}
		return
	} else if err != nil {
		s.logger.Errorf(`cannot select node for sub-task "%s": %s`, st.ID, err)
		return
	}

	if err := s.store.DispatchSubTask(ctx, st.TaskID, st.ID, node.ID); err != nil {
		// The sub-task changed under us, e.g. a concurrent stop.
		s.logger.Debugf(`sub-task "%s" not dispatchable anymore: %s`, st.ID, err)
		s.release(ctx, node.ID, st.Type)
		return
	}

	order := &model.WorkOrder{
		SubTaskID: st.ID,
		TaskID:    st.TaskID,
		Source:    st.Source,
		Analysis:  st.Analysis,
		Result:    st.Result,
	}
	if err := s.sender.Send(ctx, node, order); err != nil {
		s.release(ctx, node.ID, st.Type)
		s.handleSendFailure(ctx, st, node, err)
		return
	}

	s.forget(st.ID)
	s.logger.Infof(`sub-task "%s" dispatched to node "%s"`, st.ID, node.ID)
}

func (s *Scheduler) handleSendFailure(ctx context.Context, st *model.SubTask, node *model.Node, sendErr error) {
	if !dispatch.IsRetryable(sendErr) {
		if err := s.store.FailSubTask(ctx, st.TaskID, st.ID, sendErr.Error()); err != nil {
			s.logger.Errorf(`cannot fail sub-task "%s": %s`, st.ID, err)
		}
		s.forget(st.ID)
		s.logger.Warnf(`sub-task "%s" rejected by node "%s": %s`, st.ID, node.ID, sendErr)
		return
	}

	attempt := st.RetryCount + 1
	if attempt >= s.cfg.MaxRetries {
		message := fmt.Sprintf("dispatch failed after %d attempts: %s", attempt, sendErr)
		if err := s.store.FailSubTask(ctx, st.TaskID, st.ID, message); err != nil {
			s.logger.Errorf(`cannot fail sub-task "%s": %s`, st.ID, err)
		}
		s.forget(st.ID)
		s.logger.Warnf(`sub-task "%s" failed permanently: %s`, st.ID, message)
		return
	}

	if err := s.store.RequeueSubTask(ctx, st.TaskID, st.ID, sendErr.Error(), true); err != nil {
		s.logger.Errorf(`cannot requeue sub-task "%s": %s`, st.ID, err)
		return
	}
	delay := s.retryDelay(attempt)
	s.scheduleRetry(st.ID, delay)
	s.logger.Warnf(`sub-task "%s" dispatch to node "%s" failed, attempt %d/%d, next in %s: %s`, st.ID, node.ID, attempt, s.cfg.MaxRetries, delay, sendErr)
}

func (s *Scheduler) release(ctx context.Context, nodeID string, taskType model.TaskType) {
	if err := s.registry.ReleaseNode(ctx, nodeID, taskType); err != nil {
		s.logger.Errorf(`cannot release slot on node "%s": %s`, nodeID, err)
	}
}

// retryDelay computes the backoff of the given attempt:
// base, 2*base, 4*base, ...
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (s *Scheduler) nextAttempt(subTaskID string) time.Time {
	s.retryLock.Lock()
	defer s.retryLock.Unlock()
	return s.retryAfter[subTaskID]
}

func (s *Scheduler) scheduleRetry(subTaskID string, delay time.Duration) {
	s.retryLock.Lock()
	defer s.retryLock.Unlock()
	s.retryAfter[subTaskID] = s.clock.Now().Add(delay)
}

func (s *Scheduler) forget(subTaskID string) {
	s.retryLock.Lock()
	defer s.retryLock.Unlock()
	delete(s.retryAfter, subTaskID)
}

func (s *Scheduler) isInFlight(subTaskID string) bool {
	s.retryLock.Lock()
	defer s.retryLock.Unlock()
	return s.inFlight[subTaskID]
}

func (s *Scheduler) markInFlight(subTaskID string) {
	s.retryLock.Lock()
	defer s.retryLock.Unlock()
	s.inFlight[subTaskID] = true
}

func (s *Scheduler) clearInFlight(subTaskID string) {
	s.retryLock.Lock()
	defer s.retryLock.Unlock()
	delete(s.inFlight, subTaskID)
}
