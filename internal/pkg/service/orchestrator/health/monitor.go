// Package health watches node liveness. A node silent longer than the
// suspect interval is logged, a node silent longer than the offline
// interval is marked offline and its running work returns to the queue.
package health

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/common/servicectx"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/registry"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

type Monitor struct {
	logger   log.Logger
	clock    clock.Clock
	cfg      config.Health
	registry *registry.Registry
	store    storage.Store

	// suspected de-duplicates the suspect warning per silence episode.
	suspected map[string]bool
}

func NewMonitor(logger log.Logger, clk clock.Clock, cfg config.Health, reg *registry.Registry, store storage.Store) *Monitor {
	return &Monitor{
		logger:    logger.AddPrefix("[health]"),
		clock:     clk,
		cfg:       cfg,
		registry:  reg,
		store:     store,
		suspected: make(map[string]bool),
	}
}

// Start runs the periodic check until the service shuts down.
func (m *Monitor) Start(proc *servicectx.Process) {
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		ticker := m.clock.Ticker(m.cfg.CheckInterval)
		defer ticker.Stop()
		m.logger.Infof("started, checkInterval=%s, suspectAfter=%s, offlineAfter=%s", m.cfg.CheckInterval, m.cfg.SuspectAfter, m.cfg.OfflineAfter)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Errorf("check failed: %s", err)
				}
			}
		}
	})
}

// Check evaluates the liveness of all registered nodes once.
func (m *Monitor) Check(ctx context.Context) error {
	nodes, err := m.registry.ListNodes(ctx)
	if err != nil {
		return err
	}

	errs := errors.NewMultiError()
	now := m.clock.Now()
	for _, node := range nodes {
		silence := now.Sub(node.LastHeartbeatAt)
		switch {
		case node.Status == model.NodeOffline:
			// Nothing to do until a heartbeat brings it back.
		case silence >= m.cfg.OfflineAfter:
			delete(m.suspected, node.ID)
			if err := m.markLost(ctx, node); err != nil {
				errs.AppendWithPrefixf(err, `node "%s"`, node.ID)
			}
		case silence >= m.cfg.SuspectAfter:
			if !m.suspected[node.ID] {
				m.suspected[node.ID] = true
				m.logger.Warnf(`node "%s" is silent for %s, suspecting`, node.ID, silence.Truncate(m.cfg.CheckInterval))
			}
		default:
			delete(m.suspected, node.ID)
		}
	}
	return errs.ErrorOrNil()
}

// markLost flips the node offline and requeues its running sub-tasks.
// The lost work keeps its retry budget, the failure is not its fault.
func (m *Monitor) markLost(ctx context.Context, node *model.Node) error {
	if _, err := m.registry.MarkOffline(ctx, node.ID); err != nil {
		return err
	}

	orphans, err := m.store.ListSubTasksByNode(ctx, node.ID)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf(`node "%s" is offline`, node.ID)
	for _, st := range orphans {
		if err := m.store.RequeueSubTask(ctx, st.TaskID, st.ID, reason, false); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		m.logger.Warnf(`requeued %d sub-tasks orphaned by node "%s"`, len(orphans), node.ID)
	}
	return nil
}
