// Package registry tracks worker nodes and selects the target node for
// dispatch. Selection and capacity reservation happen under one lock, so
// two concurrent dispatches cannot oversubscribe a node.
package registry

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// ErrNoAvailableNode is returned when no online, active node with free
// capacity exists. It signals back-pressure, not a failure: the sub-task
// stays pending and no retry budget is consumed.
var ErrNoAvailableNode = errors.New("no resource available")

const minScoreWeightFactor = 0.1

type Registry struct {
	logger log.Logger
	clock  clock.Clock
	store  storage.Store

	// lock serializes select+reserve and release, the counters in the
	// store would race without it.
	lock sync.Mutex
}

func New(logger log.Logger, clk clock.Clock, store storage.Store) *Registry {
	return &Registry{
		logger: logger.AddPrefix("[registry]"),
		clock:  clk,
		store:  store,
	}
}

// Register upserts a node. A re-registration refreshes the address and
// heartbeat but keeps operator-managed fields, weight and active flag.
func (r *Registry) Register(ctx context.Context, node *model.Node) (*model.Node, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.clock.Now()
	existing, err := r.store.GetNode(ctx, node.ID)
	switch {
	case err == nil:
		existing.Transport = node.Transport
		existing.Address = node.Address
		existing.Hostname = node.Hostname
		existing.Version = node.Version
		existing.Status = model.NodeOnline
		existing.LastHeartbeatAt = now
		if node.MaxTasks > 0 {
			existing.MaxTasks = node.MaxTasks
		}
		node = existing
		r.logger.Infof(`node "%s" re-registered`, node.ID)
	case errors.Is(err, storage.ErrNodeNotFound):
		if node.Weight == 0 {
			node.Weight = model.DefaultNodeWeight
		}
		if node.MaxTasks == 0 {
			node.MaxTasks = model.DefaultNodeMaxTasks
		}
		node.Status = model.NodeOnline
		node.Active = true
		node.RegisteredAt = now
		node.LastHeartbeatAt = now
		r.logger.Infof(`node "%s" registered, transport=%s, weight=%d, maxTasks=%d`, node.ID, node.Transport, node.Weight, node.MaxTasks)
	default:
		return nil, err
	}

	if err := r.store.PutNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Heartbeat refreshes the node liveness timestamp and resource metrics.
// An unknown node gets ErrNodeNotFound, the caller should ask it to
// register first.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, cpu, memory, gpu float64) (*model.Node, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == model.NodeOffline {
		r.logger.Infof(`node "%s" is back online`, nodeID)
	}
	node.Status = model.NodeOnline
	node.LastHeartbeatAt = r.clock.Now()
	node.CPUUsage = cpu
	node.MemoryUsage = memory
	node.GPUUsage = gpu
	if err := r.store.PutNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// AcquireNode selects the best eligible node and reserves one slot of the
// given task type on it.
//
// Score of an eligible node:
//
//	score = max(weight/10, 0.1) * (1 - assigned/capacity)
//
// Ties are broken by the lower total load, then by the lexically smaller
// node ID, so selection is deterministic.
func (r *Registry) AcquireNode(ctx context.Context, taskType model.TaskType) (*model.Node, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var best *model.Node
	var bestScore float64
	for _, node := range nodes {
		if !node.IsEligible() {
			continue
		}
		score := Score(node)
		if best == nil || score > bestScore ||
			(score == bestScore && lessLoaded(node, best)) {
			best = node
			bestScore = score
		}
	}
	if best == nil {
		return nil, ErrNoAvailableNode
	}

	best.TaskCounts.Add(taskType, 1)
	if err := r.store.PutNode(ctx, best); err != nil {
		return nil, err
	}
	r.logger.Debugf(`acquired node "%s", score=%.3f, load=%d/%d`, best.ID, bestScore, best.TaskCounts.Total(), best.MaxTasks)
	return best, nil
}

// ReleaseNode returns one slot of the task type to the node.
// Releasing a slot on a deleted node is not an error.
func (r *Registry) ReleaseNode(ctx context.Context, nodeID string, taskType model.TaskType) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, err := r.store.GetNode(ctx, nodeID)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	node.TaskCounts.Add(taskType, -1)
	return r.store.PutNode(ctx, node)
}

// MarkOffline flips the node to offline and clears its load counters,
// the assigned work is requeued separately. Idempotent.
func (r *Registry) MarkOffline(ctx context.Context, nodeID string) (*model.Node, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == model.NodeOffline {
		return node, nil
	}
	node.Status = model.NodeOffline
	node.TaskCounts = model.TaskCounts{}
	if err := r.store.PutNode(ctx, node); err != nil {
		return nil, err
	}
	r.logger.Warnf(`node "%s" marked offline`, nodeID)
	return node, nil
}

// SetActive enables or disables dispatching to the node, running work
// is unaffected.
func (r *Registry) SetActive(ctx context.Context, nodeID string, active bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.Active = active
	return r.store.PutNode(ctx, node)
}

// SetWeight changes the selection weight, allowed range is 1..10.
func (r *Registry) SetWeight(ctx context.Context, nodeID string, weight int) error {
	if weight < 1 || weight > 10 {
		return errors.Errorf("invalid node weight %d, allowed range is 1..10", weight)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.Weight = weight
	return r.store.PutNode(ctx, node)
}

func (r *Registry) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	return r.store.GetNode(ctx, nodeID)
}

func (r *Registry) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return r.store.ListNodes(ctx)
}

func (r *Registry) DeleteNode(ctx context.Context, nodeID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.store.DeleteNode(ctx, nodeID)
}

// Score computes the selection score of a node.
func Score(node *model.Node) float64 {
	weight := float64(node.Weight) / 10.0
	if weight < minScoreWeightFactor {
		weight = minScoreWeightFactor
	}
	if weight > 1.0 {
		weight = 1.0
	}
	return weight * (1.0 - node.LoadFraction())
}

func lessLoaded(a, b *model.Node) bool {
	if a.TaskCounts.Total() != b.TaskCounts.Total() {
		return a.TaskCounts.Total() < b.TaskCounts.Total()
	}
	return a.ID < b.ID
}
