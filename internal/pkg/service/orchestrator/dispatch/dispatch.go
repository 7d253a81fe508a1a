// Package dispatch delivers work orders to worker nodes. Two transports
// exist, HTTP for directly reachable nodes and MQTT for nodes behind a
// broker. Transport failures are classified so the scheduler can decide
// between a retry and a permanent failure.
package dispatch

import (
	"context"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

var (
	// ErrTransportTimeout means the node did not answer in time.
	ErrTransportTimeout = errors.New("transport timeout")
	// ErrTransportRejected means the node answered and refused the work.
	ErrTransportRejected = errors.New("request rejected by node")
	// ErrTransportUnreachable means the node could not be reached at all.
	ErrTransportUnreachable = errors.New("node unreachable")
)

// Transport delivers orders to nodes of one transport kind.
type Transport interface {
	Kind() model.TransportKind
	// Send delivers the work order and waits for the node to accept it.
	Send(ctx context.Context, node *model.Node, order *model.WorkOrder) error
	// Stop asks the node to abort the sub-task, best effort.
	Stop(ctx context.Context, node *model.Node, subTaskID string) error
}

// Dispatcher routes orders to the transport matching the target node.
type Dispatcher struct {
	logger     log.Logger
	transports map[model.TransportKind]Transport
}

func NewDispatcher(logger log.Logger, transports ...Transport) *Dispatcher {
	byKind := make(map[model.TransportKind]Transport)
	for _, t := range transports {
		byKind[t.Kind()] = t
	}
	return &Dispatcher{logger: logger.AddPrefix("[dispatch]"), transports: byKind}
}

func (d *Dispatcher) Send(ctx context.Context, node *model.Node, order *model.WorkOrder) error {
	t, found := d.transports[node.Transport]
	if !found {
		return errors.Errorf(`node "%s" uses unsupported transport "%s"`, node.ID, node.Transport)
	}
	d.logger.Debugf(`sending sub-task "%s" to node "%s" over %s`, order.SubTaskID, node.ID, node.Transport)
	return t.Send(ctx, node, order)
}

func (d *Dispatcher) Stop(ctx context.Context, node *model.Node, subTaskID string) error {
	t, found := d.transports[node.Transport]
	if !found {
		return errors.Errorf(`node "%s" uses unsupported transport "%s"`, node.ID, node.Transport)
	}
	return t.Stop(ctx, node, subTaskID)
}

// IsRetryable reports whether the dispatch error should consume one
// retry attempt and be tried again. A rejection is final, the node saw
// the order and refused it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrTransportUnreachable)
}
