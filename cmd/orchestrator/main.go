package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/common/etcdclient"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/common/servicectx"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/controller"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/dispatch"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/health"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/model"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/registry"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/scheduler"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/storage"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("fatal error: %s\n", err.Error()) // nolint:forbidigo
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration.
	cfg, err := config.LoadFrom(os.Args, os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		// Stop on --help flag
		return nil
	} else if err != nil {
		return err
	}

	// Create logger.
	logger := log.NewServiceLogger(os.Stderr, cfg.DebugLog).AddPrefix("[orchestrator]")

	// Create process abstraction.
	proc, err := servicectx.New(ctx, cancel, logger)
	if err != nil {
		return err
	}

	clk := clock.New()

	// Create storage.
	var store storage.Store
	switch cfg.Storage {
	case config.StorageEtcd:
		client, err := etcdclient.New(ctx, proc, logger, cfg.Etcd)
		if err != nil {
			return err
		}
		store = storage.NewEtcdStore(client, clk)
	case config.StorageMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		store = storage.NewMemoryStore(clk)
	}

	reg := registry.New(logger, clk, store)

	// Create transports. The MQTT transport needs the event handlers and
	// the controller needs the dispatcher, the proxy breaks the cycle.
	events := &nodeEventsProxy{}
	transports := []dispatch.Transport{dispatch.NewHTTPTransport(logger, cfg.HTTP)}
	if cfg.MQTT.Enabled {
		mqttTransport, err := dispatch.NewMQTTTransport(proc, logger, clk, cfg.MQTT, events)
		if err != nil {
			return err
		}
		transports = append(transports, mqttTransport)
	}
	dispatcher := dispatch.NewDispatcher(logger, transports...)

	// Create services.
	queue := scheduler.New(logger, clk, cfg.Scheduler, store, reg, dispatcher)
	catalog := controller.NewStaticCatalog(cfg.Models...)
	ctrl := controller.New(logger, clk, store, reg, queue, dispatcher, catalog)
	events.bind(ctrl)

	// Start background loops.
	logger.Infof("starting orchestrator, storage=%s, mqtt=%t, models=%v", cfg.Storage, cfg.MQTT.Enabled, catalog.List())
	health.NewMonitor(logger, clk, cfg.Health, reg, store).Start(proc)
	queue.Start(proc)

	// Wait for the service shutdown.
	proc.WaitForShutdown()
	return nil
}

// nodeEventsProxy forwards broker events to the controller once it
// exists. Events arriving before bind are dropped, the node announces
// itself periodically anyway.
type nodeEventsProxy struct {
	lock   sync.RWMutex
	target dispatch.NodeEvents
}

func (p *nodeEventsProxy) bind(target dispatch.NodeEvents) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.target = target
}

func (p *nodeEventsProxy) OnNodeConnected(ctx context.Context, node *model.Node) {
	if t := p.get(); t != nil {
		t.OnNodeConnected(ctx, node)
	}
}

func (p *nodeEventsProxy) OnNodeDisconnected(ctx context.Context, nodeID string) {
	if t := p.get(); t != nil {
		t.OnNodeDisconnected(ctx, nodeID)
	}
}

func (p *nodeEventsProxy) OnNodeHeartbeat(ctx context.Context, nodeID string, cpu, memory, gpu float64) {
	if t := p.get(); t != nil {
		t.OnNodeHeartbeat(ctx, nodeID, cpu, memory, gpu)
	}
}

func (p *nodeEventsProxy) OnSubTaskResult(ctx context.Context, taskID, subTaskID string, success bool, errorMessage string) {
	if t := p.get(); t != nil {
		t.OnSubTaskResult(ctx, taskID, subTaskID, success, errorMessage)
	}
}

func (p *nodeEventsProxy) get() dispatch.NodeEvents {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.target
}
