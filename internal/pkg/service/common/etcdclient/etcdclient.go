// Package etcdclient creates the etcd connection shared by the service.
package etcdclient

import (
	"context"
	"strings"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	etcdNamespace "go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/common/servicectx"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/service/orchestrator/config"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

// New creates a new etcd client, prefixed by the configured namespace.
// The connection is verified by listing the cluster members and is closed
// on service shutdown.
func New(ctx context.Context, proc *servicectx.Process, logger log.Logger, cfg config.Etcd) (*etcd.Client, error) {
	logger = logger.AddPrefix("[etcd-client]")

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	startTime := time.Now()
	logger.Infof("connecting to etcd, connectTimeout=%s", cfg.ConnectTimeout)
	c, err := etcd.New(etcd.Config{
		Context:              context.Background(), // the client must outlive the connect context
		Endpoints:            []string{cfg.Endpoint},
		DialTimeout:          cfg.ConnectTimeout,
		DialKeepAliveTimeout: 5 * time.Second,
		DialKeepAliveTime:    10 * time.Second,
		Username:             cfg.Username, // optional
		Password:             cfg.Password, // optional
		Logger:               zap.NewNop(),
		PermitWithoutStream:  true, // always send keep-alive pings
		DialOptions: []grpc.DialOption{
			grpc.WithBlock(), // wait for the connection
			grpc.WithReturnConnectionError(),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
			}),
		},
	})
	if err != nil {
		return nil, errors.Errorf("cannot create etcd client: cannot connect: %w", err)
	}

	// Prefix all keys by the namespace
	c.KV = etcdNamespace.NewKV(c.KV, cfg.Namespace)
	c.Watcher = etcdNamespace.NewWatcher(c.Watcher, cfg.Namespace)
	c.Lease = etcdNamespace.NewLease(c.Lease, cfg.Namespace)

	// Connection check: get cluster members
	if _, err := c.MemberList(connectCtx); err != nil {
		_ = c.Close()
		return nil, errors.Errorf("cannot create etcd client: cannot get cluster members: %w", err)
	}

	proc.OnShutdown(func() {
		startTime := time.Now()
		logger.Info("closing etcd connection")
		if err := c.Close(); err != nil {
			logger.Warnf("cannot close etcd connection: %s", err)
		} else {
			logger.Infof("closed etcd connection | %s", time.Since(startTime))
		}
	})

	logger.Infof(`connected to etcd cluster "%s" | %s`, strings.Join(c.Endpoints(), ";"), time.Since(startTime))
	return c, nil
}
