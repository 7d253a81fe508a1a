// Package servicectx provides unique ID for a service process and support for the graceful shutdown.
package servicectx

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/log"
	"github.com/GQ-Y/meekyolo-orchestrator/internal/pkg/utils/errors"
)

type Process struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   log.Logger
	wg       *sync.WaitGroup
	errCh    chan error
	uniqueID string

	lock        *sync.Mutex
	terminating bool
	onShutdown  []OnShutdownFn
}

type Option func(c *config)

type OnShutdownFn func()

type config struct {
	uniqueID string
}

// WithUniqueID sets unique ID of the service process.
// By default, it is generated from the hostname and PID.
func WithUniqueID(v string) Option {
	return func(c *config) {
		c.uniqueID = v
	}
}

func New(ctx context.Context, cancel context.CancelFunc, logger log.Logger, opts ...Option) (*Process, error) {
	// Apply options
	c := config{}
	for _, o := range opts {
		o(&c)
	}

	// Generate uniqueID if not set
	if c.uniqueID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		c.uniqueID = fmt.Sprintf(`%s-%05d`, hostname, os.Getpid())
	}

	// Create channel used by both the signal handler and service goroutines
	// to notify the main goroutine when to stop the server.
	errCh := make(chan error)

	// Setup interrupt handler,
	// so SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		errCh <- errors.Errorf("%s", <-sigCh)
	}()

	proc := &Process{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		wg:       &sync.WaitGroup{},
		errCh:    errCh,
		uniqueID: c.uniqueID,
		lock:     &sync.Mutex{},
	}

	// Register onShutdown operation
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		<-ctx.Done()
		proc.lock.Lock()
		proc.terminating = true
		onShutdown := proc.onShutdown
		proc.lock.Unlock()

		// Iterate callbacks in reverse order, LIFO
		for i := len(onShutdown) - 1; i >= 0; i-- {
			onShutdown[i]()
		}
	})

	logger.Infof(`process unique id "%s"`, proc.UniqueID())
	return proc, nil
}

// UniqueID of the process, it is generated from the hostname and PID, or sets by the WithUniqueID option.
func (p *Process) UniqueID() string {
	return p.uniqueID
}

// Ctx of the process, it is cancelled on shutdown.
func (p *Process) Ctx() context.Context {
	return p.ctx
}

// Add a goroutine that lives for the whole lifetime of the process.
// The errCh can be used to notify the main goroutine to shut down.
func (p *Process) Add(fn func(ctx context.Context, errCh chan<- error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx, p.errCh)
	}()
}

// OnShutdown registers a callback that is invoked during the graceful shutdown.
// Callbacks are invoked in reverse order, LIFO.
func (p *Process) OnShutdown(fn OnShutdownFn) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.terminating {
		panic(errors.New("process is terminating, it is no more possible to register an onShutdown callback"))
	}
	p.onShutdown = append(p.onShutdown, fn)
}

// Shutdown initiates the graceful shutdown with the given reason.
func (p *Process) Shutdown(reason error) {
	go func() {
		select {
		case p.errCh <- reason:
		case <-p.ctx.Done():
		}
	}()
}

// WaitForShutdown blocks until the process is terminated,
// either by a signal, or by the Shutdown method.
func (p *Process) WaitForShutdown() {
	err := <-p.errCh
	p.logger.Infof("exiting (%v)", err)
	p.cancel()
	p.wg.Wait()
	p.logger.Info("exited")
}
