// Package shutdown coordinates graceful termination of the API and the
// render worker.
//
// The manager owns a root context. Shutdown cancels it first, so in-flight
// batches stop their engine processes and release their workspaces, then
// runs the registered handlers one at a time in reverse registration order.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sceneforge/internal/pkg/logger"
)

// Manager handles graceful shutdown of services.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	handlers []Handler
	mu       sync.Mutex
	done     chan struct{}
	once     sync.Once

	root   context.Context
	cancel context.CancelFunc
}

// Handler is a function that performs cleanup during shutdown.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager creates a new shutdown manager.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		handlers: make([]Handler, 0),
		done:     make(chan struct{}),
		root:     root,
		cancel:   cancel,
	}
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a simple cleanup handler without context.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until shutdown signal is received, then runs cleanup.
func (m *Manager) Wait() {
	m.WaitWithContext(context.Background())
}

// WaitWithContext waits for a shutdown signal or for ctx to end, then runs
// cleanup.
func (m *Manager) WaitWithContext(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	case <-m.root.Done():
	}

	m.Shutdown()
}

// Shutdown cancels the root context and runs all cleanup handlers in LIFO
// order. Only the first call does any work; later calls wait for it.
func (m *Manager) Shutdown() {
	m.once.Do(m.shutdown)
	<-m.done
}

func (m *Manager) shutdown() {
	defer close(m.done)

	m.cancel()

	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	for i := len(handlers) - 1; i >= 0; i-- {
		if !m.run(ctx, handlers[i]) {
			m.log.Warn("shutdown timeout exceeded, forcing exit", "pending", i+1)
			return
		}
	}

	m.log.Info("graceful shutdown completed")
}

// run executes one handler and reports false if the deadline passed before
// it returned.
func (m *Manager) run(ctx context.Context, h Handler) bool {
	m.log.Debug("running shutdown handler", "name", h.Name)
	start := time.Now()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Cleanup(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			m.log.Error("shutdown handler failed",
				"name", h.Name,
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		} else {
			m.log.Debug("shutdown handler completed",
				"name", h.Name,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Context returns the root context. It is canceled as soon as shutdown
// starts, before any handler runs.
func (m *Manager) Context() context.Context {
	return m.root
}
