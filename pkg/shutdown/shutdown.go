package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/vidcoord/pkg/logging"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered hooks in reverse registration order
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
	logger  *logging.Logger
	once    sync.Once
	err     error
}

// New creates a manager giving each hook up to timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{timeout: timeout, logger: logger}
}

// Register adds a named hook
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs every hook once, LIFO, and joins their errors.
// Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		hooks := append([]hook(nil), m.hooks...)
		m.mu.Unlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			err := h.fn(ctx)
			cancel()
			if err != nil {
				m.logger.Error("Shutdown hook failed", logging.Fields{"hook": h.name, "error": err})
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			m.logger.Info("Shutdown hook done", logging.Fields{"hook": h.name})
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// StopHTTPServer drains server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource adapts an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// WaitFor polls done until it reports true or ctx ends
func WaitFor(done func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
