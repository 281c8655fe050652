package runtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loomworks/loom/internal/logging"
)

// ShutdownFunc is a cleanup function called during shutdown.
type ShutdownFunc func(ctx context.Context) error

// DefaultShutdownTimeout bounds how long cleanup may take.
const DefaultShutdownTimeout = 30 * time.Second

// ShutdownManager coordinates graceful teardown of the orchestrator:
// stop scheduling, kill live workers, close the store. Handlers run
// concurrently under a shared timeout.
type ShutdownManager struct {
	mu          sync.Mutex
	handlers    []namedHandler
	timeout     time.Duration
	shutdownCtx context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	once        sync.Once
	log         *logging.Logger
}

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a manager with the given cleanup timeout.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeout:     timeout,
		shutdownCtx: ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		log:         logging.New("runtime"),
	}
}

// Register adds a cleanup handler.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterSimple adds a cleanup function with no error return.
func (m *ShutdownManager) RegisterSimple(name string, fn func()) {
	m.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// Context is cancelled the moment shutdown begins. Long-running loops
// should select on it.
func (m *ShutdownManager) Context() context.Context {
	return m.shutdownCtx
}

// Done is closed when shutdown has finished.
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// ListenForSignals triggers shutdown on SIGTERM or SIGINT. Non-blocking.
func (m *ShutdownManager) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		m.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
		m.Shutdown()
	}()
}

// Shutdown runs all cleanup handlers. Safe to call more than once.
func (m *ShutdownManager) Shutdown() {
	m.once.Do(m.performShutdown)
}

// WaitForShutdown blocks until shutdown is complete.
func (m *ShutdownManager) WaitForShutdown() {
	<-m.done
}

func (m *ShutdownManager) performShutdown() {
	defer close(m.done)
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	handlers := make([]namedHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h namedHandler) {
			defer wg.Done()
			start := time.Now()
			if err := h.fn(ctx); err != nil {
				m.log.Error("shutdown_handler_failed", map[string]interface{}{
					"handler": h.name,
				}, err)
				return
			}
			m.log.TimedEvent("shutdown_handler_done", start, map[string]interface{}{
				"handler": h.name,
			})
		}(h)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.log.Info("shutdown_complete", nil)
	case <-ctx.Done():
		m.log.Warn("shutdown_timeout", map[string]interface{}{
			"timeout": m.timeout.String(),
		}, nil)
	}
}
