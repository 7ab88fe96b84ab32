package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultComponentShutdownTimeout bounds each component's shutdown when Register is given zero.
const DefaultComponentShutdownTimeout = 10 * time.Second

// ShutdownComponent is something the system must release on shutdown.
type ShutdownComponent interface {
	Shutdown(ctx context.Context) error
	Name() string
}

// shutdownFunc adapts a plain function into a ShutdownComponent.
type shutdownFunc struct {
	fn   func(ctx context.Context) error
	name string
}

func (s shutdownFunc) Shutdown(ctx context.Context) error { return s.fn(ctx) }
func (s shutdownFunc) Name() string                       { return s.name }

// ShutdownManager stops registered components in reverse registration order, once.
type ShutdownManager struct {
	shutdownCtx context.Context //nolint:containedctx // cancelled when shutdown begins
	shutdownFn  context.CancelFunc
	done        chan struct{}
	components  []ShutdownComponent
	timeouts    map[string]time.Duration
	err         error
	mu          sync.RWMutex
	once        sync.Once
}

func NewShutdownManager() *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeouts:    make(map[string]time.Duration),
		shutdownCtx: ctx,
		shutdownFn:  cancel,
		done:        make(chan struct{}),
	}
}

// Register adds a component. A zero timeout means DefaultComponentShutdownTimeout.
func (sm *ShutdownManager) Register(component ShutdownComponent, timeout time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.components = append(sm.components, component)
	sm.timeouts[component.Name()] = timeout
}

// RegisterFunc registers fn under name.
func (sm *ShutdownManager) RegisterFunc(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	sm.Register(shutdownFunc{name: name, fn: fn}, timeout)
}

// Shutdown cancels ShutdownContext, then stops every component even if some fail.
// Later calls return the result of the first one.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.once.Do(func() {
		go sm.run(ctx)
	})

	select {
	case <-sm.done:
		return sm.err
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller's own context
	}
}

func (sm *ShutdownManager) run(ctx context.Context) {
	defer close(sm.done)
	sm.shutdownFn()

	sm.mu.RLock()
	components := make([]ShutdownComponent, len(sm.components))
	copy(components, sm.components)
	sm.mu.RUnlock()

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		component := components[i]
		sm.mu.RLock()
		timeout := sm.timeouts[component.Name()]
		sm.mu.RUnlock()
		if timeout <= 0 {
			timeout = DefaultComponentShutdownTimeout
		}

		componentCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		if err := component.Shutdown(componentCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", component.Name(), err))
		}
		cancel()
	}
	sm.err = errors.Join(errs...)
}

// IsShuttingDown reports whether Shutdown has been called.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.shutdownCtx.Err() != nil
}

// ShutdownContext is cancelled as soon as Shutdown begins.
func (sm *ShutdownManager) ShutdownContext() context.Context {
	return sm.shutdownCtx
}

// Wait blocks until Shutdown has finished.
func (sm *ShutdownManager) Wait() {
	<-sm.done
}
