package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/amqp-engine/interfaces"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LifecycleState represents the current state of the server
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const defaultShutdownTimeout = 30 * time.Second

// LifecycleManager runs the server's background loops and the hooks
// registered around start and stop
type LifecycleManager struct {
	server     *Server
	state      LifecycleState
	stateMutex sync.RWMutex
	cancel     context.CancelFunc
	group      *errgroup.Group
	startTime  time.Time
	stopTime   time.Time
	lastError  error
	hooks      []LifecycleHook

	shutdownTimeout time.Duration
}

// LifecycleHook defines a hook that can be called during lifecycle events
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	OnError  func(err error)
	Priority int // Lower numbers execute first
}

// NewLifecycleManager creates a new lifecycle manager for the server
func NewLifecycleManager(server *Server) *LifecycleManager {
	return &LifecycleManager{
		server:          server,
		state:           StateStopped,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// RegisterHook registers a lifecycle hook
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()

	lm.hooks = append(lm.hooks, hook)
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// SetShutdownTimeout bounds how long Stop waits for connections to close
func (lm *LifecycleManager) SetShutdownTimeout(d time.Duration) {
	lm.stateMutex.Lock()
	lm.shutdownTimeout = d
	lm.stateMutex.Unlock()
}

// GetState returns the current lifecycle state
func (lm *LifecycleManager) GetState() LifecycleState {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.state
}

func (lm *LifecycleManager) setState(state LifecycleState) {
	lm.stateMutex.Lock()
	defer lm.stateMutex.Unlock()
	lm.state = state
}

// GetUptime returns how long the server has been running
func (lm *LifecycleManager) GetUptime() time.Duration {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()

	if lm.state == StateRunning {
		return time.Since(lm.startTime)
	}
	if !lm.stopTime.IsZero() {
		return lm.stopTime.Sub(lm.startTime)
	}
	return 0
}

// GetLastError returns the last error that occurred during lifecycle operations
func (lm *LifecycleManager) GetLastError() error {
	lm.stateMutex.RLock()
	defer lm.stateMutex.RUnlock()
	return lm.lastError
}

// Start runs the start hooks, then the housekeeping and metrics loops
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if !lm.canTransitionTo(StateStarting) {
		return fmt.Errorf("cannot start server in state: %s", lm.GetState())
	}

	lm.setState(StateStarting)
	lm.stateMutex.Lock()
	lm.startTime = time.Now()
	lm.stopTime = time.Time{}
	lm.lastError = nil
	lm.stateMutex.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	for _, hook := range lm.hooks {
		if hook.OnStart == nil {
			continue
		}
		if err := hook.OnStart(runCtx); err != nil {
			cancel()
			err = fmt.Errorf("start hook '%s' failed: %w", hook.Name, err)
			lm.setError(err)
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	interval := lm.server.config.Engine.HousekeepingInterval
	g.Go(func() error {
		runEvery(gctx, interval, lm.server.sweepConnections)
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, interval, lm.server.collectMetrics)
		return nil
	})

	lm.stateMutex.Lock()
	lm.cancel = cancel
	lm.group = g
	lm.state = StateRunning
	lm.stateMutex.Unlock()

	lm.server.logger.Info("Server started",
		zap.String("virtual_host", lm.server.vhost.Name()),
		zap.Duration("housekeeping_interval", interval))
	return nil
}

// Stop closes every connection, stops the background loops and runs the
// stop hooks in reverse order
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	currentState := lm.GetState()
	if currentState == StateStopped {
		return nil
	}
	if !lm.canTransitionTo(StateStopping) {
		return fmt.Errorf("cannot stop server in state: %s", currentState)
	}
	lm.setState(StateStopping)

	lm.stateMutex.Lock()
	lm.stopTime = time.Now()
	cancel, group, timeout := lm.cancel, lm.group, lm.shutdownTimeout
	lm.stateMutex.Unlock()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, timeout)
	defer shutdownCancel()

	lm.server.closeConnections("server shutdown")
	lm.waitForConnections(shutdownCtx)

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			lm.server.logger.Warn("Background loop failed", zap.Error(err))
		}
	}

	// a drain that used up the timeout must not leave the hooks without time
	hookCtx, hookCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer hookCancel()
	for i := len(lm.hooks) - 1; i >= 0; i-- {
		hook := lm.hooks[i]
		if hook.OnStop == nil {
			continue
		}
		if err := hook.OnStop(hookCtx); err != nil && hook.OnError != nil {
			hook.OnError(fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err))
		}
	}

	lm.setState(StateStopped)
	lm.server.logger.Info("Server stopped")
	return nil
}

// waitForConnections gives connection loops time to drain their shutdown
// event. Connections nobody drives are left behind once ctx ends.
func (lm *LifecycleManager) waitForConnections(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(lm.server.Connections()) > 0 {
		select {
		case <-ctx.Done():
			lm.server.logger.Warn("Shutdown timed out, dropping connections",
				zap.Int("connections", len(lm.server.Connections())))
			return
		case <-ticker.C:
		}
	}
}

// Health returns the server health status
func (lm *LifecycleManager) Health() interfaces.HealthStatus {
	state := lm.GetState()
	status := interfaces.HealthStatus{
		Uptime:    lm.GetUptime(),
		Timestamp: time.Now(),
	}

	switch state {
	case StateRunning:
		status.Status = "healthy"
	case StateStarting:
		status.Status = "starting"
	case StateStopping:
		status.Status = "stopping"
	case StateStopped:
		status.Status = "stopped"
	case StateError:
		status.Status = "unhealthy"
		if err := lm.GetLastError(); err != nil {
			status.Errors = []string{err.Error()}
		}
	default:
		status.Status = "unknown"
		status.Warnings = []string{"unknown server state"}
	}
	return status
}

func (lm *LifecycleManager) canTransitionTo(target LifecycleState) bool {
	current := lm.GetState()

	switch target {
	case StateStarting:
		return current == StateStopped
	case StateRunning:
		return current == StateStarting
	case StateStopping:
		return current == StateStarting || current == StateRunning || current == StateError
	case StateStopped:
		return current == StateStopping
	case StateError:
		return true
	default:
		return false
	}
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMutex.Lock()
	lm.state = StateError
	lm.lastError = err
	hooks := lm.hooks
	lm.stateMutex.Unlock()

	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}

// runEvery calls fn every interval until ctx is done
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
