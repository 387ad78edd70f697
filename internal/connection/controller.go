package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/ibgate/internal/model"
)

// controllerHandler is the name the controller's own disconnect handler is
// registered under.
const controllerHandler = "controller.disconnect"

// Controller owns the gateway session, its status and the auto-reconnect loop.
type Controller struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	observer  Observer

	handlers *handlerRegistry

	mu             sync.RWMutex
	state          State
	timeout        time.Duration
	autoReconnect  bool
	userDisconnect bool

	// Liveness poll, running while armed.
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	// Reconnect loop; nil when none is running.
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithObserver reports status transitions and reconnect attempts.
func WithObserver(o Observer) ControllerOption {
	return func(c *Controller) { c.observer = o }
}

// NewController creates a Controller in the Disconnected state.
func NewController(cfg Config, transport Transport, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		handlers:  newHandlerRegistry(transport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a session and arms disconnect monitoring. Failures are
// returned wrapped in ErrConnectionFailed and are not retried.
func (c *Controller) Connect(ctx context.Context, host string, port, clientID int, opts ConnectOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ConnectTimeout
	}
	params := ConnectParams{Host: host, Port: port, ClientID: clientID, ReadOnly: opts.ReadOnly}

	c.mu.Lock()
	switch c.state.Status {
	case StatusConnecting, StatusReconnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case StatusConnected:
		// A dropped session not yet noticed by the liveness poll is
		// redialled here instead of waiting for the next poll.
		if c.transport.IsConnected() {
			current := c.state.Params
			c.mu.Unlock()
			if current == params {
				return nil
			}
			return fmt.Errorf("%w: already connected to %s:%d", ErrConnectInProgress, current.Host, current.Port)
		}
	}
	c.state.Params = params
	c.state.ReconnectAttempt = 0
	c.timeout = timeout
	c.autoReconnect = opts.AutoReconnect
	c.userDisconnect = false
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.logger.Info("connecting to gateway",
		"host", host,
		"port", port,
		"client_id", clientID,
		"read_only", opts.ReadOnly,
	)

	err := c.dial(ctx, params, timeout)

	c.mu.Lock()
	if err != nil {
		c.state.LastError = err
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		c.logger.Error("gateway connect failed", "host", host, "port", port, "error", err)
		return fmt.Errorf("%w: %s:%d: %w", ErrConnectionFailed, host, port, err)
	}
	c.state.LastError = nil
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	if err := c.arm(); err != nil {
		c.logger.Warn("failed to arm disconnect handler", "error", err)
	}
	c.logger.Info("connected to gateway", "host", host, "port", port, "client_id", clientID)
	return nil
}

// dial performs a single connect attempt bounded by timeout.
func (c *Controller) dial(ctx context.Context, params ConnectParams, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.transport.Connect(ctx, params); err != nil {
		return err
	}
	if !c.transport.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// arm registers the disconnect handler and starts the liveness poll. Both
// are idempotent across connect cycles.
func (c *Controller) arm() error {
	c.mu.Lock()
	if c.monitorDone == nil {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.monitorCancel, c.monitorDone = cancel, done
		go c.monitor(ctx, done)
	}
	c.mu.Unlock()

	_, err := c.handlers.register(EventDisconnected, controllerHandler, func() {
		c.handleDisconnection("notification")
	})
	return err
}

// monitor polls the transport every LivenessInterval to catch missed
// disconnect notifications and connections restored by another path.
func (c *Controller) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		live := c.transport.IsConnected()

		c.mu.RLock()
		status := c.state.Status
		c.mu.RUnlock()

		switch {
		case status == StatusConnected && !live:
			c.logger.Warn("liveness check found connection down")
			c.handleDisconnection("liveness")
		case status == StatusReconnecting && live:
			c.restored()
		}
	}
}

// handleDisconnection moves Connected to Reconnecting and starts the
// reconnect loop, unless one is already running or the user disconnected.
func (c *Controller) handleDisconnection(trigger string) {
	c.mu.Lock()
	if c.userDisconnect || c.state.Status != StatusConnected || c.reconnectDone != nil {
		c.mu.Unlock()
		return
	}
	if !c.autoReconnect {
		c.state.LastError = ErrConnectionLost
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		c.logger.Warn("gateway connection lost, auto-reconnect disabled", "trigger", trigger)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.reconnectCancel, c.reconnectDone = cancel, done
	c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()

	c.logger.Warn("gateway connection lost, reconnecting",
		"trigger", trigger,
		"interval", c.cfg.ReconnectInterval,
		"max_attempts", c.cfg.MaxReconnectAttempts,
	)
	go c.reconnectLoop(ctx, done)
}

// reconnectLoop retries at a fixed interval until connected, cancelled or
// out of attempts.
func (c *Controller) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.reconnectDone == done {
			c.reconnectCancel, c.reconnectDone = nil, nil
		}
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if ctx.Err() != nil || c.state.Status != StatusReconnecting {
			c.mu.Unlock()
			return
		}
		if c.state.ReconnectAttempt >= c.cfg.MaxReconnectAttempts {
			attempts := c.state.ReconnectAttempt
			c.state.ReconnectAttempt = 0
			c.state.LastError = ErrReconnectExhausted
			c.setStatusLocked(StatusDisconnected)
			c.mu.Unlock()

			if c.observer != nil {
				c.observer.ObserveReconnectExhausted()
			}
			c.logger.Error("giving up on gateway reconnection", "attempts", attempts, "error", ErrReconnectExhausted)
			return
		}
		c.state.ReconnectAttempt++
		attempt := c.state.ReconnectAttempt
		params, timeout := c.state.Params, c.timeout
		c.mu.Unlock()

		if c.observer != nil {
			c.observer.ObserveReconnectAttempt()
		}
		c.logger.Info("reconnect attempt scheduled",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxReconnectAttempts,
			"wait", c.cfg.ReconnectInterval,
		)

		if err := sleep(ctx, c.cfg.ReconnectInterval); err != nil {
			return
		}

		if c.transport.IsConnected() {
			c.markReconnected(ctx, attempt)
			return
		}

		err := c.dial(ctx, params, timeout)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			c.markReconnected(ctx, attempt)
			return
		}

		c.mu.Lock()
		c.state.LastError = err
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// markReconnected returns to Connected unless the loop was cancelled.
func (c *Controller) markReconnected(ctx context.Context, attempt int) {
	c.mu.Lock()
	if ctx.Err() != nil || c.userDisconnect {
		c.mu.Unlock()
		return
	}
	c.state.ReconnectAttempt = 0
	c.state.LastError = nil
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("reconnected to gateway", "attempt", attempt)
}

// restored handles a connection that came back while Reconnecting.
func (c *Controller) restored() {
	c.mu.Lock()
	if c.state.Status != StatusReconnecting || c.userDisconnect {
		c.mu.Unlock()
		return
	}
	cancel := c.reconnectCancel
	c.state.ReconnectAttempt = 0
	c.state.LastError = nil
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Info("gateway connection restored")
}

// Disconnect cancels and awaits the reconnect loop and the liveness poll,
// unregisters the disconnect handler and closes the transport.
// Auto-reconnect stays off until the next Connect. Teardown always completes;
// if ctx ends before a task exits, the wait error is returned alongside any
// close error.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.userDisconnect = true
	reconnectCancel, reconnectDone := c.reconnectCancel, c.reconnectDone
	monitorCancel, monitorDone := c.monitorCancel, c.monitorDone
	c.reconnectCancel, c.reconnectDone = nil, nil
	c.monitorCancel, c.monitorDone = nil, nil
	c.mu.Unlock()

	if reconnectCancel != nil {
		reconnectCancel()
	}
	if monitorCancel != nil {
		monitorCancel()
	}

	var errs []error
	if reconnectDone != nil {
		if err := wait(ctx, reconnectDone); err != nil {
			errs = append(errs, fmt.Errorf("await reconnect loop: %w", err))
		}
	}
	if monitorDone != nil {
		if err := wait(ctx, monitorDone); err != nil {
			errs = append(errs, fmt.Errorf("await liveness poll: %w", err))
		}
	}

	c.handlers.unregister(EventDisconnected, controllerHandler)
	if err := c.transport.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	c.mu.Lock()
	c.state.ReconnectAttempt = 0
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if len(errs) > 0 {
		c.logger.Warn("disconnected from gateway with errors", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	c.logger.Info("disconnected from gateway")
	return nil
}

// RegisterHandler subscribes fn to a transport event under name. A second
// registration under the same name is a no-op.
func (c *Controller) RegisterHandler(event Event, name string, fn func()) error {
	_, err := c.handlers.register(event, name, fn)
	return err
}

// UnregisterHandler removes the handler registered under name.
func (c *Controller) UnregisterHandler(event Event, name string) bool {
	return c.handlers.unregister(event, name)
}

// IsConnected reports whether the controller is Connected and the
// transport agrees.
func (c *Controller) IsConnected() bool {
	return c.Status() == StatusConnected && c.transport.IsConnected()
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LookupDetails forwards a detail lookup to the live transport.
func (c *Controller) LookupDetails(ctx context.Context, spec model.InstrumentSpec) ([]model.ContractDetails, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.transport.LookupDetails(ctx, spec)
}

// setStatusLocked updates the status (caller must hold write lock).
func (c *Controller) setStatusLocked(s Status) {
	if c.state.Status == s {
		return
	}
	c.state.Status = s
	if c.observer != nil {
		c.observer.ObserveStatus(s)
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait blocks until done is closed or ctx ends.
func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
