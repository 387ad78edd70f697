package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/ibgate/internal/model"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionLost     = errors.New("connection lost")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrConnectInProgress  = errors.New("connect already in progress")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrTimeout            = errors.New("operation timeout")
	ErrAlreadyClosed      = errors.New("already closed")
)

// Event names a transport notification.
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
)

// Transport is the gateway session the controller drives.
type Transport interface {
	// Connect opens the session. It must honor ctx cancellation.
	Connect(ctx context.Context, params ConnectParams) error

	// IsConnected reports whether the session is live right now.
	IsConnected() bool

	// Disconnect closes the session.
	Disconnect() error

	// Subscribe registers fn for event and returns its unsubscribe func.
	Subscribe(event Event, fn func()) (func(), error)

	// LookupDetails returns every contract matching spec.
	LookupDetails(ctx context.Context, spec model.InstrumentSpec) ([]model.ContractDetails, error)
}

// ConnectParams are the parameters retained for reconnection.
type ConnectParams struct {
	Host     string
	Port     int
	ClientID int
	ReadOnly bool
}

// Status is the controller's connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// State is a snapshot of the controller.
type State struct {
	Params           ConnectParams
	Status           Status
	ReconnectAttempt int
	LastError        error // last connect failure, ErrReconnectExhausted, or nil
}

// Observer receives controller transitions. Implementations must not call
// back into the Controller.
type Observer interface {
	ObserveStatus(s Status)
	ObserveReconnectAttempt()
	ObserveReconnectExhausted()
}

// Config configures the Connection Controller.
type Config struct {
	ReconnectInterval    time.Duration // Fixed wait before each reconnect attempt
	MaxReconnectAttempts int           // Attempts before giving up
	LivenessInterval     time.Duration // Poll period for missed disconnect notifications
	ConnectTimeout       time.Duration // Default timeout for a single connect
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    10 * time.Second,
		MaxReconnectAttempts: 5,
		LivenessInterval:     5 * time.Second,
		ConnectTimeout:       10 * time.Second,
	}
}

// SupervisedConfig returns the long-running variant: short interval, large bound.
func SupervisedConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectInterval = 2 * time.Second
	cfg.MaxReconnectAttempts = 300
	return cfg
}

// ConnectOptions tune a single Connect call.
type ConnectOptions struct {
	ReadOnly      bool
	Timeout       time.Duration // 0 = Config.ConnectTimeout
	AutoReconnect bool
}

// DefaultConnectOptions enables auto-reconnect with the configured timeout.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{AutoReconnect: true}
}

// WSConfig configures the websocket transport.
type WSConfig struct {
	Scheme           string        // "ws" or "wss"
	Path             string        // Bridge endpoint path
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping period
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	RequestTimeout   time.Duration // Upper bound for a lookup round trip
	RequestRate      float64       // Lookups per second (gateway pacing)
	RequestBurst     int
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Scheme:           "ws",
		Path:             "/v1/api",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		RequestTimeout:   30 * time.Second,
		RequestRate:      45,
		RequestBurst:     10,
	}
}
