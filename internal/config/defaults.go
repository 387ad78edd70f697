package config

import (
	"github.com/rickgao/ibgate/internal/connection"
	"github.com/rickgao/ibgate/internal/instrument"
)

// Default values for optional configuration fields.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 4001
	DefaultClientID           = 1
	DefaultResolveConcurrency = 8
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	ws := connection.DefaultWSConfig()

	// Gateway defaults
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultPort
	}
	if c.Gateway.ClientID == 0 {
		c.Gateway.ClientID = DefaultClientID
	}
	if c.Gateway.WSScheme == "" {
		c.Gateway.WSScheme = ws.Scheme
	}
	if c.Gateway.WSPath == "" {
		c.Gateway.WSPath = ws.Path
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = ws.RequestTimeout
	}
	if c.Gateway.RequestRate == 0 {
		c.Gateway.RequestRate = ws.RequestRate
	}
	if c.Gateway.RequestBurst == 0 {
		c.Gateway.RequestBurst = ws.RequestBurst
	}

	// Connection defaults
	conn := connection.DefaultConfig()
	if c.Connection.Supervised {
		conn = connection.SupervisedConfig()
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = conn.ConnectTimeout
	}
	if c.Connection.AutoReconnect == nil {
		on := true
		c.Connection.AutoReconnect = &on
	}
	if c.Connection.ReconnectInterval == 0 {
		c.Connection.ReconnectInterval = conn.ReconnectInterval
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = conn.MaxReconnectAttempts
	}
	if c.Connection.LivenessInterval == 0 {
		c.Connection.LivenessInterval = conn.LivenessInterval
	}

	// Registry defaults
	reg := instrument.DefaultConfig()
	if c.Registry.LookupTimeout == 0 {
		c.Registry.LookupTimeout = reg.LookupTimeout
	}
	if c.Registry.LegPollAttempts == 0 {
		c.Registry.LegPollAttempts = reg.LegPollAttempts
	}
	if c.Registry.LegPollInterval == 0 {
		c.Registry.LegPollInterval = reg.LegPollInterval
	}
	if c.Registry.ContinuousPollAttempts == 0 {
		c.Registry.ContinuousPollAttempts = reg.ContinuousPollAttempts
	}
	if c.Registry.ContinuousPollInterval == 0 {
		c.Registry.ContinuousPollInterval = reg.ContinuousPollInterval
	}
	if c.Registry.ResolveConcurrency == 0 {
		c.Registry.ResolveConcurrency = DefaultResolveConcurrency
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// ControllerConfig returns the connection controller settings.
func (c *Config) ControllerConfig() connection.Config {
	return connection.Config{
		ReconnectInterval:    c.Connection.ReconnectInterval,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		LivenessInterval:     c.Connection.LivenessInterval,
		ConnectTimeout:       c.Gateway.ConnectTimeout,
	}
}

// ConnectOptions returns the options for the initial Connect call.
func (c *Config) ConnectOptions() connection.ConnectOptions {
	auto := true
	if c.Connection.AutoReconnect != nil {
		auto = *c.Connection.AutoReconnect
	}
	return connection.ConnectOptions{
		ReadOnly:      c.Gateway.ReadOnly,
		Timeout:       c.Gateway.ConnectTimeout,
		AutoReconnect: auto,
	}
}

// WSConfig returns the websocket transport settings.
func (c *Config) WSConfig() connection.WSConfig {
	ws := connection.DefaultWSConfig()
	ws.Scheme = c.Gateway.WSScheme
	ws.Path = c.Gateway.WSPath
	ws.RequestTimeout = c.Gateway.RequestTimeout
	ws.RequestRate = c.Gateway.RequestRate
	ws.RequestBurst = c.Gateway.RequestBurst
	if c.Gateway.ConnectTimeout > 0 {
		ws.HandshakeTimeout = c.Gateway.ConnectTimeout
	}
	return ws
}

// RegistryConfig returns the instrument registry settings.
func (c *Config) RegistryConfig() instrument.Config {
	return instrument.Config{
		LookupTimeout:          c.Registry.LookupTimeout,
		LegPollAttempts:        c.Registry.LegPollAttempts,
		LegPollInterval:        c.Registry.LegPollInterval,
		ContinuousPollAttempts: c.Registry.ContinuousPollAttempts,
		ContinuousPollInterval: c.Registry.ContinuousPollInterval,
	}
}
