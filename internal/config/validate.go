package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Gateway.Host == "" {
		return errors.New("gateway.host is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.ClientID < 0 {
		return fmt.Errorf("gateway.client_id must be >= 0, got %d", c.Gateway.ClientID)
	}
	if c.Gateway.WSScheme != "ws" && c.Gateway.WSScheme != "wss" {
		return fmt.Errorf("gateway.ws_scheme must be ws or wss, got %q", c.Gateway.WSScheme)
	}
	if c.Gateway.ConnectTimeout <= 0 {
		return errors.New("gateway.connect_timeout must be > 0")
	}

	if c.Connection.ReconnectInterval <= 0 {
		return errors.New("connection.reconnect_interval must be > 0")
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.LivenessInterval <= 0 {
		return errors.New("connection.liveness_interval must be > 0")
	}

	if c.Registry.LookupTimeout <= 0 {
		return errors.New("registry.lookup_timeout must be > 0")
	}
	if c.Registry.LegPollAttempts < 1 {
		return errors.New("registry.leg_poll_attempts must be >= 1")
	}
	if c.Registry.ContinuousPollAttempts < 1 {
		return errors.New("registry.continuous_poll_attempts must be >= 1")
	}
	if c.Registry.ResolveConcurrency < 1 {
		return errors.New("registry.resolve_concurrency must be >= 1")
	}

	if c.Database.WarmStartLimit < 0 {
		return errors.New("database.warm_start_limit must be >= 0")
	}
	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	for i, ic := range c.Watchlist {
		if _, err := ic.Spec(); err != nil {
			return fmt.Errorf("watchlist[%d]: %w", i, err)
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
