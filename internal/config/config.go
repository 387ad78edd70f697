package config

import "time"

// Config is the root configuration for an ibgate instance.
type Config struct {
	Gateway    GatewayConfig      `yaml:"gateway"`
	Connection ConnectionConfig   `yaml:"connection"`
	Registry   RegistryConfig     `yaml:"registry"`
	Database   DatabaseConfig     `yaml:"database"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Logging    LoggingConfig      `yaml:"logging"`
	Watchlist  []InstrumentConfig `yaml:"watchlist"`
}

// GatewayConfig locates the gateway bridge.
type GatewayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ClientID       int           `yaml:"client_id"`
	ReadOnly       bool          `yaml:"read_only"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WSScheme       string        `yaml:"ws_scheme"` // ws or wss
	WSPath         string        `yaml:"ws_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRate    float64       `yaml:"request_rate"` // lookups per second
	RequestBurst   int           `yaml:"request_burst"`
}

// ConnectionConfig holds auto-reconnect settings.
type ConnectionConfig struct {
	AutoReconnect        *bool         `yaml:"auto_reconnect"` // nil = true
	Supervised           bool          `yaml:"supervised"`     // long-running defaults
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	LivenessInterval     time.Duration `yaml:"liveness_interval"`
}

// RegistryConfig holds instrument registry settings.
type RegistryConfig struct {
	LookupTimeout          time.Duration `yaml:"lookup_timeout"`
	LegPollAttempts        int           `yaml:"leg_poll_attempts"`
	LegPollInterval        time.Duration `yaml:"leg_poll_interval"`
	ContinuousPollAttempts int           `yaml:"continuous_poll_attempts"`
	ContinuousPollInterval time.Duration `yaml:"continuous_poll_interval"`
	ResolveConcurrency     int           `yaml:"resolve_concurrency"`
}

// DatabaseConfig holds the optional instrument store connection.
type DatabaseConfig struct {
	Enabled        bool     `yaml:"enabled"`
	WarmStartLimit int      `yaml:"warm_start_limit"` // stored instruments re-resolved on startup, 0 = off
	Postgres       DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics and health endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// InstrumentConfig describes one instrument to resolve on startup.
type InstrumentConfig struct {
	Symbol     string      `yaml:"symbol"`
	SecType    string      `yaml:"sec_type"`
	Exchange   string      `yaml:"exchange"`
	Currency   string      `yaml:"currency"`
	Expiry     string      `yaml:"expiry"`
	Strike     float64     `yaml:"strike"`
	Right      string      `yaml:"right"`
	Multiplier string      `yaml:"multiplier"`
	Legs       []LegConfig `yaml:"legs"`
}

// LegConfig is one leg of a combo watchlist entry.
type LegConfig struct {
	InstrumentConfig `yaml:",inline"`
	Action           string `yaml:"action"`
	Ratio            int    `yaml:"ratio"`
}
