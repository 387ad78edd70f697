package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ibgate/internal/connection"
	"github.com/rickgao/ibgate/internal/instrument"
	"github.com/rickgao/ibgate/internal/model"
)

// Config configures a Client.
type Config struct {
	Host     string
	Port     int
	ClientID int

	Connect    connection.ConnectOptions
	Controller connection.Config
	Registry   instrument.Config

	// ResolveConcurrency bounds ResolveAll fan-out.
	ResolveConcurrency int
}

// DefaultConfig returns defaults for an interactive session.
func DefaultConfig() Config {
	return Config{
		Host:               "127.0.0.1",
		Port:               4001,
		ClientID:           1,
		Connect:            connection.DefaultConnectOptions(),
		Controller:         connection.DefaultConfig(),
		Registry:           instrument.DefaultConfig(),
		ResolveConcurrency: 8,
	}
}

// SupervisedConfig returns defaults for a long-running process: reconnect
// every 2s, up to 300 attempts.
func SupervisedConfig() Config {
	cfg := DefaultConfig()
	cfg.Controller = connection.SupervisedConfig()
	return cfg
}

// Option configures a Client.
type Option func(*options)

type options struct {
	controller []connection.ControllerOption
	registry   []instrument.Option
}

// WithControllerOptions passes options to the connection controller.
func WithControllerOptions(opts ...connection.ControllerOption) Option {
	return func(o *options) { o.controller = append(o.controller, opts...) }
}

// WithRegistryOptions passes options to the instrument registry.
func WithRegistryOptions(opts ...instrument.Option) Option {
	return func(o *options) { o.registry = append(o.registry, opts...) }
}

// Client is a gateway session plus its instrument registry.
type Client struct {
	cfg    Config
	logger *slog.Logger

	controller *connection.Controller
	registry   instrument.Registry
}

// New creates a disconnected Client over transport.
func New(cfg Config, transport connection.Transport, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	controller := connection.NewController(cfg.Controller, transport, logger.With("component", "controller"), o.controller...)
	registry := instrument.NewRegistry(cfg.Registry, controller, logger.With("component", "registry"), o.registry...)

	return &Client{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		registry:   registry,
	}
}

// Connect opens the gateway session.
func (c *Client) Connect(ctx context.Context) error {
	return c.controller.Connect(ctx, c.cfg.Host, c.cfg.Port, c.cfg.ClientID, c.cfg.Connect)
}

// Disconnect closes the session. The registry keeps its cache.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.controller.Disconnect(ctx)
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.controller.IsConnected()
}

// Status returns the session status.
func (c *Client) Status() connection.Status {
	return c.controller.Status()
}

// Controller returns the connection controller.
func (c *Client) Controller() *connection.Controller {
	return c.controller
}

// Registry returns the instrument registry.
func (c *Client) Registry() instrument.Registry {
	return c.registry
}

// Resolve registers spec with the registry.
func (c *Client) Resolve(ctx context.Context, spec model.InstrumentSpec) (model.TickerID, error) {
	return c.registry.Resolve(ctx, spec)
}

// ResolveAll resolves specs concurrently and returns their ids in order.
// The first failure cancels the remaining resolutions.
func (c *Client) ResolveAll(ctx context.Context, specs []model.InstrumentSpec) ([]model.TickerID, error) {
	ids := make([]model.TickerID, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.ResolveConcurrency > 0 {
		g.SetLimit(c.cfg.ResolveConcurrency)
	}
	for i, spec := range specs {
		g.Go(func() error {
			id, err := c.registry.Resolve(gctx, spec)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", instrument.CanonicalKey(spec), err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Close stops the registry and disconnects.
func (c *Client) Close(ctx context.Context) error {
	regErr := c.registry.Stop(ctx)
	connErr := c.controller.Disconnect(ctx)
	if err := errors.Join(regErr, connErr); err != nil {
		return err
	}
	c.logger.Info("client closed")
	return nil
}
