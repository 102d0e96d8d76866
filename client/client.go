// Package client is what an application embeds: one value that keeps the local instance
// registered and resolves other services from a cached copy of the registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"eureka-client/codec"
	"eureka-client/config"
	"eureka-client/discovery"
	"eureka-client/instance"
	"eureka-client/loadbalance"
	"eureka-client/middleware"
	"eureka-client/observability"
	"eureka-client/registration"
	"eureka-client/registry"
	"eureka-client/transport"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	registry   registry.Registry
}

type Option func(*options)

// WithLogger sets the logger for lifecycle events and registry requests. Defaults to a no-op.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer sets where the client's metrics are registered. Defaults to a private
// registry, so several clients can live in one process.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithRegistry replaces the configured backend.
func WithRegistry(r registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	reg     registry.Registry
	closer  io.Closer // backend connection owned by the client, if any
	manager *registration.Manager
	cache   *discovery.Cache

	stopOnce sync.Once
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	obs := observability.Multi(
		observability.NewLogObserver(o.logger),
		observability.NewMetricsObserver(o.registerer),
	)

	c := &Client{cfg: cfg, logger: o.logger, reg: o.registry}
	if c.reg == nil {
		if err := c.dial(obs); err != nil {
			return nil, err
		}
	}

	bal, err := loadbalance.New(cfg.Eureka.LoadBalancer)
	if err != nil {
		c.closeBackend()
		return nil, err
	}

	ec := cfg.Eureka
	c.manager = registration.NewManager(c.reg, cfg.Record(), registration.Options{
		HeartbeatInterval: ec.HeartbeatEvery(),
		Backoff: registration.BackoffOptions{
			Base:       time.Duration(ec.RegistrationBackoff.BaseMs) * time.Millisecond,
			Max:        time.Duration(ec.RegistrationBackoff.MaxMs) * time.Millisecond,
			Multiplier: ec.RegistrationBackoff.Multiplier,
			Jitter:     ec.RegistrationBackoff.Jitter,
		},
		FailureThreshold:  ec.HeartbeatFailureThreshold,
		DeregisterTimeout: ec.ShutdownTimeoutDuration(),
		Disabled:          !ec.RegisterWithEureka,
		Observer:          obs,
	})
	c.cache = discovery.NewCache(c.reg, discovery.Options{
		RefreshInterval: ec.FetchEvery(),
		// 不拉取注册表时没有刷新循环，等待只会白白阻塞
		WaitForRegistry: ec.WaitForRegistry && ec.FetchRegistry,
		WaitTimeout:     ec.WaitTimeout(),
		DisableDelta:    ec.DisableDelta,
		DisableUpFilter: !ec.FilterUpInstances,
		Balancer:        bal,
		Observer:        obs,
	})
	return c, nil
}

// dial builds the configured backend.
func (c *Client) dial(obs observability.Observer) error {
	ec := c.cfg.Eureka
	cdc := &codec.JSONCodec{}

	switch ec.Backend {
	case "etcd":
		r, err := registry.NewEtcdRegistry(ec.EtcdEndpoints, ec.RequestTimeoutDuration(), cdc, obs)
		if err != nil {
			return err
		}
		c.reg, c.closer = r, r
		return nil
	default:
		tr, err := transport.NewHTTPTransport(ec.ServiceURLs, transport.HTTPOptions{
			Timeout: ec.RequestTimeoutDuration(),
		})
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		// 最外层记录日志，限流在重试之外，每次重试不再重复排队
		mws := []middleware.Middleware{
			middleware.LoggingMiddleware(c.logger),
			middleware.TimeOutMiddleware(callBudget(ec, len(ec.ServiceURLs))),
		}
		if ec.RateLimit > 0 {
			mws = append(mws, middleware.RateLimitMiddleware(ec.RateLimit, max(ec.RateBurst, 1)))
		}
		mws = append(mws, middleware.RetryMiddleware(ec.MaxRetries, ec.RetryDelay(), c.logger))
		c.reg = registry.NewEurekaRegistry(middleware.Wrap(tr, mws...), cdc, obs)
		return nil
	}
}

// callBudget bounds one registry call: every attempt may walk all servers, and the retry
// delays double between attempts.
func callBudget(ec config.EurekaConfig, servers int) time.Duration {
	if servers < 1 {
		servers = 1
	}
	budget := time.Duration(ec.MaxRetries+1) * time.Duration(servers) * ec.RequestTimeoutDuration()
	for i := 0; i < ec.MaxRetries; i++ {
		budget += ec.RetryDelay() << i
	}
	return budget
}

func (c *Client) closeBackend() {
	if c.closer == nil {
		return
	}
	if err := c.closer.Close(); err != nil {
		c.logger.Warn("close registry backend", zap.Error(err))
	}
}

// Start launches registration and, when fetchRegistry is on, the registry refresh loop.
// Neither waits for the registry.
func (c *Client) Start() error {
	if err := c.manager.Start(); err != nil {
		return err
	}
	if !c.cfg.Eureka.FetchRegistry {
		return nil
	}
	return c.cache.Start()
}

// Stop ends both loops concurrently and waits at most shutdownTimeout, which covers the
// deregistration attempt. Calling it again is a no-op.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Eureka.ShutdownTimeoutDuration())
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.manager.Stop(ctx)
		}()
		go func() {
			defer wg.Done()
			c.cache.Stop(ctx)
		}()
		wg.Wait()

		c.closeBackend()
	})
}

// Resolve returns an endpoint of service picked by the configured load balancer.
func (c *Client) Resolve(service string) (instance.Endpoint, error) {
	return c.cache.Resolve(service)
}

// ResolveKey returns the endpoint that owns key, stable while the instance set is.
func (c *Client) ResolveKey(service, key string) (instance.Endpoint, error) {
	return c.cache.ResolveKey(service, key)
}

func (c *Client) Instances(service string) ([]instance.Record, error) {
	return c.cache.Instances(service)
}

// Refresh fetches the registry now instead of waiting for the next interval.
func (c *Client) Refresh(ctx context.Context) error {
	return c.cache.Refresh(ctx)
}

// Registration reports the state of the local instance's registration.
func (c *Client) Registration() registration.Status {
	return c.manager.Status()
}

func (c *Client) Instance() instance.Record {
	return c.manager.Record()
}

// SetStatus changes the status this instance advertises, e.g. OUT_OF_SERVICE before a drain.
func (c *Client) SetStatus(ctx context.Context, status instance.Status) error {
	return c.manager.SetStatus(ctx, status)
}
