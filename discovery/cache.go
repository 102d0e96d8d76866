// Package discovery keeps a local copy of the registry and resolves service names to
// endpoints.
//
// The refresh loop is the only writer: each successful fetch builds a new immutable
// instance.Snapshot and publishes it with an atomic pointer swap. Readers never lock and
// never see a half-applied refresh. A failed refresh leaves the previous snapshot in place.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"eureka-client/instance"
	"eureka-client/loadbalance"
	"eureka-client/observability"
	"eureka-client/registry"
)

var (
	ErrNotYetPopulated = errors.New("discovery: registry not fetched yet")
	ErrStopped         = errors.New("discovery: cache stopped")

	errHashMismatch = errors.New("discovery: delta does not reconcile with registry hash")
)

// NoHealthyInstanceError is returned when a service is unknown or has no usable instance.
type NoHealthyInstanceError struct {
	Service string
}

func (e *NoHealthyInstanceError) Error() string {
	return fmt.Sprintf("discovery: no healthy instance of %s", e.Service)
}

type Options struct {
	RefreshInterval time.Duration
	// WaitForRegistry makes lookups block up to WaitTimeout for the first snapshot instead
	// of failing with ErrNotYetPopulated.
	WaitForRegistry bool
	WaitTimeout     time.Duration
	DisableDelta    bool
	// DisableUpFilter lets lookups return instances in any status, not only UP ones.
	DisableUpFilter bool
	Balancer        loadbalance.Balancer
	Observer        observability.Observer
}

type Cache struct {
	reg  registry.Registry
	opts Options
	obs  observability.Observer
	hash *loadbalance.ConsistentHashBalancer

	snapshot  atomic.Pointer[instance.Snapshot]
	ready     chan struct{}
	readyOnce sync.Once
	noDelta   atomic.Bool // backend answered ErrDeltaUnsupported

	refreshMu sync.Mutex // refreshes are strictly sequential

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCache(reg registry.Registry, opts Options) *Cache {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.Observer == nil {
		opts.Observer = observability.Nop()
	}
	return &Cache{
		reg:   reg,
		opts:  opts,
		obs:   opts.Observer,
		hash:  loadbalance.NewConsistentHashBalancer(),
		ready: make(chan struct{}),
	}
}

// Start fetches the registry in the background, right away and then every
// RefreshInterval. It does not wait for the first fetch.
func (c *Cache) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx)
	return nil
}

// Stop ends the refresh loop and waits for it, at most until ctx is done. A refresh stuck in
// a backend that ignores cancellation is left to finish in the background. The last
// snapshot stays readable.
func (c *Cache) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.done)

	var changes <-chan struct{}
	if w, ok := c.reg.(registry.Watcher); ok {
		changes = w.Watch(ctx)
	}

	c.Refresh(ctx)
	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}
		c.Refresh(ctx)
	}
}

// Refresh fetches the registry once. After the first full fetch it tries an incremental
// delta and keeps the result only when its hash matches the registry's; anything else
// falls back to a full fetch. On failure the current snapshot is kept and the error is
// reported and returned.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if cur := c.snapshot.Load(); cur != nil && !c.opts.DisableDelta && !c.noDelta.Load() {
		next, err := c.applyDelta(ctx, cur)
		if err == nil {
			c.publish(next, true)
			return nil
		}
		if ctx.Err() != nil {
			c.obs.RefreshFailed(err)
			return err
		}
	}

	snap, err := c.reg.FetchAll(ctx)
	if err != nil {
		c.obs.RefreshFailed(err)
		return err
	}
	c.publish(snap, false)
	return nil
}

func (c *Cache) applyDelta(ctx context.Context, cur *instance.Snapshot) (*instance.Snapshot, error) {
	d, err := c.reg.FetchDelta(ctx)
	if errors.Is(err, registry.ErrDeltaUnsupported) {
		c.noDelta.Store(true)
		return nil, err
	}
	if err != nil {
		c.obs.CallFailed("delta", err)
		return nil, err
	}
	next := cur.Apply(d, time.Now())
	if d.HashCode == "" || next.ComputeHashCode() != d.HashCode {
		return nil, errHashMismatch
	}
	return next, nil
}

func (c *Cache) publish(snap *instance.Snapshot, delta bool) {
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	c.snapshot.Store(snap)
	c.readyOnce.Do(func() { close(c.ready) })
	c.obs.Refreshed(len(snap.Services()), snap.Len(), delta)
}

// Snapshot returns the current snapshot, nil before the first successful fetch.
func (c *Cache) Snapshot() *instance.Snapshot {
	return c.snapshot.Load()
}

func (c *Cache) current() (*instance.Snapshot, error) {
	if snap := c.snapshot.Load(); snap != nil {
		return snap, nil
	}
	if !c.opts.WaitForRegistry {
		return nil, ErrNotYetPopulated
	}
	t := time.NewTimer(c.opts.WaitTimeout)
	defer t.Stop()
	select {
	case <-c.ready:
		return c.snapshot.Load(), nil
	case <-t.C:
		return nil, ErrNotYetPopulated
	}
}

// Instances returns every cached instance of service, whatever its status.
func (c *Cache) Instances(service string) ([]instance.Record, error) {
	snap, err := c.current()
	if err != nil {
		return nil, err
	}
	return snap.Instances(service), nil
}

func (c *Cache) candidates(service string) ([]instance.Record, error) {
	snap, err := c.current()
	if err != nil {
		return nil, err
	}
	recs := snap.Instances(service)
	if !c.opts.DisableUpFilter {
		up := recs[:0]
		for _, r := range recs {
			if r.Status == instance.StatusUp {
				up = append(up, r)
			}
		}
		recs = up
	}
	if len(recs) == 0 {
		return nil, &NoHealthyInstanceError{Service: service}
	}
	return recs, nil
}

// Resolve picks an endpoint of service with the configured balancer.
func (c *Cache) Resolve(service string) (instance.Endpoint, error) {
	service = instance.NormalizeService(service)
	recs, err := c.candidates(service)
	if err != nil {
		c.obs.ResolveMissed(service, err)
		return instance.Endpoint{}, err
	}
	rec, err := c.opts.Balancer.Pick(service, recs)
	if err != nil {
		c.obs.ResolveMissed(service, err)
		return instance.Endpoint{}, err
	}
	return rec.Endpoint(), nil
}

// ResolveKey picks the instance owning key on a consistent-hash ring, so repeated calls
// with the same key stick to one instance while the instance set is stable.
func (c *Cache) ResolveKey(service, key string) (instance.Endpoint, error) {
	service = instance.NormalizeService(service)
	recs, err := c.candidates(service)
	if err != nil {
		c.obs.ResolveMissed(service, err)
		return instance.Endpoint{}, err
	}
	rec, err := c.hash.PickKey(service, key, recs)
	if err != nil {
		c.obs.ResolveMissed(service, err)
		return instance.Endpoint{}, err
	}
	return rec.Endpoint(), nil
}
