// Package registration keeps the local instance registered with the registry.
//
// A Manager runs one background loop per instance: register with jittered exponential
// backoff until it succeeds, then heartbeat on a fixed interval. Heartbeat failures are
// counted and reported but never end the loop; only a "not registered" answer sends the
// manager back to registering. Nothing the loop does is returned to the caller, every
// failure goes to the observer.
package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"eureka-client/instance"
	"eureka-client/observability"
	"eureka-client/registry"

	"github.com/cenkalti/backoff/v4"
)

var ErrAlreadyStopped = errors.New("registration: manager already stopped")

type BackoffOptions struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // randomization factor in [0, 1]
}

type Options struct {
	HeartbeatInterval time.Duration
	Backoff           BackoffOptions
	// FailureThreshold is the consecutive heartbeat failure count from which every further
	// failure is reported as a threshold warning.
	FailureThreshold   int
	DeregisterAttempts int
	DeregisterTimeout  time.Duration
	// Disabled turns the manager into a no-op: no registry call is ever made.
	Disabled bool
	Observer observability.Observer
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = time.Second
	}
	if o.Backoff.Max < o.Backoff.Base {
		o.Backoff.Max = 30 * time.Second
		if o.Backoff.Max < o.Backoff.Base {
			o.Backoff.Max = o.Backoff.Base
		}
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = 2
	}
	if o.Backoff.Jitter < 0 || o.Backoff.Jitter > 1 {
		o.Backoff.Jitter = 0.5
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.DeregisterAttempts <= 0 {
		o.DeregisterAttempts = 3
	}
	if o.DeregisterTimeout <= 0 {
		o.DeregisterTimeout = 5 * time.Second
	}
	if o.Observer == nil {
		o.Observer = observability.Nop()
	}
}

// Manager owns the registration of one instance.
type Manager struct {
	reg  registry.Registry
	opts Options
	obs  observability.Observer

	mu       sync.Mutex
	rec      instance.Record // source of truth for every register payload
	status   Status
	started  bool
	detached bool // Stop gave up waiting for the loop; its late transitions are dropped
	cancel   context.CancelFunc
	done     chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewManager(reg registry.Registry, rec instance.Record, opts Options) *Manager {
	opts.setDefaults()
	rec = rec.Clone()
	rec.ServiceName = instance.NormalizeService(rec.ServiceName)
	return &Manager{
		reg:     reg,
		opts:    opts,
		obs:     opts.Observer,
		rec:     rec,
		stopped: make(chan struct{}),
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Record returns a copy of the local instance record.
func (m *Manager) Record() instance.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Clone()
}

// Start launches the registration loop. It returns immediately; calling it again while
// running is a no-op, calling it after Stop returns ErrAlreadyStopped.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.status.State == Stopped {
		m.mu.Unlock()
		return ErrAlreadyStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	if m.opts.Disabled {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.set(Status{State: Registering}, true)
	go m.run(ctx)
	return nil
}

// Stop ends the loop, deregisters when something is registered and moves to Stopped.
// ctx bounds the wait for an in-flight call; deregistration gets its own
// DeregisterTimeout budget. Stop is idempotent and safe to call concurrently.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.stop(ctx)
		close(m.stopped)
	})
	select {
	case <-m.stopped:
	case <-ctx.Done():
	}
}

func (m *Manager) stop(ctx context.Context) {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			m.mu.Lock()
			m.detached = true
			m.mu.Unlock()
		}
	}

	if st := m.Status().State; st == Registered || st == HeartbeatFailing {
		m.set(Status{State: Deregistering}, false)
		m.deregister(ctx)
	}
	m.set(Status{State: Stopped, LastHeartbeat: m.Status().LastHeartbeat}, false)
}

// SetStatus changes the status the instance advertises. The local record is updated at
// once; when registered, the registry is told immediately, otherwise the next registration
// carries the new status.
func (m *Manager) SetStatus(ctx context.Context, status instance.Status) error {
	m.mu.Lock()
	if m.status.State == Stopped {
		m.mu.Unlock()
		return ErrAlreadyStopped
	}
	m.rec.Status = status
	rec := m.rec.Clone()
	state := m.status.State
	m.mu.Unlock()

	if m.opts.Disabled || (state != Registered && state != HeartbeatFailing) {
		return nil
	}
	if err := m.reg.UpdateStatus(ctx, &rec, status); err != nil {
		m.obs.CallFailed("status", err)
		return err
	}
	return nil
}

// set swaps the status and reports the transition. Loop transitions are dropped once Stop
// has detached from the loop; set reports whether next was applied.
func (m *Manager) set(next Status, fromLoop bool) bool {
	m.mu.Lock()
	if fromLoop && m.detached {
		m.mu.Unlock()
		return false
	}
	prev := m.status
	m.status = next
	id := m.rec.InstanceID
	m.mu.Unlock()

	if prev.String() != next.String() {
		m.obs.StateChanged(id, prev.String(), next.String())
	}
	return true
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Backoff.Base
	b.MaxInterval = m.opts.Backoff.Max
	b.Multiplier = m.opts.Backoff.Multiplier
	b.RandomizationFactor = m.opts.Backoff.Jitter
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	bo := m.newBackOff()

	for ctx.Err() == nil {
		switch m.Status().State {
		case Registering:
			if m.register(ctx) {
				bo.Reset()
				continue
			}
			if !sleep(ctx, bo.NextBackOff()) {
				return
			}
		case Registered, HeartbeatFailing:
			if !sleep(ctx, m.opts.HeartbeatInterval) {
				return
			}
			m.heartbeat(ctx)
		default:
			return
		}
	}
}

func (m *Manager) register(ctx context.Context) bool {
	rec := m.Record()
	if err := m.reg.Register(ctx, &rec); err != nil {
		if ctx.Err() == nil {
			m.obs.CallFailed("register", err)
		}
		return false
	}
	if !m.set(Status{State: Registered, LastHeartbeat: m.Status().LastHeartbeat}, true) {
		// Stop gave up on this call and never saw it succeed.
		m.undoLateRegister(&rec)
	}
	return true
}

// undoLateRegister sends one deregister for a registration that completed after Stop
// detached, so the registry does not keep the entry until its lease expires.
func (m *Manager) undoLateRegister(rec *instance.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DeregisterTimeout)
	defer cancel()
	if err := m.reg.Deregister(ctx, rec); err != nil {
		m.obs.CallFailed("deregister", err)
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	rec := m.Record()
	err := m.reg.Heartbeat(ctx, &rec)
	if err != nil && ctx.Err() != nil {
		// Interrupted by Stop, not a registry failure.
		return
	}

	prev := m.Status()
	switch {
	case err == nil:
		now := time.Now()
		m.mu.Lock()
		m.rec.LastHeartbeat = now
		m.mu.Unlock()
		m.set(Status{State: Registered, LastHeartbeat: now}, true)

	case registry.IsNotRegistered(err):
		m.obs.CallFailed("heartbeat", err)
		m.set(Status{State: Registering, LastHeartbeat: prev.LastHeartbeat}, true)

	default:
		m.obs.CallFailed("heartbeat", err)
		n := prev.ConsecutiveFailures + 1
		m.set(Status{State: HeartbeatFailing, ConsecutiveFailures: n, LastHeartbeat: prev.LastHeartbeat}, true)
		if n >= m.opts.FailureThreshold {
			m.obs.HeartbeatThreshold(rec.InstanceID, n)
		}
	}
}

func (m *Manager) deregister(ctx context.Context) {
	base := ctx
	if ctx.Err() != nil {
		base = context.WithoutCancel(ctx)
	}
	dctx, cancel := context.WithTimeout(base, m.opts.DeregisterTimeout)
	defer cancel()

	rec := m.Record()
	for i := 0; i < m.opts.DeregisterAttempts; i++ {
		err := m.reg.Deregister(dctx, &rec)
		if err == nil {
			return
		}
		m.obs.CallFailed("deregister", err)
		if i+1 < m.opts.DeregisterAttempts && !sleep(dctx, time.Duration(i+1)*100*time.Millisecond) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
