package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eureka-client/instance"
	"eureka-client/registry"
	"eureka-client/registrytest"
	"eureka-client/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu       sync.Mutex
	snap     *instance.Snapshot
	fetchErr error
	fetches  int
	changes  chan struct{}
}

func (f *fakeRegistry) set(snap *instance.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.fetchErr = snap, err
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeRegistry) FetchAll(context.Context) (*instance.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.snap, f.fetchErr
}

func (f *fakeRegistry) FetchDelta(context.Context) (*instance.Delta, error) {
	return nil, registry.ErrDeltaUnsupported
}

func (f *fakeRegistry) Register(context.Context, *instance.Record) error   { return nil }
func (f *fakeRegistry) Heartbeat(context.Context, *instance.Record) error  { return nil }
func (f *fakeRegistry) Deregister(context.Context, *instance.Record) error { return nil }
func (f *fakeRegistry) UpdateStatus(context.Context, *instance.Record, instance.Status) error {
	return nil
}

// watchingRegistry pushes change signals like the etcd backend does.
type watchingRegistry struct {
	*fakeRegistry
}

func (w watchingRegistry) Watch(ctx context.Context) <-chan struct{} {
	return w.changes
}

func rec(service, id string, status instance.Status) instance.Record {
	return instance.Record{ServiceName: service, InstanceID: id, IPAddress: "10.0.0." + id[len(id)-1:], Port: 8080, Status: status}
}

func threeUp() *instance.Snapshot {
	return instance.NewSnapshot([]instance.Record{
		rec("SVCA", "a1", instance.StatusUp),
		rec("SVCA", "a2", instance.StatusUp),
		rec("SVCA", "a3", instance.StatusUp),
		rec("SVCB", "b1", instance.StatusUp),
		rec("SVCB", "b2", instance.StatusDown),
		rec("SVCC", "c1", instance.StatusOutOfService),
	}, "1", "", time.Now())
}

func TestResolveBeforeFirstFetch(t *testing.T) {
	c := NewCache(&fakeRegistry{}, Options{})
	_, err := c.Resolve("svcA")
	assert.ErrorIs(t, err, ErrNotYetPopulated)
}

func TestResolveWaitsForRegistry(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{WaitForRegistry: true, WaitTimeout: 2 * time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Refresh(context.Background())
	}()
	ep, err := c.Resolve("svcA")
	require.NoError(t, err)
	assert.Equal(t, 8080, ep.Port)
}

func TestResolveWaitTimesOut(t *testing.T) {
	c := NewCache(&fakeRegistry{}, Options{WaitForRegistry: true, WaitTimeout: 10 * time.Millisecond})
	_, err := c.Resolve("svcA")
	assert.ErrorIs(t, err, ErrNotYetPopulated)
}

func TestResolveRoundRobin(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	for round := 0; round < 3; round++ {
		seen := map[string]int{}
		for i := 0; i < 3; i++ {
			ep, err := c.Resolve("svcA")
			require.NoError(t, err)
			seen[ep.InstanceID]++
			// Another service in between must not disturb the rotation.
			c.Resolve("SVCB")
		}
		assert.Equal(t, map[string]int{"a1": 1, "a2": 1, "a3": 1}, seen)
	}
}

func TestResolveFiltersUp(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	for i := 0; i < 4; i++ {
		ep, err := c.Resolve("SVCB")
		require.NoError(t, err)
		assert.Equal(t, "b1", ep.InstanceID)
	}

	var nh *NoHealthyInstanceError
	_, err := c.Resolve("SVCC")
	require.True(t, errors.As(err, &nh))
	assert.Equal(t, "SVCC", nh.Service)

	_, err = c.Resolve("nope")
	assert.True(t, errors.As(err, &nh))

	all, err := c.Instances("SVCB")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolveWithoutUpFilter(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{DisableUpFilter: true})
	require.NoError(t, c.Refresh(context.Background()))

	ep, err := c.Resolve("SVCC")
	require.NoError(t, err)
	assert.Equal(t, "c1", ep.InstanceID)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{})
	require.NoError(t, c.Refresh(context.Background()))
	before := c.Snapshot()
	beforeInstances, _ := c.Instances("SVCA")

	f.set(nil, &transport.Error{Kind: transport.KindTimeout, Err: errors.New("timeout")})
	require.Error(t, c.Refresh(context.Background()))

	assert.Same(t, before, c.Snapshot())
	after, _ := c.Instances("SVCA")
	assert.Equal(t, beforeInstances, after)
	_, err := c.Resolve("SVCA")
	assert.NoError(t, err)
}

func TestResolveKeyIsSticky(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	first, err := c.ResolveKey("SVCA", "user-42")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		ep, _ := c.ResolveKey("SVCA", "user-42")
		assert.Equal(t, first.InstanceID, ep.InstanceID)
	}
}

func TestStartStop(t *testing.T) {
	f := &fakeRegistry{}
	f.set(threeUp(), nil)
	c := NewCache(f, Options{RefreshInterval: 5 * time.Millisecond})
	require.NoError(t, c.Start())
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return f.count() >= 3 }, 2*time.Second, time.Millisecond)
	c.Stop(context.Background())
	c.Stop(context.Background())
	n := f.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, f.count(), "no refresh after Stop")
	assert.ErrorIs(t, c.Start(), ErrStopped)

	_, err := c.Resolve("SVCA")
	assert.NoError(t, err, "the last snapshot stays readable")
}

// stuckRegistry never answers a fetch until released, whatever the context says.
type stuckRegistry struct {
	*fakeRegistry
	entered chan struct{}
	release chan struct{}
}

func (s stuckRegistry) FetchAll(context.Context) (*instance.Snapshot, error) {
	s.entered <- struct{}{}
	<-s.release
	return threeUp(), nil
}

func TestStopBoundedByContext(t *testing.T) {
	s := stuckRegistry{fakeRegistry: &fakeRegistry{}, entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(s.release)
	c := NewCache(s, Options{RefreshInterval: time.Hour})
	require.NoError(t, c.Start())
	<-s.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	c.Stop(ctx)
	assert.Less(t, time.Since(start), time.Second, "Stop must give up once its context is done")
	assert.ErrorIs(t, c.Start(), ErrStopped)
}

func TestWatcherTriggersRefresh(t *testing.T) {
	f := &fakeRegistry{changes: make(chan struct{}, 1)}
	f.set(threeUp(), nil)
	c := NewCache(watchingRegistry{f}, Options{RefreshInterval: time.Hour})
	require.NoError(t, c.Start())
	defer c.Stop(context.Background())

	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)
	f.changes <- struct{}{}
	require.Eventually(t, func() bool { return f.count() == 2 }, time.Second, time.Millisecond)
}

func newEurekaCache(t *testing.T) (*Cache, *registrytest.Server) {
	srv := registrytest.NewServer()
	t.Cleanup(srv.Close)
	tr, err := transport.NewHTTPTransport([]string{srv.URL()}, transport.HTTPOptions{Timeout: time.Second})
	require.NoError(t, err)
	return NewCache(registry.NewEurekaRegistry(tr, nil, nil), Options{}), srv
}

func TestDeltaRefresh(t *testing.T) {
	c, srv := newEurekaCache(t)
	srv.Put(rec("SVCA", "a1", instance.StatusUp))
	require.NoError(t, c.Refresh(context.Background()))

	srv.Put(rec("SVCA", "a2", instance.StatusUp))
	srv.Evict("SVCA", "a1")
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, 1, srv.Calls(registrytest.OpFetch))
	assert.Equal(t, 1, srv.Calls(registrytest.OpDelta))
	all, _ := c.Instances("SVCA")
	require.Len(t, all, 1)
	assert.Equal(t, "a2", all[0].InstanceID)
}

func TestDeltaHashMismatchFallsBackToFullFetch(t *testing.T) {
	c, srv := newEurekaCache(t)
	srv.Put(rec("SVCA", "a1", instance.StatusUp))
	require.NoError(t, c.Refresh(context.Background()))

	srv.SkewDeltaHash(true)
	srv.Put(rec("SVCA", "a2", instance.StatusUp))
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, 2, srv.Calls(registrytest.OpFetch))
	all, _ := c.Instances("SVCA")
	assert.Len(t, all, 2)
}
