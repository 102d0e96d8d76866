package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"eureka-client/config"
	"eureka-client/discovery"
	"eureka-client/instance"
	"eureka-client/registration"
	"eureka-client/registrytest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(serviceURL string) *config.Config {
	cfg := config.Default()
	cfg.Eureka.ServiceURLs = []string{serviceURL}
	cfg.Eureka.HeartbeatInterval = 50
	cfg.Eureka.RegistryFetchInterval = 50
	cfg.Eureka.RequestTimeout = 1000
	cfg.Eureka.RequestRetryDelay = 10
	cfg.Eureka.ShutdownTimeout = 2000
	cfg.Eureka.RegistrationBackoff = config.BackoffConfig{BaseMs: 10, MaxMs: 50, Multiplier: 2, Jitter: 0.2}
	cfg.Instance.App = "orders"
	cfg.Instance.IPAddr = "10.0.0.5"
	cfg.Instance.Port = 8080
	return cfg
}

func newClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func waitRegistered(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Registration().State == registration.Registered
	}, 2*time.Second, 10*time.Millisecond)
}

// TestClientLifecycle 注册 → 发现自己 → 停止时注销
func TestClientLifecycle(t *testing.T) {
	srv := registrytest.NewServer()
	defer srv.Close()

	metrics := prometheus.NewRegistry()
	c := newClient(t, testConfig(srv.URL()), WithRegisterer(metrics))
	require.NoError(t, c.Start())
	waitRegistered(t, c)

	self := c.Instance()
	assert.Equal(t, "10.0.0.5:orders:8080", self.InstanceID)
	_, ok := srv.Instance("ORDERS", self.InstanceID)
	require.True(t, ok)

	var ep instance.Endpoint
	require.Eventually(t, func() bool {
		var err error
		ep, err = c.Resolve("orders")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "10.0.0.5:8080", ep.Address())
	assert.Equal(t, self.InstanceID, ep.InstanceID)

	n, err := testutil.GatherAndCount(metrics, "eureka_client_state_transitions_total")
	require.NoError(t, err)
	assert.Positive(t, n)

	c.Stop()
	assert.Equal(t, registration.Stopped, c.Registration().State)
	assert.Equal(t, 1, srv.Calls(registrytest.OpDeregister))
	_, ok = srv.Instance("ORDERS", self.InstanceID)
	assert.False(t, ok)

	c.Stop()
	assert.Equal(t, 1, srv.Calls(registrytest.OpDeregister), "second Stop must not deregister again")
	assert.Error(t, c.Start())
}

func TestClientReRegistersAfterEviction(t *testing.T) {
	srv := registrytest.NewServer()
	defer srv.Close()

	c := newClient(t, testConfig(srv.URL()))
	require.NoError(t, c.Start())
	waitRegistered(t, c)

	id := c.Instance().InstanceID
	require.True(t, srv.Evict("orders", id))

	require.Eventually(t, func() bool {
		_, ok := srv.Instance("ORDERS", id)
		return ok && srv.Calls(registrytest.OpRegister) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	waitRegistered(t, c)
}

func TestClientKeepsSnapshotWhenRegistryFails(t *testing.T) {
	srv := registrytest.NewServer()
	defer srv.Close()
	srv.Put(instance.Record{
		ServiceName: "BILLING",
		InstanceID:  "billing-1",
		HostName:    "billing-1",
		IPAddress:   "10.0.0.9",
		Port:        9000,
		Status:      instance.StatusUp,
	})

	cfg := testConfig(srv.URL())
	cfg.Eureka.RegistryFetchInterval = 60000
	c := newClient(t, cfg)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool {
		_, err := c.Resolve("billing")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	srv.Fail(registrytest.OpFetch, http.StatusInternalServerError, -1)
	srv.Fail(registrytest.OpDelta, http.StatusInternalServerError, -1)
	require.Error(t, c.Refresh(context.Background()))

	ep, err := c.Resolve("billing")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:9000", ep.Address())

	_, err = c.Resolve("inventory")
	var nh *discovery.NoHealthyInstanceError
	assert.True(t, errors.As(err, &nh))
}

func TestClientOutOfService(t *testing.T) {
	srv := registrytest.NewServer()
	defer srv.Close()

	cfg := testConfig(srv.URL())
	cfg.Eureka.RegistryFetchInterval = 60000
	cfg.Eureka.DisableDelta = true
	c := newClient(t, cfg)
	require.NoError(t, c.Start())
	waitRegistered(t, c)

	require.NoError(t, c.SetStatus(context.Background(), instance.StatusOutOfService))
	rec, ok := srv.Instance("ORDERS", c.Instance().InstanceID)
	require.True(t, ok)
	assert.Equal(t, instance.StatusOutOfService, rec.Status)

	require.NoError(t, c.Refresh(context.Background()))
	_, err := c.Resolve("orders")
	var nh *discovery.NoHealthyInstanceError
	assert.True(t, errors.As(err, &nh), "out of service instances are filtered, got %v", err)

	all, err := c.Instances("orders")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClientFetchOnly(t *testing.T) {
	srv := registrytest.NewServer()
	defer srv.Close()

	cfg := testConfig(srv.URL())
	cfg.Eureka.RegisterWithEureka = false
	cfg.Instance = config.InstanceConfig{Status: "UP", LeaseRenewal: 30, LeaseDuration: 90}
	c := newClient(t, cfg)
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool {
		return srv.Calls(registrytest.OpFetch) > 0
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.Zero(t, srv.Calls(registrytest.OpRegister))
	assert.Zero(t, srv.Calls(registrytest.OpDeregister))
	assert.Equal(t, registration.Stopped, c.Registration().State)
}

func TestClientWithoutFetch(t *testing.T) {
	srv := registrytest.NewServer()
	defer srv.Close()

	cfg := testConfig(srv.URL())
	cfg.Eureka.FetchRegistry = false
	cfg.Eureka.WaitForRegistry = true
	cfg.Eureka.RegistryWaitTimeout = 1500
	c := newClient(t, cfg)
	require.NoError(t, c.Start())
	waitRegistered(t, c)

	assert.Zero(t, srv.Calls(registrytest.OpFetch))
	start := time.Now()
	_, err := c.Resolve("orders")
	assert.ErrorIs(t, err, discovery.ErrNotYetPopulated)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "nothing will ever fill the cache, Resolve must not wait")
}

// hangingRegistry ignores cancellation and answers nothing until released.
type hangingRegistry struct {
	release chan struct{}
}

func (h hangingRegistry) wait() error {
	<-h.release
	return errors.New("released")
}

func (h hangingRegistry) Register(context.Context, *instance.Record) error  { return h.wait() }
func (h hangingRegistry) Heartbeat(context.Context, *instance.Record) error { return h.wait() }
func (h hangingRegistry) Deregister(context.Context, *instance.Record) error {
	return h.wait()
}
func (h hangingRegistry) UpdateStatus(context.Context, *instance.Record, instance.Status) error {
	return h.wait()
}
func (h hangingRegistry) FetchAll(context.Context) (*instance.Snapshot, error) {
	return nil, h.wait()
}
func (h hangingRegistry) FetchDelta(context.Context) (*instance.Delta, error) {
	return nil, h.wait()
}

func TestClientStopBoundedWithHangingBackend(t *testing.T) {
	h := hangingRegistry{release: make(chan struct{})}
	defer close(h.release)

	cfg := testConfig("http://localhost:8761/eureka/")
	cfg.Eureka.ShutdownTimeout = 100
	// No test logger: the abandoned calls return after the test has finished.
	c, err := New(cfg, WithRegistry(h))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	c.Stop()
	assert.Less(t, time.Since(start), time.Second, "Stop is bounded by shutdownTimeout")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://localhost:8761/eureka/")
	cfg.Eureka.LoadBalancer = "fastest"
	_, err := New(cfg)
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}
