package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewMetricsObserver(reg)

	o.StateChanged("i1", "Unregistered", "Registering")
	o.StateChanged("i1", "Registering", "Registered")
	o.CallFailed("heartbeat", errors.New("x"))
	o.CallFailed("heartbeat", errors.New("x"))
	o.HeartbeatThreshold("i1", 4)
	o.Refreshed(2, 5, true)
	o.RefreshFailed(errors.New("x"))
	o.RecordRejected(errors.New("x"))
	o.ResolveMissed("ORDERS", errors.New("x"))

	assert.Equal(t, 1.0, testutil.ToFloat64(o.transitions.WithLabelValues("Registered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.callFailures.WithLabelValues("heartbeat")))
	assert.Equal(t, 4.0, testutil.ToFloat64(o.heartbeatFailing))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.instances))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.refreshes.WithLabelValues("delta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.refreshFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.resolveMisses.WithLabelValues("ORDERS")))

	o.StateChanged("i1", "Registered", "HeartbeatFailing(1)")
	assert.Equal(t, 1.0, testutil.ToFloat64(o.transitions.WithLabelValues("HeartbeatFailing")))

	o.StateChanged("i1", "HeartbeatFailing(4)", "Registered")
	assert.Equal(t, 0.0, testutil.ToFloat64(o.heartbeatFailing))
}

func TestLogObserverLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	o := NewLogObserver(zap.New(core))

	o.StateChanged("i1", "Registering", "Registered")
	o.HeartbeatThreshold("i1", 3)
	o.Refreshed(1, 1, false) // debug, filtered

	assert.Equal(t, 2, logs.Len())
	warn := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if assert.Len(t, warn, 1) {
		assert.Equal(t, int64(3), warn[0].ContextMap()["consecutive_failures"])
	}
}

type counting struct {
	nop
	rejected int
}

func (c *counting) RecordRejected(error) { c.rejected++ }

func TestMulti(t *testing.T) {
	a, b := &counting{}, &counting{}
	m := Multi(a, nil, b)
	m.RecordRejected(errors.New("x"))
	assert.Equal(t, 1, a.rejected)
	assert.Equal(t, 1, b.rejected)

	if _, ok := Multi().(nop); !ok {
		t.Fatal("expect Multi() to be a no-op observer")
	}
	if Multi(a) != Observer(a) {
		t.Fatal("expect a single observer to be returned as is")
	}
}
