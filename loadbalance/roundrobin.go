package loadbalance

import (
	"sync"
	"sync/atomic"

	"eureka-client/instance"
)

// RoundRobinBalancer cycles through the instances of each service in order.
//
// Every service has its own atomic cursor, so resolving one service never skews another.
// The cursor is reduced modulo the current list length: when the list shrinks between two
// calls the rotation wraps and at most one extra turn is skewed.
type RoundRobinBalancer struct {
	cursors sync.Map // service → *atomic.Uint64
}

func (b *RoundRobinBalancer) cursor(service string) *atomic.Uint64 {
	if c, ok := b.cursors.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := b.cursors.LoadOrStore(service, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

func (b *RoundRobinBalancer) Pick(service string, instances []instance.Record) (*instance.Record, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	n := b.cursor(service).Add(1) - 1
	return &instances[n%uint64(len(instances))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
