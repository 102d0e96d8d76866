// Package loadbalance provides the policies used to pick one instance of a service.
//
// Three strategies are implemented:
//   - RoundRobin:      a rotating cursor per service, the default
//   - WeightedRandom:  heterogeneous instances, weight taken from the "weight" metadata key
//   - ConsistentHash:  sticky resolution of a request key to the same instance
package loadbalance

import (
	"errors"
	"fmt"

	"eureka-client/instance"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// Pick is called on every resolution and must be goroutine-safe.
type Balancer interface {
	// Pick selects one of instances, the current candidates for service.
	Pick(service string, instances []instance.Record) (*instance.Record, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

const (
	PolicyRoundRobin = "round_robin"
	PolicyRandom     = "random"
)

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", PolicyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case PolicyRandom:
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown policy %q", name)
	}
}
