// Package registry performs the registry operations the client needs: register, renew and
// cancel the local instance, change its status, and fetch the full or incremental contents
// of the registry.
//
// Two backends are provided. EurekaRegistry talks to a Eureka server over a
// transport.Transport; EtcdRegistry keeps the same records in etcd, with a lease standing
// in for the heartbeat.
package registry

import (
	"context"
	"errors"
	"fmt"

	"eureka-client/instance"
)

type Registry interface {
	Register(ctx context.Context, rec *instance.Record) error
	// Heartbeat renews the lease of rec; it returns *NotRegisteredError when the registry
	// has no record of the instance.
	Heartbeat(ctx context.Context, rec *instance.Record) error
	Deregister(ctx context.Context, rec *instance.Record) error
	UpdateStatus(ctx context.Context, rec *instance.Record, status instance.Status) error
	FetchAll(ctx context.Context) (*instance.Snapshot, error)
	// FetchDelta returns ErrDeltaUnsupported when the backend has no change log.
	FetchDelta(ctx context.Context) (*instance.Delta, error)
}

// Watcher is implemented by backends that can push change notifications. Each value on the
// channel means the registry contents changed; the channel closes when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) <-chan struct{}
}

var ErrDeltaUnsupported = errors.New("registry: delta fetch not supported")

// NotRegisteredError means the registry does not know the instance, typically after a
// registry restart or a lease expiry.
type NotRegisteredError struct {
	Service    string
	InstanceID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("registry: instance %s/%s is not registered", e.Service, e.InstanceID)
}

// IsNotRegistered reports whether err carries a *NotRegisteredError.
func IsNotRegistered(err error) bool {
	var nr *NotRegisteredError
	return errors.As(err, &nr)
}

// StatusError is an HTTP response with an unexpected status code.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry: %s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("registry: %s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}
