package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"eureka-client/codec"
	"eureka-client/instance"
	"eureka-client/observability"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdPrefix      = "/eureka/"
	defaultLeaseTTL = 90
)

// EtcdRegistry keeps instance records in etcd.
//
//	Key:   /eureka/{APP}/{instanceId}
//	Value: the instance encoded with the registry codec
//
// Each registration owns a lease of LeaseDuration seconds. A heartbeat renews it once; when
// the lease is gone the instance has expired and Heartbeat reports NotRegisteredError, the
// same signal a Eureka server gives with a 404.
type EtcdRegistry struct {
	client   *clientv3.Client
	codec    codec.Codec
	observer observability.Observer

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instanceId → lease of its current registration
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, c codec.Codec, o observability.Observer) (*EtcdRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: etcd: %w", err)
	}
	return newEtcdRegistry(cli, c, o), nil
}

func newEtcdRegistry(cli *clientv3.Client, c codec.Codec, o observability.Observer) *EtcdRegistry {
	if c == nil {
		c = &codec.JSONCodec{}
	}
	if o == nil {
		o = observability.Nop()
	}
	return &EtcdRegistry{
		client:   cli,
		codec:    c,
		observer: o,
		leases:   make(map[string]clientv3.LeaseID),
	}
}

func etcdKey(rec *instance.Record) string {
	return etcdPrefix + instance.NormalizeService(rec.ServiceName) + "/" + rec.InstanceID
}

func (r *EtcdRegistry) lease(id string) (clientv3.LeaseID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	return l, ok
}

func (r *EtcdRegistry) notRegistered(rec *instance.Record) error {
	return &NotRegisteredError{Service: instance.NormalizeService(rec.ServiceName), InstanceID: rec.InstanceID}
}

func (r *EtcdRegistry) Register(ctx context.Context, rec *instance.Record) error {
	ttl := int64(rec.LeaseDuration)
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	val, err := r.codec.EncodeInstance(rec)
	if err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}

	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: register: grant lease: %w", err)
	}
	if _, err := r.client.Put(ctx, etcdKey(rec), string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}

	r.mu.Lock()
	old, had := r.leases[rec.InstanceID]
	r.leases[rec.InstanceID] = grant.ID
	r.mu.Unlock()
	if had && old != grant.ID {
		// The key now hangs off the new lease; the old one only needs to go away.
		r.revokeStale(ctx, r.client, old)
	}
	return nil
}

// revokeStale drops a lease nothing points at any more. Failure only delays its expiry,
// so it is reported and not returned.
func (r *EtcdRegistry) revokeStale(ctx context.Context, lessor clientv3.Lease, id clientv3.LeaseID) {
	if _, err := lessor.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		r.observer.CallFailed("revoke", err)
	}
}

func (r *EtcdRegistry) Heartbeat(ctx context.Context, rec *instance.Record) error {
	id, ok := r.lease(rec.InstanceID)
	if !ok {
		return r.notRegistered(rec)
	}
	if _, err := r.client.KeepAliveOnce(ctx, id); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			r.mu.Lock()
			delete(r.leases, rec.InstanceID)
			r.mu.Unlock()
			return r.notRegistered(rec)
		}
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, rec *instance.Record) error {
	if _, err := r.client.Delete(ctx, etcdKey(rec)); err != nil {
		return fmt.Errorf("registry: deregister: %w", err)
	}
	r.mu.Lock()
	id, ok := r.leases[rec.InstanceID]
	delete(r.leases, rec.InstanceID)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("registry: deregister: revoke lease: %w", err)
		}
	}
	return nil
}

func (r *EtcdRegistry) UpdateStatus(ctx context.Context, rec *instance.Record, status instance.Status) error {
	id, ok := r.lease(rec.InstanceID)
	if !ok {
		return r.notRegistered(rec)
	}
	updated := rec.Clone()
	updated.Status = status
	val, err := r.codec.EncodeInstance(&updated)
	if err != nil {
		return fmt.Errorf("registry: status: %w", err)
	}
	if _, err := r.client.Put(ctx, etcdKey(rec), string(val), clientv3.WithLease(id)); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return r.notRegistered(rec)
		}
		return fmt.Errorf("registry: status: %w", err)
	}
	return nil
}

// FetchAll reads every instance under the prefix. The store revision is the version token.
func (r *EtcdRegistry) FetchAll(ctx context.Context) (*instance.Snapshot, error) {
	resp, err := r.client.Get(ctx, etcdPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: fetch: %w", err)
	}
	records := make([]instance.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := r.codec.DecodeInstance(kv.Value)
		if err != nil {
			r.observer.RecordRejected(fmt.Errorf("%s: %w", kv.Key, err))
			continue
		}
		if !strings.HasPrefix(string(kv.Key), etcdPrefix+rec.ServiceName+"/") {
			r.observer.RecordRejected(fmt.Errorf("%s: stored under another service than %s", kv.Key, rec.ServiceName))
			continue
		}
		records = append(records, *rec)
	}
	return instance.NewSnapshot(records, strconv.FormatInt(resp.Header.Revision, 10), "", time.Now()), nil
}

func (r *EtcdRegistry) FetchDelta(context.Context) (*instance.Delta, error) {
	return nil, ErrDeltaUnsupported
}

// Watch signals every change under the prefix. Signals are coalesced: a pending one is not
// duplicated while the consumer is busy.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, etcdPrefix, clientv3.WithPrefix()) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
