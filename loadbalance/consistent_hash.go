package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"eureka-client/instance"
)

// ConsistentHashBalancer maps request keys to instances using a hash ring, so the same key
// keeps landing on the same instance until the instance set changes.
//
// Each instance is placed on the ring as 100 virtual nodes hashed from "{instanceId}#{i}".
// Rings are cached per service and rebuilt only when the instance ids change.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	rings map[string]*ring // service → ring for its last seen instance set
}

type ring struct {
	fingerprint string
	hashes      []uint32       // sorted
	owners      map[uint32]int // hash → index into the instance list it was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		rings:    make(map[string]*ring),
	}
}

func fingerprint(instances []instance.Record) string {
	var b strings.Builder
	for i := range instances {
		b.WriteString(instances[i].InstanceID)
		b.WriteByte(0)
	}
	return b.String()
}

func (b *ConsistentHashBalancer) build(instances []instance.Record, fp string) *ring {
	r := &ring{fingerprint: fp, owners: make(map[uint32]int, len(instances)*b.replicas)}
	for idx := range instances {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(instances[idx].InstanceID + "#" + strconv.Itoa(i)))
			if _, taken := r.owners[h]; taken {
				continue
			}
			r.hashes = append(r.hashes, h)
			r.owners[h] = idx
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

func (b *ConsistentHashBalancer) ringFor(service string, instances []instance.Record) *ring {
	fp := fingerprint(instances)
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[service]; ok && r.fingerprint == fp {
		return r
	}
	r := b.build(instances, fp)
	b.rings[service] = r
	return r
}

// PickKey finds the instance responsible for key. It binary-searches the first virtual node
// at or after the key's hash, wrapping around to the start of the ring.
func (b *ConsistentHashBalancer) PickKey(service, key string, instances []instance.Record) (*instance.Record, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	r := b.ringFor(service, instances)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= hash
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return &instances[r.owners[r.hashes[idx]]], nil
}

// Pick hashes on the service name, which pins all of a service's traffic to one instance.
// Callers with a request key should use PickKey.
func (b *ConsistentHashBalancer) Pick(service string, instances []instance.Record) (*instance.Record, error) {
	return b.PickKey(service, service, instances)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
