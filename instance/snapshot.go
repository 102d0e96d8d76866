package instance

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Snapshot is an immutable copy of the registry contents.
//
// The discovery cache swaps whole snapshots atomically; nothing may mutate a Snapshot after
// it has been built, which is what makes lock-free reads safe.
type Snapshot struct {
	services  map[string][]Record // normalized service name → instances in registry order
	FetchedAt time.Time
	Version   string // versions__delta (Eureka) or store revision (etcd)
	HashCode  string // apps__hashcode as reported by the registry
}

// NewSnapshot groups records by service, preserving their order.
func NewSnapshot(records []Record, version, hashCode string, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		services:  make(map[string][]Record),
		FetchedAt: fetchedAt,
		Version:   version,
		HashCode:  hashCode,
	}
	for i := range records {
		rec := records[i].Clone()
		rec.ServiceName = NormalizeService(rec.ServiceName)
		s.services[rec.ServiceName] = append(s.services[rec.ServiceName], rec)
	}
	return s
}

// Instances returns a copy of the instances registered for service.
func (s *Snapshot) Instances(service string) []Record {
	recs := s.services[NormalizeService(service)]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// Services returns the sorted names of all services in the snapshot.
func (s *Snapshot) Services() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records returns every instance, grouped by service in sorted service order.
func (s *Snapshot) Records() []Record {
	var out []Record
	for _, name := range s.Services() {
		out = append(out, s.services[name]...)
	}
	return out
}

// Len returns the total number of instances.
func (s *Snapshot) Len() int {
	n := 0
	for _, recs := range s.services {
		n += len(recs)
	}
	return n
}

// ComputeHashCode builds Eureka's reconcile hash: "<STATUS>_<count>_" for every status
// present, ordered by status name, e.g. "DOWN_1_UP_3_".
func (s *Snapshot) ComputeHashCode() string {
	counts := make(map[string]int)
	for _, recs := range s.services {
		for i := range recs {
			counts[recs[i].Status.String()]++
		}
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)

	var b strings.Builder
	for _, st := range statuses {
		b.WriteString(st)
		b.WriteByte('_')
		b.WriteString(strconv.Itoa(counts[st]))
		b.WriteByte('_')
	}
	return b.String()
}

// Action is the kind of change carried by a delta entry.
type Action int

const (
	ActionAdded Action = iota
	ActionModified
	ActionDeleted
)

// ParseAction maps Eureka's actionType. Unknown values are treated as modifications.
func ParseAction(s string) Action {
	switch strings.ToUpper(s) {
	case "ADDED":
		return ActionAdded
	case "DELETED":
		return ActionDeleted
	default:
		return ActionModified
	}
}

func (a Action) String() string {
	switch a {
	case ActionAdded:
		return "ADDED"
	case ActionDeleted:
		return "DELETED"
	default:
		return "MODIFIED"
	}
}

// Change is a single delta entry.
type Change struct {
	Action Action
	Record Record
}

// Delta lists the registry changes since a previous fetch.
type Delta struct {
	Version  string
	HashCode string
	Changes  []Change
}

// Apply returns a new snapshot with the delta applied. The receiver is left untouched.
// Added and modified records are upserted by instance id, deleted ones removed.
func (s *Snapshot) Apply(d *Delta, fetchedAt time.Time) *Snapshot {
	next := &Snapshot{
		services:  make(map[string][]Record, len(s.services)),
		FetchedAt: fetchedAt,
		Version:   d.Version,
		HashCode:  d.HashCode,
	}
	for name, recs := range s.services {
		cp := make([]Record, len(recs))
		copy(cp, recs)
		next.services[name] = cp
	}

	for _, ch := range d.Changes {
		rec := ch.Record.Clone()
		rec.ServiceName = NormalizeService(rec.ServiceName)
		recs := next.services[rec.ServiceName]
		idx := -1
		for i := range recs {
			if recs[i].InstanceID == rec.InstanceID {
				idx = i
				break
			}
		}

		switch {
		case ch.Action == ActionDeleted && idx >= 0:
			recs = append(recs[:idx:idx], recs[idx+1:]...)
		case ch.Action == ActionDeleted:
			continue
		case idx >= 0:
			recs[idx] = rec
		default:
			recs = append(recs, rec)
		}

		if len(recs) == 0 {
			delete(next.services, rec.ServiceName)
		} else {
			next.services[rec.ServiceName] = recs
		}
	}
	return next
}
