// Package observability receives the events the background loops report instead of
// returning: state transitions, failed registry calls, refresh outcomes and resolution
// misses. Implementations must be safe for concurrent use.
package observability

type Observer interface {
	StateChanged(instanceID, from, to string)
	CallFailed(op string, err error)
	// HeartbeatThreshold fires on every failed heartbeat once the consecutive failures
	// reach the configured threshold.
	HeartbeatThreshold(instanceID string, consecutive int)
	Refreshed(services, instances int, delta bool)
	RefreshFailed(err error)
	RecordRejected(err error)
	ResolveMissed(service string, err error)
}

type nop struct{}

func (nop) StateChanged(string, string, string) {}
func (nop) CallFailed(string, error)            {}
func (nop) HeartbeatThreshold(string, int)      {}
func (nop) Refreshed(int, int, bool)            {}
func (nop) RefreshFailed(error)                 {}
func (nop) RecordRejected(error)                {}
func (nop) ResolveMissed(string, error)         {}

// Nop discards every event.
func Nop() Observer { return nop{} }

type multi []Observer

// Multi fans every event out to all observers, in order. Nil entries are skipped.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 0 {
		return Nop()
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) StateChanged(id, from, to string) {
	for _, o := range m {
		o.StateChanged(id, from, to)
	}
}

func (m multi) CallFailed(op string, err error) {
	for _, o := range m {
		o.CallFailed(op, err)
	}
}

func (m multi) HeartbeatThreshold(id string, n int) {
	for _, o := range m {
		o.HeartbeatThreshold(id, n)
	}
}

func (m multi) Refreshed(services, instances int, delta bool) {
	for _, o := range m {
		o.Refreshed(services, instances, delta)
	}
}

func (m multi) RefreshFailed(err error) {
	for _, o := range m {
		o.RefreshFailed(err)
	}
}

func (m multi) RecordRejected(err error) {
	for _, o := range m {
		o.RecordRejected(err)
	}
}

func (m multi) ResolveMissed(service string, err error) {
	for _, o := range m {
		o.ResolveMissed(service, err)
	}
}
