package registration

import (
	"strconv"
	"time"
)

// State is a step of the registration lifecycle.
//
//	Unregistered ──Start──► Registering ──ok──► Registered ◄──ok── HeartbeatFailing(n)
//	                            ▲  │fail(backoff)     │fail            ▲    │fail → n+1
//	                            │  └─────────┘        └────────────────┘    │
//	                            └────────────── not registered (404) ───────┘
//
// Stop moves any state to Deregistering (only when something is registered) and then to
// the terminal Stopped.
type State int

const (
	Unregistered State = iota
	Registering
	Registered
	HeartbeatFailing
	Deregistering
	Stopped
)

var stateNames = [...]string{
	Unregistered:     "Unregistered",
	Registering:      "Registering",
	Registered:       "Registered",
	HeartbeatFailing: "HeartbeatFailing",
	Deregistering:    "Deregistering",
	Stopped:          "Stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Status is a point-in-time view of the manager.
type Status struct {
	State               State
	ConsecutiveFailures int // > 0 only in HeartbeatFailing
	LastHeartbeat       time.Time
}

// String renders HeartbeatFailing with its failure count, e.g. "HeartbeatFailing(2)".
func (s Status) String() string {
	if s.State == HeartbeatFailing {
		return s.State.String() + "(" + strconv.Itoa(s.ConsecutiveFailures) + ")"
	}
	return s.State.String()
}
