// Package instance defines the instance metadata exchanged with the registry.
//
// A Record describes one running process of a named service. The local Record is built from
// configuration at startup and is the source of truth for every register/heartbeat payload;
// Records received from the registry are read-only copies held inside a Snapshot.
package instance

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Status is the registry-visible health state of an instance.
type Status int

const (
	StatusUnknown Status = iota // Fallback for values the client does not recognise
	StatusUp
	StatusDown
	StatusStarting
	StatusOutOfService
)

var statusNames = map[Status]string{
	StatusUnknown:      "UNKNOWN",
	StatusUp:           "UP",
	StatusDown:         "DOWN",
	StatusStarting:     "STARTING",
	StatusOutOfService: "OUT_OF_SERVICE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// ParseStatus maps a wire value to a Status. Anything unrecognised becomes StatusUnknown
// so that a single odd record never fails a whole snapshot.
func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP":
		return StatusUp
	case "DOWN":
		return StatusDown
	case "STARTING":
		return StatusStarting
	case "OUT_OF_SERVICE":
		return StatusOutOfService
	default:
		return StatusUnknown
	}
}

// Record carries the metadata of a single registered instance.
type Record struct {
	ServiceName      string // Eureka "app", always upper case once normalized
	InstanceID       string // Idempotency key for register/heartbeat/deregister; never changes
	HostName         string
	IPAddress        string
	Port             int
	Secure           bool // Port is the secure port
	Status           Status
	VIPAddress       string
	SecureVIPAddress string
	HomePageURL      string
	StatusPageURL    string
	HealthCheckURL   string
	DataCenter       string // DefaultDataCenter unless deployed in a named one

	LeaseRenewalInterval int // seconds
	LeaseDuration        int // seconds

	LastHeartbeat time.Time
	Metadata      map[string]string
}

// NewInstanceID derives the stable instance id from the network identity of the process.
func NewInstanceID(host, service string, port int) string {
	return host + ":" + strings.ToLower(service) + ":" + strconv.Itoa(port)
}

// DefaultDataCenter is the data center name Eureka uses outside of a cloud deployment.
const DefaultDataCenter = "MyOwn"

// NormalizeDataCenter maps an unset data center to DefaultDataCenter and keeps any other
// name as given.
func NormalizeDataCenter(name string) string {
	if name == "" {
		return DefaultDataCenter
	}
	return name
}

// NormalizeService returns the registry form of a service name.
func NormalizeService(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Clone returns a deep copy; metadata maps are never shared between copies.
func (r *Record) Clone() Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Endpoint returns the network endpoint callers should dial.
func (r *Record) Endpoint() Endpoint {
	host := r.IPAddress
	if host == "" {
		host = r.HostName
	}
	return Endpoint{
		InstanceID: r.InstanceID,
		Host:       host,
		Port:       r.Port,
		Secure:     r.Secure,
	}
}

// Endpoint is the result of resolving a service name.
type Endpoint struct {
	InstanceID string
	Host       string
	Port       int
	Secure     bool
}

// Address returns "host:port".
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the base URL of the endpoint, using https for secure ports.
func (e Endpoint) URL() string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	return scheme + "://" + e.Address()
}
