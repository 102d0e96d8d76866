// Package registrytest provides an in-memory Eureka registry served over HTTP for tests.
//
// The server speaks the same REST paths as a real registry, keeps a rolling log of changes
// for delta fetches, counts calls per operation and can be told to fail an operation with a
// given status code, which is how the client's retry and re-registration paths are driven.
package registrytest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"eureka-client/codec"
	"eureka-client/instance"
)

type Op string

const (
	OpRegister   Op = "register"
	OpHeartbeat  Op = "heartbeat"
	OpDeregister Op = "deregister"
	OpStatus     Op = "status"
	OpFetch      Op = "fetch"
	OpDelta      Op = "delta"
)

const deltaWindow = 256

type fault struct {
	code  int
	times int // negative means until Heal
}

// Server is a fake registry. The zero value is not usable; call NewServer.
type Server struct {
	mu        sync.Mutex
	apps      map[string][]instance.Record
	version   int64
	changes   []instance.Change
	calls     map[Op]int
	faults    map[Op]*fault
	skewDelta bool

	codec codec.Codec
	http  *httptest.Server
}

func NewServer() *Server {
	s := &Server{
		apps:   make(map[string][]instance.Record),
		calls:  make(map[Op]int),
		faults: make(map[Op]*fault),
		codec:  &codec.JSONCodec{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /eureka/apps/{app}", s.handleRegister)
	mux.HandleFunc("PUT /eureka/apps/{app}/{id}", s.handleHeartbeat)
	mux.HandleFunc("DELETE /eureka/apps/{app}/{id}", s.handleDeregister)
	mux.HandleFunc("PUT /eureka/apps/{app}/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /eureka/apps", s.handleFetch)
	mux.HandleFunc("GET /eureka/apps/delta", s.handleDelta)
	s.http = httptest.NewServer(mux)
	return s
}

// URL is the service URL to configure clients with.
func (s *Server) URL() string {
	return s.http.URL + "/eureka/"
}

func (s *Server) Close() {
	s.http.Close()
}

// Calls returns how many requests reached op, failed ones included.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Fail answers the next times requests for op with code; times < 0 fails until Heal.
func (s *Server) Fail(op Op, code, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{code: code, times: times}
}

func (s *Server) Heal(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, op)
}

// SkewDeltaHash makes delta responses report a hash that never matches, forcing clients
// back to full fetches.
func (s *Server) SkewDeltaHash(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skewDelta = on
}

// Put registers rec directly, as if another client had done it.
func (s *Server) Put(rec instance.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(rec)
}

// Evict drops an instance without the client knowing, like a lease expiry or a registry
// restart would.
func (s *Server) Evict(service, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(instance.NormalizeService(service), id)
}

// Instance returns the stored record.
func (s *Server) Instance(service, id string) (instance.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.apps[instance.NormalizeService(service)] {
		if rec.InstanceID == id {
			return rec.Clone(), true
		}
	}
	return instance.Record{}, false
}

// Len returns the number of stored instances.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, recs := range s.apps {
		n += len(recs)
	}
	return n
}

func (s *Server) upsert(rec instance.Record) {
	rec = rec.Clone()
	rec.ServiceName = instance.NormalizeService(rec.ServiceName)
	action := instance.ActionAdded
	recs := s.apps[rec.ServiceName]
	replaced := false
	for i := range recs {
		if recs[i].InstanceID == rec.InstanceID {
			recs[i] = rec
			replaced = true
			action = instance.ActionModified
			break
		}
	}
	if !replaced {
		s.apps[rec.ServiceName] = append(recs, rec)
	}
	s.record(action, rec)
}

func (s *Server) remove(app, id string) bool {
	recs := s.apps[app]
	for i := range recs {
		if recs[i].InstanceID != id {
			continue
		}
		gone := recs[i]
		recs = append(recs[:i:i], recs[i+1:]...)
		if len(recs) == 0 {
			delete(s.apps, app)
		} else {
			s.apps[app] = recs
		}
		s.record(instance.ActionDeleted, gone)
		return true
	}
	return false
}

func (s *Server) record(action instance.Action, rec instance.Record) {
	s.version++
	s.changes = append(s.changes, instance.Change{Action: action, Record: rec})
	if len(s.changes) > deltaWindow {
		s.changes = s.changes[len(s.changes)-deltaWindow:]
	}
}

func (s *Server) snapshot() *instance.Snapshot {
	var recs []instance.Record
	for _, r := range s.apps {
		recs = append(recs, r...)
	}
	return instance.NewSnapshot(recs, strconv.FormatInt(s.version, 10), "", time.Now())
}

// enter counts the call and reports whether a fault was written instead.
func (s *Server) enter(op Op, w http.ResponseWriter) bool {
	s.calls[op]++
	f, ok := s.faults[op]
	if !ok {
		return false
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(s.faults, op)
		}
	}
	w.WriteHeader(f.code)
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enter(OpRegister, w) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec, err := s.codec.DecodeInstance(body)
	if err != nil || rec.ServiceName != instance.NormalizeService(r.PathValue("app")) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec.LastHeartbeat = time.UnixMilli(time.Now().UnixMilli())
	s.upsert(*rec)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enter(OpHeartbeat, w) {
		return
	}
	recs := s.apps[instance.NormalizeService(r.PathValue("app"))]
	for i := range recs {
		if recs[i].InstanceID == r.PathValue("id") {
			recs[i].LastHeartbeat = time.UnixMilli(time.Now().UnixMilli())
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enter(OpDeregister, w) {
		return
	}
	if !s.remove(instance.NormalizeService(r.PathValue("app")), r.PathValue("id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enter(OpStatus, w) {
		return
	}
	status := instance.ParseStatus(r.URL.Query().Get("value"))
	for _, rec := range s.apps[instance.NormalizeService(r.PathValue("app"))] {
		if rec.InstanceID == r.PathValue("id") {
			rec.Status = status
			s.upsert(rec)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enter(OpFetch, w) {
		return
	}
	body, err := s.codec.EncodeApplications(s.snapshot())
	s.write(w, body, err)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enter(OpDelta, w) {
		return
	}
	snap := s.snapshot()
	d := &instance.Delta{
		Version:  snap.Version,
		HashCode: snap.ComputeHashCode(),
		Changes:  append([]instance.Change(nil), s.changes...),
	}
	if s.skewDelta {
		d.HashCode = "SKEWED_" + d.HashCode
	}
	body, err := s.codec.EncodeDelta(d)
	s.write(w, body, err)
}

func (s *Server) write(w http.ResponseWriter, body []byte, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.codec.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
