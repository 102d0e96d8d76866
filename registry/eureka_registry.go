package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"eureka-client/codec"
	"eureka-client/instance"
	"eureka-client/observability"
	"eureka-client/transport"
)

const maxErrorBody = 256

// EurekaRegistry implements Registry against the Eureka REST API.
type EurekaRegistry struct {
	transport transport.Transport
	codec     codec.Codec
	observer  observability.Observer
}

func NewEurekaRegistry(t transport.Transport, c codec.Codec, o observability.Observer) *EurekaRegistry {
	if c == nil {
		c = &codec.JSONCodec{}
	}
	if o == nil {
		o = observability.Nop()
	}
	return &EurekaRegistry{transport: t, codec: c, observer: o}
}

func appPath(rec *instance.Record) string {
	return "apps/" + url.PathEscape(instance.NormalizeService(rec.ServiceName))
}

func instancePath(rec *instance.Record) string {
	return appPath(rec) + "/" + url.PathEscape(rec.InstanceID)
}

func (r *EurekaRegistry) send(ctx context.Context, op string, req *transport.Request) (*transport.Response, error) {
	if req.Header == nil {
		req.Header = make(map[string]string)
	}
	req.Header["Accept"] = r.codec.ContentType()
	if req.Body != nil {
		req.Header["Content-Type"] = r.codec.ContentType()
	}
	resp, err := r.transport.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", op, err)
	}
	return resp, nil
}

func statusError(op string, resp *transport.Response) error {
	body := resp.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &StatusError{Op: op, Code: resp.StatusCode, Body: string(body)}
}

func (r *EurekaRegistry) Register(ctx context.Context, rec *instance.Record) error {
	body, err := r.codec.EncodeInstance(rec)
	if err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	resp, err := r.send(ctx, "register", &transport.Request{Method: http.MethodPost, Path: appPath(rec), Body: body})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError("register", resp)
	}
	return nil
}

func (r *EurekaRegistry) Heartbeat(ctx context.Context, rec *instance.Record) error {
	resp, err := r.send(ctx, "heartbeat", &transport.Request{Method: http.MethodPut, Path: instancePath(rec)})
	if err != nil {
		return err
	}
	switch {
	case resp.OK():
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &NotRegisteredError{Service: instance.NormalizeService(rec.ServiceName), InstanceID: rec.InstanceID}
	default:
		return statusError("heartbeat", resp)
	}
}

func (r *EurekaRegistry) Deregister(ctx context.Context, rec *instance.Record) error {
	resp, err := r.send(ctx, "deregister", &transport.Request{Method: http.MethodDelete, Path: instancePath(rec)})
	if err != nil {
		return err
	}
	// Already gone is as good as cancelled.
	if resp.OK() || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("deregister", resp)
}

func (r *EurekaRegistry) UpdateStatus(ctx context.Context, rec *instance.Record, status instance.Status) error {
	resp, err := r.send(ctx, "status", &transport.Request{
		Method: http.MethodPut,
		Path:   instancePath(rec) + "/status",
		Query:  url.Values{"value": {status.String()}},
	})
	if err != nil {
		return err
	}
	switch {
	case resp.OK():
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &NotRegisteredError{Service: instance.NormalizeService(rec.ServiceName), InstanceID: rec.InstanceID}
	default:
		return statusError("status", resp)
	}
}

func (r *EurekaRegistry) FetchAll(ctx context.Context) (*instance.Snapshot, error) {
	resp, err := r.send(ctx, "fetch", &transport.Request{Method: http.MethodGet, Path: "apps"})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError("fetch", resp)
	}
	snap, rejected, err := r.codec.DecodeApplications(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch: %w", err)
	}
	r.report(rejected)
	snap.FetchedAt = time.Now()
	return snap, nil
}

func (r *EurekaRegistry) FetchDelta(ctx context.Context) (*instance.Delta, error) {
	resp, err := r.send(ctx, "delta", &transport.Request{Method: http.MethodGet, Path: "apps/delta"})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError("delta", resp)
	}
	delta, rejected, err := r.codec.DecodeDelta(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: delta: %w", err)
	}
	r.report(rejected)
	return delta, nil
}

func (r *EurekaRegistry) report(rejected []error) {
	for _, err := range rejected {
		r.observer.RecordRejected(err)
	}
}
