package transport

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPOptions tunes the underlying fasthttp client.
type HTTPOptions struct {
	Timeout         time.Duration // per attempt against one server
	MaxConnsPerHost int
	UserAgent       string
}

// HTTPTransport sends registry requests with fasthttp, failing over between the servers of
// a ServerPool.
type HTTPTransport struct {
	client  *fasthttp.Client
	pool    *ServerPool
	timeout time.Duration
}

func NewHTTPTransport(urls []string, opts HTTPOptions) (*HTTPTransport, error) {
	pool, err := NewServerPool(urls)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 16
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "eureka-client"
	}
	return &HTTPTransport{
		client: &fasthttp.Client{
			Name:                opts.UserAgent,
			MaxConnsPerHost:     opts.MaxConnsPerHost,
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        opts.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		pool:    pool,
		timeout: opts.Timeout,
	}, nil
}

// Servers exposes the pool, mainly for diagnostics.
func (t *HTTPTransport) Servers() *ServerPool {
	return t.pool
}

// Send tries each server once, preferred first, until one answers with any HTTP status.
// Only transport failures move on to the next server.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for _, base := range t.pool.Order() {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: classify(err), URL: base, Err: err}
		}
		resp, err := t.do(ctx, base, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		t.pool.MarkFailed(base)
	}
	return nil, lastErr
}

func (t *HTTPTransport) do(ctx context.Context, base string, req *Request) (*Response, error) {
	uri := base + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		uri += "?" + req.Query.Encode()
	}

	request := fasthttp.AcquireRequest()
	response := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(request)
		fasthttp.ReleaseResponse(response)
	}

	request.SetRequestURI(uri)
	request.Header.SetMethod(req.Method)
	for k, v := range req.Header {
		request.Header.Set(k, v)
	}
	if req.Body != nil {
		if len(request.Header.ContentType()) == 0 {
			request.Header.SetContentType("application/json")
		}
		request.SetBody(req.Body)
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	done := make(chan error, 1)
	go func() {
		done <- t.client.DoDeadline(request, response, deadline)
	}()

	select {
	case err := <-done:
		defer release()
		if err != nil {
			return nil, &Error{Kind: classify(err), URL: uri, Err: err}
		}
		return &Response{
			StatusCode: response.StatusCode(),
			Body:       append([]byte(nil), response.Body()...),
		}, nil
	case <-ctx.Done():
		// The request objects stay owned by fasthttp until DoDeadline returns.
		go func() {
			<-done
			release()
		}()
		return nil, &Error{Kind: classify(ctx.Err()), URL: uri, Err: ctx.Err()}
	}
}
