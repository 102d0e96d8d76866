// Package transport carries registry requests over HTTP.
//
// The rest of the client only needs send(method, path, body) -> (status, body); everything
// about connections, base URLs and fail-over lives here. Failures that never produced an
// HTTP response are returned as *Error with a Kind the retry policy can act on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"syscall"

	"github.com/valyala/fasthttp"
)

// Request is a registry request. Path is relative to the registry base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header map[string]string
	Body   []byte
}

// Response is any HTTP response, whatever its status code.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Kind classifies transport failures.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindConnectionRefused
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionRefused:
		return "connection refused"
	default:
		return "other"
	}
}

// Error is a request that did not produce an HTTP response.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a timeout or refused connection.
func Retryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == KindTimeout || te.Kind == KindConnectionRefused
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, fasthttp.ErrTimeout),
		errors.Is(err, fasthttp.ErrDialTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	default:
		return KindOther
	}
}
