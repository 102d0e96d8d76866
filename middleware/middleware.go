// Package middleware wraps a transport.Transport in an onion of cross-cutting behaviour:
// logging, per-request timeouts, retry of transient failures and outbound rate limiting.
package middleware

import (
	"context"

	"eureka-client/transport"
)

type HandlerFunc func(ctx context.Context, req *transport.Request) (*transport.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Wrap returns a Transport that runs every request through middlewares before t.
func Wrap(t transport.Transport, middlewares ...Middleware) transport.Transport {
	return transport.Func(Chain(middlewares...)(t.Send))
}
