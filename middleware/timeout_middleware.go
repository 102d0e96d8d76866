package middleware

import (
	"context"
	"time"

	"eureka-client/transport"
)

// TimeOutMiddleware bounds each request, including the retries of inner middlewares.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *transport.Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, &transport.Error{Kind: transport.KindTimeout, URL: req.Path, Err: ctx.Err()}
			}
		}
	}
}
