package middleware

import (
	"context"
	"fmt"

	"eureka-client/transport"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware 基于令牌桶限流，等待令牌直到 ctx 结束
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
			return next(ctx, req)
		}
	}
}
