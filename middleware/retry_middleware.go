package middleware

import (
	"context"
	"time"

	"eureka-client/transport"

	"go.uber.org/zap"
)

// RetryMiddleware retries timeouts and refused connections with exponential delay.
// Any HTTP response, error status included, is returned as is.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !transport.Retryable(err) {
					return resp, err
				}
				logger.Debug("retrying registry request",
					zap.Int("attempt", i+1),
					zap.String("path", req.Path),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp, err
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
