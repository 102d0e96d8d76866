package middleware

import (
	"context"
	"time"

	"eureka-client/transport"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("registry request failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("registry request", append(fields, zap.Int("status", resp.StatusCode))...)
			return resp, nil
		}
	}
}
