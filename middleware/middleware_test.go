package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"eureka-client/transport"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return &transport.Response{StatusCode: 200, Body: []byte("ok")}, nil
}

// 模拟一个慢 handler：睡 200ms 或等到 ctx 结束
func slowHandler(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return &transport.Response{StatusCode: 200}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flaky fails with err for the first n calls.
func flaky(n int32, err error, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if calls.Add(1) <= n {
			return nil, err
		}
		return &transport.Response{StatusCode: 200}, nil
	}
}

var req = &transport.Request{Method: "GET", Path: "apps"}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp, err := handler(context.Background(), req)
	if err != nil || string(resp.Body) != "ok" {
		t.Fatalf("expect ok, got %v %v", resp, err)
	}
	entries := logs.FilterMessage("registry request").All()
	if len(entries) != 1 {
		t.Fatalf("expect 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["path"] != "apps" {
		t.Fatalf("expect path field, got %v", entries[0].ContextMap())
	}
}

func TestLoggingFailureAtWarn(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	failing := func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return nil, errors.New("boom")
	}
	if _, err := LoggingMiddleware(zap.New(core))(failing)(context.Background(), req); err == nil {
		t.Fatal("expect error to pass through")
	}
	if logs.Len() != 1 {
		t.Fatalf("expect 1 warn entry, got %d", logs.Len())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), req)

	var te *transport.Error
	if !errors.As(err, &te) || te.Kind != transport.KindTimeout {
		t.Fatalf("expect timeout error, got %v", err)
	}
}

func TestRetryTransient(t *testing.T) {
	var calls atomic.Int32
	refused := &transport.Error{Kind: transport.KindConnectionRefused, Err: syscall.ECONNREFUSED}
	handler := RetryMiddleware(3, time.Millisecond, nil)(flaky(2, refused, &calls))

	if _, err := handler(context.Background(), req); err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	timeout := &transport.Error{Kind: transport.KindTimeout, Err: errors.New("i/o timeout")}
	handler := RetryMiddleware(2, time.Millisecond, nil)(flaky(100, timeout, &calls))

	if _, err := handler(context.Background(), req); !errors.Is(err, timeout) {
		t.Fatalf("expect last error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 1 call + 2 retries, got %d", calls.Load())
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	other := &transport.Error{Kind: transport.KindOther, Err: errors.New("tls handshake")}
	handler := RetryMiddleware(3, time.Millisecond, nil)(flaky(100, other, &calls))

	handler(context.Background(), req)
	if calls.Load() != 1 {
		t.Fatalf("expect no retry, got %d calls", calls.Load())
	}
}

func TestRetryStopsOnContext(t *testing.T) {
	var calls atomic.Int32
	timeout := &transport.Error{Kind: transport.KindTimeout, Err: errors.New("timeout")}
	handler := RetryMiddleware(5, time.Hour, nil)(flaky(100, timeout, &calls))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	handler(ctx, req)
	if calls.Load() != 1 {
		t.Fatalf("expect the wait to be cancelled, got %d calls", calls.Load())
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个等不到令牌
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := handler(ctx, req); err == nil {
		t.Fatal("request 3 should be rate limited")
	}
}

func TestChainWrap(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	tr := Wrap(transport.Func(echoHandler), mark("outer"), mark("inner"), TimeOutMiddleware(time.Second))

	resp, err := tr.Send(context.Background(), req)
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("expect 200, got %v %v", resp, err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
