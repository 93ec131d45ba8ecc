package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// scriptRunnerStub answers the limiter script with a canned reply.
type scriptRunnerStub struct {
	redis.UniversalClient

	reply interface{}
	err   error

	calls int
	keys  []string
	args  []interface{}
}

func (s *scriptRunnerStub) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	s.calls++
	s.keys = keys
	s.args = args
	cmd := redis.NewCmd(ctx)
	if s.err != nil {
		cmd.SetErr(s.err)
		return cmd
	}
	cmd.SetVal(s.reply)
	return cmd
}

func TestRedisRateLimiter_ConsumeRateLimit(t *testing.T) {
	stub := &scriptRunnerStub{reply: []interface{}{int64(3), int64(1500)}}
	limiter := NewRedisRateLimiter(stub, " giftpool:rate_limit: ")

	count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "receipt", " 203.0.113.9 ", 30, time.Minute)
	if err != nil {
		t.Fatalf("ConsumeRateLimit returned error: %v", err)
	}
	if count != 3 || retryAfter != 2 {
		t.Fatalf("got count %d retry %d, want 3 and 2", count, retryAfter)
	}
	if len(stub.keys) != 1 || stub.keys[0] != "giftpool:rate_limit:receipt:203.0.113.9" {
		t.Fatalf("unexpected keys %v", stub.keys)
	}
	if len(stub.args) != 1 || stub.args[0] != int64(60000) {
		t.Fatalf("expected the window in milliseconds, got %v", stub.args)
	}
}

func TestRedisRateLimiter_MissingTTLFallsBackToWindow(t *testing.T) {
	stub := &scriptRunnerStub{reply: []interface{}{int64(1), int64(-1)}}
	limiter := NewRedisRateLimiter(stub, "")

	_, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "receipt", "198.51.100.4", 30, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ConsumeRateLimit returned error: %v", err)
	}
	// Windows shorter than a second are rounded up to one.
	if retryAfter != 1 {
		t.Fatalf("expected retry after 1s, got %d", retryAfter)
	}
	if stub.args[0] != int64(1000) {
		t.Fatalf("expected a 1000ms window, got %v", stub.args[0])
	}
}

func TestRedisRateLimiter_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reply interface{}
		err   error
	}{
		{name: "redis error", err: errors.New("dial tcp: connection refused")},
		{name: "wrong shape", reply: "OK"},
		{name: "short reply", reply: []interface{}{int64(1)}},
		{name: "non-integer count", reply: []interface{}{"1", int64(1000)}},
		{name: "non-integer ttl", reply: []interface{}{int64(1), "1000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewRedisRateLimiter(&scriptRunnerStub{reply: tt.reply, err: tt.err}, "")
			if _, _, err := limiter.ConsumeRateLimit(context.Background(), "receipt", "203.0.113.9", 30, time.Minute); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestRedisRateLimiter_DisabledLimits(t *testing.T) {
	stub := &scriptRunnerStub{reply: []interface{}{int64(1), int64(1000)}}
	limiter := NewRedisRateLimiter(stub, "")
	ctx := context.Background()

	tests := []struct {
		name    string
		scope   string
		subject string
		limit   int
		window  time.Duration
	}{
		{name: "zero limit", scope: "receipt", subject: "203.0.113.9", limit: 0, window: time.Minute},
		{name: "zero window", scope: "receipt", subject: "203.0.113.9", limit: 30, window: 0},
		{name: "blank subject", scope: "receipt", subject: "  ", limit: 30, window: time.Minute},
		{name: "blank scope", scope: "", subject: "203.0.113.9", limit: 30, window: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, retryAfter, err := limiter.ConsumeRateLimit(ctx, tt.scope, tt.subject, tt.limit, tt.window)
			if err != nil || count != 0 || retryAfter != 0 {
				t.Fatalf("expected a no-op, got %d %d %v", count, retryAfter, err)
			}
		})
	}
	if stub.calls != 0 {
		t.Fatalf("expected no redis calls, got %d", stub.calls)
	}

	var nilLimiter *RedisRateLimiter
	if count, retryAfter, err := nilLimiter.ConsumeRateLimit(ctx, "receipt", "203.0.113.9", 30, time.Minute); err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("expected a nil limiter to be a no-op, got %d %d %v", count, retryAfter, err)
	}
}
