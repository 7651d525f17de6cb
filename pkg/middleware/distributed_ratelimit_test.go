package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupDistributedLimiter(t *testing.T, perWindow, burst int) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: perWindow,
		WindowDuration:    time.Minute,
		BurstSize:         burst,
	}, ""), mr
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	limiter, mr := setupDistributedLimiter(t, 3, 1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, err := limiter.Allow(ctx, "user:u-1")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "user:u-1"); ok {
		t.Error("fifth request should be limited")
	}

	remaining, err := limiter.Remaining(ctx, "user:u-1")
	if err != nil || remaining != 0 {
		t.Errorf("Remaining() = %d, %v", remaining, err)
	}

	ttl, err := limiter.TTL(ctx, "user:u-1")
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, %v", ttl, err)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := limiter.Allow(ctx, "user:u-1"); !ok {
		t.Error("window should have reset")
	}
}

func TestDistributedRateLimiter_Reset(t *testing.T) {
	limiter, _ := setupDistributedLimiter(t, 1, 0)
	ctx := context.Background()

	limiter.Allow(ctx, "k")
	if ok, _ := limiter.Allow(ctx, "k"); ok {
		t.Fatal("second request should be limited")
	}
	if err := limiter.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if remaining, _ := limiter.Remaining(ctx, "k"); remaining != 1 {
		t.Errorf("Remaining() after reset = %d, want 1", remaining)
	}
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	limiter := NewDistributedRateLimiter(client, nil, "")
	mr.Close()

	if _, err := limiter.Allow(context.Background(), "k"); err == nil {
		t.Error("expected an error when redis is unreachable")
	}
}
