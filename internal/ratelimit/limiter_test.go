// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, cfg, nil)
}

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := newTestLimiter(t, Config{RatePerSecond: 10, BurstSize: 3, KeyTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "task-1")
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("expected request %d to be allowed within burst", i)
		}
	}

	allowed, err := l.Allow(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected 4th request to be denied once burst is exhausted")
	}
}

func TestLimiterScopesIndependently(t *testing.T) {
	l := newTestLimiter(t, Config{RatePerSecond: 10, BurstSize: 1, KeyTTL: time.Minute})
	ctx := context.Background()

	allowed, err := l.Allow(ctx, "task-a")
	if err != nil || !allowed {
		t.Fatalf("expected task-a first request allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = l.Allow(ctx, "task-b")
	if err != nil || !allowed {
		t.Fatalf("expected task-b first request allowed independently, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = l.Allow(ctx, "task-a")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected task-a second request denied, task-b bucket must not leak tokens into it")
	}
}

func TestLimiterDisabledAlwaysAllows(t *testing.T) {
	l := New(nil, Config{RatePerSecond: 0}, nil)
	allowed, err := l.Allow(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Fatal("expected disabled limiter to always allow")
	}
}
