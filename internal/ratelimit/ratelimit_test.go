package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opencapa/capa-engine/internal/ratelimit"
)

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := ratelimit.NewRedisLimiter(client)
	ctx := context.Background()

	wait, err := l.Reserve(ctx, "u1/p1", 5*time.Second)
	if err != nil || wait != 0 {
		t.Fatalf("first reserve: wait=%v err=%v", wait, err)
	}
	wait, err = l.Reserve(ctx, "u1/p1", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if wait <= 0 || wait > 5*time.Second {
		t.Fatalf("second reserve: wait = %v", wait)
	}

	// a different key is unaffected
	if wait, _ := l.Reserve(ctx, "u1/p2", 5*time.Second); wait != 0 {
		t.Fatalf("other key: wait = %v", wait)
	}

	mr.FastForward(6 * time.Second)
	if wait, _ := l.Reserve(ctx, "u1/p1", 5*time.Second); wait != 0 {
		t.Fatalf("after interval: wait = %v", wait)
	}
}

func TestMemoryLimiter(t *testing.T) {
	l := ratelimit.NewMemoryLimiter()
	ctx := context.Background()

	if wait, _ := l.Reserve(ctx, "k", 50*time.Millisecond); wait != 0 {
		t.Fatalf("first reserve: wait = %v", wait)
	}
	if wait, _ := l.Reserve(ctx, "k", 50*time.Millisecond); wait <= 0 {
		t.Fatal("second reserve should wait")
	}
	time.Sleep(60 * time.Millisecond)
	if wait, _ := l.Reserve(ctx, "k", 50*time.Millisecond); wait != 0 {
		t.Fatalf("after interval: wait = %v", wait)
	}
}

func TestZeroIntervalDisablesLimit(t *testing.T) {
	l := ratelimit.NewMemoryLimiter()
	for i := 0; i < 3; i++ {
		if wait, _ := l.Reserve(context.Background(), "k", 0); wait != 0 {
			t.Fatal("zero interval must never block")
		}
	}
}
