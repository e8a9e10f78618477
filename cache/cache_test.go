// Copyright (c) 2023 BVK Chaitanya

package cache

import (
	"context"
	"testing"
	"time"
)

func TestFailOpenWithoutServer(t *testing.T) {
	ctx := context.Background()

	c, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var v map[string]string
	if ok, err := c.GetJSON(ctx, "ticker:latest:KRW-BTC", &v); err != nil || ok {
		t.Fatalf("want miss with nil error, got ok=%v err=%v", ok, err)
	}

	if err := c.SetJSON(ctx, "ticker:latest:KRW-BTC", map[string]string{"code": "KRW-BTC"}, time.Second); err != nil {
		t.Fatal(err)
	}

	if ok, err := c.SetNX(ctx, "order:idempotency:u1:k1", "1", 5*time.Second); err != nil || !ok {
		t.Fatalf("want fail-open setnx true, got ok=%v err=%v", ok, err)
	}

	token, ok := c.AcquireLock(ctx, "order:u1")
	if !ok || len(token) == 0 {
		t.Fatalf("want fail-open lock grant, got ok=%v token=%q", ok, token)
	}
	if !c.ReleaseLock(ctx, "order:u1", token) {
		t.Fatalf("want fail-open release true")
	}
}

func TestNilCache(t *testing.T) {
	ctx := context.Background()

	// A nil *Cache behaves like one without a server behind it.
	var c *Cache

	var v map[string]string
	if ok, err := c.GetJSON(ctx, "ticker:latest:KRW-BTC", &v); err != nil || ok {
		t.Fatalf("want miss with nil error, got ok=%v err=%v", ok, err)
	}
	if err := c.SetJSON(ctx, "ticker:latest:KRW-BTC", map[string]string{"code": "KRW-BTC"}, time.Second); err != nil {
		t.Fatal(err)
	}
	if ok, err := c.SetNX(ctx, "order:idempotency:u1:k1", "1", 5*time.Second); err != nil || !ok {
		t.Fatalf("want fail-open setnx true, got ok=%v err=%v", ok, err)
	}
	c.Delete(ctx, "ticker:latest:KRW-BTC")

	ran := false
	if err := c.WithLock(ctx, "order:u1", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatalf("lock body did not run")
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWithLockRunsFunc(t *testing.T) {
	ctx := context.Background()

	c, err := New(&Options{LockWaitTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ran := false
	if err := c.WithLock(ctx, "order:u1", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatalf("lock body did not run")
	}
}

func TestOptionsCheck(t *testing.T) {
	opts := &Options{
		LockRetryInterval: time.Minute,
		LockWaitTimeout:   time.Second,
	}
	opts.setDefaults()
	if err := opts.Check(); err == nil {
		t.Fatalf("want error for retry interval above wait timeout")
	}
}
