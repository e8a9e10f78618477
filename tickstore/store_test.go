// Copyright (c) 2023 BVK Chaitanya

package tickstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvkgo/kv"
	"github.com/bvkgo/kv/kvmemdb"
	"github.com/shopspring/decimal"
)

func testTicker(code string, at time.Time, price int64) *gobs.Ticker {
	return &gobs.Ticker{
		Code:       code,
		Timestamp:  at,
		TradePrice: decimal.NewFromInt(price),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	c, err := cache.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	// Large flush interval keeps the background loop quiet; tests flush
	// explicitly.
	s, err := New(kvmemdb.New(), c, &Options{FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Latest(ctx, "KRW-BTC"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		if err := s.Add(ctx, testTicker("KRW-BTC", at, 100+int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	v, err := s.Latest(ctx, "KRW-BTC")
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.NewFromInt(102); !v.TradePrice.Equal(want) {
		t.Fatalf("want latest price %s, got %s", want, v.TradePrice)
	}
	if s.NumWritten() != 3 {
		t.Fatalf("want 3 rows written, got %d", s.NumWritten())
	}
}

func TestBatchSizeFlush(t *testing.T) {
	ctx := context.Background()

	c, err := cache.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	s, err := New(kvmemdb.New(), c, &Options{BatchSize: 2, FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Add(ctx, testTicker("KRW-ETH", now, 1)); err != nil {
		t.Fatal(err)
	}
	if s.NumWritten() != 0 {
		t.Fatalf("want no rows before batch is full, got %d", s.NumWritten())
	}
	if err := s.Add(ctx, testTicker("KRW-ETH", now.Add(time.Second), 2)); err != nil {
		t.Fatal(err)
	}
	if s.NumWritten() != 2 {
		t.Fatalf("want 2 rows after batch flush, got %d", s.NumWritten())
	}
}

// faultyDB refuses a fixed number of transactions before recovering.
type faultyDB struct {
	kv.Database

	failures int
}

func (f *faultyDB) NewTransaction(ctx context.Context) (kv.Transaction, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store is unavailable")
	}
	return f.Database.NewTransaction(ctx)
}

func TestFlushFailureDropsBatch(t *testing.T) {
	ctx := context.Background()

	c, err := cache.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	db := &faultyDB{Database: kvmemdb.New(), failures: 1}
	s, err := New(db, c, &Options{FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Add(ctx, testTicker("KRW-BTC", now, 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err == nil {
		t.Fatal("want flush error while the store is unavailable")
	}
	if s.NumDropped() != 1 {
		t.Fatalf("want 1 dropped row, got %d", s.NumDropped())
	}

	// The failed batch must not reappear once the store recovers.
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if s.NumWritten() != 0 {
		t.Fatalf("want dropped batch to stay dropped, got %d rows written", s.NumWritten())
	}
	if _, err := s.Latest(ctx, "KRW-BTC"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist after the drop, got %v", err)
	}

	// New events still archive normally.
	if err := s.Add(ctx, testTicker("KRW-BTC", now.Add(time.Second), 101)); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if s.NumWritten() != 1 {
		t.Fatalf("want 1 row written after recovery, got %d", s.NumWritten())
	}
}

func TestRangeDescending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		if err := s.Add(ctx, testTicker("KRW-XRP", at, int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	vs, err := s.Range(ctx, "KRW-XRP", time.Time{}, time.Time{}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 3 {
		t.Fatalf("want 3 rows, got %d", len(vs))
	}
	for i, v := range vs {
		if want := decimal.NewFromInt(int64(4 - i)); !v.TradePrice.Equal(want) {
			t.Fatalf("row %d: want price %s, got %s", i, want, v.TradePrice)
		}
	}

	// Bounded range includes both endpoints.
	vs, err = s.Range(ctx, "KRW-XRP", now.Add(time.Second), now.Add(3*time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 3 {
		t.Fatalf("want 3 rows in bounded range, got %d", len(vs))
	}
}

func TestCodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := s.Add(ctx, testTicker("KRW-BTC", now.Add(time.Duration(i)*time.Second), 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Add(ctx, testTicker("KRW-ETH", now, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	infos, err := s.Codes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("want 2 codes, got %d", len(infos))
	}
	if infos[0].Code != "KRW-BTC" || infos[0].Count != 3 {
		t.Fatalf("want KRW-BTC with 3 rows first, got %+v", infos[0])
	}
	if !infos[0].LastUpdate.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("want last update %v, got %v", now.Add(2*time.Second), infos[0].LastUpdate)
	}

	total, err := s.TotalRows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("want 4 total rows, got %d", total)
	}
}
