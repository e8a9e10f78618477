// Copyright (c) 2023 BVK Chaitanya

package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *testSink) send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(msg))
	return nil
}

func (s *testSink) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < 100; i++ {
		s.mu.Lock()
		msgs := append([]string{}, s.msgs...)
		s.mu.Unlock()
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestPublishOrderAndFilter(t *testing.T) {
	b := New()
	defer b.Close()

	all := new(testSink)
	b.Add(all.send)

	btcOnly := new(testSink)
	v := b.Add(btcOnly.send)
	v.Subscribe([]string{"KRW-BTC"})

	for i := 0; i < 3; i++ {
		b.Publish("KRW-BTC", []byte(fmt.Sprintf("btc-%d", i)))
		b.Publish("KRW-ETH", []byte(fmt.Sprintf("eth-%d", i)))
	}

	msgs := all.wait(t, 6)
	if len(msgs) != 6 {
		t.Fatalf("want 6 messages, got %d", len(msgs))
	}
	// Per-viewer delivery preserves publish order.
	if msgs[0] != "btc-0" || msgs[1] != "eth-0" || msgs[4] != "btc-2" {
		t.Fatalf("unexpected order: %v", msgs)
	}

	msgs = btcOnly.wait(t, 3)
	for i, m := range msgs {
		if want := fmt.Sprintf("btc-%d", i); m != want {
			t.Fatalf("want %q, got %q", want, m)
		}
	}
}

func TestSubscribeAll(t *testing.T) {
	b := New()
	defer b.Close()

	sink := new(testSink)
	v := b.Add(sink.send)

	v.Subscribe([]string{"KRW-ETH"})
	if _, all := v.Subscribed(); all {
		t.Fatalf("want narrowed subscription")
	}

	// Empty list restores the subscribe-to-everything default.
	v.Subscribe(nil)
	if _, all := v.Subscribed(); !all {
		t.Fatalf("want all-codes subscription")
	}

	b.Publish("KRW-DOGE", []byte("doge"))
	if msgs := sink.wait(t, 1); msgs[0] != "doge" {
		t.Fatalf("want doge, got %v", msgs)
	}
}

func TestSendFailureDropsViewer(t *testing.T) {
	b := New()
	defer b.Close()

	b.Add(func([]byte) error { return errors.New("connection reset") })
	if b.NumViewers() != 1 {
		t.Fatalf("want 1 viewer, got %d", b.NumViewers())
	}

	b.Publish("KRW-BTC", []byte("tick"))

	for i := 0; i < 100 && b.NumViewers() != 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if n := b.NumViewers(); n != 0 {
		t.Fatalf("want failed viewer removed, still have %d", n)
	}
}

func TestStats(t *testing.T) {
	b := New()
	defer b.Close()

	sink := new(testSink)
	b.Add(sink.send)

	b.Publish("KRW-BTC", []byte("one"))
	b.Publish("KRW-BTC", []byte("two"))
	sink.wait(t, 2)

	received, broadcast := b.Stats()
	if received != 2 || broadcast != 2 {
		t.Fatalf("want 2/2, got %d/%d", received, broadcast)
	}
}
