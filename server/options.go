// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"fmt"
	"os"
	"time"
)

type Options struct {
	// TickerCodes holds the market codes to ingest. Empty means the
	// default Upbit KRW markets.
	TickerCodes []string

	// NoIngest disables the exchange websocket feed and the matching
	// loop. Used by read-only deployments and tests.
	NoIngest bool

	// LifecycleInterval is how often competition lifecycle states are
	// advanced against the clock.
	LifecycleInterval time.Duration

	// FeedStallTimeout is how long the ticker feed may be silent before a
	// stall alert is sent.
	FeedStallTimeout time.Duration

	// IdempotencyTTL is the duplicate-suppression window for orders
	// carrying an idempotency key; OrderHashTTL covers orders without
	// one, keyed by their content.
	IdempotencyTTL time.Duration
	OrderHashTTL   time.Duration
}

func (v *Options) setDefaults() {
	if v.LifecycleInterval == 0 {
		v.LifecycleInterval = 30 * time.Second
	}
	if v.FeedStallTimeout == 0 {
		v.FeedStallTimeout = 5 * time.Minute
	}
	if v.IdempotencyTTL == 0 {
		v.IdempotencyTTL = 5 * time.Second
	}
	if v.OrderHashTTL == 0 {
		v.OrderHashTTL = 2 * time.Second
	}
}

func (v *Options) Check() error {
	if v.LifecycleInterval < 0 || v.FeedStallTimeout < 0 {
		return fmt.Errorf("intervals cannot be negative: %w", os.ErrInvalid)
	}
	return nil
}
