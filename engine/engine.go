// Copyright (c) 2023 BVK Chaitanya

// Package engine matches resting limit orders against the live ticker
// stream. Matching is sequential per tick: crossed buys fill first, then
// crossed sells, each in creation order at the tick's trade price.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/metrics"
	"github.com/bvk/papertrade/orders"
	"github.com/shopspring/decimal"
)

// FeeRateFunc resolves the fee rate for a participant's competition.
type FeeRateFunc func(ctx context.Context, participantID string) (decimal.Decimal, error)

// DefaultFeeRate is used when no resolver is configured.
var DefaultFeeRate = decimal.RequireFromString("0.0005")

type Engine struct {
	service *orders.Service

	feeRate FeeRateFunc

	numTicks  atomic.Int64
	numFilled atomic.Int64
}

func New(service *orders.Service, feeRate FeeRateFunc) *Engine {
	return &Engine{
		service: service,
		feeRate: feeRate,
	}
}

// MatchTick fills every pending limit order for code that the given market
// price crosses. A failing order is logged and skipped so one bad order
// cannot wedge the book. Returns the fill count.
func (e *Engine) MatchTick(ctx context.Context, code string, price decimal.Decimal) (int, error) {
	e.numTicks.Add(1)

	c := metrics.GetCollector()
	start := time.Now()
	defer func() {
		c.MatchingLatency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	pending, err := e.service.PendingOrders(ctx, code)
	if err != nil {
		return 0, err
	}

	var buys, sells []*gobs.Order
	for _, order := range pending {
		switch {
		case order.Side == "buy" && order.Price.GreaterThanOrEqual(price):
			buys = append(buys, order)
		case order.Side == "sell" && order.Price.LessThanOrEqual(price):
			sells = append(sells, order)
		}
	}

	filled := 0
	for _, order := range append(buys, sells...) {
		rate, err := e.resolveFeeRate(ctx, order.ParticipantID)
		if err != nil {
			slog.WarnContext(ctx, "could not resolve fee rate (order skipped)", "order", order.ID, "error", err)
			continue
		}
		if _, err := e.service.ExecuteLimit(ctx, order.ID, price, rate); err != nil {
			slog.WarnContext(ctx, "could not execute limit order (skipped)", "order", order.ID, "error", err)
			continue
		}
		c.RecordMatch(order.Code, order.Side)
		filled++
	}

	e.numFilled.Add(int64(filled))
	return filled, nil
}

// NumFilled returns the count of orders filled by matching since start.
func (e *Engine) NumFilled() int64 {
	return e.numFilled.Load()
}

func (e *Engine) resolveFeeRate(ctx context.Context, participantID string) (decimal.Decimal, error) {
	if e.feeRate == nil {
		return DefaultFeeRate, nil
	}
	return e.feeRate(ctx, participantID)
}
