// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// seedFilledOrder writes a filled order with its trade and index rows
// directly, bypassing balance checks, the way corrupted rows appear.
func seedFilledOrder(t *testing.T, s *Service, p *gobs.Participant, side string, qty, price decimal.Decimal, at time.Time) *gobs.Order {
	t.Helper()
	ctx := context.Background()

	total := price.Mul(qty)
	fee := total.Mul(testFeeRate)
	order := &gobs.Order{
		ID:             uuid.New().String(),
		ParticipantID:  p.ID,
		Code:           "KRW-XRP",
		Side:           side,
		OrderType:      "market",
		Quantity:       qty,
		FilledQuantity: qty,
		FilledPrice:    price,
		Fee:            fee,
		Status:         "filled",
		CreatedAt:      at,
		FilledAt:       at,
	}
	if err := kvutil.SetDB(ctx, s.db, OrderKey(order.ID), order); err != nil {
		t.Fatal(err)
	}
	if err := kvutil.SetStringDB(ctx, s.db, participantOrderKey(p.ID, at, order.ID), order.ID); err != nil {
		t.Fatal(err)
	}
	trade := &gobs.Trade{
		ID:            uuid.New().String(),
		ParticipantID: p.ID,
		OrderID:       order.ID,
		Code:          order.Code,
		Side:          side,
		Price:         price,
		Quantity:      qty,
		TotalAmount:   total,
		Fee:           fee,
		CreatedAt:     at,
	}
	if err := kvutil.SetDB(ctx, s.db, TradeKey(trade.ID), trade); err != nil {
		t.Fatal(err)
	}
	if err := kvutil.SetStringDB(ctx, s.db, participantTradeKey(p.ID, at, trade.ID), trade.ID); err != nil {
		t.Fatal(err)
	}
	return order
}

func TestCorruptedPrice(t *testing.T) {
	// XRP band is 300..5000; the repair band is 30..50000.
	if CorruptedPrice("KRW-XRP", d("100")) {
		t.Fatal("100 is inside the repair band")
	}
	if !CorruptedPrice("KRW-XRP", d("20")) {
		t.Fatal("20 is below a tenth of the minimum")
	}
	if !CorruptedPrice("KRW-XRP", d("60000")) {
		t.Fatal("60000 is above ten times the maximum")
	}
	if CorruptedPrice("KRW-UNKNOWN", d("999999999")) {
		t.Fatal("unknown codes are never corrupted")
	}
}

func TestFindAndFixCorrupted(t *testing.T) {
	ctx := context.Background()
	s, db := newTestService(t)
	p := seedParticipant(t, db, d("1000000"))

	// A fill recorded at 10 KRW where roughly 1000 was correct.
	bad := seedFilledOrder(t, s, p, "buy", d("10"), d("10"), time.Now().UTC())
	seedFilledOrder(t, s, p, "buy", d("1"), d("1000"), time.Now().UTC().Add(time.Second))

	found, err := s.FindCorrupted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != bad.ID {
		t.Fatalf("want only the corrupted order, got %+v", found)
	}

	// Build the position the corrupted buy produced: 10 coins at avg 10.
	pos := &gobs.Position{
		ParticipantID: p.ID,
		Code:          "KRW-XRP",
		Quantity:      d("10"),
		AvgBuyPrice:   d("10"),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := kvutil.SetDB(ctx, db, PositionKey(p.ID, "KRW-XRP"), pos); err != nil {
		t.Fatal(err)
	}

	fixed, err := s.FixCorrupted(ctx, bad.ID, d("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !fixed.FilledPrice.Equal(d("1000")) {
		t.Fatalf("want fill price 1000, got %s", fixed.FilledPrice)
	}
	// new fee = 10*1000*0.0005 = 5
	if !fixed.Fee.Equal(d("5")) {
		t.Fatalf("want fee 5, got %s", fixed.Fee)
	}

	// balance diff = (100 + 0.05) - (10000 + 5) = -9904.95
	if got := getBalance(t, s, p.ID); !got.Equal(d("990095.05")) {
		t.Fatalf("want balance 990095.05, got %s", got)
	}

	// avg = (10*10 - 100 + 10000) / 10 = 1000
	pos, err = kvutil.GetDB[gobs.Position](ctx, db, PositionKey(p.ID, "KRW-XRP"))
	if err != nil {
		t.Fatal(err)
	}
	if !pos.AvgBuyPrice.Equal(d("1000")) {
		t.Fatalf("want avg 1000, got %s", pos.AvgBuyPrice)
	}

	// Implausible correction is refused.
	if _, err := s.FixCorrupted(ctx, bad.ID, d("9999999")); !errors.Is(err, ErrPriceOutOfBand) {
		t.Fatalf("want ErrPriceOutOfBand, got %v", err)
	}
}

func TestDeleteFilled(t *testing.T) {
	ctx := context.Background()
	s, db := newTestService(t)
	p := seedParticipant(t, db, d("1000000"))

	bad := seedFilledOrder(t, s, p, "buy", d("10"), d("20"), time.Now().UTC())
	pos := &gobs.Position{
		ParticipantID: p.ID,
		Code:          "KRW-XRP",
		Quantity:      d("10"),
		AvgBuyPrice:   d("20"),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := kvutil.SetDB(ctx, db, PositionKey(p.ID, "KRW-XRP"), pos); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteFilled(ctx, bad.ID, true); err != nil {
		t.Fatal(err)
	}

	// balance restored by total+fee = 200 + 0.1
	if got := getBalance(t, s, p.ID); !got.Equal(d("1000200.1")) {
		t.Fatalf("want balance 1000200.1, got %s", got)
	}
	if _, err := kvutil.GetDB[gobs.Order](ctx, db, OrderKey(bad.ID)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want order gone, got %v", err)
	}
	if _, err := kvutil.GetDB[gobs.Position](ctx, db, PositionKey(p.ID, "KRW-XRP")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want position gone, got %v", err)
	}
	if trades, err := s.ListTrades(ctx, p.ID, 0); err != nil || len(trades) != 0 {
		t.Fatalf("want no trades, got %v %v", trades, err)
	}

	// Plausible fills are protected when requireCorrupted is set.
	good := seedFilledOrder(t, s, p, "buy", d("1"), d("1000"), time.Now().UTC())
	if _, err := s.DeleteFilled(ctx, good.ID, true); !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("want os.ErrInvalid, got %v", err)
	}
}

func TestFixDuplicates(t *testing.T) {
	ctx := context.Background()
	s, db := newTestService(t)
	p := seedParticipant(t, db, d("1000000"))

	base := time.Now().UTC()

	// Three identical buys within 100ms, then an unrelated buy much later.
	first := seedFilledOrder(t, s, p, "buy", d("2"), d("1000"), base)
	seedFilledOrder(t, s, p, "buy", d("2"), d("1000"), base.Add(40*time.Millisecond))
	seedFilledOrder(t, s, p, "buy", d("2"), d("1000"), base.Add(80*time.Millisecond))
	seedFilledOrder(t, s, p, "buy", d("2"), d("1000"), base.Add(time.Second))

	groups, err := s.FindDuplicates(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("want 1 duplicate group, got %+v", groups)
	}
	if groups[0].Keep.ID != first.ID || len(groups[0].Duplicates) != 2 {
		t.Fatalf("want first kept with 2 duplicates, got %+v", groups[0])
	}

	// Dry run reports without touching the balance.
	report, err := s.FixDuplicates(ctx, p.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	// Each duplicate refunds 2*1000*1.0005 = 2001.
	if report.Deleted != 2 || !report.BalanceChange.Equal(d("4002")) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := getBalance(t, s, p.ID); !got.Equal(d("1000000")) {
		t.Fatalf("dry run changed balance to %s", got)
	}

	report, err = s.FixDuplicates(ctx, p.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deleted != 2 {
		t.Fatalf("want 2 deletions, got %+v", report)
	}
	if got := getBalance(t, s, p.ID); !got.Equal(d("1004002")) {
		t.Fatalf("want balance 1004002, got %s", got)
	}

	count, err := s.CountOrders(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("want 2 remaining orders, got %d", count)
	}
}
