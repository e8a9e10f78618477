// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvkgo/kv"
	"github.com/shopspring/decimal"
)

// Repair operations undo damage caused by bad ticker data or client-side
// button spam. They bypass the normal order flow and adjust balances and
// positions directly, so they are admin-only.

// repairFeeRate is the fee rate assumed when recomputing fees of corrupted
// fills. The original fee rate of the competition is not recoverable from
// the order row alone.
var repairFeeRate = decimal.RequireFromString("0.0005")

var (
	tenth = decimal.RequireFromString("0.1")
	ten   = decimal.NewFromInt(10)
)

// CorruptedPrice reports whether a recorded fill price is far outside the
// sanity band for the code. The band here is ten times wider than the one
// used for order admission; only wildly wrong fills qualify.
func CorruptedPrice(code string, price decimal.Decimal) bool {
	r, ok := priceRanges[code]
	if !ok {
		return false
	}
	return price.LessThan(r.min.Mul(tenth)) || price.GreaterThan(r.max.Mul(ten))
}

// FindCorrupted scans all filled orders and returns those whose fill price is
// corrupted, newest first.
func (s *Service) FindCorrupted(ctx context.Context) ([]*gobs.Order, error) {
	var result []*gobs.Order
	begin, end := kvutil.PathRange(OrdersKeyspace)
	fn := func(ctx context.Context, r kv.Reader, k string, v *gobs.Order) error {
		if v.Status != "filled" {
			return nil
		}
		if CorruptedPrice(v.Code, v.FilledPrice) {
			result = append(result, v)
		}
		return nil
	}
	if err := kvutil.AscendDB(ctx, s.db, begin, end, fn); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// FixCorrupted rewrites a filled order's fill price to correctPrice and
// adjusts the participant's balance, position average and trade row to what
// they would have been with the correct price.
func (s *Service) FixCorrupted(ctx context.Context, orderID string, correctPrice decimal.Decimal) (*gobs.Order, error) {
	if correctPrice.Sign() <= 0 {
		return nil, fmt.Errorf("correct price %s is not positive: %w", correctPrice, os.ErrInvalid)
	}

	var order *gobs.Order
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		v, err := kvutil.Get[gobs.Order](ctx, rw, OrderKey(orderID))
		if err != nil {
			return err
		}
		if v.Status != "filled" {
			return fmt.Errorf("order %s has status %s; only filled orders can be fixed: %w", orderID, v.Status, os.ErrInvalid)
		}
		if !ValidPrice(v.Code, correctPrice) {
			return fmt.Errorf("correct price %s is also implausible for %s: %w", correctPrice, v.Code, ErrPriceOutOfBand)
		}

		oldPrice := v.FilledPrice
		quantity := v.Quantity

		oldTotal := oldPrice.Mul(quantity)
		oldFee := oldTotal.Mul(repairFeeRate)
		newTotal := correctPrice.Mul(quantity)
		newFee := newTotal.Mul(repairFeeRate)

		p, err := kvutil.Get[gobs.Participant](ctx, rw, ParticipantKey(v.ParticipantID))
		if err != nil {
			return err
		}

		if v.Side == "buy" {
			// The participant paid old total plus fee; they should have
			// paid the new total plus fee. Refund or charge the difference.
			p.Balance = p.Balance.Add(oldTotal.Add(oldFee).Sub(newTotal.Add(newFee)))

			pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(v.ParticipantID, v.Code))
			if err == nil {
				// Swap this order's contribution in the weighted average.
				totalValue := pos.Quantity.Mul(pos.AvgBuyPrice)
				adjusted := totalValue.Sub(oldTotal).Add(newTotal)
				if pos.Quantity.Sign() > 0 {
					pos.AvgBuyPrice = adjusted.Div(pos.Quantity)
				}
				pos.UpdatedAt = time.Now().UTC()
				if err := kvutil.Set(ctx, rw, PositionKey(pos.ParticipantID, pos.Code), pos); err != nil {
					return err
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		} else {
			p.Balance = p.Balance.Add(newTotal.Sub(newFee).Sub(oldTotal.Sub(oldFee)))
		}
		if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
			return err
		}

		v.FilledPrice = correctPrice
		v.Fee = newFee
		if err := kvutil.Set(ctx, rw, OrderKey(v.ID), v); err != nil {
			return err
		}

		trade, err := s.tradeOfOrder(ctx, rw, v.ParticipantID, v.ID)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		} else {
			trade.Price = correctPrice
			trade.TotalAmount = newTotal
			trade.Fee = newFee
			if err := kvutil.Set(ctx, rw, TradeKey(trade.ID), trade); err != nil {
				return err
			}
		}

		order = v
		return nil
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, wrapConflict(err)
	}
	return order, nil
}

// DeleteFilled removes a filled order and restores the participant's balance
// and position as if the order had never happened. When requireCorrupted is
// set, orders with a plausible fill price are refused.
//
// The restored position's average buy price is an approximation; the exact
// value is not recoverable after the fact.
func (s *Service) DeleteFilled(ctx context.Context, orderID string, requireCorrupted bool) (*gobs.Order, error) {
	var order *gobs.Order
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		v, err := kvutil.Get[gobs.Order](ctx, rw, OrderKey(orderID))
		if err != nil {
			return err
		}
		if v.Status != "filled" {
			return fmt.Errorf("order %s has status %s; only filled orders can be deleted: %w", orderID, v.Status, os.ErrInvalid)
		}
		if requireCorrupted && !CorruptedPrice(v.Code, v.FilledPrice) {
			return fmt.Errorf("order %s has a plausible fill price %s: %w", orderID, v.FilledPrice, os.ErrInvalid)
		}
		if err := s.undoFill(ctx, rw, v); err != nil {
			return err
		}
		order = v
		return nil
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, wrapConflict(err)
	}
	return order, nil
}

// undoFill reverses one filled order's balance and position effects and
// deletes the order with its trade rows and index entries.
func (s *Service) undoFill(ctx context.Context, rw kv.ReadWriter, v *gobs.Order) error {
	quantity := v.Quantity
	fee := v.Fee
	total := v.FilledPrice.Mul(quantity)
	now := time.Now().UTC()

	p, err := kvutil.Get[gobs.Participant](ctx, rw, ParticipantKey(v.ParticipantID))
	if err != nil {
		return err
	}

	if v.Side == "buy" {
		p.Balance = p.Balance.Add(total).Add(fee)

		pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(v.ParticipantID, v.Code))
		if err == nil {
			pos.Quantity = pos.Quantity.Sub(quantity)
			pos.UpdatedAt = now
			if pos.Quantity.Sign() <= 0 {
				if err := rw.Delete(ctx, PositionKey(pos.ParticipantID, pos.Code)); err != nil {
					return err
				}
			} else if err := kvutil.Set(ctx, rw, PositionKey(pos.ParticipantID, pos.Code), pos); err != nil {
				return err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else {
		p.Balance = p.Balance.Sub(total.Sub(fee))

		pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(v.ParticipantID, v.Code))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			// The original average is gone with the position row.
			pos = &gobs.Position{
				ParticipantID: v.ParticipantID,
				Code:          v.Code,
			}
		}
		pos.Quantity = pos.Quantity.Add(quantity)
		pos.UpdatedAt = now
		if err := kvutil.Set(ctx, rw, PositionKey(pos.ParticipantID, pos.Code), pos); err != nil {
			return err
		}
	}
	if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
		return err
	}

	trade, err := s.tradeOfOrder(ctx, rw, v.ParticipantID, v.ID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else {
		if err := rw.Delete(ctx, TradeKey(trade.ID)); err != nil {
			return err
		}
		if err := rw.Delete(ctx, participantTradeKey(trade.ParticipantID, trade.CreatedAt, trade.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if err := rw.Delete(ctx, OrderKey(v.ID)); err != nil {
		return err
	}
	if err := rw.Delete(ctx, participantOrderKey(v.ParticipantID, v.CreatedAt, v.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// duplicateWindow bounds how far apart two orders can be and still count as
// accidental duplicates (client double-click or button spam).
const duplicateWindow = 100 * time.Millisecond

// DuplicateGroup holds one run of duplicated fills; the first order is kept
// and the rest are candidates for deletion.
type DuplicateGroup struct {
	Keep       *gobs.Order
	Duplicates []*gobs.Order
}

func duplicateKey(v *gobs.Order) string {
	return v.Code + "|" + v.Side + "|" + v.OrderType + "|" + v.Quantity.String() + "|" + v.FilledPrice.String()
}

// FindDuplicates returns groups of filled orders created within
// duplicateWindow of each other with identical code, side, type, quantity
// and fill price.
func (s *Service) FindDuplicates(ctx context.Context, participantID string) ([]*DuplicateGroup, error) {
	all, err := s.ordersByCreation(ctx, participantID)
	if err != nil {
		return nil, err
	}

	var groups []*DuplicateGroup
	i := 0
	for i < len(all) {
		first := all[i]
		if first.Status != "filled" {
			i++
			continue
		}

		key := duplicateKey(first)
		group := &DuplicateGroup{Keep: first}

		j := i + 1
		for j < len(all) {
			next := all[j]
			if next.Status != "filled" {
				j++
				continue
			}
			diff := next.CreatedAt.Sub(first.CreatedAt)
			if diff < 0 {
				diff = -diff
			}
			if diff <= duplicateWindow && duplicateKey(next) == key {
				group.Duplicates = append(group.Duplicates, next)
				j++
			} else if diff > duplicateWindow {
				break
			} else {
				j++
			}
		}

		if len(group.Duplicates) > 0 {
			groups = append(groups, group)
			i = j
		} else {
			i++
		}
	}
	return groups, nil
}

// DuplicateReport summarizes a duplicate repair run.
type DuplicateReport struct {
	Groups []*DuplicateGroup

	Deleted int

	// BalanceChange is the net balance restoration across all deleted
	// duplicates (positive for refunded buys).
	BalanceChange decimal.Decimal

	DryRun bool
}

// FixDuplicates finds and, unless dryRun is set, deletes duplicate fills of
// the participant, restoring balance and positions. Dry runs only report
// what would change.
func (s *Service) FixDuplicates(ctx context.Context, participantID string, dryRun bool) (*DuplicateReport, error) {
	groups, err := s.FindDuplicates(ctx, participantID)
	if err != nil {
		return nil, err
	}

	report := &DuplicateReport{Groups: groups, DryRun: dryRun}
	for _, group := range groups {
		for _, v := range group.Duplicates {
			total := v.FilledPrice.Mul(v.Quantity)
			if v.Side == "buy" {
				report.BalanceChange = report.BalanceChange.Add(total.Add(v.Fee))
			} else {
				report.BalanceChange = report.BalanceChange.Sub(total.Sub(v.Fee))
			}
			report.Deleted++

			if dryRun {
				continue
			}
			fn := func(ctx context.Context, rw kv.ReadWriter) error {
				order, err := kvutil.Get[gobs.Order](ctx, rw, OrderKey(v.ID))
				if err != nil {
					return err
				}
				return s.undoFill(ctx, rw, order)
			}
			if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
				return report, wrapConflict(err)
			}
		}
	}
	return report, nil
}

// ordersByCreation returns all of the participant's orders sorted oldest
// first.
func (s *Service) ordersByCreation(ctx context.Context, participantID string) ([]*gobs.Order, error) {
	var ids []string
	begin, end := kvutil.PathRange(path.Join(ParticipantOrdersKeyspace, participantID))
	fn := func(ctx context.Context, r kv.Reader) error {
		it, err := r.Ascend(ctx, begin, end)
		if err != nil {
			return err
		}
		defer kv.Close(it)

		for k, v, err := it.Fetch(ctx, false); err == nil; k, v, err = it.Fetch(ctx, true) {
			id, err := readString(v)
			if err != nil {
				return fmt.Errorf("could not read id at key %q: %w", k, err)
			}
			ids = append(ids, id)
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not complete ascend: %w", err)
		}
		return nil
	}
	if err := kv.WithReader(ctx, s.db, fn); err != nil {
		return nil, err
	}

	result := make([]*gobs.Order, 0, len(ids))
	for _, id := range ids {
		v, err := kvutil.GetDB[gobs.Order](ctx, s.db, OrderKey(id))
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// tradeOfOrder finds the trade row recorded for an order.
func (s *Service) tradeOfOrder(ctx context.Context, r kv.Reader, participantID, orderID string) (*gobs.Trade, error) {
	var trade *gobs.Trade
	begin, end := kvutil.PathRange(path.Join(ParticipantTradesKeyspace, participantID))
	it, err := r.Ascend(ctx, begin, end)
	if err != nil {
		return nil, err
	}
	defer kv.Close(it)

	for k, v, err := it.Fetch(ctx, false); err == nil; k, v, err = it.Fetch(ctx, true) {
		id, err := readString(v)
		if err != nil {
			return nil, fmt.Errorf("could not read id at key %q: %w", k, err)
		}
		t, err := kvutil.Get[gobs.Trade](ctx, r, TradeKey(id))
		if err != nil {
			return nil, err
		}
		if t.OrderID == orderID {
			trade = t
			break
		}
	}
	if trade == nil {
		return nil, fmt.Errorf("no trade for order %s: %w", orderID, os.ErrNotExist)
	}
	return trade, nil
}
