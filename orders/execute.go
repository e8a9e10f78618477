// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvkgo/kv"
	"github.com/shopspring/decimal"
)

// ExecuteLimit fills a pending limit order at the given execution price.
// Used by the matching engine when the market crosses the limit price.
func (s *Service) ExecuteLimit(ctx context.Context, orderID string, execPrice, feeRate decimal.Decimal) (*gobs.Order, error) {
	var order *gobs.Order
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		v, err := kvutil.Get[gobs.Order](ctx, rw, OrderKey(orderID))
		if err != nil {
			return err
		}
		if v.Status != "pending" {
			return fmt.Errorf("order %s has status %s: %w", orderID, v.Status, ErrNotPending)
		}
		if err := checkPrice(v.Code, execPrice); err != nil {
			return err
		}

		now := time.Now().UTC()
		total := execPrice.Mul(v.Quantity)
		fee := total.Mul(feeRate)

		p, err := kvutil.Get[gobs.Participant](ctx, rw, ParticipantKey(v.ParticipantID))
		if err != nil {
			return err
		}

		if v.Side == "buy" {
			if err := s.addToPosition(ctx, rw, v.ParticipantID, v.Code, v.Quantity, execPrice, now); err != nil {
				return err
			}
			// The reservation was taken at the limit price; refund the
			// price difference when the fill is cheaper. The fee part of
			// the reservation is not adjusted.
			refund := v.Price.Sub(execPrice).Mul(v.Quantity)
			if refund.Sign() > 0 {
				p.Balance = p.Balance.Add(refund)
			}
			if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
				return err
			}
		} else {
			p.Balance = p.Balance.Add(total.Sub(fee))
			if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
				return err
			}
			// The quantity was debited at reservation time; only dust rows
			// need cleanup here.
			pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(v.ParticipantID, v.Code))
			if err == nil && pos.Quantity.LessThanOrEqual(positionEpsilon) {
				if err := rw.Delete(ctx, PositionKey(v.ParticipantID, v.Code)); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}

		v.Status = "filled"
		v.FilledQuantity = v.Quantity
		v.FilledPrice = execPrice
		v.Fee = fee
		v.FilledAt = now
		if err := kvutil.Set(ctx, rw, OrderKey(v.ID), v); err != nil {
			return err
		}
		if err := rw.Delete(ctx, pendingOrderKey(v.Code, v.CreatedAt, v.ID)); err != nil {
			return err
		}
		if err := s.saveTrade(ctx, rw, v, execPrice, total, fee, now); err != nil {
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

// PendingOrders returns the resting limit orders for a market code in
// creation order.
func (s *Service) PendingOrders(ctx context.Context, code string) ([]*gobs.Order, error) {
	var ids []string
	begin, end := kvutil.PathRange(path.Join(PendingOrdersKeyspace, code))
	collect := func(ctx context.Context, r kv.Reader) error {
		it, err := r.Ascend(ctx, begin, end)
		if err != nil {
			return err
		}
		defer kv.Close(it)

		for k, v, err := it.Fetch(ctx, false); err == nil; k, v, err = it.Fetch(ctx, true) {
			id, err := readString(v)
			if err != nil {
				return fmt.Errorf("could not read order id at key %q: %w", k, err)
			}
			ids = append(ids, id)
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not complete ascend: %w", err)
		}
		return nil
	}
	if err := kv.WithReader(ctx, s.db, collect); err != nil {
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

func readString(v io.Reader) (string, error) {
	var sb strings.Builder
	if _, err := io.Copy(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}
