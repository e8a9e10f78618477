// Copyright (c) 2023 BVK Chaitanya

// Package orders implements the paper-trading order service: market and
// limit orders, cancellation and limit execution over the key-value store.
//
// Every operation runs as a single serializable store transaction, so the
// balance and position checks commit atomically with the mutations they
// guard. A request that loses a serialization race fails with
// ErrConcurrentRequest and can be retried.
package orders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvkgo/kv"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// positionEpsilon is the dust threshold below which a position row is
// removed.
var positionEpsilon = decimal.RequireFromString("0.0001")

type Service struct {
	db kv.Database
}

func NewService(db kv.Database) *Service {
	return &Service{db: db}
}

// Request describes one order submission. CurrentPrice is the server-side
// market price at submission time; zero means no market price is known.
type Request struct {
	ParticipantID string

	Code string

	// Side is "buy" or "sell".
	Side string

	Quantity decimal.Decimal

	// Price is the limit price. Ignored for market orders.
	Price decimal.Decimal

	FeeRate decimal.Decimal

	CurrentPrice decimal.Decimal
}

func (r *Request) check() error {
	if len(r.ParticipantID) == 0 || len(r.Code) == 0 {
		return fmt.Errorf("participant id and code are required: %w", os.ErrInvalid)
	}
	if r.Side != "buy" && r.Side != "sell" {
		return fmt.Errorf("side must be buy or sell: %w", os.ErrInvalid)
	}
	if r.Quantity.Sign() <= 0 {
		return fmt.Errorf("quantity must be positive: %w", os.ErrInvalid)
	}
	if r.FeeRate.Sign() < 0 {
		return fmt.Errorf("fee rate cannot be negative: %w", os.ErrInvalid)
	}
	return nil
}

// CreateMarketOrder fills an order immediately at the current market price.
func (s *Service) CreateMarketOrder(ctx context.Context, req *Request) (*gobs.Order, error) {
	if err := req.check(); err != nil {
		return nil, err
	}
	if req.CurrentPrice.Sign() <= 0 {
		return nil, fmt.Errorf("market orders need a market price: %w", os.ErrInvalid)
	}
	if err := checkPrice(req.Code, req.CurrentPrice); err != nil {
		return nil, err
	}

	var order *gobs.Order
	fn := func(ctx context.Context, rw kv.ReadWriter) (err error) {
		order, err = s.fillMarket(ctx, rw, req, req.CurrentPrice)
		return err
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, wrapConflict(err)
	}
	return order, nil
}

// CreateLimitOrder places a limit order. Orders that already cross the
// market price fill immediately at the market price; the rest reserve funds
// (buy) or quantity (sell) and rest in the pending book.
func (s *Service) CreateLimitOrder(ctx context.Context, req *Request) (*gobs.Order, error) {
	if err := req.check(); err != nil {
		return nil, err
	}
	if req.Price.Sign() <= 0 {
		return nil, fmt.Errorf("limit orders need a positive price: %w", os.ErrInvalid)
	}
	if err := checkPrice(req.Code, req.Price); err != nil {
		return nil, err
	}
	if err := checkDeviation(req.Price, req.CurrentPrice); err != nil {
		return nil, err
	}

	crossing := false
	if req.CurrentPrice.Sign() > 0 {
		if req.Side == "buy" {
			crossing = req.Price.GreaterThanOrEqual(req.CurrentPrice)
		} else {
			crossing = req.Price.LessThanOrEqual(req.CurrentPrice)
		}
	}
	if crossing {
		if err := checkPrice(req.Code, req.CurrentPrice); err != nil {
			return nil, err
		}
	}

	var order *gobs.Order
	fn := func(ctx context.Context, rw kv.ReadWriter) (err error) {
		if crossing {
			order, err = s.fillMarket(ctx, rw, req, req.CurrentPrice)
			return err
		}
		order, err = s.reserveLimit(ctx, rw, req)
		return err
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, wrapConflict(err)
	}
	return order, nil
}

// CancelOrder cancels a pending limit order and releases its reservation.
// The order must belong to the participant.
func (s *Service) CancelOrder(ctx context.Context, participantID, orderID string, feeRate decimal.Decimal) (*gobs.Order, error) {
	var order *gobs.Order
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		v, err := kvutil.Get[gobs.Order](ctx, rw, OrderKey(orderID))
		if err != nil {
			return err
		}
		if v.ParticipantID != participantID {
			return fmt.Errorf("order %s does not belong to participant %s: %w", orderID, participantID, os.ErrNotExist)
		}
		if v.Status != "pending" || v.OrderType != "limit" {
			return fmt.Errorf("order %s has status %s type %s: %w", orderID, v.Status, v.OrderType, ErrNotCancellable)
		}

		p, err := kvutil.Get[gobs.Participant](ctx, rw, ParticipantKey(participantID))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if v.Side == "buy" {
			total := v.Price.Mul(v.Quantity)
			fee := total.Mul(feeRate)
			p.Balance = p.Balance.Add(total).Add(fee)
			if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
				return err
			}
		} else {
			pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(participantID, v.Code))
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				// The reserved quantity has nowhere to go back to; rebuild
				// the row at the order's limit price as an approximation.
				pos = &gobs.Position{
					ParticipantID: participantID,
					Code:          v.Code,
					AvgBuyPrice:   v.Price,
				}
			}
			pos.Quantity = pos.Quantity.Add(v.Quantity)
			pos.UpdatedAt = now
			if err := kvutil.Set(ctx, rw, PositionKey(participantID, v.Code), pos); err != nil {
				return err
			}
		}

		v.Status = "cancelled"
		v.CancelledAt = now
		if err := kvutil.Set(ctx, rw, OrderKey(v.ID), v); err != nil {
			return err
		}
		if err := rw.Delete(ctx, pendingOrderKey(v.Code, v.CreatedAt, v.ID)); err != nil {
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

// fillMarket debits the participant, records the filled order, updates the
// position and writes the trade row.
func (s *Service) fillMarket(ctx context.Context, rw kv.ReadWriter, req *Request, price decimal.Decimal) (*gobs.Order, error) {
	now := time.Now().UTC()

	total := price.Mul(req.Quantity)
	fee := total.Mul(req.FeeRate)

	p, err := kvutil.Get[gobs.Participant](ctx, rw, ParticipantKey(req.ParticipantID))
	if err != nil {
		return nil, err
	}

	if req.Side == "buy" {
		cost := total.Add(fee)
		if p.Balance.LessThan(cost) {
			return nil, fmt.Errorf("balance %s is below cost %s: %w", p.Balance, cost, ErrInsufficientBalance)
		}
		p.Balance = p.Balance.Sub(cost)
		if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
			return nil, err
		}
		if err := s.addToPosition(ctx, rw, req.ParticipantID, req.Code, req.Quantity, price, now); err != nil {
			return nil, err
		}
	} else {
		pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(req.ParticipantID, req.Code))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("no position in %s: %w", req.Code, ErrInsufficientQuantity)
			}
			return nil, err
		}
		if pos.Quantity.LessThan(req.Quantity) {
			return nil, fmt.Errorf("position %s is below quantity %s: %w", pos.Quantity, req.Quantity, ErrInsufficientQuantity)
		}
		pos.Quantity = pos.Quantity.Sub(req.Quantity)
		pos.UpdatedAt = now
		if err := s.savePosition(ctx, rw, pos); err != nil {
			return nil, err
		}
		p.Balance = p.Balance.Add(total.Sub(fee))
		if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
			return nil, err
		}
	}

	// Crossing limit orders fill through this path too; they are recorded
	// as market orders at the market price, like any immediate fill.
	order := &gobs.Order{
		ID:             uuid.New().String(),
		ParticipantID:  req.ParticipantID,
		Code:           req.Code,
		Side:           req.Side,
		OrderType:      "market",
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		FilledPrice:    price,
		Fee:            fee,
		Status:         "filled",
		CreatedAt:      now,
		FilledAt:       now,
	}
	if err := s.saveOrder(ctx, rw, order); err != nil {
		return nil, err
	}
	if err := s.saveTrade(ctx, rw, order, price, total, fee, now); err != nil {
		return nil, err
	}
	return order, nil
}

// reserveLimit debits the reservation and rests the order in the pending
// book.
func (s *Service) reserveLimit(ctx context.Context, rw kv.ReadWriter, req *Request) (*gobs.Order, error) {
	now := time.Now().UTC()

	if req.Side == "buy" {
		total := req.Price.Mul(req.Quantity)
		fee := total.Mul(req.FeeRate)
		cost := total.Add(fee)

		p, err := kvutil.Get[gobs.Participant](ctx, rw, ParticipantKey(req.ParticipantID))
		if err != nil {
			return nil, err
		}
		if p.Balance.LessThan(cost) {
			return nil, fmt.Errorf("balance %s is below cost %s: %w", p.Balance, cost, ErrInsufficientBalance)
		}
		p.Balance = p.Balance.Sub(cost)
		if err := kvutil.Set(ctx, rw, ParticipantKey(p.ID), p); err != nil {
			return nil, err
		}
	} else {
		pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(req.ParticipantID, req.Code))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("no position in %s: %w", req.Code, ErrInsufficientQuantity)
			}
			return nil, err
		}
		if pos.Quantity.LessThan(req.Quantity) {
			return nil, fmt.Errorf("position %s is below quantity %s: %w", pos.Quantity, req.Quantity, ErrInsufficientQuantity)
		}
		pos.Quantity = pos.Quantity.Sub(req.Quantity)
		pos.UpdatedAt = now
		if err := s.savePosition(ctx, rw, pos); err != nil {
			return nil, err
		}
	}

	order := &gobs.Order{
		ID:            uuid.New().String(),
		ParticipantID: req.ParticipantID,
		Code:          req.Code,
		Side:          req.Side,
		OrderType:     "limit",
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        "pending",
		CreatedAt:     now,
	}
	if err := s.saveOrder(ctx, rw, order); err != nil {
		return nil, err
	}
	if err := kvutil.SetString(ctx, rw, pendingOrderKey(order.Code, order.CreatedAt, order.ID), order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// addToPosition merges a buy into the position with a weighted average buy
// price.
func (s *Service) addToPosition(ctx context.Context, rw kv.ReadWriter, participantID, code string, qty, price decimal.Decimal, now time.Time) error {
	pos, err := kvutil.Get[gobs.Position](ctx, rw, PositionKey(participantID, code))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		pos = &gobs.Position{
			ParticipantID: participantID,
			Code:          code,
		}
	}

	newQty := pos.Quantity.Add(qty)
	if newQty.Sign() > 0 {
		totalCost := pos.Quantity.Mul(pos.AvgBuyPrice).Add(qty.Mul(price))
		pos.AvgBuyPrice = totalCost.Div(newQty)
	}
	pos.Quantity = newQty
	pos.UpdatedAt = now
	return s.savePosition(ctx, rw, pos)
}

// savePosition writes the position, deleting dust rows.
func (s *Service) savePosition(ctx context.Context, rw kv.ReadWriter, pos *gobs.Position) error {
	key := PositionKey(pos.ParticipantID, pos.Code)
	if pos.Quantity.LessThanOrEqual(positionEpsilon) {
		if err := rw.Delete(ctx, key); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return kvutil.Set(ctx, rw, key, pos)
}

func (s *Service) saveOrder(ctx context.Context, rw kv.ReadWriter, order *gobs.Order) error {
	if err := kvutil.Set(ctx, rw, OrderKey(order.ID), order); err != nil {
		return err
	}
	return kvutil.SetString(ctx, rw, participantOrderKey(order.ParticipantID, order.CreatedAt, order.ID), order.ID)
}

func (s *Service) saveTrade(ctx context.Context, rw kv.ReadWriter, order *gobs.Order, price, total, fee decimal.Decimal, now time.Time) error {
	trade := &gobs.Trade{
		ID:            uuid.New().String(),
		ParticipantID: order.ParticipantID,
		OrderID:       order.ID,
		Code:          order.Code,
		Side:          order.Side,
		Price:         price,
		Quantity:      order.FilledQuantity,
		TotalAmount:   total,
		Fee:           fee,
		CreatedAt:     now,
	}
	if err := kvutil.Set(ctx, rw, TradeKey(trade.ID), trade); err != nil {
		return err
	}
	return kvutil.SetString(ctx, rw, participantTradeKey(trade.ParticipantID, trade.CreatedAt, trade.ID), trade.ID)
}

func wrapConflict(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrentRequest, err)
	}
	return err
}
