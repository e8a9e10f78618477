// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bvk/papertrade/competition"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/metrics"
	"github.com/bvk/papertrade/orders"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	Code      string `json:"code"`
	Side      string `json:"side"`
	OrderType string `json:"order_type"`

	Quantity decimal.Decimal `json:"quantity"`

	// Price is the limit price. Market orders leave it unset.
	Price decimal.Decimal `json:"price"`

	// IdempotencyKey suppresses retries of the same submission. Optional.
	IdempotencyKey string `json:"idempotency_key"`
}

// activeParticipant resolves the caller's participant row in the currently
// active competition.
func (s *Server) activeParticipant(ctx context.Context, user *gobs.User) (*gobs.Participant, *gobs.Competition, error) {
	participant, comp, err := s.competitions.ActiveParticipant(ctx, user.ID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("not participating in an active competition: %w", os.ErrInvalid)
		}
		return nil, nil, err
	}
	return participant, comp, nil
}

func (s *Server) handleCreateOrder(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	start := time.Now()

	req := new(createOrderRequest)
	if err := readJSON(r, req); err != nil {
		return err
	}
	if req.OrderType != "market" && req.OrderType != "limit" {
		return fmt.Errorf("order_type must be market or limit: %w", os.ErrInvalid)
	}
	clientPrice, err := decimal.NewFromString(r.URL.Query().Get("current_price"))
	if err != nil {
		return fmt.Errorf("current_price query parameter is required: %w", os.ErrInvalid)
	}

	participant, comp, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Before(comp.StartTime) {
		return fmt.Errorf("competition has not started yet: %w", competition.ErrClosed)
	}
	if now.After(comp.EndTime) {
		return fmt.Errorf("competition has ended: %w", competition.ErrClosed)
	}

	// Retries of the same submission are suppressed through the cache: by
	// the client's idempotency key when it sends one and by the order
	// content otherwise.
	if len(req.IdempotencyKey) > 0 {
		key := fmt.Sprintf("order:idempotency:%s:%s", user.ID, req.IdempotencyKey)
		if ok, err := s.cache.SetNX(ctx, key, "1", s.opts.IdempotencyTTL); err == nil && !ok {
			return fmt.Errorf("order with this idempotency key was just submitted: %w", orders.ErrDuplicateOrder)
		}
	} else {
		key := fmt.Sprintf("order:hash:%s:%s:%s:%s:%s:%s",
			user.ID, req.Code, req.Side, req.OrderType, req.Quantity, req.Price)
		if ok, err := s.cache.SetNX(ctx, key, "1", s.opts.OrderHashTTL); err == nil && !ok {
			return fmt.Errorf("identical order was just submitted: %w", orders.ErrDuplicateOrder)
		}
	}

	// The server's own market price wins over the client's; the client
	// price is still admitted when no recent ticker is known.
	serverPrice := s.marketPrice(ctx, req.Code)
	currentPrice := clientPrice
	if serverPrice.Sign() > 0 {
		if clientPrice.Sign() > 0 {
			deviation := clientPrice.Sub(serverPrice).Abs().Div(serverPrice)
			if deviation.GreaterThan(orders.MaxPriceDeviation) {
				return fmt.Errorf("client price %s deviates %s from market price %s: %w",
					clientPrice, deviation, serverPrice, orders.ErrPriceMismatch)
			}
		}
		currentPrice = serverPrice
	}

	oreq := &orders.Request{
		ParticipantID: participant.ID,
		Code:          req.Code,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		FeeRate:       comp.FeeRate,
		CurrentPrice:  currentPrice,
	}

	var order *gobs.Order
	create := func(ctx context.Context) error {
		var err error
		if req.OrderType == "market" {
			order, err = s.orders.CreateMarketOrder(ctx, oreq)
		} else {
			order, err = s.orders.CreateLimitOrder(ctx, oreq)
		}
		return err
	}
	if err := s.cache.WithLock(ctx, "order:"+user.ID, create); err != nil {
		return err
	}

	c := metrics.GetCollector()
	c.RecordOrder(order.Code, order.Side, order.OrderType, order.Status, time.Since(start))
	if order.Status == "filled" {
		total, _ := order.FilledPrice.Mul(order.FilledQuantity).Float64()
		c.RecordTrade(order.Code, order.Side, total)
	}
	writeJSON(w, http.StatusOK, toOrderView(order))
	return nil
}

func (s *Server) handleListOrders(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, _, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 50, 100)
	vs, err := s.orders.ListOrders(ctx, participant.ID, status, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toOrderViews(vs))
	return nil
}

func (s *Server) handleGetOrder(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, _, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}
	order, err := s.orders.GetOrder(ctx, participant.ID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toOrderView(order))
	return nil
}

func (s *Server) handleCancelOrder(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, comp, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}
	order, err := s.orders.CancelOrder(ctx, participant.ID, r.PathValue("id"), comp.FeeRate)
	if err != nil {
		return err
	}
	metrics.GetCollector().OrdersTotal.WithLabelValues(order.Code, order.Side, order.OrderType, order.Status).Inc()
	writeJSON(w, http.StatusOK, toOrderView(order))
	return nil
}

type balanceResponse struct {
	CompetitionID string          `json:"competition_id"`
	Balance       decimal.Decimal `json:"balance"`
	JoinedAt      time.Time       `json:"joined_at"`
}

func (s *Server) handleBalance(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, comp, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &balanceResponse{
		CompetitionID: comp.ID,
		Balance:       participant.Balance,
		JoinedAt:      participant.JoinedAt,
	})
	return nil
}

func (s *Server) handlePositions(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, _, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}
	positions, err := s.orders.Positions(ctx, participant.ID)
	if err != nil {
		return err
	}
	views := make([]*positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p))
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

func (s *Server) handleListTrades(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, _, err := s.activeParticipant(ctx, user)
	if err != nil {
		return err
	}
	limit := queryInt(r, "limit", 50, 100)
	trades, err := s.orders.ListTrades(ctx, participant.ID, limit)
	if err != nil {
		return err
	}
	views := make([]*tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, toTradeView(t))
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}
