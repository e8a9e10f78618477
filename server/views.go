// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/shopspring/decimal"
)

// View types shape the JSON responses of the HTTP API. Persisted gob types
// stay free of json tags.

type userView struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
}

func toUserView(u *gobs.User) *userView {
	return &userView{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Email:      u.Email,
		Username:   u.Username,
		IsAdmin:    u.IsAdmin,
		CreatedAt:  u.CreatedAt,
	}
}

type keyView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	KeyPrefix  string    `json:"key_prefix"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func toKeyView(k *gobs.ApiKey) *keyView {
	return &keyView{
		ID:         k.ID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Active:     k.Active,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

type competitionView struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FeeRate        decimal.Decimal `json:"fee_rate"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toCompetitionView(c *gobs.Competition) *competitionView {
	return &competitionView{
		ID:             c.ID,
		Name:           c.Name,
		Description:    c.Description,
		InitialBalance: c.InitialBalance,
		FeeRate:        c.FeeRate,
		StartTime:      c.StartTime,
		EndTime:        c.EndTime,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
	}
}

type participantView struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CompetitionID string          `json:"competition_id"`
	Balance       decimal.Decimal `json:"balance"`
	JoinedAt      time.Time       `json:"joined_at"`
}

func toParticipantView(p *gobs.Participant) *participantView {
	return &participantView{
		ID:            p.ID,
		UserID:        p.UserID,
		CompetitionID: p.CompetitionID,
		Balance:       p.Balance,
		JoinedAt:      p.JoinedAt,
	}
}

type orderView struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	Side           string          `json:"side"`
	OrderType      string          `json:"order_type"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	Fee            decimal.Decimal `json:"fee"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
}

func toOrderView(v *gobs.Order) *orderView {
	o := &orderView{
		ID:             v.ID,
		Code:           v.Code,
		Side:           v.Side,
		OrderType:      v.OrderType,
		Price:          v.Price,
		Quantity:       v.Quantity,
		FilledQuantity: v.FilledQuantity,
		FilledPrice:    v.FilledPrice,
		Fee:            v.Fee,
		Status:         v.Status,
		CreatedAt:      v.CreatedAt,
	}
	if !v.FilledAt.IsZero() {
		t := v.FilledAt
		o.FilledAt = &t
	}
	if !v.CancelledAt.IsZero() {
		t := v.CancelledAt
		o.CancelledAt = &t
	}
	return o
}

func toOrderViews(vs []*gobs.Order) []*orderView {
	views := make([]*orderView, 0, len(vs))
	for _, v := range vs {
		views = append(views, toOrderView(v))
	}
	return views
}

type tradeView struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Code        string          `json:"code"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Fee         decimal.Decimal `json:"fee"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toTradeView(v *gobs.Trade) *tradeView {
	return &tradeView{
		ID:          v.ID,
		OrderID:     v.OrderID,
		Code:        v.Code,
		Side:        v.Side,
		Price:       v.Price,
		Quantity:    v.Quantity,
		TotalAmount: v.TotalAmount,
		Fee:         v.Fee,
		CreatedAt:   v.CreatedAt,
	}
}

type positionView struct {
	Code        string          `json:"code"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toPositionView(v *gobs.Position) *positionView {
	return &positionView{
		Code:        v.Code,
		Quantity:    v.Quantity,
		AvgBuyPrice: v.AvgBuyPrice,
		UpdatedAt:   v.UpdatedAt,
	}
}

type tickerView struct {
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`

	OpeningPrice decimal.Decimal `json:"opening_price"`
	HighPrice    decimal.Decimal `json:"high_price"`
	LowPrice     decimal.Decimal `json:"low_price"`
	TradePrice   decimal.Decimal `json:"trade_price"`

	PrevClosingPrice decimal.Decimal `json:"prev_closing_price"`

	Change            string          `json:"change"`
	ChangePrice       decimal.Decimal `json:"change_price"`
	SignedChangePrice decimal.Decimal `json:"signed_change_price"`
	ChangeRate        decimal.Decimal `json:"change_rate"`
	SignedChangeRate  decimal.Decimal `json:"signed_change_rate"`

	TradeVolume decimal.Decimal `json:"trade_volume"`

	AccTradeVolume    decimal.Decimal `json:"acc_trade_volume"`
	AccTradeVolume24H decimal.Decimal `json:"acc_trade_volume_24h"`
	AccTradePrice     decimal.Decimal `json:"acc_trade_price"`
	AccTradePrice24H  decimal.Decimal `json:"acc_trade_price_24h"`

	TradeTimestamp time.Time `json:"trade_timestamp"`

	AskBid       string          `json:"ask_bid"`
	AccAskVolume decimal.Decimal `json:"acc_ask_volume"`
	AccBidVolume decimal.Decimal `json:"acc_bid_volume"`
}

func toTickerView(t *gobs.Ticker) *tickerView {
	return &tickerView{
		Code:              t.Code,
		Timestamp:         t.Timestamp,
		OpeningPrice:      t.OpeningPrice,
		HighPrice:         t.HighPrice,
		LowPrice:          t.LowPrice,
		TradePrice:        t.TradePrice,
		PrevClosingPrice:  t.PrevClosingPrice,
		Change:            t.Change,
		ChangePrice:       t.ChangePrice,
		SignedChangePrice: t.SignedChangePrice,
		ChangeRate:        t.ChangeRate,
		SignedChangeRate:  t.SignedChangeRate,
		TradeVolume:       t.TradeVolume,
		AccTradeVolume:    t.AccTradeVolume,
		AccTradeVolume24H: t.AccTradeVolume24H,
		AccTradePrice:     t.AccTradePrice,
		AccTradePrice24H:  t.AccTradePrice24H,
		TradeTimestamp:    t.TradeTimestamp,
		AskBid:            t.AskBid,
		AccAskVolume:      t.AccAskVolume,
		AccBidVolume:      t.AccBidVolume,
	}
}

func toTickerViews(ts []*gobs.Ticker) []*tickerView {
	views := make([]*tickerView, 0, len(ts))
	for _, t := range ts {
		views = append(views, toTickerView(t))
	}
	return views
}
