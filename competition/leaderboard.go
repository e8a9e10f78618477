// Copyright (c) 2023 BVK Chaitanya

package competition

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one leaderboard row.
type Entry struct {
	Rank int `json:"rank"`

	UserID   string `json:"user_id"`
	Username string `json:"username"`

	Balance decimal.Decimal `json:"balance"`

	// CoinValue values open positions at the given market prices;
	// PendingAmount values assets reserved by resting limit orders.
	CoinValue     decimal.Decimal `json:"coin_value"`
	PendingAmount decimal.Decimal `json:"pending_amount"`

	TotalAsset decimal.Decimal `json:"total_asset"`
	ProfitRate decimal.Decimal `json:"profit_rate"`

	TradeCount int64 `json:"trade_count"`
}

// Leaderboard holds ranked competition standings.
type Leaderboard struct {
	CompetitionID string   `json:"competition_id"`
	Entries       []*Entry `json:"entries"`
}

var hundred = decimal.NewFromInt(100)

// Leaderboard computes the competition standings. Rows are ranked by cash
// balance in descending order; total asset and profit rate are informational
// and depend on the supplied market prices. Standings computed without
// prices are cached briefly.
func (s *Store) GetLeaderboard(ctx context.Context, competitionID string, prices map[string]decimal.Decimal) (*Leaderboard, error) {
	comp, err := s.Get(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	cacheKey := "leaderboard:" + competitionID
	cacheable := len(prices) == 0
	if cacheable {
		cached := new(Leaderboard)
		if ok, err := s.cache.GetJSON(ctx, cacheKey, cached); err == nil && ok {
			return cached, nil
		}
	}

	participants, err := s.Participants(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	board := &Leaderboard{CompetitionID: competitionID}
	for _, p := range participants {
		entry := &Entry{
			UserID:  p.UserID,
			Balance: p.Balance,
		}
		if user, err := s.users.GetUser(ctx, p.UserID); err == nil {
			entry.Username = user.Username
		}

		positions, err := s.orders.Positions(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			if price, ok := prices[pos.Code]; ok {
				entry.CoinValue = entry.CoinValue.Add(pos.Quantity.Mul(price))
			}
		}

		pending, err := s.orders.ListOrders(ctx, p.ID, "pending", 0)
		if err != nil {
			return nil, err
		}
		for _, order := range pending {
			if order.Side == "buy" {
				// Reserved cash: limit price plus fee.
				amount := order.Price.Mul(order.Quantity)
				entry.PendingAmount = entry.PendingAmount.Add(amount).Add(amount.Mul(comp.FeeRate))
			} else if price, ok := prices[order.Code]; ok {
				// Reserved quantity valued at the market price.
				entry.PendingAmount = entry.PendingAmount.Add(order.Quantity.Mul(price))
			}
		}

		entry.TradeCount, err = s.orders.CountTrades(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		entry.TotalAsset = entry.Balance.Add(entry.CoinValue).Add(entry.PendingAmount)
		if comp.InitialBalance.Sign() > 0 {
			entry.ProfitRate = entry.TotalAsset.Sub(comp.InitialBalance).Div(comp.InitialBalance).Mul(hundred)
		}
		board.Entries = append(board.Entries, entry)
	}

	sort.SliceStable(board.Entries, func(i, j int) bool {
		return board.Entries[i].Balance.GreaterThan(board.Entries[j].Balance)
	})
	for i, entry := range board.Entries {
		entry.Rank = i + 1
	}

	if cacheable {
		s.cache.SetJSON(ctx, cacheKey, board, 10*time.Second)
	}
	return board, nil
}

// MyStatus returns the user's leaderboard row in the competition.
func (s *Store) MyStatus(ctx context.Context, competitionID, userID string, prices map[string]decimal.Decimal) (*Entry, error) {
	board, err := s.GetLeaderboard(ctx, competitionID, prices)
	if err != nil {
		return nil, err
	}
	for _, entry := range board.Entries {
		if entry.UserID == userID {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("user %s is not on the leaderboard of %s: %w", userID, competitionID, os.ErrNotExist)
}
