// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/bvk/papertrade/gobs"
	"github.com/shopspring/decimal"
)

type competitionWithCount struct {
	*competitionView

	ParticipantCount int64 `json:"participant_count"`
}

func (s *Server) withCount(ctx context.Context, c *gobs.Competition) *competitionWithCount {
	n, err := s.competitions.CountParticipants(ctx, c.ID)
	if err != nil {
		n = 0
	}
	return &competitionWithCount{competitionView: toCompetitionView(c), ParticipantCount: n}
}

func (s *Server) handleListCompetitions(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	comps, err := s.competitions.List(ctx, r.URL.Query().Get("status"))
	if err != nil {
		return err
	}
	views := make([]*competitionWithCount, 0, len(comps))
	for _, c := range comps {
		views = append(views, s.withCount(ctx, c))
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

// handleActiveCompetition returns the currently active competition, or null
// when none is running.
func (s *Server) handleActiveCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	comp, err := s.competitions.Active(ctx)
	if err != nil {
		return err
	}
	if comp == nil {
		writeJSON(w, http.StatusOK, nil)
		return nil
	}
	writeJSON(w, http.StatusOK, s.withCount(ctx, comp))
	return nil
}

func (s *Server) handleGetCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	comp, err := s.competitions.Get(ctx, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, s.withCount(ctx, comp))
	return nil
}

func (s *Server) handleJoinCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participant, err := s.competitions.Join(ctx, r.PathValue("id"), user.ID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toParticipantView(participant))
	return nil
}

// queryPrices returns the market prices to value positions with: the
// caller's current_prices JSON object when given, the server's own latest
// tickers otherwise.
func (s *Server) queryPrices(ctx context.Context, r *http.Request) (map[string]decimal.Decimal, error) {
	q := r.URL.Query().Get("current_prices")
	if len(q) == 0 {
		return s.currentPrices(ctx), nil
	}
	prices := make(map[string]decimal.Decimal)
	if err := json.Unmarshal([]byte(q), &prices); err != nil {
		return nil, fmt.Errorf("could not parse current_prices: %w (%w)", err, os.ErrInvalid)
	}
	return prices, nil
}

func (s *Server) handleLeaderboard(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	prices, err := s.queryPrices(ctx, r)
	if err != nil {
		return err
	}
	board, err := s.competitions.GetLeaderboard(ctx, r.PathValue("id"), prices)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, board)
	return nil
}

func (s *Server) handleMyStatus(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	prices, err := s.queryPrices(ctx, r)
	if err != nil {
		return err
	}
	entry, err := s.competitions.MyStatus(ctx, r.PathValue("id"), user.ID, prices)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entry)
	return nil
}
