// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/shopspring/decimal"
)

type upsertCompetitionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	InitialBalance decimal.Decimal `json:"initial_balance"`
	FeeRate        *decimal.Decimal `json:"fee_rate"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (s *Server) handleAdminCreateCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	req := new(upsertCompetitionRequest)
	if err := readJSON(r, req); err != nil {
		return err
	}
	v := &gobs.Competition{
		Name:           req.Name,
		Description:    req.Description,
		InitialBalance: req.InitialBalance,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
	}
	if req.FeeRate != nil {
		v.FeeRate = *req.FeeRate
	}
	comp, err := s.competitions.Create(ctx, v)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toCompetitionView(comp))
	return nil
}

func (s *Server) handleAdminListCompetitions(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	return s.handleListCompetitions(ctx, user, w, r)
}

func (s *Server) handleAdminUpdateCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	req := new(upsertCompetitionRequest)
	if err := readJSON(r, req); err != nil {
		return err
	}
	comp, err := s.competitions.Update(ctx, r.PathValue("id"), func(v *gobs.Competition) error {
		if len(req.Name) > 0 {
			v.Name = req.Name
		}
		if len(req.Description) > 0 {
			v.Description = req.Description
		}
		if req.InitialBalance.Sign() > 0 {
			v.InitialBalance = req.InitialBalance
		}
		if req.FeeRate != nil {
			v.FeeRate = *req.FeeRate
		}
		if !req.StartTime.IsZero() {
			v.StartTime = req.StartTime.UTC()
		}
		if !req.EndTime.IsZero() {
			v.EndTime = req.EndTime.UTC()
		}
		return nil
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toCompetitionView(comp))
	return nil
}

func (s *Server) handleAdminActivateCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	comp, err := s.competitions.SetStatus(ctx, r.PathValue("id"), "active")
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toCompetitionView(comp))
	return nil
}

func (s *Server) handleAdminEndCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	comp, err := s.competitions.SetStatus(ctx, r.PathValue("id"), "ended")
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toCompetitionView(comp))
	return nil
}

func (s *Server) handleAdminDeleteCompetition(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	if err := s.competitions.Delete(ctx, r.PathValue("id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	return nil
}

type adminParticipantView struct {
	*participantView

	Username string `json:"username"`

	OrderCount int64 `json:"order_count"`
	TradeCount int64 `json:"trade_count"`
}

func (s *Server) handleAdminParticipants(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	participants, err := s.competitions.Participants(ctx, r.PathValue("id"))
	if err != nil {
		return err
	}
	views := make([]*adminParticipantView, 0, len(participants))
	for _, p := range participants {
		view := &adminParticipantView{participantView: toParticipantView(p)}
		if u, err := s.users.GetUser(ctx, p.UserID); err == nil {
			view.Username = u.Username
		}
		view.OrderCount, _ = s.orders.CountOrders(ctx, p.ID)
		view.TradeCount, _ = s.orders.CountTrades(ctx, p.ID)
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

func (s *Server) handleAdminListUsers(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	us, err := s.users.ListUsers(ctx, queryInt(r, "limit", 0, 0))
	if err != nil {
		return err
	}
	views := make([]*userView, 0, len(us))
	for _, u := range us {
		views = append(views, toUserView(u))
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

func (s *Server) handleAdminMakeAdmin(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.users.SetAdmin(ctx, id, true); err != nil {
		return err
	}
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toUserView(u))
	return nil
}

type adminStatsResponse struct {
	Users        int `json:"users"`
	Competitions int `json:"competitions"`

	TickerRows    int64 `json:"ticker_rows"`
	TicksReceived int64 `json:"ticks_received"`

	OrdersMatched int64 `json:"orders_matched"`

	WebsocketClients int `json:"websocket_clients"`

	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) handleAdminStats(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	resp := &adminStatsResponse{
		TicksReceived:    s.numTicks.Load(),
		OrdersMatched:    s.engine.NumFilled(),
		WebsocketClients: s.bus.NumViewers(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
	}
	if us, err := s.users.ListUsers(ctx, 0); err == nil {
		resp.Users = len(us)
	}
	if comps, err := s.competitions.List(ctx, ""); err == nil {
		resp.Competitions = len(comps)
	}
	if rows, err := s.ticks.TotalRows(ctx); err == nil {
		resp.TickerRows = rows
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleAdminFindCorrupted(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	vs, err := s.orders.FindCorrupted(ctx)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toOrderViews(vs))
	return nil
}

type fixCorruptedRequest struct {
	CorrectPrice decimal.Decimal `json:"correct_price"`
}

func (s *Server) handleAdminFixCorrupted(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	req := new(fixCorruptedRequest)
	if err := readJSON(r, req); err != nil {
		return err
	}
	order, err := s.orders.FixCorrupted(ctx, r.PathValue("id"), req.CorrectPrice)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toOrderView(order))
	return nil
}

// handleAdminDeleteCorrupted removes a corrupted fill and reverses its
// balance and position effects. Passing force=true skips the corruption
// check and deletes any filled order.
func (s *Server) handleAdminDeleteCorrupted(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	force := r.URL.Query().Get("force") == "true"
	order, err := s.orders.DeleteFilled(ctx, r.PathValue("id"), !force)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toOrderView(order))
	return nil
}

type duplicateGroupView struct {
	Keep       *orderView   `json:"keep"`
	Duplicates []*orderView `json:"duplicates"`
}

type duplicateReportView struct {
	Groups []*duplicateGroupView `json:"groups"`

	Deleted       int             `json:"deleted"`
	BalanceChange decimal.Decimal `json:"balance_change"`
	DryRun        bool            `json:"dry_run"`
}

func (s *Server) handleAdminFindDuplicates(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	groups, err := s.orders.FindDuplicates(ctx, r.PathValue("id"))
	if err != nil {
		return err
	}
	views := make([]*duplicateGroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, &duplicateGroupView{Keep: toOrderView(g.Keep), Duplicates: toOrderViews(g.Duplicates)})
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

// handleAdminFixDuplicates repairs duplicate fills of one participant. Runs
// in dry-run mode unless dry_run=false is passed explicitly.
func (s *Server) handleAdminFixDuplicates(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	dryRun := r.URL.Query().Get("dry_run") != "false"
	report, err := s.orders.FixDuplicates(ctx, r.PathValue("id"), dryRun)
	if err != nil {
		return err
	}
	view := &duplicateReportView{
		Deleted:       report.Deleted,
		BalanceChange: report.BalanceChange,
		DryRun:        report.DryRun,
	}
	for _, g := range report.Groups {
		view.Groups = append(view.Groups, &duplicateGroupView{Keep: toOrderView(g.Keep), Duplicates: toOrderViews(g.Duplicates)})
	}
	writeJSON(w, http.StatusOK, view)
	return nil
}
