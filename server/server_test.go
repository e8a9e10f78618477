// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bvkgo/kv/kvmemdb"
	"github.com/shopspring/decimal"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(context.Background(), kvmemdb.New(), nil, &Options{NoIngest: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	mux := http.NewServeMux()
	for pattern, handler := range s.HandlerMap() {
		mux.Handle(pattern, handler)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

// doJSON performs one API request and decodes the response body into out
// when out is non-nil.
func doJSON(t *testing.T, ts *httptest.Server, method, subpath, apiKey string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+subpath, reader)
	if err != nil {
		t.Fatal(err)
	}
	if len(apiKey) > 0 {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("could not decode %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func register(t *testing.T, ts *httptest.Server, externalID, username string) (string, string) {
	t.Helper()
	resp := new(registerResponse)
	body := map[string]string{
		"external_id": externalID,
		"email":       username + "@example.com",
		"username":    username,
	}
	if code := doJSON(t, ts, "POST", "/api/auth/register", "", body, resp); code != http.StatusOK {
		t.Fatalf("register returned status %d", code)
	}
	if len(resp.ApiKey) == 0 {
		t.Fatal("register did not issue an api key")
	}
	return resp.User.ID, resp.ApiKey
}

func setupCompetition(t *testing.T, s *Server, ts *httptest.Server, adminKey string) string {
	t.Helper()
	body := map[string]any{
		"name":            "summer cup",
		"initial_balance": "1000000",
		"fee_rate":        "0.0005",
		"start_time":      time.Now().Add(-time.Hour).Format(time.RFC3339),
		"end_time":        time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	comp := new(competitionView)
	if code := doJSON(t, ts, "POST", "/api/admin/competitions", adminKey, body, comp); code != http.StatusOK {
		t.Fatalf("create competition returned status %d", code)
	}
	path := fmt.Sprintf("/api/admin/competitions/%s/activate", comp.ID)
	if code := doJSON(t, ts, "POST", path, adminKey, nil, nil); code != http.StatusOK {
		t.Fatalf("activate competition returned status %d", code)
	}
	return comp.ID
}

func TestRegisterAndMe(t *testing.T) {
	_, ts := newTestServer(t)

	_, apiKey := register(t, ts, "ext-alice", "alice")

	me := new(userView)
	if code := doJSON(t, ts, "GET", "/api/auth/me", apiKey, nil, me); code != http.StatusOK {
		t.Fatalf("me returned status %d", code)
	}
	if me.Username != "alice" {
		t.Fatalf("want alice, got %s", me.Username)
	}

	if code := doJSON(t, ts, "GET", "/api/auth/me", "", nil, nil); code != http.StatusForbidden {
		t.Fatalf("want 403 without api key, got %d", code)
	}
	if code := doJSON(t, ts, "GET", "/api/auth/me", "bogus-key", nil, nil); code != http.StatusForbidden {
		t.Fatalf("want 403 with a bogus key, got %d", code)
	}

	// Re-registering the same identity does not mint another key.
	resp := new(registerResponse)
	body := map[string]string{"external_id": "ext-alice", "username": "alice"}
	if code := doJSON(t, ts, "POST", "/api/auth/register", "", body, resp); code != http.StatusOK {
		t.Fatalf("re-register returned status %d", code)
	}
	if len(resp.ApiKey) != 0 {
		t.Fatal("re-register issued a second key")
	}
}

func TestKeyLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	_, apiKey := register(t, ts, "ext-bob", "bob")

	created := new(createKeyResponse)
	if code := doJSON(t, ts, "POST", "/api/keys", apiKey, map[string]string{"name": "bot"}, created); code != http.StatusOK {
		t.Fatalf("create key returned status %d", code)
	}

	var keys []*keyView
	if code := doJSON(t, ts, "GET", "/api/keys", apiKey, nil, &keys); code != http.StatusOK {
		t.Fatalf("list keys returned status %d", code)
	}
	if len(keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(keys))
	}

	deactivate := fmt.Sprintf("/api/keys/%s/deactivate", created.Key.ID)
	if code := doJSON(t, ts, "POST", deactivate, apiKey, nil, nil); code != http.StatusOK {
		t.Fatalf("deactivate returned status %d", code)
	}
	if code := doJSON(t, ts, "GET", "/api/auth/me", created.ApiKey, nil, nil); code != http.StatusForbidden {
		t.Fatalf("want 403 with a deactivated key, got %d", code)
	}

	activate := fmt.Sprintf("/api/keys/%s/activate", created.Key.ID)
	if code := doJSON(t, ts, "POST", activate, apiKey, nil, nil); code != http.StatusOK {
		t.Fatalf("activate returned status %d", code)
	}
	if code := doJSON(t, ts, "GET", "/api/auth/me", created.ApiKey, nil, nil); code != http.StatusOK {
		t.Fatalf("want 200 with a reactivated key, got %d", code)
	}

	del := fmt.Sprintf("/api/keys/%s", created.Key.ID)
	if code := doJSON(t, ts, "DELETE", del, apiKey, nil, nil); code != http.StatusOK {
		t.Fatalf("delete returned status %d", code)
	}
	if code := doJSON(t, ts, "GET", "/api/auth/me", created.ApiKey, nil, nil); code != http.StatusForbidden {
		t.Fatalf("want 403 with a deleted key, got %d", code)
	}
}

func TestAdminAccess(t *testing.T) {
	_, ts := newTestServer(t)
	_, apiKey := register(t, ts, "ext-carol", "carol")

	if code := doJSON(t, ts, "GET", "/api/admin/users", apiKey, nil, nil); code != http.StatusForbidden {
		t.Fatalf("want 403 for a non-admin, got %d", code)
	}
}

func TestTradingFlow(t *testing.T) {
	s, ts := newTestServer(t)

	adminID, adminKey := register(t, ts, "ext-admin", "admin")
	if err := s.users.SetAdmin(context.Background(), adminID, true); err != nil {
		t.Fatal(err)
	}
	compID := setupCompetition(t, s, ts, adminKey)

	_, apiKey := register(t, ts, "ext-dave", "dave")

	// Orders before joining are rejected.
	order := map[string]any{
		"code": "KRW-XRP", "side": "buy", "order_type": "market",
		"quantity": "10",
	}
	if code := doJSON(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, order, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 before joining, got %d", code)
	}

	join := fmt.Sprintf("/api/competitions/%s/join", compID)
	participant := new(participantView)
	if code := doJSON(t, ts, "POST", join, apiKey, nil, participant); code != http.StatusOK {
		t.Fatalf("join returned status %d", code)
	}
	if !participant.Balance.Equal(decimal.RequireFromString("1000000")) {
		t.Fatalf("want initial balance 1000000, got %s", participant.Balance)
	}
	if code := doJSON(t, ts, "POST", join, apiKey, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 on a second join, got %d", code)
	}

	// Market buy. No server-side ticker exists, so the client price is
	// admitted.
	placed := new(orderView)
	if code := doJSON(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, order, placed); code != http.StatusOK {
		t.Fatalf("market order returned status %d", code)
	}
	if placed.Status != "filled" {
		t.Fatalf("want filled market order, got %s", placed.Status)
	}
	if !placed.FilledPrice.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("want fill at 1000, got %s", placed.FilledPrice)
	}

	balance := new(balanceResponse)
	if code := doJSON(t, ts, "GET", "/api/trading/balance", apiKey, nil, balance); code != http.StatusOK {
		t.Fatalf("balance returned status %d", code)
	}
	// 1000000 - 10*1000 - fee 5
	if want := decimal.RequireFromString("989995"); !balance.Balance.Equal(want) {
		t.Fatalf("want balance %s, got %s", want, balance.Balance)
	}

	var positions []*positionView
	if code := doJSON(t, ts, "GET", "/api/trading/positions", apiKey, nil, &positions); code != http.StatusOK {
		t.Fatalf("positions returned status %d", code)
	}
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected positions: %+v", positions)
	}

	var trades []*tradeView
	if code := doJSON(t, ts, "GET", "/api/trading/trades", apiKey, nil, &trades); code != http.StatusOK {
		t.Fatalf("trades returned status %d", code)
	}
	if len(trades) != 1 {
		t.Fatalf("want 1 trade, got %d", len(trades))
	}

	// Resting limit buy below the market.
	limit := map[string]any{
		"code": "KRW-XRP", "side": "buy", "order_type": "limit",
		"quantity": "5", "price": "900",
	}
	resting := new(orderView)
	if code := doJSON(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, limit, resting); code != http.StatusOK {
		t.Fatalf("limit order returned status %d", code)
	}
	if resting.Status != "pending" {
		t.Fatalf("want pending limit order, got %s", resting.Status)
	}

	var pending []*orderView
	if code := doJSON(t, ts, "GET", "/api/trading/orders?status=pending", apiKey, nil, &pending); code != http.StatusOK {
		t.Fatalf("list orders returned status %d", code)
	}
	if len(pending) != 1 || pending[0].ID != resting.ID {
		t.Fatalf("unexpected pending orders: %+v", pending)
	}

	cancel := fmt.Sprintf("/api/trading/orders/%s", resting.ID)
	cancelled := new(orderView)
	if code := doJSON(t, ts, "DELETE", cancel, apiKey, nil, cancelled); code != http.StatusOK {
		t.Fatalf("cancel returned status %d", code)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("want cancelled, got %s", cancelled.Status)
	}

	// Cancelling a filled order is rejected.
	filled := fmt.Sprintf("/api/trading/orders/%s", placed.ID)
	if code := doJSON(t, ts, "DELETE", filled, apiKey, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 cancelling a filled order, got %d", code)
	}

	status := new(struct {
		Rank       int             `json:"rank"`
		TradeCount int64           `json:"trade_count"`
		Balance    decimal.Decimal `json:"balance"`
	})
	myStatus := fmt.Sprintf("/api/competitions/%s/my-status", compID)
	if code := doJSON(t, ts, "GET", myStatus, apiKey, nil, status); code != http.StatusOK {
		t.Fatalf("my-status returned status %d", code)
	}
	if status.Rank != 1 || status.TradeCount != 1 {
		t.Fatalf("unexpected my-status: %+v", status)
	}
}

func TestOrderValidation(t *testing.T) {
	s, ts := newTestServer(t)

	adminID, adminKey := register(t, ts, "ext-admin", "admin")
	if err := s.users.SetAdmin(context.Background(), adminID, true); err != nil {
		t.Fatal(err)
	}
	compID := setupCompetition(t, s, ts, adminKey)

	_, apiKey := register(t, ts, "ext-erin", "erin")
	join := fmt.Sprintf("/api/competitions/%s/join", compID)
	if code := doJSON(t, ts, "POST", join, apiKey, nil, nil); code != http.StatusOK {
		t.Fatalf("join returned status %d", code)
	}

	bad := map[string]any{
		"code": "KRW-XRP", "side": "buy", "order_type": "stop",
		"quantity": "1",
	}
	if code := doJSON(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, bad, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 for a bad order type, got %d", code)
	}

	// Orders without a current_price are rejected.
	buy := map[string]any{
		"code": "KRW-XRP", "side": "buy", "order_type": "market",
		"quantity": "1",
	}
	if code := doJSON(t, ts, "POST", "/api/trading/orders", apiKey, buy, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 without current_price, got %d", code)
	}

	// Implausible prices are rejected by the admission band.
	if code := doJSON(t, ts, "POST", "/api/trading/orders?current_price=1", apiKey, buy, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 for an out-of-band price, got %d", code)
	}

	// Selling without a position is rejected.
	sell := map[string]any{
		"code": "KRW-XRP", "side": "sell", "order_type": "market",
		"quantity": "1",
	}
	if code := doJSON(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, sell, nil); code != http.StatusBadRequest {
		t.Fatalf("want 400 selling without a position, got %d", code)
	}
}

// doDetail is doJSON for failing requests; it returns the error detail.
func doDetail(t *testing.T, ts *httptest.Server, method, subpath, apiKey string, body any) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+subpath, reader)
	if err != nil {
		t.Fatal(err)
	}
	if len(apiKey) > 0 {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	v := new(apiError)
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, v.Detail
}

func TestCompetitionTimeGate(t *testing.T) {
	order := map[string]any{
		"code": "KRW-XRP", "side": "buy", "order_type": "market",
		"quantity": "1",
	}

	newGatedCompetition := func(t *testing.T, start, end time.Time) (*httptest.Server, string) {
		s, ts := newTestServer(t)
		adminID, adminKey := register(t, ts, "ext-admin", "admin")
		if err := s.users.SetAdmin(context.Background(), adminID, true); err != nil {
			t.Fatal(err)
		}
		body := map[string]any{
			"name":            "gated cup",
			"initial_balance": "1000000",
			"fee_rate":        "0.0005",
			"start_time":      start.Format(time.RFC3339),
			"end_time":        end.Format(time.RFC3339),
		}
		comp := new(competitionView)
		if code := doJSON(t, ts, "POST", "/api/admin/competitions", adminKey, body, comp); code != http.StatusOK {
			t.Fatalf("create competition returned status %d", code)
		}
		activate := fmt.Sprintf("/api/admin/competitions/%s/activate", comp.ID)
		if code := doJSON(t, ts, "POST", activate, adminKey, nil, nil); code != http.StatusOK {
			t.Fatalf("activate competition returned status %d", code)
		}

		_, apiKey := register(t, ts, "ext-grace", "grace")
		join := fmt.Sprintf("/api/competitions/%s/join", comp.ID)
		if code := doJSON(t, ts, "POST", join, apiKey, nil, nil); code != http.StatusOK {
			t.Fatalf("join returned status %d", code)
		}
		return ts, apiKey
	}

	t.Run("Ended", func(t *testing.T) {
		ts, apiKey := newGatedCompetition(t, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
		code, detail := doDetail(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, order)
		if code != http.StatusBadRequest {
			t.Fatalf("want 400 after the end time, got %d", code)
		}
		if !strings.Contains(detail, "ended") {
			t.Fatalf("want an ended-competition detail, got %q", detail)
		}
	})

	t.Run("NotStarted", func(t *testing.T) {
		ts, apiKey := newGatedCompetition(t, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
		code, detail := doDetail(t, ts, "POST", "/api/trading/orders?current_price=1000", apiKey, order)
		if code != http.StatusBadRequest {
			t.Fatalf("want 400 before the start time, got %d", code)
		}
		if !strings.Contains(detail, "not started") {
			t.Fatalf("want a not-started detail, got %q", detail)
		}
	})
}

func TestCompetitionEndpoints(t *testing.T) {
	s, ts := newTestServer(t)

	adminID, adminKey := register(t, ts, "ext-admin", "admin")
	if err := s.users.SetAdmin(context.Background(), adminID, true); err != nil {
		t.Fatal(err)
	}
	compID := setupCompetition(t, s, ts, adminKey)

	_, apiKey := register(t, ts, "ext-frank", "frank")

	active := &competitionWithCount{competitionView: new(competitionView)}
	if code := doJSON(t, ts, "GET", "/api/competitions/active", apiKey, nil, active); code != http.StatusOK {
		t.Fatalf("active returned status %d", code)
	}
	if active.ID != compID {
		t.Fatalf("want %s, got %s", compID, active.ID)
	}

	join := fmt.Sprintf("/api/competitions/%s/join", compID)
	if code := doJSON(t, ts, "POST", join, apiKey, nil, nil); code != http.StatusOK {
		t.Fatalf("join returned status %d", code)
	}

	got := &competitionWithCount{competitionView: new(competitionView)}
	if code := doJSON(t, ts, "GET", "/api/competitions/"+compID, apiKey, nil, got); code != http.StatusOK {
		t.Fatalf("get competition returned status %d", code)
	}
	if got.ParticipantCount != 1 {
		t.Fatalf("want 1 participant, got %d", got.ParticipantCount)
	}

	board := new(struct {
		CompetitionID string `json:"competition_id"`
		Entries       []*struct {
			Username string `json:"username"`
			Rank     int    `json:"rank"`
		} `json:"entries"`
	})
	leaderboard := fmt.Sprintf("/api/competitions/%s/leaderboard", compID)
	if code := doJSON(t, ts, "GET", leaderboard, apiKey, nil, board); code != http.StatusOK {
		t.Fatalf("leaderboard returned status %d", code)
	}
	if len(board.Entries) != 1 || board.Entries[0].Username != "frank" {
		t.Fatalf("unexpected leaderboard: %+v", board.Entries)
	}

	if code := doJSON(t, ts, "GET", "/api/competitions/no-such-id", apiKey, nil, nil); code != http.StatusNotFound {
		t.Fatalf("want 404 for an unknown competition, got %d", code)
	}
}

func TestAdminRepairEndpoints(t *testing.T) {
	s, ts := newTestServer(t)

	adminID, adminKey := register(t, ts, "ext-admin", "admin")
	if err := s.users.SetAdmin(context.Background(), adminID, true); err != nil {
		t.Fatal(err)
	}
	setupCompetition(t, s, ts, adminKey)

	var corrupted []*orderView
	if code := doJSON(t, ts, "GET", "/api/admin/corrupted-orders", adminKey, nil, &corrupted); code != http.StatusOK {
		t.Fatalf("corrupted-orders returned status %d", code)
	}
	if len(corrupted) != 0 {
		t.Fatalf("want no corrupted orders, got %d", len(corrupted))
	}

	if code := doJSON(t, ts, "PUT", "/api/admin/corrupted-orders/no-such-id", adminKey,
		map[string]string{"correct_price": "1000"}, nil); code != http.StatusNotFound {
		t.Fatalf("want 404 fixing an unknown order, got %d", code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	stats := new(statsResponse)
	if code := doJSON(t, ts, "GET", "/stats", "", nil, stats); code != http.StatusOK {
		t.Fatalf("stats returned status %d", code)
	}
	if stats.TicksReceived != 0 {
		t.Fatalf("want no ticks on a fresh server, got %d", stats.TicksReceived)
	}

	var codes []*codeInfoView
	if code := doJSON(t, ts, "GET", "/codes", "", nil, &codes); code != http.StatusOK {
		t.Fatalf("codes returned status %d", code)
	}
	if len(codes) != 0 {
		t.Fatalf("want no codes on a fresh server, got %d", len(codes))
	}

	if code := doJSON(t, ts, "GET", "/tickers/KRW-BTC/latest", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("want 404 for a market with no tickers, got %d", code)
	}
}
