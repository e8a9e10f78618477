// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// handleTickers returns the latest ticker of every market with archived
// rows.
func (s *Server) handleTickers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	infos, err := s.ticks.Codes(ctx)
	if err != nil {
		return err
	}
	result := make([]*tickerView, 0, len(infos))
	for _, info := range infos {
		if t, err := s.ticks.Latest(ctx, info.Code); err == nil {
			result = append(result, toTickerView(t))
		}
	}
	writeJSON(w, http.StatusOK, result)
	return nil
}

// handleTickerRange returns archived tickers of one market within an
// optional time range, newest first.
func (s *Server) handleTickerRange(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	code := r.PathValue("code")
	q := r.URL.Query()

	var start, end time.Time
	if v := q.Get("start"); len(v) > 0 {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("could not parse start time %q: %w", v, os.ErrInvalid)
		}
		start = t
	}
	if v := q.Get("end"); len(v) > 0 {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("could not parse end time %q: %w", v, os.ErrInvalid)
		}
		end = t
	}
	limit := queryInt(r, "limit", 100, 1000)

	ts, err := s.ticks.Range(ctx, code, start, end, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toTickerViews(ts))
	return nil
}

func (s *Server) handleTickerLatest(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	t, err := s.ticks.Latest(ctx, r.PathValue("code"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, toTickerView(t))
	return nil
}

type codeInfoView struct {
	Code       string    `json:"code"`
	Count      int64     `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

func (s *Server) handleCodes(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	infos, err := s.ticks.Codes(ctx)
	if err != nil {
		return err
	}
	views := make([]*codeInfoView, 0, len(infos))
	for _, info := range infos {
		views = append(views, &codeInfoView{Code: info.Code, Count: info.Count, LastUpdate: info.LastUpdate})
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

type statsResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`

	TicksReceived int64      `json:"ticks_received"`
	LastTickerAt  *time.Time `json:"last_ticker_at,omitempty"`

	TickerRows  int64 `json:"ticker_rows"`
	RowsWritten int64 `json:"rows_written"`

	WebsocketClients   int   `json:"websocket_clients"`
	WebsocketBroadcast int64 `json:"websocket_broadcast"`

	OrdersMatched int64 `json:"orders_matched"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
}

// handleStats reports feed, archive and fan-out counters along with host cpu
// and memory usage.
func (s *Server) handleStats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := &statsResponse{
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		TicksReceived:    s.numTicks.Load(),
		RowsWritten:      s.ticks.NumWritten(),
		WebsocketClients: s.bus.NumViewers(),
		OrdersMatched:    s.engine.NumFilled(),
	}
	_, resp.WebsocketBroadcast = s.bus.Stats()

	if s.feed != nil {
		if at := s.feed.LastMessageAt(); !at.IsZero() {
			resp.LastTickerAt = &at
		}
	}
	if rows, err := s.ticks.TotalRows(ctx); err == nil {
		resp.TickerRows = rows
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemoryPercent = vm.UsedPercent
		resp.MemoryUsed = vm.Used
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}
