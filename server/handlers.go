// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/competition"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/metrics"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/users"
)

// HandlerMap returns the HTTP API handlers keyed by their mux patterns.
func (s *Server) HandlerMap() map[string]http.Handler {
	m := map[string]http.Handler{
		"POST /api/auth/register": s.handler(s.handleRegister),
		"GET /api/auth/me":        s.authed(s.handleMe),

		"POST /api/keys":                   s.authed(s.handleCreateKey),
		"GET /api/keys":                    s.authed(s.handleListKeys),
		"DELETE /api/keys/{id}":            s.authed(s.handleDeleteKey),
		"POST /api/keys/{id}/activate":     s.authed(s.handleActivateKey),
		"POST /api/keys/{id}/deactivate":   s.authed(s.handleDeactivateKey),

		"GET /api/competitions":                      s.authed(s.handleListCompetitions),
		"GET /api/competitions/active":               s.authed(s.handleActiveCompetition),
		"GET /api/competitions/{id}":                 s.authed(s.handleGetCompetition),
		"POST /api/competitions/{id}/join":           s.authed(s.handleJoinCompetition),
		"GET /api/competitions/{id}/leaderboard":     s.authed(s.handleLeaderboard),
		"GET /api/competitions/{id}/my-status":       s.authed(s.handleMyStatus),

		"GET /api/trading/balance":        s.authed(s.handleBalance),
		"GET /api/trading/positions":      s.authed(s.handlePositions),
		"POST /api/trading/orders":        s.authed(s.handleCreateOrder),
		"GET /api/trading/orders":         s.authed(s.handleListOrders),
		"GET /api/trading/orders/{id}":    s.authed(s.handleGetOrder),
		"DELETE /api/trading/orders/{id}": s.authed(s.handleCancelOrder),
		"GET /api/trading/trades":         s.authed(s.handleListTrades),

		"POST /api/admin/competitions":                    s.admin(s.handleAdminCreateCompetition),
		"GET /api/admin/competitions":                     s.admin(s.handleAdminListCompetitions),
		"PUT /api/admin/competitions/{id}":                s.admin(s.handleAdminUpdateCompetition),
		"POST /api/admin/competitions/{id}/activate":      s.admin(s.handleAdminActivateCompetition),
		"POST /api/admin/competitions/{id}/end":           s.admin(s.handleAdminEndCompetition),
		"DELETE /api/admin/competitions/{id}":             s.admin(s.handleAdminDeleteCompetition),
		"GET /api/admin/competitions/{id}/participants":   s.admin(s.handleAdminParticipants),
		"GET /api/admin/users":                            s.admin(s.handleAdminListUsers),
		"POST /api/admin/users/{id}/make-admin":           s.admin(s.handleAdminMakeAdmin),
		"GET /api/admin/stats":                            s.admin(s.handleAdminStats),
		"GET /api/admin/corrupted-orders":                 s.admin(s.handleAdminFindCorrupted),
		"PUT /api/admin/corrupted-orders/{id}":            s.admin(s.handleAdminFixCorrupted),
		"DELETE /api/admin/corrupted-orders/{id}":         s.admin(s.handleAdminDeleteCorrupted),
		"GET /api/admin/participants/{id}/duplicate-orders": s.admin(s.handleAdminFindDuplicates),
		"POST /api/admin/participants/{id}/fix-duplicates":  s.admin(s.handleAdminFixDuplicates),

		"GET /tickers":               s.handler(s.handleTickers),
		"GET /tickers/{code}":        s.handler(s.handleTickerRange),
		"GET /tickers/{code}/latest": s.handler(s.handleTickerLatest),
		"GET /codes":                 s.handler(s.handleCodes),
		"GET /stats":                 s.handler(s.handleStats),

		"/ws":      http.HandlerFunc(s.handleWebsocket),
		"/metrics": metrics.Handler(),
	}
	return m
}

type apiError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("could not encode http response (ignored)", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), &apiError{Detail: err.Error()})
}

// statusOf maps service errors to http status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, os.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, orders.ErrConcurrentRequest),
		errors.Is(err, cache.ErrLockTimeout):
		return http.StatusTooManyRequests
	case errors.Is(err, os.ErrInvalid),
		errors.Is(err, orders.ErrInsufficientBalance),
		errors.Is(err, orders.ErrInsufficientQuantity),
		errors.Is(err, orders.ErrPriceOutOfBand),
		errors.Is(err, orders.ErrPriceMismatch),
		errors.Is(err, orders.ErrNotCancellable),
		errors.Is(err, orders.ErrNotPending),
		errors.Is(err, competition.ErrNotActive),
		errors.Is(err, competition.ErrAlreadyJoined),
		errors.Is(err, competition.ErrClosed),
		errors.Is(err, users.ErrTooManyKeys):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error
type userHandlerFunc func(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error

// handler wraps an unauthenticated endpoint with error translation and
// request metrics.
func (s *Server) handler(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := fn(r.Context(), w, r)
		status := "200"
		if err != nil {
			status = strconv.Itoa(statusOf(err))
			writeError(w, err)
		}
		metrics.GetCollector().RecordAPIRequest(r.Method, r.URL.Path, status, time.Since(start))
	})
}

// authed wraps an endpoint with X-API-Key authentication.
func (s *Server) authed(fn userHandlerFunc) http.Handler {
	return s.handler(func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		user, err := s.authenticate(ctx, r)
		if err != nil {
			return err
		}
		return fn(ctx, user, w, r)
	})
}

// admin additionally requires the authenticated user to be an admin.
func (s *Server) admin(fn userHandlerFunc) http.Handler {
	return s.authed(func(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
		if !user.IsAdmin {
			return fmt.Errorf("admin access required: %w", os.ErrPermission)
		}
		return fn(ctx, user, w, r)
	})
}

func (s *Server) authenticate(ctx context.Context, r *http.Request) (*gobs.User, error) {
	key := r.Header.Get("X-API-Key")
	if len(key) == 0 {
		return nil, fmt.Errorf("missing X-API-Key header: %w", os.ErrPermission)
	}
	user, err := s.users.Authenticate(ctx, key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("invalid or inactive api key: %w", os.ErrPermission)
		}
		return nil, err
	}
	return user, nil
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("could not decode request body: %w: %v", os.ErrInvalid, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if len(v) == 0 {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
