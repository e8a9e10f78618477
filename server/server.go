// Copyright (c) 2023 BVK Chaitanya

// Package server wires the ticker feed, stores and the matching engine into
// one process and exposes the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bvk/papertrade/bus"
	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/competition"
	"github.com/bvk/papertrade/ctxutil"
	"github.com/bvk/papertrade/engine"
	"github.com/bvk/papertrade/metrics"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/telegram"
	"github.com/bvk/papertrade/tickstore"
	"github.com/bvk/papertrade/upbit"
	"github.com/bvk/papertrade/users"
	"github.com/bvkgo/kv"
	"github.com/shopspring/decimal"
)

type Server struct {
	cg ctxutil.CloseGroup

	opts Options

	db kv.Database

	cache *cache.Cache

	users        *users.Store
	orders       *orders.Service
	competitions *competition.Store
	ticks        *tickstore.Store

	bus    *bus.Bus
	engine *engine.Engine
	feed   *upbit.Feed

	telegramClient *telegram.Client

	startedAt time.Time

	numTicks atomic.Int64
}

func New(ctx context.Context, db kv.Database, secrets *Secrets, opts *Options) (_ *Server, status error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}
	if secrets == nil {
		secrets = new(Secrets)
	}
	if err := secrets.Check(); err != nil {
		return nil, err
	}

	copts := new(cache.Options)
	if secrets.Redis != nil {
		copts.Addr = secrets.Redis.Addr
		copts.Password = secrets.Redis.Password
		copts.DB = secrets.Redis.DB
	}
	rcache, err := cache.New(copts)
	if err != nil {
		return nil, fmt.Errorf("could not create redis cache: %w", err)
	}
	defer func() {
		if status != nil {
			rcache.Close()
		}
	}()

	ticks, err := tickstore.New(db, rcache, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create ticker store: %w", err)
	}
	defer func() {
		if status != nil {
			ticks.Close()
		}
	}()

	s := &Server{
		opts:      *opts,
		db:        db,
		cache:     rcache,
		users:     users.NewStore(db),
		orders:    orders.NewService(db),
		ticks:     ticks,
		bus:       bus.New(),
		startedAt: time.Now(),
	}
	s.competitions = competition.NewStore(db, rcache, s.users, s.orders)
	s.engine = engine.New(s.orders, s.competitions.FeeRateFor)

	if secrets.Telegram != nil {
		tclient, err := telegram.New(ctx, db, secrets.Telegram)
		if err != nil {
			return nil, fmt.Errorf("could not create telegram client: %w", err)
		}
		s.telegramClient = tclient
		if err := s.addTelegramCommands(ctx); err != nil {
			return nil, err
		}
	}

	if !opts.NoIngest {
		feed, err := upbit.NewFeed(opts.TickerCodes, nil)
		if err != nil {
			return nil, fmt.Errorf("could not create upbit feed: %w", err)
		}
		s.feed = feed
		s.cg.Go(s.goIngestLoop)
	}
	s.cg.Go(s.goLifecycleLoop)
	return s, nil
}

func (s *Server) Close() error {
	s.cg.Close()
	if s.feed != nil {
		s.feed.Close()
	}
	s.bus.Close()
	s.ticks.Close()
	if s.telegramClient != nil {
		s.telegramClient.Close()
	}
	s.cache.Close()
	return nil
}

// goIngestLoop republishes every feed event into the tick store, the
// websocket bus and the matching engine.
func (s *Server) goIngestLoop(ctx context.Context) {
	receiver, err := s.feed.Subscribe()
	if err != nil {
		slog.ErrorContext(ctx, "could not subscribe to the ticker feed", "error", err)
		return
	}
	defer receiver.Close()
	stop := context.AfterFunc(ctx, receiver.Close)
	defer stop()

	c := metrics.GetCollector()
	for {
		ticker, err := receiver.Receive()
		if err != nil {
			if ctx.Err() == nil {
				slog.ErrorContext(ctx, "ticker receive has failed", "error", err)
			}
			return
		}
		s.numTicks.Add(1)
		c.RecordTicker(ticker.Code, time.Since(ticker.Timestamp))

		if err := s.ticks.Add(ctx, ticker); err != nil {
			slog.WarnContext(ctx, "could not save ticker (ignored)", "code", ticker.Code, "error", err)
		}

		if data, err := json.Marshal(toTickerView(ticker)); err == nil {
			s.bus.Publish(ticker.Code, data)
			c.WSMessagesTotal.WithLabelValues(ticker.Code).Inc()
		}

		if n, err := s.engine.MatchTick(ctx, ticker.Code, ticker.TradePrice); err != nil {
			slog.WarnContext(ctx, "could not match pending orders (ignored)", "code", ticker.Code, "error", err)
		} else if n > 0 {
			slog.InfoContext(ctx, "matched pending orders", "code", ticker.Code, "price", ticker.TradePrice, "count", n)
		}
	}
}

// goLifecycleLoop advances competition lifecycle states and watches for
// ticker feed stalls.
func (s *Server) goLifecycleLoop(ctx context.Context) {
	stallAlerted := false
	for ctx.Err() == nil {
		transitions, err := s.competitions.UpdateStatuses(ctx)
		if err != nil {
			slog.WarnContext(ctx, "could not update competition statuses (ignored)", "error", err)
		}
		for _, tr := range transitions {
			slog.InfoContext(ctx, "competition status changed", "competition", tr.Competition.ID, "name", tr.Competition.Name, "from", tr.From, "to", tr.To)
			s.notify(ctx, fmt.Sprintf("competition %q is now %s", tr.Competition.Name, tr.To))
		}

		if s.feed != nil {
			last := s.feed.LastMessageAt()
			if !last.IsZero() && time.Since(last) > s.opts.FeedStallTimeout {
				if !stallAlerted {
					s.notify(ctx, fmt.Sprintf("ticker feed is silent since %s", last.Format(time.RFC3339)))
					stallAlerted = true
				}
			} else {
				stallAlerted = false
			}
		}

		ctxutil.Sleep(ctx, s.opts.LifecycleInterval)
	}
}

func (s *Server) notify(ctx context.Context, text string) {
	if s.telegramClient == nil {
		return
	}
	if err := s.telegramClient.SendMessage(ctx, time.Now(), text); err != nil {
		slog.WarnContext(ctx, "could not send telegram notification (ignored)", "error", err)
	}
}

// marketPrice returns the server-side market price for code, or zero when no
// recent ticker is known.
func (s *Server) marketPrice(ctx context.Context, code string) decimal.Decimal {
	t, err := s.ticks.Latest(ctx, code)
	if err != nil {
		return decimal.Decimal{}
	}
	return t.TradePrice
}

// currentPrices collects the latest trade price of every known market, for
// leaderboard valuation.
func (s *Server) currentPrices(ctx context.Context) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	codes := upbit.DefaultCodes
	if s.feed != nil {
		codes = s.feed.Codes()
	}
	for _, code := range codes {
		if t, err := s.ticks.Latest(ctx, code); err == nil {
			prices[code] = t.TradePrice
		}
	}
	return prices
}
