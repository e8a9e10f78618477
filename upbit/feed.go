// Copyright (c) 2023 BVK Chaitanya

// Package upbit implements the Upbit public websocket ticker feed with
// automatic reconnects and in-process fan-out.
package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/bvk/papertrade/ctxutil"
	"github.com/bvk/papertrade/gobs"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/visvasity/topic"
)

type Options struct {
	// WebsocketURL is the Upbit public websocket endpoint.
	WebsocketURL string

	// RetryInterval is the wait between reconnect attempts.
	RetryInterval time.Duration

	// PingInterval is the cadence of websocket ping frames.
	PingInterval time.Duration

	// IdleTimeout bounds the wait for the next message before the
	// connection is considered dead.
	IdleTimeout time.Duration
}

func (v *Options) setDefaults() {
	if len(v.WebsocketURL) == 0 {
		v.WebsocketURL = "wss://api.upbit.com/websocket/v1"
	}
	if v.RetryInterval == 0 {
		v.RetryInterval = time.Second
	}
	if v.PingInterval == 0 {
		v.PingInterval = 30 * time.Second
	}
	if v.IdleTimeout == 0 {
		v.IdleTimeout = 10 * time.Second
	}
}

func (v *Options) Check() error {
	if _, err := url.Parse(v.WebsocketURL); err != nil {
		return fmt.Errorf("could not parse websocket url: %w", err)
	}
	return nil
}

// Feed maintains a websocket subscription for ticker events on a fixed set
// of market codes and republishes every event on an in-process topic.
type Feed struct {
	closeGroup ctxutil.CloseGroup

	opts Options

	codes []string

	topic *topic.Topic[*gobs.Ticker]

	numMessages   atomic.Int64
	numReconnects atomic.Int64
	lastMessageAt atomic.Int64
}

// NewFeed creates a ticker feed for the given market codes and starts the
// background connection loop.
func NewFeed(codes []string, opts *Options) (*Feed, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.setDefaults()
	if err := opts.Check(); err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		codes = DefaultCodes
	}

	f := &Feed{
		opts:  *opts,
		codes: append([]string{}, codes...),
		topic: topic.New[*gobs.Ticker](),
	}
	f.closeGroup.Go(f.goRunLoop)
	return f, nil
}

func (f *Feed) Close() error {
	f.closeGroup.Close()
	f.topic.Close()
	return nil
}

// Codes returns the subscribed market codes.
func (f *Feed) Codes() []string {
	return append([]string{}, f.codes...)
}

// Subscribe returns a receiver for the ticker stream. Callers must Close the
// receiver when done.
func (f *Feed) Subscribe() (*topic.Receiver[*gobs.Ticker], error) {
	r, err := topic.Subscribe(f.topic, 0, true)
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to ticker topic: %w", err)
	}
	return r, nil
}

// NumMessages returns the count of ticker events received since start.
func (f *Feed) NumMessages() int64 {
	return f.numMessages.Load()
}

// LastMessageAt returns the receive time of the most recent event.
func (f *Feed) LastMessageAt() time.Time {
	v := f.lastMessageAt.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (f *Feed) goRunLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := f.run(ctx); err != nil {
			if ctx.Err() == nil {
				slog.WarnContext(ctx, "upbit websocket session has failed (will retry)", "error", err)
				f.numReconnects.Add(1)
				ctxutil.Sleep(ctx, f.opts.RetryInterval)
			}
		}
	}
}

func (f *Feed) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.opts.WebsocketURL, nil)
	if err != nil {
		return fmt.Errorf("could not dial websocket endpoint: %w", err)
	}
	defer conn.Close()

	sub := []any{
		&subscribeTicket{Ticket: uuid.New().String()},
		&subscribeType{Type: "ticker", Codes: f.codes},
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("could not marshal subscribe frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("could not send subscribe frame: %w", err)
	}

	pctx, pcancel := context.WithCancel(ctx)
	defer pcancel()
	go f.goPingLoop(pctx, conn)

	for ctx.Err() == nil {
		msg, err := f.readMessage(ctx, conn)
		if err != nil {
			return err
		}

		m := new(TickerMessage)
		if err := json.Unmarshal(msg, m); err != nil {
			slog.WarnContext(ctx, "could not decode websocket message (ignored)", "error", err)
			continue
		}
		if m.Type != "ticker" || len(m.Code) == 0 {
			continue
		}

		f.numMessages.Add(1)
		f.lastMessageAt.Store(time.Now().UnixNano())
		f.topic.Send(m.Ticker())
	}
	return context.Cause(ctx)
}

func (f *Feed) goPingLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.opts.PingInterval):
			deadline := time.Now().Add(f.opts.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.WarnContext(ctx, "could not send websocket ping", "error", err)
				return
			}
		}
	}
}

// readMessage reads one websocket message, unblocking early when the context
// is canceled or no message arrives within the idle timeout.
func (f *Feed) readMessage(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	stopc := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
		close(stopc)
	})

	conn.SetReadDeadline(time.Now().Add(f.opts.IdleTimeout))
	_, msg, err := conn.ReadMessage()
	if !stop() {
		<-stopc
		conn.SetReadDeadline(time.Time{})
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read websocket message: %w", err)
	}
	return msg, nil
}
