// Copyright (c) 2023 BVK Chaitanya

// Package bus fans ticker messages out to websocket viewers. Each viewer has
// a buffered queue drained by its own sender goroutine, so one slow client
// never blocks the feed or the other viewers. Viewers that fail a send or
// fall too far behind are dropped.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// SendFunc delivers one message to a viewer's connection.
type SendFunc func(msg []byte) error

const viewerQueueSize = 256

type Bus struct {
	mu      sync.Mutex
	viewers map[*Viewer]struct{}

	wg sync.WaitGroup

	numReceived  atomic.Int64
	numBroadcast atomic.Int64
}

type Viewer struct {
	bus  *Bus
	send SendFunc

	msgc  chan []byte
	donec chan struct{}
	once  sync.Once

	mu sync.Mutex
	// all selects every market code; otherwise codes holds the subscribed
	// set. Viewers start subscribed to everything.
	all   bool
	codes map[string]struct{}
}

func New() *Bus {
	return &Bus{
		viewers: make(map[*Viewer]struct{}),
	}
}

// Close drops all viewers and waits for their sender goroutines.
func (b *Bus) Close() error {
	b.mu.Lock()
	viewers := make([]*Viewer, 0, len(b.viewers))
	for v := range b.viewers {
		viewers = append(viewers, v)
	}
	b.mu.Unlock()

	for _, v := range viewers {
		b.Remove(v)
	}
	b.wg.Wait()
	return nil
}

// Add registers a viewer with the given delivery function and starts its
// sender goroutine. New viewers receive all market codes until Subscribe
// narrows the set.
func (b *Bus) Add(send SendFunc) *Viewer {
	v := &Viewer{
		bus:   b,
		send:  send,
		msgc:  make(chan []byte, viewerQueueSize),
		donec: make(chan struct{}),
		all:   true,
	}

	b.mu.Lock()
	b.viewers[v] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go v.goSendLoop()
	return v
}

// Remove drops a viewer. Safe to call more than once.
func (b *Bus) Remove(v *Viewer) {
	b.mu.Lock()
	_, ok := b.viewers[v]
	delete(b.viewers, v)
	b.mu.Unlock()

	if ok {
		v.once.Do(func() { close(v.donec) })
	}
}

// Publish queues msg for every viewer subscribed to code. Viewers whose
// queue is full are dropped.
func (b *Bus) Publish(code string, msg []byte) {
	b.numReceived.Add(1)

	b.mu.Lock()
	var targets []*Viewer
	for v := range b.viewers {
		if v.wants(code) {
			targets = append(targets, v)
		}
	}
	b.mu.Unlock()

	for _, v := range targets {
		select {
		case v.msgc <- msg:
			b.numBroadcast.Add(1)
		default:
			slog.Warn("dropping viewer with a full message queue")
			b.Remove(v)
		}
	}
}

// NumViewers returns the count of connected viewers.
func (b *Bus) NumViewers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers)
}

// Stats returns the total received and broadcast message counts.
func (b *Bus) Stats() (received, broadcast int64) {
	return b.numReceived.Load(), b.numBroadcast.Load()
}

// Subscribe replaces the viewer's subscription with the given codes. An
// empty list selects all codes.
func (v *Viewer) Subscribe(codes []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(codes) == 0 {
		v.all = true
		v.codes = nil
		return
	}
	v.all = false
	v.codes = make(map[string]struct{}, len(codes))
	for _, code := range codes {
		v.codes[code] = struct{}{}
	}
}

// Subscribed returns the current subscription; all is true when the viewer
// receives every code.
func (v *Viewer) Subscribed() (codes []string, all bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.all {
		return nil, true
	}
	for code := range v.codes {
		codes = append(codes, code)
	}
	return codes, false
}

func (v *Viewer) wants(code string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.all {
		return true
	}
	_, ok := v.codes[code]
	return ok
}

func (v *Viewer) goSendLoop() {
	defer v.bus.wg.Done()

	for {
		select {
		case <-v.donec:
			return
		case msg := <-v.msgc:
			if err := v.send(msg); err != nil {
				v.bus.Remove(v)
				return
			}
		}
	}
}
