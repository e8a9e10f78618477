// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bvk/papertrade/metrics"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,

	// Tickers are public data; any origin may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// subscribeMessage is the only client-to-server message. Codes is either a
// list of market codes or the string "all".
type subscribeMessage struct {
	Subscribe json.RawMessage `json:"subscribe"`
}

type subscribeReply struct {
	Status string `json:"status"`
	Codes  any    `json:"codes"`
}

// handleWebsocket streams live tickers to a websocket client. Clients start
// subscribed to every market and can narrow the set with a subscribe
// message. Malformed messages are ignored.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("could not upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	c := metrics.GetCollector()
	c.WSClientsActive.Inc()
	defer c.WSClientsActive.Dec()

	// The bus delivers from its own goroutine while subscribe replies are
	// written from this one.
	var writeMu sync.Mutex
	send := func(msg []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	viewer := s.bus.Add(send)
	defer s.bus.Remove(viewer)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket client read has failed", "error", err)
				c.WSClientsDropped.Inc()
			}
			return
		}

		msg := new(subscribeMessage)
		if err := json.Unmarshal(data, msg); err != nil || msg.Subscribe == nil {
			continue
		}

		var codes []string
		var all string
		if err := json.Unmarshal(msg.Subscribe, &codes); err != nil {
			if err := json.Unmarshal(msg.Subscribe, &all); err != nil || all != "all" {
				continue
			}
			codes = nil
		}

		viewer.Subscribe(codes)

		reply := &subscribeReply{Status: "subscribed"}
		if subscribed, all := viewer.Subscribed(); all {
			reply.Codes = "all"
		} else {
			reply.Codes = subscribed
		}
		if data, err := json.Marshal(reply); err == nil {
			if err := send(data); err != nil {
				return
			}
		}
	}
}
