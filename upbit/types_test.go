// Copyright (c) 2023 BVK Chaitanya

package upbit

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

var tickerEvent = `{
  "type": "ticker",
  "code": "KRW-BTC",
  "opening_price": 100254000.0,
  "high_price": 100999000,
  "low_price": 99888000,
  "trade_price": 100500000,
  "prev_closing_price": 100254000,
  "change": "RISE",
  "change_price": 246000,
  "signed_change_price": 246000,
  "change_rate": 0.0024537,
  "signed_change_rate": 0.0024537,
  "trade_volume": 0.00074461,
  "acc_trade_volume": 2437.4313,
  "acc_trade_volume_24h": 3501.2881,
  "acc_trade_price": 244632742981.8,
  "acc_trade_price_24h": 351374563813.8,
  "timestamp": 1717064223175,
  "trade_timestamp": 1717064222913,
  "ask_bid": "BID",
  "acc_ask_volume": 1171.3042,
  "acc_bid_volume": 1266.1271,
  "stream_type": "REALTIME"
}`

func TestTickerMessageDecode(t *testing.T) {
	m := new(TickerMessage)
	if err := json.Unmarshal([]byte(tickerEvent), m); err != nil {
		t.Fatal(err)
	}

	if m.Code != "KRW-BTC" {
		t.Fatalf("want KRW-BTC, got %q", m.Code)
	}
	if want := decimal.NewFromInt(100500000); !m.TradePrice.Equal(want) {
		t.Fatalf("want trade price %s, got %s", want, m.TradePrice)
	}

	v := m.Ticker()
	if v.Timestamp.UnixMilli() != 1717064223175 {
		t.Fatalf("want unix milli 1717064223175, got %d", v.Timestamp.UnixMilli())
	}
	if v.TradeTimestamp.UnixMilli() != 1717064222913 {
		t.Fatalf("want unix milli 1717064222913, got %d", v.TradeTimestamp.UnixMilli())
	}
	if v.AskBid != "BID" {
		t.Fatalf("want BID, got %q", v.AskBid)
	}
}

func TestSubscribeFrame(t *testing.T) {
	sub := []any{
		&subscribeTicket{Ticket: "test-ticket"},
		&subscribeType{Type: "ticker", Codes: []string{"KRW-BTC", "KRW-ETH"}},
	}
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"ticket":"test-ticket"},{"type":"ticker","codes":["KRW-BTC","KRW-ETH"]}]`
	if string(data) != want {
		t.Fatalf("want %s, got %s", want, data)
	}
}
