// Copyright (c) 2023 BVK Chaitanya

package upbit

import (
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/shopspring/decimal"
)

// DefaultCodes holds the markets subscribed when no explicit code list is
// configured.
var DefaultCodes = []string{
	"KRW-BTC",
	"KRW-ETH",
	"KRW-XRP",
	"KRW-SOL",
	"KRW-DOGE",
	"KRW-ADA",
	"KRW-AVAX",
	"KRW-DOT",
	"KRW-LINK",
	"KRW-MATIC",
}

// TickerMessage is the wire form of an Upbit websocket ticker event.
type TickerMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`

	OpeningPrice decimal.Decimal `json:"opening_price"`
	HighPrice    decimal.Decimal `json:"high_price"`
	LowPrice     decimal.Decimal `json:"low_price"`
	TradePrice   decimal.Decimal `json:"trade_price"`

	PrevClosingPrice decimal.Decimal `json:"prev_closing_price"`

	Change            string          `json:"change"`
	ChangePrice       decimal.Decimal `json:"change_price"`
	SignedChangePrice decimal.Decimal `json:"signed_change_price"`
	ChangeRate        decimal.Decimal `json:"change_rate"`
	SignedChangeRate  decimal.Decimal `json:"signed_change_rate"`

	TradeVolume decimal.Decimal `json:"trade_volume"`

	AccTradeVolume    decimal.Decimal `json:"acc_trade_volume"`
	AccTradeVolume24H decimal.Decimal `json:"acc_trade_volume_24h"`
	AccTradePrice     decimal.Decimal `json:"acc_trade_price"`
	AccTradePrice24H  decimal.Decimal `json:"acc_trade_price_24h"`

	// Timestamps are unix milliseconds.
	Timestamp      int64 `json:"timestamp"`
	TradeTimestamp int64 `json:"trade_timestamp"`

	AskBid       string          `json:"ask_bid"`
	AccAskVolume decimal.Decimal `json:"acc_ask_volume"`
	AccBidVolume decimal.Decimal `json:"acc_bid_volume"`

	StreamType string `json:"stream_type"`
}

// Ticker converts the wire message into the archive form.
func (m *TickerMessage) Ticker() *gobs.Ticker {
	return &gobs.Ticker{
		Code:              m.Code,
		Timestamp:         time.UnixMilli(m.Timestamp).UTC(),
		OpeningPrice:      m.OpeningPrice,
		HighPrice:         m.HighPrice,
		LowPrice:          m.LowPrice,
		TradePrice:        m.TradePrice,
		PrevClosingPrice:  m.PrevClosingPrice,
		Change:            m.Change,
		ChangePrice:       m.ChangePrice,
		SignedChangePrice: m.SignedChangePrice,
		ChangeRate:        m.ChangeRate,
		SignedChangeRate:  m.SignedChangeRate,
		TradeVolume:       m.TradeVolume,
		AccTradeVolume:    m.AccTradeVolume,
		AccTradeVolume24H: m.AccTradeVolume24H,
		AccTradePrice:     m.AccTradePrice,
		AccTradePrice24H:  m.AccTradePrice24H,
		TradeTimestamp:    time.UnixMilli(m.TradeTimestamp).UTC(),
		AskBid:            m.AskBid,
		AccAskVolume:      m.AccAskVolume,
		AccBidVolume:      m.AccBidVolume,
	}
}

// subscribeRequest is the two-part subscription frame sent after connect.
type subscribeTicket struct {
	Ticket string `json:"ticket"`
}

type subscribeType struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}
