// Copyright (c) 2023 BVK Chaitanya

package gobs

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker holds a single Upbit ticker message. Field names follow the
// upstream message, with snake_case translated to Go style.
type Ticker struct {
	Code      string
	Timestamp time.Time

	OpeningPrice decimal.Decimal
	HighPrice    decimal.Decimal
	LowPrice     decimal.Decimal
	TradePrice   decimal.Decimal

	PrevClosingPrice decimal.Decimal

	Change            string
	ChangePrice       decimal.Decimal
	SignedChangePrice decimal.Decimal
	ChangeRate        decimal.Decimal
	SignedChangeRate  decimal.Decimal

	TradeVolume decimal.Decimal

	AccTradeVolume    decimal.Decimal
	AccTradeVolume24H decimal.Decimal
	AccTradePrice     decimal.Decimal
	AccTradePrice24H  decimal.Decimal

	TradeTimestamp time.Time

	AskBid       string
	AccAskVolume decimal.Decimal
	AccBidVolume decimal.Decimal
}
