// Copyright (c) 2023 BVK Chaitanya

package gobs

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID string

	// ExternalID is the opaque identity-provider subject this user maps to.
	ExternalID string

	Email    string
	Username string

	IsAdmin bool

	CreatedAt time.Time
}

type ApiKey struct {
	ID     string
	UserID string

	Name string

	// KeyPrefix holds the first few characters of the raw key, for display.
	// KeyHash is the SHA-256 hex digest of the raw key; the raw key itself
	// is never stored.
	KeyPrefix string
	KeyHash   string

	Active bool

	CreatedAt  time.Time
	LastUsedAt time.Time
}

type Competition struct {
	ID string

	Name        string
	Description string

	InitialBalance decimal.Decimal
	FeeRate        decimal.Decimal

	StartTime time.Time
	EndTime   time.Time

	// Status is one of "pending", "active" or "ended".
	Status string

	CreatedAt time.Time
}

type Participant struct {
	ID string

	UserID        string
	CompetitionID string

	Balance decimal.Decimal

	JoinedAt time.Time
}

type Position struct {
	ParticipantID string
	Code          string

	Quantity    decimal.Decimal
	AvgBuyPrice decimal.Decimal

	UpdatedAt time.Time
}

type Order struct {
	ID string

	ParticipantID string

	Code string

	// Side is "buy" or "sell"; OrderType is "market" or "limit".
	Side      string
	OrderType string

	// Price is the limit price. Market orders leave it zero.
	Price    decimal.Decimal
	Quantity decimal.Decimal

	FilledQuantity decimal.Decimal
	FilledPrice    decimal.Decimal

	Fee decimal.Decimal

	// Status is one of "pending", "filled" or "cancelled".
	Status string

	CreatedAt   time.Time
	FilledAt    time.Time
	CancelledAt time.Time
}

type Trade struct {
	ID string

	ParticipantID string
	OrderID       string

	Code string
	Side string

	Price    decimal.Decimal
	Quantity decimal.Decimal

	TotalAmount decimal.Decimal
	Fee         decimal.Decimal

	CreatedAt time.Time
}

type ServerState struct {
	// TickerCodes holds the market codes the ingest feed subscribes to.
	TickerCodes []string
}

type TelegramState struct {
	// UserChatIDMap remembers the chat id of each authorized user so that
	// notifications can be sent without waiting for an incoming message.
	UserChatIDMap map[string]int64
}
