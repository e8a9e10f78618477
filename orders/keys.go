// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"fmt"
	"path"
	"time"
)

const (
	ParticipantsKeyspace = "/participants"

	// UserParticipantsKeyspace maps (user, competition) pairs to
	// participant ids.
	UserParticipantsKeyspace = "/participants-by-user"

	PositionsKeyspace = "/positions"

	OrdersKeyspace = "/orders"

	// ParticipantOrdersKeyspace and ParticipantTradesKeyspace are
	// creation-time ordered per-participant indexes.
	ParticipantOrdersKeyspace = "/orders-by-participant"
	ParticipantTradesKeyspace = "/trades-by-participant"

	// PendingOrdersKeyspace indexes resting limit orders per market code in
	// creation-time order, for the matching engine.
	PendingOrdersKeyspace = "/orders-pending"

	TradesKeyspace = "/trades"
)

func ParticipantKey(id string) string {
	return path.Join(ParticipantsKeyspace, id)
}

func UserParticipantKey(userID, competitionID string) string {
	return path.Join(UserParticipantsKeyspace, userID, competitionID)
}

func PositionKey(participantID, code string) string {
	return path.Join(PositionsKeyspace, participantID, code)
}

func OrderKey(id string) string {
	return path.Join(OrdersKeyspace, id)
}

func TradeKey(id string) string {
	return path.Join(TradesKeyspace, id)
}

// timeOrdered builds fixed-width nanosecond index entries so lexicographic
// key order matches creation order.
func timeOrdered(at time.Time, id string) string {
	return fmt.Sprintf("%020d:%s", at.UnixNano(), id)
}

func participantOrderKey(participantID string, at time.Time, id string) string {
	return path.Join(ParticipantOrdersKeyspace, participantID, timeOrdered(at, id))
}

func participantTradeKey(participantID string, at time.Time, id string) string {
	return path.Join(ParticipantTradesKeyspace, participantID, timeOrdered(at, id))
}

func pendingOrderKey(code string, at time.Time, id string) string {
	return path.Join(PendingOrdersKeyspace, code, timeOrdered(at, id))
}
