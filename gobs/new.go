// Copyright (c) 2023 BVK Chaitanya

package gobs

import (
	"fmt"
)

func NewByTypename(typename string) (any, error) {
	var v any
	switch typename {
	case "Ticker":
		v = new(Ticker)
	case "User":
		v = new(User)
	case "ApiKey":
		v = new(ApiKey)
	case "Competition":
		v = new(Competition)
	case "Participant":
		v = new(Participant)
	case "Position":
		v = new(Position)
	case "Order":
		v = new(Order)
	case "Trade":
		v = new(Trade)
	case "KeyValue":
		v = new(KeyValue)
	case "ServerState":
		v = new(ServerState)
	case "TelegramState":
		v = new(TelegramState)
	default:
		return nil, fmt.Errorf("unsupported type name %q", typename)
	}
	return v, nil
}
