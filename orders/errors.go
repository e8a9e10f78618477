// Copyright (c) 2023 BVK Chaitanya

package orders

import "errors"

var (
	// ErrInsufficientBalance is returned when a buy costs more than the
	// participant's cash balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientQuantity is returned when a sell exceeds the held
	// position quantity.
	ErrInsufficientQuantity = errors.New("insufficient position quantity")

	// ErrPriceOutOfBand is returned when a price fails the per-market
	// sanity band or deviates too far from the market price.
	ErrPriceOutOfBand = errors.New("price outside the allowed band")

	// ErrPriceMismatch is returned when the client's view of the market
	// price disagrees with the server's by more than the allowed deviation.
	ErrPriceMismatch = errors.New("price mismatch between client and server")

	// ErrConcurrentRequest is returned when a store transaction loses a
	// serialization race with another request. Safe to retry.
	ErrConcurrentRequest = errors.New("concurrent request detected")

	// ErrDuplicateOrder is returned when an idempotency key or an identical
	// in-flight order is detected.
	ErrDuplicateOrder = errors.New("duplicate order request")

	// ErrNotCancellable is returned when cancellation targets an order that
	// is not a pending limit order.
	ErrNotCancellable = errors.New("only pending limit orders can be cancelled")

	// ErrNotPending is returned when limit execution targets an order that
	// is no longer pending.
	ErrNotPending = errors.New("order is not pending")
)
