package service

import (
	pkgErrors "github.com/vendora/kiosk/pkg/errors"
)

var (
	ErrSessionNotFound   = pkgErrors.NotFound("SESSION_NOT_FOUND", "session not found")
	ErrEventNotFound     = pkgErrors.NotFound("EVENT_NOT_FOUND", "event not found")
	ErrInventoryNotFound = pkgErrors.NotFound("INVENTORY_NOT_FOUND", "no inventory record for slot")

	ErrInvalidSlot      = pkgErrors.InvalidArgument("INVALID_SLOT", "slot outside the machine's addressable range")
	ErrNotDispatchEvent = pkgErrors.InvalidArgument("NOT_DISPATCH_EVENT", "event is not a product dispatch")
	ErrBasketEmpty      = pkgErrors.InvalidArgument("BASKET_EMPTY", "basket is empty")
	ErrAmountMismatch   = pkgErrors.InvalidArgument("AMOUNT_MISMATCH", "payment amount does not match basket total")
	ErrSessionMismatch  = pkgErrors.InvalidArgument("SESSION_MISMATCH", "event does not belong to this session")

	ErrSessionCompleted  = pkgErrors.FailedPrecondition("SESSION_COMPLETED", "session is already paid")
	ErrSessionNotActive  = pkgErrors.FailedPrecondition("SESSION_NOT_ACTIVE", "session is not active")
	ErrAlreadyExtended   = pkgErrors.FailedPrecondition("ALREADY_EXTENDED", "session was already extended once")
	ErrInsufficientStock = pkgErrors.FailedPrecondition("INSUFFICIENT_STOCK", "not enough stock for basket")

	ErrRateLimited = pkgErrors.ResourceExhausted("RATE_LIMITED", "too many requests, slow down")

	ErrTxConflict    = pkgErrors.Internal("TX_CONFLICT", "storage transaction conflict, retry")
	ErrDataIntegrity = pkgErrors.Internal("DATA_INTEGRITY", "dispense outcome references a product missing from the basket")
)
