package orderboard

import "errors"

var (
	errInvalidQuantity   = errors.New("orderboard: quantity must be positive")
	errInvalidSourceType = errors.New("orderboard: unknown source type")
	errInvalidArgument   = errors.New("orderboard: missing required field")
	errOrderNotFound     = errors.New("orderboard: order not found")
	errOrderFulfilled    = errors.New("orderboard: order already fulfilled")
	errCharBlocked       = errors.New("orderboard: character is blocked from this order")
	errClaimHeldByOther  = errors.New("orderboard: claim held by another character")
	errClaimNotHeld      = errors.New("orderboard: claim not held by this character")
)
