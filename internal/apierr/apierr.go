// Package apierr defines the error taxonomy shared across the bot core:
// the typed game-API error the REST client boundary raises, the internal
// sentinel errors modules return for coordination failures, and the
// gRPC-style status codes the HTTP control surface maps onto.
package apierr

import "fmt"

// Status codes for the HTTP control surface, mirrored after the small
// gRPC-style table conventional across the pack.
const (
	CodeInvalidArgument    = 3
	CodeNotFound           = 5
	CodeConflict           = 9
	CodeFailedPrecondition = 9
	CodeInternal           = 13
)

// GameAPIError is the typed shape of an error returned by the remote game
// server. Routines match on Code explicitly; codes not recognized
// by a routine propagate to the scheduler, which records a loss and backs
// off.
type GameAPIError struct {
	Code    int
	Message string
}

func (e *GameAPIError) Error() string {
	return fmt.Sprintf("game api error %d: %s", e.Code, e.Message)
}

// Recognized conditional codes.
const (
	CodeNPCItemUnavailable = 441
	CodeTaskTradeMissing   = 478
	CodeEquipAdditiveUnsup = 485
	CodeEquipReplaceOnly   = 491
	CodeInsufficientGold   = 492
	CodeSkillTooLow        = 493
	CodeInventoryFull      = 497
	CodeWrongMapTile       = 598
)

// IsConditional reports whether code is one of the normal-flow conditional
// codes that a routine must handle in-place rather than let escape.
func IsConditional(code int) bool {
	switch code {
	case CodeNPCItemUnavailable, CodeTaskTradeMissing, CodeEquipAdditiveUnsup,
		CodeEquipReplaceOnly, CodeInsufficientGold, CodeSkillTooLow,
		CodeInventoryFull, CodeWrongMapTile:
		return true
	default:
		return false
	}
}

// Sentinel errors for coordination/structural failures. These are
// returned, never panicked.
var (
	ErrOrderNotFound     = fmt.Errorf("order not found")
	ErrOrderFulfilled    = fmt.Errorf("order already fulfilled")
	ErrClaimNotHeld      = fmt.Errorf("claim not held by requester")
	ErrClaimExpired      = fmt.Errorf("claim expired")
	ErrCharBlocked       = fmt.Errorf("character blocked on this order")
	ErrOperationConflict = fmt.Errorf("operation_conflict: another lifecycle operation is in progress")
	ErrLockBusy              = fmt.Errorf("lock busy")
	ErrUnresolvableChain     = fmt.Errorf("unresolvable recipe chain")
	ErrNoWorkshop            = fmt.Errorf("no workshop for recipe")
	ErrUnknownTask           = fmt.Errorf("unknown task code")
	ErrInsufficientTaskCoins = fmt.Errorf("insufficient task coins")
	ErrInventoryFull         = fmt.Errorf("inventory full")
)
