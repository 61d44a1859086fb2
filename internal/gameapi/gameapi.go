// Package gameapi defines the boundary to the remote REST game server. The
// transport itself (HTTP, auth, cooldown waits, pagination) is explicitly
// out of scope here; this package only states the interface routines
// and supporting modules call, and the shapes they exchange.
package gameapi

import (
	"context"
	"time"

	"artifactsbot/internal/model"
)

// ActionResult is the shape every mutating API call returns: the
// character's post-action state plus the cooldown the caller must wait out
// before issuing another action for this character; callers fold it into
// local state via applyActionResult.
type ActionResult struct {
	Character  model.CharacterRecord
	CooldownMs int64
	// Items/Gold record what the action produced, when applicable (a
	// gather/craft/fight yield, a task-exchange reward, ...).
	Items []model.Item
	Gold  int
}

// Client is the REST API surface routines call. Every method is a
// suspension point: the concrete implementation issues an HTTP
// call and waits out the server-imposed cooldown before returning.
type Client interface {
	Move(ctx context.Context, charName string, x, y int) (ActionResult, error)
	Fight(ctx context.Context, charName string) (ActionResult, error)
	Rest(ctx context.Context, charName string) (ActionResult, error)
	Gather(ctx context.Context, charName string) (ActionResult, error)
	Craft(ctx context.Context, charName, itemCode string, quantity int) (ActionResult, error)
	Equip(ctx context.Context, charName, itemCode, slot string, quantity int) (ActionResult, error)
	Unequip(ctx context.Context, charName, slot string, quantity int) (ActionResult, error)

	WithdrawBank(ctx context.Context, charName, itemCode string, quantity int) (ActionResult, error)
	DepositBank(ctx context.Context, charName, itemCode string, quantity int) (ActionResult, error)
	WithdrawGold(ctx context.Context, charName string, amount int) (ActionResult, error)
	DepositGold(ctx context.Context, charName string, amount int) (ActionResult, error)
	GetBankDetails(ctx context.Context) (gold int, err error)
	GetBankItems(ctx context.Context) (items map[string]int, err error)

	NpcBuy(ctx context.Context, charName, itemCode string, quantity int) (ActionResult, error)

	AcceptTask(ctx context.Context, charName string) (ActionResult, error)
	CompleteTask(ctx context.Context, charName string) (ActionResult, error)
	CancelTask(ctx context.Context, charName string) (ActionResult, error)
	TaskTrade(ctx context.Context, charName, itemCode string, quantity int) (ActionResult, error)
	TaskExchange(ctx context.Context, charName string) (ActionResult, error)

	BuyBankExpansion(ctx context.Context, charName string) (ActionResult, error)
}

// CooldownWaiter waits out the cooldown recorded by the most recent action
// for a character.
type CooldownWaiter interface {
	Wait(ctx context.Context, charName string, cooldown time.Duration) error
}
