// Package app is the composition root: it decodes the account
// configuration, wires every account-wide module (catalog, inventory,
// order board, gear-state planner, event manager, task exchange) and one
// scheduler per character, and exposes the result as a Runtime the
// control HTTP surface and the process's main package drive.
package app

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/gearopt"
	"artifactsbot/internal/model"
	"artifactsbot/internal/wsfeed"
)

// Dependencies are the collaborators this core cannot build for itself:
// the remote game-server transport, the gear optimizer, and the game-data
// catalog are all explicitly out of scope here and must come from
// elsewhere. Bootstrap fails fast if GameClient is nil; a nil Catalog
// falls back to an empty in-memory catalog so the rest of the runtime can
// still be exercised against a fake client in tests. Optimizer has no
// default and is used as given.
type Dependencies struct {
	GameClient gameapi.Client
	Optimizer  gearopt.Optimizer
	Catalog    gamedata.Catalog
	// RefreshCharacter re-fetches a character's live state; wired into
	// every scheduler's RefreshFunc. Nil means schedulers never resync
	// outside of the state their own routines' ActionResults carry.
	RefreshCharacter func(ctx context.Context, charName string) (model.CharacterRecord, error)
	// Dialer overrides the websocket feed's dialer; nil uses the real one.
	Dialer wsfeed.Dialer
	Clock  clock.Clock
	Log    *zap.Logger
}

func (d Dependencies) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func (d Dependencies) clockOrReal() clock.Clock {
	if d.Clock == nil {
		return clock.Real{}
	}
	return d.Clock
}
