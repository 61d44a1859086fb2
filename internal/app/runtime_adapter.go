package app

import (
	"context"
	"fmt"
	"sync"

	"artifactsbot/internal/config"
	"artifactsbot/internal/runtimemgr"
)

// runtimeAdapter satisfies control.Runtime: it owns the RunDescriptor the
// manager's Start/Restart need and fans a decoded account document out
// into one per-character routines.CharacterConfig delivered to exactly
// the scheduler it belongs to, rather than broadcasting the whole
// document to every character the way runtimemgr.Manager.ReloadConfig
// does on its own.
type runtimeAdapter struct {
	manager        *runtimemgr.Manager
	characterNames []string
	firstRunClear  bool
	clearBoard     func(reason string)
	accountDoc     *config.AccountDocument
}

func (a *runtimeAdapter) runDescriptor() runtimemgr.RunDescriptor {
	// The descriptor is reused by every Start/Restart; clearOnce keeps the
	// first-run clear to the first of them.
	var clearOnce sync.Once
	return runtimemgr.RunDescriptor{
		CharacterNames: a.characterNames,
		FirstRunClear:  a.firstRunClear,
		ClearOrderBoard: func(reason string) {
			if a.clearBoard != nil {
				clearOnce.Do(func() { a.clearBoard(reason) })
			}
		},
	}
}

func (a *runtimeAdapter) Start(ctx context.Context, run runtimemgr.RunDescriptor) error {
	return a.manager.Start(ctx, run)
}

func (a *runtimeAdapter) Stop(ctx context.Context, gracefulTimeoutMs int64) error {
	return a.manager.Stop(ctx, gracefulTimeoutMs)
}

func (a *runtimeAdapter) Restart(ctx context.Context, gracefulTimeoutMs int64, run runtimemgr.RunDescriptor) error {
	return a.manager.Restart(ctx, gracefulTimeoutMs, run)
}

func (a *runtimeAdapter) GetStatus() runtimemgr.Status {
	return a.manager.GetStatus()
}

// ReloadConfig accepts a *config.AccountDocument (the shape
// DecodeConfig produces) and delivers each character's own
// routines.CharacterConfig to its scheduler. Any other cfg type is
// rejected rather than silently broadcast, since a single value shared
// across every character would cross-contaminate their settings.
func (a *runtimeAdapter) ReloadConfig(cfg any) error {
	doc, ok := cfg.(*config.AccountDocument)
	if !ok {
		return fmt.Errorf("botcore: reload-config expects an account document, got %T", cfg)
	}
	a.accountDoc = doc

	for _, charDoc := range doc.Characters {
		charCfg := config.BuildCharacterConfig(charDoc, doc.NpcBuyList)
		if err := a.manager.UpdateCharacterConfig(charDoc.Name, charCfg); err != nil {
			return err
		}
	}
	return nil
}
