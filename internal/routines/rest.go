// Package routines implements the baseline roster of per-character
// scheduler routines: rest, event hunting, bank expansion, bank deposit,
// task completion, and skill rotation. Each routine is constructed once
// per character and closes over the shared account-wide modules
// (order board, inventory manager, gear-state planner, event manager)
// it needs.
package routines

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/model"
)

// RestConfig configures RestRoutine.
type RestConfig struct {
	// TriggerPct is the HP percentage below which the character rests.
	TriggerPct float64
}

// RestRoutine heals the character at a remote rest spot once HP falls
// below the configured percentage. Highest priority in the roster: a
// character at risk always rests before anything else runs.
type RestRoutine struct {
	CharName string
	Client   gameapi.Client
	Config   RestConfig
	Log      *zap.Logger
}

func (r *RestRoutine) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *RestRoutine) Name() string  { return "rest" }
func (r *RestRoutine) Priority() int { return 100 }
func (r *RestRoutine) Loop() bool    { return false }
func (r *RestRoutine) Urgent() bool  { return false }

func (r *RestRoutine) CanRun(_ context.Context, char *model.CharacterRecord) bool {
	if char.MaxHP <= 0 || char.HP >= char.MaxHP {
		return false
	}
	return char.HPPercent() < r.Config.TriggerPct
}

// CanBePreempted is always true: resting is never worth blocking a more
// urgent routine over, since the character can simply resume resting on
// its next tick.
func (r *RestRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool { return true }

func (r *RestRoutine) Execute(ctx context.Context, char *model.CharacterRecord) (bool, error) {
	res, err := r.Client.Rest(ctx, char.Name)
	if err != nil {
		r.log().Warn("rest failed", zap.String("char", char.Name), zap.Error(err))
		return false, err
	}
	*char = res.Character
	return false, nil
}

func (r *RestRoutine) UpdateConfig(cfg any) {
	if c, ok := cfg.(CharacterConfig); ok {
		r.Config = c.Rest
	}
}
