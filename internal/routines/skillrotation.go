package routines

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
	"artifactsbot/internal/rotation"
)

// SkillRotationConfig configures SkillRotationRoutine. The engine picks
// skills from rotation.DefaultSkillOrder with no weight table and reads
// goal targets and progress from model.RotationState; this struct only
// carries the scheduler-facing knobs.
type SkillRotationConfig struct {
	// OrderBoardEnabled mirrors skillRotation.orderBoard.enabled. Nothing
	// reads it: the engine claims orders whenever its Board is set.
	OrderBoardEnabled bool
}

// SkillRotationRoutine runs the lowest-priority, always-looping fallback
// work: gather/craft/fight/task rotation driven by rotation.Engine.
type SkillRotationRoutine struct {
	CharName string
	Engine   *rotation.Engine
	State    *model.RotationState
	Inv      *inventory.Manager
	Config   SkillRotationConfig
	Log      *zap.Logger
}

func (r *SkillRotationRoutine) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *SkillRotationRoutine) Name() string  { return "skillRotation" }
func (r *SkillRotationRoutine) Priority() int { return 5 }
func (r *SkillRotationRoutine) Loop() bool    { return true }
func (r *SkillRotationRoutine) Urgent() bool  { return false }

func (r *SkillRotationRoutine) CanRun(_ context.Context, char *model.CharacterRecord) bool {
	return !char.InventoryFull()
}

// CanBePreempted always consents: the rotation has no atomic multi-action
// sequence that would be corrupted by suspending between iterations —
// state (current skill, plan, claim) is all persisted in RotationState.
func (r *SkillRotationRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool {
	return true
}

func (r *SkillRotationRoutine) Execute(ctx context.Context, char *model.CharacterRecord) (bool, error) {
	bankItems := r.Inv.Snapshot().Items
	again, err := r.Engine.Execute(ctx, r.State, char, r.Inv, bankItems)
	if err != nil {
		r.log().Warn("skill rotation tick failed", zap.String("char", char.Name), zap.Error(err))
	}
	return again, err
}

func (r *SkillRotationRoutine) UpdateConfig(cfg any) {
	if c, ok := cfg.(CharacterConfig); ok {
		r.Config = c.SkillRotation
	}
}
