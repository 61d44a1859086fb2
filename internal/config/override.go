package config

import (
	"artifactsbot/internal/scheduler"
)

// overriddenRoutine wraps a scheduler.Routine, substituting the
// RoutineOverride's non-nil fields for the wrapped routine's baseline
// Priority/Loop/Urgent.
type overriddenRoutine struct {
	scheduler.Routine
	override RoutineOverride
}

// ApplyOverride wraps base with override, returning base unchanged if
// override has no fields set.
func ApplyOverride(base scheduler.Routine, override RoutineOverride) scheduler.Routine {
	if override.Priority == nil && override.Loop == nil && override.Urgent == nil {
		return base
	}
	return &overriddenRoutine{Routine: base, override: override}
}

func (r *overriddenRoutine) Priority() int {
	if r.override.Priority != nil {
		return *r.override.Priority
	}
	return r.Routine.Priority()
}

func (r *overriddenRoutine) Loop() bool {
	if r.override.Loop != nil {
		return *r.override.Loop
	}
	return r.Routine.Loop()
}

func (r *overriddenRoutine) Urgent() bool {
	if r.override.Urgent != nil {
		return *r.override.Urgent
	}
	return r.Routine.Urgent()
}

var _ scheduler.Routine = (*overriddenRoutine)(nil)
