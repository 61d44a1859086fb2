package routines

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/model"
	"artifactsbot/internal/taskexchange"
)

// CompleteTaskRoutine turns in a finished task at the task master, then
// opportunistically spends the earned task coins if that clears any
// pending exchange target.
type CompleteTaskRoutine struct {
	CharName string
	Client   gameapi.Client
	Exchange *taskexchange.Exchanger
	Targets  taskexchange.Targets
	Log      *zap.Logger
}

func (r *CompleteTaskRoutine) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *CompleteTaskRoutine) Name() string  { return "completeTask" }
func (r *CompleteTaskRoutine) Priority() int { return 45 }
func (r *CompleteTaskRoutine) Loop() bool    { return false }
func (r *CompleteTaskRoutine) Urgent() bool  { return false }

func (r *CompleteTaskRoutine) CanRun(_ context.Context, char *model.CharacterRecord) bool {
	return char.TaskComplete()
}

func (r *CompleteTaskRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool {
	return true
}

func (r *CompleteTaskRoutine) Execute(ctx context.Context, char *model.CharacterRecord) (bool, error) {
	res, err := r.Client.CompleteTask(ctx, char.Name)
	if err != nil {
		r.log().Warn("task completion failed", zap.String("char", char.Name), zap.Error(err))
		return false, err
	}
	*char = res.Character

	if r.Exchange != nil && len(r.Targets) > 0 {
		if ok, err := r.Exchange.Run(ctx, char.Name, char, r.Targets); !ok && err != nil {
			r.log().Info("opportunistic task-coin exchange did not resolve",
				zap.String("char", char.Name), zap.Error(err))
		}
	}
	return false, nil
}

func (r *CompleteTaskRoutine) UpdateConfig(any) {}
