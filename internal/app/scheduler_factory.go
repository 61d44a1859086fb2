package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/config"
	"artifactsbot/internal/eventmgr"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/gearstate"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
	"artifactsbot/internal/rotation"
	"artifactsbot/internal/routines"
	"artifactsbot/internal/scheduler"
	"artifactsbot/internal/taskexchange"
)

// buildDeps carries the account-wide modules every character's routine
// set closes over, so buildScheduler's own signature stays readable.
type buildDeps struct {
	client  gameapi.Client
	refresh func(ctx context.Context, charName string) (model.CharacterRecord, error)
	events  *eventmgr.Manager
	catalog gamedata.Catalog
	gear    *gearstate.Planner
	bank    *inventory.BankOps
	inv     *inventory.Manager
	exchange *taskexchange.Exchanger
	engine  *rotation.Engine
	clock   clock.Clock
	log     *zap.Logger

	idleInterval time.Duration
}

// buildScheduler assembles one character's full routine roster (rest,
// bank expansion, bank deposit, task completion, event hunting, skill
// rotation) in a fixed registration order (the scheduler itself sorts
// candidates by priority, using this order only to break ties), applies
// each routine's configured
// scheduler-hint override, and wraps the set in a scheduler.Scheduler.
func buildScheduler(charName string, doc config.CharacterDocument, accountNpcBuyList config.NpcBuyList, d buildDeps) (*scheduler.Scheduler, error) {
	charCfg := config.BuildCharacterConfig(doc, accountNpcBuyList)
	overrides := config.RoutineOverrides(doc)

	char := &model.CharacterRecord{Name: charName}
	state := model.NewRotationState()

	rest := &routines.RestRoutine{CharName: charName, Client: d.client, Config: charCfg.Rest, Log: d.log}
	// Cost is left unset: no endpoint on gameapi.Client surfaces the next
	// bank-slot expansion price, so CanRun's nil-Cost guard keeps this
	// routine permanently inert until a deployment supplies one.
	bankExpansion := &routines.BankExpansionRoutine{
		CharName: charName, Client: d.client, Inv: d.inv, Config: charCfg.BankExpansion, Clock: d.clock, Log: d.log,
	}
	depositBank := &routines.DepositBankRoutine{
		CharName: charName, Client: d.client, Bank: d.bank, Gear: d.gear, Config: charCfg.DepositBank, Log: d.log,
	}
	completeTask := &routines.CompleteTaskRoutine{
		CharName: charName, Client: d.client, Exchange: d.exchange,
		Targets: taskexchange.Targets(charCfg.Event.NpcBuyList), Log: d.log,
	}
	event := &routines.EventRoutine{
		CharName: charName, Events: d.events, Catalog: d.catalog, Client: d.client,
		Gear: d.gear, Clock: d.clock, Config: charCfg.Event, Log: d.log,
	}
	skillRotation := &routines.SkillRotationRoutine{
		CharName: charName, Engine: d.engine, State: state, Inv: d.inv, Config: charCfg.SkillRotation, Log: d.log,
	}

	roster := []scheduler.Routine{
		config.ApplyOverride(rest, overrides["rest"]),
		config.ApplyOverride(bankExpansion, overrides["bankExpansion"]),
		config.ApplyOverride(depositBank, overrides["depositBank"]),
		config.ApplyOverride(completeTask, overrides["completeTask"]),
		config.ApplyOverride(event, overrides["event"]),
		config.ApplyOverride(skillRotation, overrides["skillRotation"]),
	}

	var refresh scheduler.RefreshFunc
	if d.refresh != nil {
		refresh = func(ctx context.Context) (model.CharacterRecord, error) {
			return d.refresh(ctx, charName)
		}
	}

	return scheduler.New(charName, char, roster, refresh, d.idleInterval, d.log), nil
}
