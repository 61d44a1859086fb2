package routines

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/eventmgr"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/gearstate"
	"artifactsbot/internal/model"
)

// EventConfig configures EventRoutine.
type EventConfig struct {
	Enabled            bool
	MonsterEvents      bool
	ResourceEvents     bool
	NpcEvents          bool
	MinTimeRemainingMs int64
	// MaxMonsterType == "normal" filters out elites; empty allows both.
	MaxMonsterType string
	CooldownMs     int64
	// GatherResources, if non-empty, restricts resource-event eligibility
	// to these codes.
	GatherResources []string
	// NpcBuyList is the per-character shopping list consulted for NPC
	// events, keyed by item code.
	NpcBuyList map[string]int
}

func (c EventConfig) resourceAllowed(code string) bool {
	if len(c.GatherResources) == 0 {
		return true
	}
	for _, c := range c.GatherResources {
		if c == code {
			return true
		}
	}
	return false
}

type eventTarget struct {
	code        string
	contentType model.EventContentType
	contentCode string
	loc         model.MapLoc
	npcCode     string
}

// EventRoutine hunts active world events (monster spawns, resource
// spawns, NPC appearances), preferring whichever scores highest, staying
// on a sticky target while it remains active and not on cooldown.
type EventRoutine struct {
	CharName string
	Events   *eventmgr.Manager
	Catalog  gamedata.Catalog
	Client   gameapi.Client
	Gear     *gearstate.Planner
	Clock    clock.Clock
	Config   EventConfig
	Log      *zap.Logger

	target    *eventTarget
	cooldowns map[string]int64
}

func (r *EventRoutine) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *EventRoutine) Name() string  { return "event" }
func (r *EventRoutine) Priority() int { return 90 }
func (r *EventRoutine) Loop() bool    { return true }
func (r *EventRoutine) Urgent() bool  { return true }

// CanBePreempted always consents: each Execute iteration stops after one
// move/gather/fight/buy action, so the sticky target in r.target survives
// a suspension and resumes cleanly on the next tick this routine runs.
func (r *EventRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool { return true }

func (r *EventRoutine) onCooldown(code string) bool {
	if r.cooldowns == nil || r.Clock == nil {
		return false
	}
	until, ok := r.cooldowns[code]
	return ok && r.Clock.NowMs() < until
}

func (r *EventRoutine) setCooldown(code string, ms int64) {
	if r.cooldowns == nil {
		r.cooldowns = map[string]int64{}
	}
	if r.Clock == nil {
		return
	}
	r.cooldowns[code] = r.Clock.NowMs() + ms
}

func (r *EventRoutine) CanRun(_ context.Context, char *model.CharacterRecord) bool {
	if !r.Config.Enabled || char.InventoryFull() {
		return false
	}

	if r.target != nil {
		if r.Events.IsEventActive(r.target.code) && !r.onCooldown(r.target.code) {
			return true
		}
		r.Events.ReleaseIfEventGone(r.target.code)
		r.target = nil
	}

	r.target = r.findBestEvent(char)
	return r.target != nil
}

func (r *EventRoutine) findBestEvent(char *model.CharacterRecord) *eventTarget {
	var best *eventTarget
	bestScore := -1

	consider := func(t *eventTarget, score int) {
		if score > bestScore {
			bestScore = score
			best = t
		}
	}

	if r.Config.MonsterEvents {
		for _, e := range r.Events.GetActiveMonsterEvents() {
			if r.onCooldown(e.Code) || r.Events.GetTimeRemaining(e.Code) < r.Config.MinTimeRemainingMs {
				continue
			}
			mon, ok := r.Catalog.Monster(e.ContentCode)
			if !ok || mon.Type == "boss" {
				continue
			}
			if r.Config.MaxMonsterType == "normal" && mon.Type == "elite" {
				continue
			}
			if !r.monsterWinnable(char, mon.Code) {
				continue
			}
			score := mon.Level
			if mon.Type == "elite" {
				score += 20
			}
			consider(&eventTarget{code: e.Code, contentType: model.ContentMonster, contentCode: mon.Code, loc: e.Map}, score)
		}
	}

	if r.Config.ResourceEvents {
		for _, e := range r.Events.GetActiveResourceEvents() {
			if r.onCooldown(e.Code) || r.Events.GetTimeRemaining(e.Code) < r.Config.MinTimeRemainingMs {
				continue
			}
			res, ok := r.Catalog.Resource(e.ContentCode)
			if !ok || res.Level > char.SkillLevel(string(res.Skill)) || !r.Config.resourceAllowed(res.Code) {
				continue
			}
			consider(&eventTarget{code: e.Code, contentType: model.ContentResource, contentCode: res.Code, loc: e.Map}, res.Level)
		}
	}

	if best != nil {
		return best
	}

	if r.Config.NpcEvents {
		for _, e := range r.Events.GetActiveNpcEvents() {
			if r.onCooldown(e.Code) || r.Events.GetTimeRemaining(e.Code) < r.Config.MinTimeRemainingMs {
				continue
			}
			if r.Events.IsNPCLockHeld() && !r.Events.IsNPCLockHeldBy(char.Name) {
				continue
			}
			if len(r.shoppingList(char)) == 0 {
				continue
			}
			return &eventTarget{code: e.Code, contentType: model.ContentNPC, contentCode: e.ContentCode, loc: e.Map, npcCode: e.ContentCode}
		}
	}
	return nil
}

// monsterWinnable consults the gear-state planner's already-vetted
// selected-monster set instead of re-running the combat simulator, since
// the planner already simulates every winnable monster at recompute time.
func (r *EventRoutine) monsterWinnable(char *model.CharacterRecord, code string) bool {
	if r.Gear == nil {
		return false
	}
	row := r.Gear.GetRow(char.Name)
	if row == nil {
		return false
	}
	for _, m := range row.SelectedMonsters {
		if m == code {
			return true
		}
	}
	return false
}

// shoppingList returns the configured NPC buy-list items the character
// doesn't already carry enough of.
func (r *EventRoutine) shoppingList(char *model.CharacterRecord) map[string]int {
	out := map[string]int{}
	for code, qty := range r.Config.NpcBuyList {
		need := qty - char.ItemCount(code)
		if need > 0 {
			out[code] = need
		}
	}
	return out
}

func (r *EventRoutine) Execute(ctx context.Context, char *model.CharacterRecord) (bool, error) {
	t := r.target
	if t == nil {
		return false, nil
	}

	switch t.contentType {
	case model.ContentMonster:
		return r.executeMonster(ctx, char, t)
	case model.ContentResource:
		return r.executeResource(ctx, char, t)
	case model.ContentNPC:
		return r.executeNPC(ctx, char, t)
	}
	return false, nil
}

func (r *EventRoutine) executeMonster(ctx context.Context, char *model.CharacterRecord, t *eventTarget) (bool, error) {
	if !char.IsAt(t.loc.X, t.loc.Y) {
		res, err := r.Client.Move(ctx, char.Name, t.loc.X, t.loc.Y)
		if err != nil {
			r.setCooldown(t.code, cooldownMs(r.Config.CooldownMs))
			return false, err
		}
		*char = res.Character
		return true, nil
	}

	res, err := r.Client.Fight(ctx, char.Name)
	if err != nil {
		r.setCooldown(t.code, cooldownMs(r.Config.CooldownMs))
		return false, err
	}
	*char = res.Character
	return true, nil
}

func (r *EventRoutine) executeResource(ctx context.Context, char *model.CharacterRecord, t *eventTarget) (bool, error) {
	if !char.IsAt(t.loc.X, t.loc.Y) {
		res, err := r.Client.Move(ctx, char.Name, t.loc.X, t.loc.Y)
		if err != nil {
			r.setCooldown(t.code, cooldownMs(r.Config.CooldownMs))
			return false, err
		}
		*char = res.Character
		return true, nil
	}

	if char.InventoryFull() {
		// Preserve the sticky target so the routine resumes it once the
		// deposit routine has freed space.
		return false, nil
	}

	res, err := r.Client.Gather(ctx, char.Name)
	if err != nil {
		r.setCooldown(t.code, cooldownMs(r.Config.CooldownMs))
		return false, err
	}
	*char = res.Character
	return true, nil
}

func (r *EventRoutine) executeNPC(ctx context.Context, char *model.CharacterRecord, t *eventTarget) (bool, error) {
	if !r.Events.AcquireNPCLock(char.Name, t.npcCode, t.code) {
		r.setCooldown(t.code, 30_000)
		return false, nil
	}

	list := r.shoppingList(char)
	if len(list) == 0 {
		r.Events.ReleaseNPCLock(char.Name)
		return false, nil
	}

	var code string
	var need int
	for c, q := range list {
		code, need = c, q
		break
	}
	qty := need
	if qty > 100 {
		qty = 100
	}

	if !char.IsAt(t.loc.X, t.loc.Y) {
		res, err := r.Client.Move(ctx, char.Name, t.loc.X, t.loc.Y)
		if err != nil {
			r.setCooldown(t.code, 30_000)
			return false, err
		}
		*char = res.Character
		return true, nil
	}

	res, err := r.Client.NpcBuy(ctx, char.Name, code, qty)
	if err != nil {
		r.setCooldown(t.code, 30_000)
		return false, err
	}
	*char = res.Character
	return true, nil
}

func cooldownMs(configured int64) int64 {
	if configured > 0 {
		return configured
	}
	return 30_000
}

func (r *EventRoutine) UpdateConfig(cfg any) {
	if c, ok := cfg.(CharacterConfig); ok {
		r.Config = c.Event
	}
}
