package routines

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/combatsim"
	"artifactsbot/internal/eventmgr"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/gearopt"
	"artifactsbot/internal/gearstate"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
	"artifactsbot/internal/rotation"
	"artifactsbot/internal/taskexchange"
)

type fakeClient struct {
	restCalls, completeCalls, depositGoldCalls, expansionCalls, moveCalls, fightCalls, gatherCalls, buyCalls int
	restResult, completeResult, expansionResult                                                             gameapi.ActionResult
	actionResult                                                                                             gameapi.ActionResult
	err                                                                                                       error

	withdrawGoldCalls  int
	withdrawGoldAmount int
	withdrawGoldResult gameapi.ActionResult
	withdrawGoldErr    error
}

func (f *fakeClient) Move(context.Context, string, int, int) (gameapi.ActionResult, error) {
	f.moveCalls++
	return f.actionResult, f.err
}
func (f *fakeClient) Fight(context.Context, string) (gameapi.ActionResult, error) {
	f.fightCalls++
	return f.actionResult, f.err
}
func (f *fakeClient) Rest(context.Context, string) (gameapi.ActionResult, error) {
	f.restCalls++
	return f.restResult, f.err
}
func (f *fakeClient) Gather(context.Context, string) (gameapi.ActionResult, error) {
	f.gatherCalls++
	return f.actionResult, f.err
}
func (f *fakeClient) Craft(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) Equip(context.Context, string, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) Unequip(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) WithdrawBank(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) DepositBank(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) WithdrawGold(_ context.Context, _ string, amount int) (gameapi.ActionResult, error) {
	f.withdrawGoldCalls++
	f.withdrawGoldAmount = amount
	return f.withdrawGoldResult, f.withdrawGoldErr
}
func (f *fakeClient) DepositGold(context.Context, string, int) (gameapi.ActionResult, error) {
	f.depositGoldCalls++
	return gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice"}}, f.err
}
func (f *fakeClient) GetBankDetails(context.Context) (int, error)          { return 0, nil }
func (f *fakeClient) GetBankItems(context.Context) (map[string]int, error) { return map[string]int{}, nil }
func (f *fakeClient) NpcBuy(context.Context, string, string, int) (gameapi.ActionResult, error) {
	f.buyCalls++
	return f.actionResult, f.err
}
func (f *fakeClient) AcceptTask(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) CompleteTask(context.Context, string) (gameapi.ActionResult, error) {
	f.completeCalls++
	return f.completeResult, f.err
}
func (f *fakeClient) CancelTask(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) TaskTrade(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) TaskExchange(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeClient) BuyBankExpansion(context.Context, string) (gameapi.ActionResult, error) {
	f.expansionCalls++
	return f.expansionResult, f.err
}

// --- RestRoutine ---

func TestRestRoutine_CanRunBelowTrigger(t *testing.T) {
	r := &RestRoutine{Config: RestConfig{TriggerPct: 50}}
	char := &model.CharacterRecord{HP: 10, MaxHP: 100}
	assert.True(t, r.CanRun(context.Background(), char))

	char.HP = 60
	assert.False(t, r.CanRun(context.Background(), char))
}

func TestRestRoutine_Execute(t *testing.T) {
	client := &fakeClient{restResult: gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice", HP: 100, MaxHP: 100}}}
	r := &RestRoutine{Client: client}
	char := &model.CharacterRecord{Name: "alice", HP: 10, MaxHP: 100}
	again, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, 1, client.restCalls)
	assert.Equal(t, 100, char.HP)
}

// --- BankExpansionRoutine ---

func TestBankExpansionRoutine_CanRunRespectsGuardrails(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	r := &BankExpansionRoutine{
		Cost:   func() (int, bool) { return 100, true },
		Config: BankExpansionConfig{MaxGoldPct: 0.5, GoldBuffer: 50},
		Clock:  fc,
	}
	char := &model.CharacterRecord{Gold: 100}
	assert.False(t, r.CanRun(context.Background(), char), "cost exceeds 50% of gold")

	char.Gold = 500
	assert.True(t, r.CanRun(context.Background(), char))
}

func TestBankExpansionRoutine_CanRunAffordsAgainstCombinedCharAndBankGold(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	inv := inventory.NewManager(fc)
	inv.Refresh(10_000, nil)
	r := &BankExpansionRoutine{
		Inv:    inv,
		Cost:   func() (int, bool) { return 4_500, true },
		Config: BankExpansionConfig{MaxGoldPct: 0.7, GoldBuffer: 0},
		Clock:  fc,
	}
	char := &model.CharacterRecord{Gold: 5_000}
	assert.True(t, r.CanRun(context.Background(), char), "4500 <= (5000+10000)*0.7=10500")
}

func TestBankExpansionRoutine_ExecuteWithdrawsShortfallBeforeBuying(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	inv := inventory.NewManager(fc)
	inv.Refresh(10_000, nil)
	client := &fakeClient{
		withdrawGoldResult: gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice", Gold: 4_500}},
		expansionResult:    gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice", Gold: 0}},
	}
	r := &BankExpansionRoutine{
		Client: client,
		Inv:    inv,
		Cost:   func() (int, bool) { return 4_500, true },
		Config: BankExpansionConfig{MaxGoldPct: 0.7, GoldBuffer: 0},
		Clock:  fc,
	}
	char := &model.CharacterRecord{Name: "alice", Gold: 1_000}
	require.True(t, r.CanRun(context.Background(), char))

	_, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.Equal(t, 1, client.withdrawGoldCalls)
	assert.Equal(t, 3_500, client.withdrawGoldAmount, "must withdraw exactly the 4500-1000 shortfall")
	assert.Equal(t, 1, client.expansionCalls)
	assert.Equal(t, 6_500, inv.Snapshot().Gold, "withdrawn gold should leave the cached bank balance")
}

func TestBankExpansionRoutine_ExecuteSkipsWithdrawWhenCharGoldAlreadyCovers(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	inv := inventory.NewManager(fc)
	inv.Refresh(10_000, nil)
	client := &fakeClient{expansionResult: gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice", Gold: 500}}}
	r := &BankExpansionRoutine{
		Client: client,
		Inv:    inv,
		Cost:   func() (int, bool) { return 4_500, true },
		Config: BankExpansionConfig{MaxGoldPct: 0.7, GoldBuffer: 0},
		Clock:  fc,
	}
	char := &model.CharacterRecord{Name: "alice", Gold: 5_000}
	require.True(t, r.CanRun(context.Background(), char))

	_, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.Equal(t, 0, client.withdrawGoldCalls, "char gold alone already covers cost, no withdrawal needed")
	assert.Equal(t, 1, client.expansionCalls)
	assert.Equal(t, 10_000, inv.Snapshot().Gold, "bank balance untouched")
}

func TestBankExpansionRoutine_CanRunThrottlesByInterval(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	client := &fakeClient{expansionResult: gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice", Gold: 400}}}
	r := &BankExpansionRoutine{
		Client: client,
		Cost:   func() (int, bool) { return 100, true },
		Config: BankExpansionConfig{MaxGoldPct: 1, GoldBuffer: 0, CheckIntervalMs: 60_000},
		Clock:  fc,
	}
	char := &model.CharacterRecord{Name: "alice", Gold: 500}
	assert.True(t, r.CanRun(context.Background(), char))

	_, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.Equal(t, 1, client.expansionCalls)

	assert.False(t, r.CanRun(context.Background(), char), "throttled until checkIntervalMs elapses")

	fc.Advance(61 * time.Second)
	assert.True(t, r.CanRun(context.Background(), char))
}

// --- DepositBankRoutine ---

func TestDepositBankRoutine_ThresholdZeroDepositsAnything(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	client := &fakeClient{}
	inv := inventory.NewManager(fc)
	bank := inventory.NewBankOps(inv, client, nil)
	r := &DepositBankRoutine{Client: client, Bank: bank, Config: DepositBankConfig{Threshold: 0}}

	char := &model.CharacterRecord{Name: "alice", InventoryCapacity: 20, Inventory: []model.Item{{Code: "iron_ore", Quantity: 5}}}
	assert.True(t, r.CanRun(context.Background(), char))

	_, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.Equal(t, 0, char.InventoryCount(), "deposited item should be removed from the local record")
}

func TestDepositBankRoutine_RespectsGearStateKeep(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	client := &fakeClient{}
	inv := inventory.NewManager(fc)
	bank := inventory.NewBankOps(inv, client, nil)
	catalog := gamedata.NewInMemory()
	catalog.Monsters["green_slime"] = gamedata.Monster{Code: "green_slime", Level: 1, Type: "normal"}
	catalog.Items["copper_dagger"] = gamedata.Item{Code: "copper_dagger", Category: gamedata.CategoryWeapon, Slot: "weapon"}
	optimizer := gearopt.Func(func(char model.CharacterRecord, monsterCode string) (gearopt.Record, error) {
		return gearopt.Record{
			MonsterCode: monsterCode, MonsterLevel: 1,
			Loadout: gearopt.Loadout{Slots: model.EquippedSlots{Weapon: "copper_dagger"}},
			Sim:     combatsim.Result{Win: true, HPLostPercent: 10},
		}, nil
	})
	planner := gearstate.NewPlanner(catalog, optimizer, inv, nil, fc, nil, nil)
	char := model.CharacterRecord{Name: "alice", Level: 1, InventoryCapacity: 20}
	inv.Refresh(0, map[string]int{"copper_dagger": 1})
	require.NoError(t, planner.Recompute([]gearstate.CharacterInput{{Record: char}}))

	r := &DepositBankRoutine{Client: client, Bank: bank, Gear: planner, Config: DepositBankConfig{Threshold: 0}}
	live := &model.CharacterRecord{Name: "alice", InventoryCapacity: 20, Inventory: []model.Item{{Code: "copper_dagger", Quantity: 1}}}
	assert.False(t, r.CanRun(context.Background(), live), "the selected weapon is protected, nothing depositable")
}

// --- CompleteTaskRoutine ---

func TestCompleteTaskRoutine_CanRunOnlyWhenTaskComplete(t *testing.T) {
	r := &CompleteTaskRoutine{}
	char := &model.CharacterRecord{TaskCode: "t1", TaskTotal: 5, TaskProgress: 3}
	assert.False(t, r.CanRun(context.Background(), char))
	char.TaskProgress = 5
	assert.True(t, r.CanRun(context.Background(), char))
}

func TestCompleteTaskRoutine_ExecuteCompletesAndExchanges(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	client := &fakeClient{
		completeResult: gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice", TaskCoins: 6}},
	}
	inv := inventory.NewManager(fc)
	inv.Refresh(0, map[string]int{taskexchange.CoinCode: 100, "iron_ore": 10})
	bank := inventory.NewBankOps(inv, client, nil)
	ex := taskexchange.NewExchanger(client, inv, bank, fc, nil)

	r := &CompleteTaskRoutine{Client: client, Exchange: ex, Targets: taskexchange.Targets{"iron_ore": 1}}
	char := &model.CharacterRecord{Name: "alice", TaskCode: "t1", TaskTotal: 1, TaskProgress: 1, InventoryCapacity: 20}
	again, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, 1, client.completeCalls)
}

// --- EventRoutine ---

func newEventManager(fc clock.Clock, catalog gamedata.Catalog) *eventmgr.Manager {
	return eventmgr.NewManager(fc, catalog, nil)
}

func TestEventRoutine_CanRunFalseWhenDisabledOrInventoryFull(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	mgr := newEventManager(fc, nil)
	r := &EventRoutine{Events: mgr, Config: EventConfig{Enabled: false}}
	char := &model.CharacterRecord{InventoryCapacity: 10}
	assert.False(t, r.CanRun(context.Background(), char))

	r.Config.Enabled = true
	char.Inventory = []model.Item{{Code: "x", Quantity: 10}}
	assert.False(t, r.CanRun(context.Background(), char))
}

func TestEventRoutine_SelectsWinnableMonsterEvent(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	catalog := gamedata.NewInMemory()
	catalog.Monsters["green_slime"] = gamedata.Monster{Code: "green_slime", Level: 1, Type: "normal"}
	mgr := newEventManager(fc, catalog)
	mgr.HandleEventSpawn(map[string]any{
		"code": "ev1", "type": "monster", "content": map[string]any{"type": "monster", "code": "green_slime"},
		"map": map[string]any{"x": float64(3), "y": float64(4)},
	})

	optimizer := gearopt.Func(func(char model.CharacterRecord, monsterCode string) (gearopt.Record, error) {
		return gearopt.Record{MonsterCode: monsterCode, MonsterLevel: 1, Sim: combatsim.Result{Win: true, HPLostPercent: 5}}, nil
	})
	inv := inventory.NewManager(fc)
	planner := gearstate.NewPlanner(catalog, optimizer, inv, nil, fc, nil, nil)
	require.NoError(t, planner.Recompute([]gearstate.CharacterInput{{Record: model.CharacterRecord{Name: "alice", Level: 1, InventoryCapacity: 20}}}))

	r := &EventRoutine{
		Events: mgr, Catalog: catalog, Gear: planner, Clock: fc,
		Config: EventConfig{Enabled: true, MonsterEvents: true},
	}
	char := &model.CharacterRecord{Name: "alice", InventoryCapacity: 20}
	assert.True(t, r.CanRun(context.Background(), char))
	require.NotNil(t, r.target)
	assert.Equal(t, model.ContentMonster, r.target.contentType)
}

func TestEventRoutine_StickyTargetSurvivesAcrossTicks(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	catalog := gamedata.NewInMemory()
	catalog.Monsters["green_slime"] = gamedata.Monster{Code: "green_slime", Level: 1, Type: "normal"}
	mgr := newEventManager(fc, catalog)
	mgr.HandleEventSpawn(map[string]any{
		"code": "ev1", "content": map[string]any{"type": "monster", "code": "green_slime"},
		"map": map[string]any{"x": float64(1), "y": float64(1)},
	})
	optimizer := gearopt.Func(func(model.CharacterRecord, string) (gearopt.Record, error) {
		return gearopt.Record{MonsterLevel: 1, Sim: combatsim.Result{Win: true}}, nil
	})
	inv := inventory.NewManager(fc)
	planner := gearstate.NewPlanner(catalog, optimizer, inv, nil, fc, nil, nil)
	require.NoError(t, planner.Recompute([]gearstate.CharacterInput{{Record: model.CharacterRecord{Name: "alice", Level: 1, InventoryCapacity: 20}}}))

	r := &EventRoutine{Events: mgr, Catalog: catalog, Gear: planner, Clock: fc, Config: EventConfig{Enabled: true, MonsterEvents: true}}
	char := &model.CharacterRecord{Name: "alice", InventoryCapacity: 20}
	require.True(t, r.CanRun(context.Background(), char))
	first := r.target

	require.True(t, r.CanRun(context.Background(), char))
	assert.Same(t, first, r.target, "sticky target is kept while still active")
}

func TestEventRoutine_CanRunReleasesNPCLockWhenTargetEventGone(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	catalog := gamedata.NewInMemory()
	mgr := newEventManager(fc, catalog)
	mgr.HandleEventSpawn(map[string]any{
		"code": "ev1", "content": map[string]any{"type": "npc", "code": "clothier"},
		"map": map[string]any{"x": float64(1), "y": float64(1)},
	})

	r := &EventRoutine{Events: mgr, Catalog: catalog, Clock: fc, Config: EventConfig{Enabled: true, NpcEvents: true, NpcBuyList: map[string]int{"feather": 1}}}
	char := &model.CharacterRecord{Name: "alice", InventoryCapacity: 20}
	require.True(t, r.CanRun(context.Background(), char))
	require.NotNil(t, r.target)

	require.True(t, mgr.AcquireNPCLock("alice", r.target.npcCode, r.target.code))
	require.True(t, mgr.IsNPCLockHeld())

	mgr.HandleEventRemoved(r.target.code)
	require.False(t, r.CanRun(context.Background(), char))

	assert.False(t, mgr.IsNPCLockHeld(), "NPC lock must be released once the targeted event is gone, not left to expire by TTL")
}

func TestEventRoutine_ExecuteMovesThenFights(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	client := &fakeClient{actionResult: gameapi.ActionResult{Character: model.CharacterRecord{Name: "alice"}}}
	r := &EventRoutine{Client: client, Clock: fc, Config: EventConfig{Enabled: true}}
	r.target = &eventTarget{code: "ev1", contentType: model.ContentMonster, loc: model.MapLoc{X: 5, Y: 5}}

	char := &model.CharacterRecord{Name: "alice", X: 0, Y: 0}
	again, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, 1, client.moveCalls)
	assert.Equal(t, 0, client.fightCalls)

	char.X, char.Y = 5, 5
	again, err = r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, 1, client.fightCalls)
}

// --- SkillRotationRoutine ---

func TestSkillRotationRoutine_CanRunFalseWhenInventoryFull(t *testing.T) {
	r := &SkillRotationRoutine{}
	char := &model.CharacterRecord{InventoryCapacity: 2, Inventory: []model.Item{{Code: "x", Quantity: 2}}}
	assert.False(t, r.CanRun(context.Background(), char))
}

func TestSkillRotationRoutine_ExecuteDelegatesToEngine(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	inv := inventory.NewManager(fc)
	engine := &rotation.Engine{Catalog: gamedata.NewInMemory(), Clock: fc}
	state := model.NewRotationState()
	r := &SkillRotationRoutine{Engine: engine, State: state, Inv: inv}
	char := &model.CharacterRecord{Name: "alice", InventoryCapacity: 20}
	again, err := r.Execute(context.Background(), char)
	require.NoError(t, err)
	assert.False(t, again, "no viable skill target means the engine idles")
}
