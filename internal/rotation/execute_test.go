package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
	"artifactsbot/internal/taskexchange"
)

// fakeExchangeClient implements gameapi.Client with just enough behavior
// to drive the task-coin exchange: WithdrawBank succeeds unconditionally
// and TaskExchange hands back a fixed reward.
type fakeExchangeClient struct {
	rewardCode string
	rewardQty  int
}

func (f *fakeExchangeClient) Move(context.Context, string, int, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) Fight(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) Rest(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) Gather(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) Craft(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) Equip(context.Context, string, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) Unequip(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) WithdrawBank(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) DepositBank(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) WithdrawGold(context.Context, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) DepositGold(context.Context, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) GetBankDetails(context.Context) (int, error) { return 0, nil }
func (f *fakeExchangeClient) GetBankItems(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}
func (f *fakeExchangeClient) NpcBuy(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) AcceptTask(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) CompleteTask(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) CancelTask(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) TaskTrade(context.Context, string, string, int) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}
func (f *fakeExchangeClient) TaskExchange(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{Items: []model.Item{{Code: f.rewardCode, Quantity: f.rewardQty}}}, nil
}
func (f *fakeExchangeClient) BuyBankExpansion(context.Context, string) (gameapi.ActionResult, error) {
	return gameapi.ActionResult{}, nil
}

func taskRewardCatalog() *gamedata.InMemory {
	cat := gamedata.NewInMemory()
	cat.Items["feather"] = gamedata.Item{Code: "feather", Category: gamedata.CategoryResource, TaskReward: true}
	cat.Items["trinket"] = gamedata.Item{
		Code: "trinket", Category: gamedata.CategoryGear,
		Craft: &gamedata.CraftInfo{Skill: model.SkillJewelrycrafting, Level: 1, Ingredients: []gamedata.Ingredient{{Code: "feather", Quantity: 2}}},
	}
	return cat
}

func TestCanClaimCraftOrderNow_ProactiveExchangeUnblocksTaskRewardDependency(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cat := taskRewardCatalog()
	client := &fakeExchangeClient{rewardCode: "feather", rewardQty: 2}

	inv := inventory.NewManager(fc)
	inv.Refresh(0, map[string]int{taskexchange.CoinCode: 6})
	bank := inventory.NewBankOps(inv, client, nil)
	exchange := taskexchange.NewExchanger(client, inv, bank, fc, nil)

	e := &Engine{Catalog: cat, Exchange: exchange, Clock: fc}
	char := &model.CharacterRecord{Name: "alice", Level: 10, InventoryCapacity: 20}
	order := &model.Order{ItemCode: "trinket", RemainingQty: 1}

	vctx := NewViabilityContext(*char, cat, nil, inv.AvailableCount, char.ItemCount)

	reason := e.canClaimCraftOrderNow(context.Background(), order, char, vctx)
	assert.Empty(t, reason, "proactive exchange should have produced the missing feather and cleared the precheck")
	assert.Equal(t, 0, inv.AvailableCount(taskexchange.CoinCode), "the exchange should have spent the 6 coins it withdrew")
	assert.Equal(t, 2, inv.AvailableCount("feather"), "the reward should have landed in the bank")
}

func TestCanClaimCraftOrderNow_NonTaskRewardShortfallNeverTriesExchange(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cat := gamedata.NewInMemory()
	cat.Items["feather"] = gamedata.Item{Code: "feather", Category: gamedata.CategoryResource}
	cat.Items["trinket"] = gamedata.Item{
		Code: "trinket", Category: gamedata.CategoryGear,
		Craft: &gamedata.CraftInfo{Skill: model.SkillJewelrycrafting, Level: 1, Ingredients: []gamedata.Ingredient{{Code: "feather", Quantity: 2}}},
	}
	client := &fakeExchangeClient{rewardCode: "feather", rewardQty: 2}

	inv := inventory.NewManager(fc)
	inv.Refresh(0, map[string]int{taskexchange.CoinCode: 6})
	bank := inventory.NewBankOps(inv, client, nil)
	exchange := taskexchange.NewExchanger(client, inv, bank, fc, nil)

	e := &Engine{Catalog: cat, Exchange: exchange, Clock: fc}
	char := &model.CharacterRecord{Name: "alice", Level: 10, InventoryCapacity: 20}
	order := &model.Order{ItemCode: "trinket", RemainingQty: 1}

	vctx := NewViabilityContext(*char, cat, nil, inv.AvailableCount, char.ItemCount)

	reason := e.canClaimCraftOrderNow(context.Background(), order, char, vctx)
	require.Equal(t, "missing_bank_dependency:feather", reason, "feather isn't flagged TaskReward so the engine must not try to exchange for it")
	assert.Equal(t, 6, inv.AvailableCount(taskexchange.CoinCode), "coins must be untouched since no exchange attempt should have run")
}
