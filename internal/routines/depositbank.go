package routines

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/gearstate"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
)

// DepositBankConfig configures DepositBankRoutine.
type DepositBankConfig struct {
	// Threshold is depositable/capacity; 0 means "deposit whenever there's
	// anything depositable at all".
	Threshold float64
	// DepositGold additionally deposits all carried gold when depositing items.
	DepositGold bool
	// SellOnGE and RecycleEquipment name behavior this core does not
	// implement: no Grand Exchange or item-recycling API exists on the
	// client surface, so these are accepted for config-shape compatibility
	// and otherwise ignored.
	SellOnGE         bool
	RecycleEquipment bool
}

// DepositBankRoutine deposits carried items the gear-state planner hasn't
// reserved this character first-dibs on, keeping only what GetOwnedKeepByCodeForInventory
// says to hold back.
type DepositBankRoutine struct {
	CharName string
	Client   gameapi.Client
	Bank     *inventory.BankOps
	Gear     *gearstate.Planner
	Config   DepositBankConfig
	Log      *zap.Logger
}

func (r *DepositBankRoutine) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *DepositBankRoutine) Name() string  { return "depositBank" }
func (r *DepositBankRoutine) Priority() int { return 50 }
func (r *DepositBankRoutine) Loop() bool    { return false }
func (r *DepositBankRoutine) Urgent() bool  { return false }

// depositable returns the per-item quantities safe to deposit: carried
// minus whatever the gear-state planner says this character should keep.
func (r *DepositBankRoutine) depositable(char *model.CharacterRecord) map[string]int {
	var keep map[string]int
	if r.Gear != nil {
		keep = r.Gear.GetOwnedKeepByCodeForInventory(char.Name)
	}
	out := map[string]int{}
	for _, it := range char.Inventory {
		have := it.Quantity
		if keep != nil {
			have -= keep[it.Code]
		}
		if have > 0 {
			out[it.Code] += have
		}
	}
	return out
}

func (r *DepositBankRoutine) CanRun(_ context.Context, char *model.CharacterRecord) bool {
	if char.InventoryCapacity <= 0 {
		return false
	}
	total := 0
	for _, qty := range r.depositable(char) {
		total += qty
	}
	if r.Config.Threshold <= 0 {
		return total > 0
	}
	return float64(total)/float64(char.InventoryCapacity) >= r.Config.Threshold
}

func (r *DepositBankRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool {
	return true
}

func (r *DepositBankRoutine) Execute(ctx context.Context, char *model.CharacterRecord) (bool, error) {
	deposits := r.depositable(char)
	if err := r.Bank.DepositBatch(ctx, char.Name, deposits); err != nil {
		r.log().Warn("bank deposit failed", zap.String("char", char.Name), zap.Error(err))
		return false, err
	}
	applyDeposits(char, deposits)

	if r.Config.DepositGold && char.Gold > 0 {
		res, err := r.Client.DepositGold(ctx, char.Name, char.Gold)
		if err != nil {
			r.log().Warn("gold deposit failed", zap.String("char", char.Name), zap.Error(err))
			return false, err
		}
		*char = res.Character
	}
	return false, nil
}

// applyDeposits decrements char.Inventory by the deposited quantities.
// DepositBatch only updates the shared bank cache, so the character's own
// record needs a local adjustment until its next authoritative refresh.
func applyDeposits(char *model.CharacterRecord, deposits map[string]int) {
	out := char.Inventory[:0]
	for _, it := range char.Inventory {
		remaining := it.Quantity - deposits[it.Code]
		if remaining > 0 {
			out = append(out, model.Item{Code: it.Code, Quantity: remaining})
		}
	}
	char.Inventory = out
}

func (r *DepositBankRoutine) UpdateConfig(cfg any) {
	if c, ok := cfg.(CharacterConfig); ok {
		r.Config = c.DepositBank
	}
}
