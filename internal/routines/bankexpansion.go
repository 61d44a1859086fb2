package routines

import (
	"context"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
)

// BankExpansionConfig configures BankExpansionRoutine.
type BankExpansionConfig struct {
	// MaxGoldPct caps the expansion cost as a fraction (0..1) of the
	// character's gold plus the cached bank gold.
	MaxGoldPct float64
	// GoldBuffer is the minimum gold that must remain after buying.
	GoldBuffer int
	// CheckIntervalMs throttles how often CanRun re-evaluates affordability.
	CheckIntervalMs int64
}

// CostLookup returns the bank's next expansion cost and whether it is
// known. CanRun and Execute call it directly, so it should be cheap and
// non-blocking. The app wiring leaves it nil, and with no cost known
// CanRun reports false.
type CostLookup func() (cost int, known bool)

// BankExpansionRoutine buys the next bank-slot expansion, affording it
// against the character's carried gold plus whatever sits in the shared
// bank, withdrawing the shortfall before the purchase call (the purchase
// itself is still billed to the character directly).
type BankExpansionRoutine struct {
	CharName string
	Client   gameapi.Client
	Cost     CostLookup
	Inv      *inventory.Manager
	Config   BankExpansionConfig
	Clock    clock.Clock
	Log      *zap.Logger

	nextCheckAt int64
}

func (r *BankExpansionRoutine) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *BankExpansionRoutine) Name() string  { return "bankExpansion" }
func (r *BankExpansionRoutine) Priority() int { return 55 }
func (r *BankExpansionRoutine) Loop() bool    { return false }
func (r *BankExpansionRoutine) Urgent() bool  { return false }

func (r *BankExpansionRoutine) CanRun(_ context.Context, char *model.CharacterRecord) bool {
	if r.Cost == nil || r.Clock == nil {
		return false
	}
	now := r.Clock.NowMs()
	if now < r.nextCheckAt {
		return false
	}
	cost, known := r.Cost()
	if !known || cost <= 0 {
		return false
	}
	combined := char.Gold + r.bankGold()
	maxSpend := int(float64(combined) * r.Config.MaxGoldPct)
	if cost > maxSpend {
		return false
	}
	return combined-cost >= r.Config.GoldBuffer
}

// bankGold returns the cached bank gold balance, or 0 if no inventory
// manager is wired (affordability then falls back to char gold alone).
func (r *BankExpansionRoutine) bankGold() int {
	if r.Inv == nil {
		return 0
	}
	return r.Inv.Snapshot().Gold
}

func (r *BankExpansionRoutine) CanBePreempted(context.Context, *model.CharacterRecord) bool {
	return true
}

func (r *BankExpansionRoutine) Execute(ctx context.Context, char *model.CharacterRecord) (bool, error) {
	if r.Clock != nil {
		interval := r.Config.CheckIntervalMs
		if interval <= 0 {
			interval = int64(5 * time.Minute / time.Millisecond)
		}
		r.nextCheckAt = r.Clock.NowMs() + interval
	}

	if cost, known := r.Cost(); known {
		if shortfall := cost - char.Gold; shortfall > 0 {
			res, err := r.Client.WithdrawGold(ctx, char.Name, shortfall)
			if err != nil {
				r.log().Warn("bank expansion gold withdrawal failed", zap.String("char", char.Name), zap.Error(err))
				return false, err
			}
			*char = res.Character
			if r.Inv != nil {
				r.Inv.ApplyGoldDelta(-shortfall)
			}
		}
	}

	res, err := r.Client.BuyBankExpansion(ctx, char.Name)
	if err != nil {
		r.log().Warn("bank expansion purchase failed", zap.String("char", char.Name), zap.Error(err))
		return false, err
	}
	*char = res.Character
	return false, nil
}

func (r *BankExpansionRoutine) UpdateConfig(cfg any) {
	if c, ok := cfg.(CharacterConfig); ok {
		r.Config = c.BankExpansion
	}
}
