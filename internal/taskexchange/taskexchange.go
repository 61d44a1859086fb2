// Package taskexchange implements the process-wide task-coin exchange: a
// lock-protected procedure that trades tasks_coin in multiples of 6 for
// random rewards at the task master, looping until a set of target item
// quantities is met in bank+inventory or the process blocks on
// insufficient coins, a full inventory, or an API failure.
package taskexchange

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"artifactsbot/internal/apierr"
	"artifactsbot/internal/clock"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
)

const (
	// CoinCode is the item code traded at the task master.
	CoinCode = "tasks_coin"
	// CoinMultiple is the unit the task master exchanges coins in.
	CoinMultiple = 6
	// MinFreeInventorySlots is the free-capacity margin the exchange
	// keeps before calling the exchange API, so a random reward always
	// has room to land.
	MinFreeInventorySlots = 2
	// ProactiveBackoffMs gates how often a non-resolving proactive
	// attempt can retry for the same character.
	ProactiveBackoffMs = 60_000
)

// Targets maps an item code to the total (bank + inventory) quantity a
// caller wants on hand; it is derived from rotation config plus a
// transient extra code the caller is currently blocked on.
type Targets map[string]int

// Met reports whether bank+inventory already covers every (code, qty) in t.
func (t Targets) Met(char *model.CharacterRecord, bankItems map[string]int) bool {
	for code, qty := range t {
		if qty <= 0 {
			continue
		}
		have := char.ItemCount(code) + bankItems[code]
		if have < qty {
			return false
		}
	}
	return true
}

// Exchanger runs the task-coin exchange procedure behind a single
// process-wide lock: at most one character's exchange runs at a time,
// since the task master interaction has no per-character isolation.
type Exchanger struct {
	mu sync.Mutex

	backoffMu       sync.Mutex
	nextProactiveAt map[string]int64

	Client gameapi.Client
	Inv    *inventory.Manager
	Bank   *inventory.BankOps
	Clock  clock.Clock
	Log    *zap.Logger
}

// NewExchanger builds an Exchanger bound to client/inv/bank.
func NewExchanger(client gameapi.Client, inv *inventory.Manager, bank *inventory.BankOps, c clock.Clock, log *zap.Logger) *Exchanger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchanger{
		Client: client, Inv: inv, Bank: bank, Clock: c, Log: log,
		nextProactiveAt: map[string]int64{},
	}
}

// Run executes the exchange procedure for charName until targets are met
// or it blocks, folding each API response's returned character back into
// char. Returns (true, nil) once targets are met (including immediately,
// if they already were before acquiring the lock).
func (e *Exchanger) Run(ctx context.Context, charName string, char *model.CharacterRecord, targets Targets) (bool, error) {
	if targets.Met(char, e.Inv.Snapshot().Items) {
		return true, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		bankItems := e.Inv.Snapshot().Items
		if targets.Met(char, bankItems) {
			return true, nil
		}

		haveCoins := char.ItemCount(CoinCode)
		if haveCoins < CoinMultiple {
			withdrawn, err := e.Bank.WithdrawBatch(ctx, charName, []inventory.WithdrawRequest{
				{ItemCode: CoinCode, Quantity: CoinMultiple - haveCoins},
			})
			if err != nil {
				return false, err
			}
			haveCoins += withdrawn[CoinCode]
			if haveCoins < CoinMultiple {
				e.Log.Info("task-coin exchange blocked on insufficient coins",
					zap.String("char", charName), zap.Int("have", haveCoins))
				return false, apierr.ErrInsufficientTaskCoins
			}
		}

		freeSlots := char.InventoryCapacity - char.InventoryCount()
		if freeSlots < MinFreeInventorySlots {
			e.Log.Info("task-coin exchange blocked on full inventory", zap.String("char", charName))
			return false, apierr.ErrInventoryFull
		}

		res, err := e.Client.TaskExchange(ctx, charName)
		if err != nil {
			return false, err
		}
		*char = res.Character

		deposits := map[string]int{}
		for _, it := range res.Items {
			if need, ok := targets[it.Code]; ok && need > 0 {
				deposits[it.Code] += it.Quantity
			}
		}
		if len(deposits) > 0 {
			if err := e.Bank.DepositBatch(ctx, charName, deposits); err != nil {
				return false, err
			}
		}
	}
}

// DueForProactive reports whether charName's 60s proactive backoff has
// elapsed (or never started).
func (e *Exchanger) DueForProactive(charName string, nowMs int64) bool {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	next, ok := e.nextProactiveAt[charName]
	return !ok || nowMs >= next
}

// TryProactive runs the exchange for a single code the rotation is
// currently blocked on, gated by DueForProactive. On a non-resolving
// attempt (targets still unmet after Run returns) it arms the 60s backoff;
// a resolving attempt clears it so the next dependency can exchange
// immediately.
func (e *Exchanger) TryProactive(ctx context.Context, charName string, char *model.CharacterRecord, code string, qty int, nowMs int64) (bool, error) {
	if !e.DueForProactive(charName, nowMs) {
		return false, nil
	}
	ok, err := e.Run(ctx, charName, char, Targets{code: qty})

	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	if ok {
		delete(e.nextProactiveAt, charName)
	} else {
		e.nextProactiveAt[charName] = nowMs + ProactiveBackoffMs
	}
	return ok, err
}
