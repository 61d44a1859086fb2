package inventory

import (
	"context"

	"go.uber.org/zap"

	"artifactsbot/internal/gameapi"
)

// WithdrawRequest is one item of a batched withdraw.
type WithdrawRequest struct {
	ItemCode string
	Quantity int
}

// BankOps performs batched withdraw/deposit against the manager's cached
// snapshot with the reserve-fail-then-refresh-then-per-item fallback:
// reserves intended withdraws against the last snapshot, fails fast on
// mismatch, force-refreshes, and optionally falls back per-item.
type BankOps struct {
	mgr    *Manager
	client gameapi.Client
	log    *zap.Logger
}

// NewBankOps builds a BankOps bound to mgr and client.
func NewBankOps(mgr *Manager, client gameapi.Client, log *zap.Logger) *BankOps {
	if log == nil {
		log = zap.NewNop()
	}
	return &BankOps{mgr: mgr, client: client, log: log}
}

// WithdrawBatch attempts to reserve and withdraw every request in one pass.
// If reservation against the cached snapshot fails for any item, it
// force-refreshes the bank from the server and retries the whole batch
// once; if that still fails, it falls back to withdrawing whatever items it
// can individually, skipping the ones it can't (returns the set actually
// withdrawn).
func (b *BankOps) WithdrawBatch(ctx context.Context, charName string, reqs []WithdrawRequest) (map[string]int, error) {
	if ok := b.reserveAll(charName, reqs); ok {
		return b.commitWithdraws(ctx, charName, reqs)
	}

	b.log.Info("bank reservation mismatch, forcing refresh", zap.String("char", charName))
	if err := b.refresh(ctx); err != nil {
		return nil, err
	}

	if ok := b.reserveAll(charName, reqs); ok {
		return b.commitWithdraws(ctx, charName, reqs)
	}

	b.log.Info("bank reservation still mismatched after refresh, falling back per-item", zap.String("char", charName))
	return b.withdrawPerItemFallback(ctx, charName, reqs)
}

func (b *BankOps) reserveAll(charName string, reqs []WithdrawRequest) bool {
	reserved := make([]WithdrawRequest, 0, len(reqs))
	for _, r := range reqs {
		if !b.mgr.Reserve(charName, r.ItemCode, r.Quantity) {
			for _, done := range reserved {
				b.mgr.Release(charName, done.ItemCode, done.Quantity)
			}
			return false
		}
		reserved = append(reserved, r)
	}
	return true
}

func (b *BankOps) commitWithdraws(ctx context.Context, charName string, reqs []WithdrawRequest) (map[string]int, error) {
	done := map[string]int{}
	for _, r := range reqs {
		if r.Quantity <= 0 {
			continue
		}
		if _, err := b.client.WithdrawBank(ctx, charName, r.ItemCode, r.Quantity); err != nil {
			b.mgr.Release(charName, r.ItemCode, r.Quantity)
			return done, err
		}
		b.mgr.ApplyWithdraw(charName, r.ItemCode, r.Quantity)
		done[r.ItemCode] += r.Quantity
	}
	return done, nil
}

func (b *BankOps) withdrawPerItemFallback(ctx context.Context, charName string, reqs []WithdrawRequest) (map[string]int, error) {
	done := map[string]int{}
	for _, r := range reqs {
		if r.Quantity <= 0 {
			continue
		}
		avail := b.mgr.AvailableCount(r.ItemCode)
		qty := r.Quantity
		if avail < qty {
			qty = avail
		}
		if qty <= 0 {
			continue
		}
		if !b.mgr.Reserve(charName, r.ItemCode, qty) {
			continue
		}
		if _, err := b.client.WithdrawBank(ctx, charName, r.ItemCode, qty); err != nil {
			b.mgr.Release(charName, r.ItemCode, qty)
			b.log.Warn("per-item withdraw failed", zap.String("item", r.ItemCode), zap.Error(err))
			continue
		}
		b.mgr.ApplyWithdraw(charName, r.ItemCode, qty)
		done[r.ItemCode] += qty
	}
	return done, nil
}

// DepositBatch deposits every item, applying each to the cache as it succeeds.
func (b *BankOps) DepositBatch(ctx context.Context, charName string, items map[string]int) error {
	for code, qty := range items {
		if qty <= 0 {
			continue
		}
		if _, err := b.client.DepositBank(ctx, charName, code, qty); err != nil {
			return err
		}
		b.mgr.ApplyDeposit(code, qty)
	}
	return nil
}

func (b *BankOps) refresh(ctx context.Context) error {
	gold, err := b.client.GetBankDetails(ctx)
	if err != nil {
		return err
	}
	items, err := b.client.GetBankItems(ctx)
	if err != nil {
		return err
	}
	b.mgr.Refresh(gold, items)
	return nil
}
