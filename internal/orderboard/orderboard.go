// Package orderboard implements the persistent, process-wide registry of
// cooperative work items: merge-keyed orders, leased claims, opportunistic
// deposits, and per-character block lists.
package orderboard

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/model"
)

// Default lease/block durations for claims.
const (
	DefaultLeaseMs        = 120_000
	DefaultBlockedRetryMs = 600_000
	MinLeaseMs            = 1_000
	MinBlockedRetryMs     = 1_000
	persistDebounce       = 250 * time.Millisecond
	fileVersion           = 1
)

// CreateRequest is the input to CreateOrMergeOrder.
type CreateRequest struct {
	SourceType    model.OrderSource
	SourceCode    string
	ItemCode      string
	RequesterName string
	Recipe        string
	GatherSkill   string
	CraftSkill    string
	SourceLevel   int
	Quantity      int
}

// ClaimRequest is the input to ClaimOrder/RenewClaim.
type ClaimRequest struct {
	CharName string
	LeaseMs  int64
}

// ListFilter narrows ListClaimableOrders.
type ListFilter struct {
	SourceType  model.OrderSource
	GatherSkill string
	CraftSkill  string
	CharName    string
}

// EventListener is invoked synchronously after any board mutation
// (synchronous fanout, not a buffered channel).
type EventListener func(reason string, snapshot model.BoardSnapshot)

// Persister flushes a board file to disk; split out of Board so tests can
// swap in a no-op.
type Persister interface {
	Save(file model.OrderBoardFile) error
	Load() (*model.OrderBoardFile, error)
}

// Board is the in-memory order registry plus debounced persistence.
type Board struct {
	mu    sync.Mutex
	clock clock.Clock
	log   *zap.Logger
	pers  Persister

	orders map[string]*model.Order // by id
	byKey  map[string]string       // mergeKey -> id, only for non-fulfilled orders

	listeners []EventListener

	flushTimer *time.Timer
}

// NewBoard constructs an empty board. Call Initialize to load persisted state.
func NewBoard(c clock.Clock, pers Persister, log *zap.Logger) *Board {
	if log == nil {
		log = zap.NewNop()
	}
	return &Board{
		clock:  c,
		log:    log,
		pers:   pers,
		orders: map[string]*model.Order{},
		byKey:  map[string]string{},
	}
}

// Initialize loads the prior persisted file, if any, reopening stale claims
// and pruning past blocks.
func (b *Board) Initialize() error {
	if b.pers == nil {
		return nil
	}
	file, err := b.pers.Load()
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.NowMs()
	for _, o := range file.Orders {
		if o.Claim != nil && o.Claim.Expired(now) {
			o.Claim = nil
			if o.Status == model.StatusClaimed {
				o.Status = model.StatusOpen
			}
		}
		for char, exp := range o.BlockedByChar {
			if exp <= now {
				delete(o.BlockedByChar, char)
			}
		}
		b.orders[o.ID] = o
		if o.Status != model.StatusFulfilled {
			b.byKey[o.MergeKey] = o.ID
		}
	}
	return nil
}

// Subscribe registers listener for fanout on every mutation.
func (b *Board) Subscribe(listener EventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

func (b *Board) notifyLocked(reason string) {
	snap := b.snapshotLocked()
	listeners := append([]EventListener(nil), b.listeners...)
	b.schedulePersistLocked()
	// Listeners must not call back into the board; doing so deadlocks.
	for _, l := range listeners {
		l(reason, snap)
	}
}

// CreateOrMergeOrder validates the request and creates or merges it into an
// existing non-fulfilled order by merge key.
func (b *Board) CreateOrMergeOrder(req CreateRequest) (*model.Order, error) {
	if req.Quantity <= 0 {
		return nil, errInvalidQuantity
	}
	switch req.SourceType {
	case model.SourceGather, model.SourceFight, model.SourceCraft:
	default:
		return nil, errInvalidSourceType
	}
	if req.SourceCode == "" || req.ItemCode == "" || req.RequesterName == "" {
		return nil, errInvalidArgument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.NowMs()
	mergeKey := model.MergeKey(req.SourceType, req.SourceCode, req.ItemCode)

	var order *model.Order
	if id, ok := b.byKey[mergeKey]; ok {
		order = b.orders[id]
	}
	if order == nil {
		order = &model.Order{
			ID:            uuid.NewString(),
			MergeKey:      mergeKey,
			ItemCode:      req.ItemCode,
			SourceType:    req.SourceType,
			SourceCode:    req.SourceCode,
			GatherSkill:   req.GatherSkill,
			CraftSkill:    req.CraftSkill,
			SourceLevel:   req.SourceLevel,
			Status:        model.StatusOpen,
			Requesters:    map[string]bool{},
			Recipes:       map[string]bool{},
			Contributions: map[string]int{},
			BlockedByChar: map[string]int64{},
			CreatedAtMs:   now,
		}
		b.orders[order.ID] = order
		b.byKey[mergeKey] = order.ID
	}

	order.Requesters[req.RequesterName] = true
	if req.Recipe != "" {
		order.Recipes[req.Recipe] = true
	}

	key := model.ContributionKey(req.RequesterName, req.Recipe)
	prev := order.Contributions[key]
	if prev == 0 {
		order.RequestedQty += req.Quantity
		order.RemainingQty += req.Quantity
		order.Contributions[key] = req.Quantity
	} else if req.Quantity > prev {
		delta := req.Quantity - prev
		order.RequestedQty += delta
		order.RemainingQty += delta
		order.Contributions[key] = req.Quantity
	}
	order.UpdatedAtMs = now

	b.notifyLocked("create_or_merge")
	return order.Clone(), nil
}

// ListClaimableOrders returns deep copies of open orders matching filter
// that have no active block for filter.CharName.
func (b *Board) ListClaimableOrders(filter ListFilter) []*model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.NowMs()
	var out []*model.Order
	for _, o := range b.orders {
		b.pruneBlocksLocked(o, now)
		if o.Status != model.StatusOpen {
			continue
		}
		if filter.SourceType != "" && o.SourceType != filter.SourceType {
			continue
		}
		if filter.GatherSkill != "" && o.GatherSkill != filter.GatherSkill {
			continue
		}
		if filter.CraftSkill != "" && o.CraftSkill != filter.CraftSkill {
			continue
		}
		if filter.CharName != "" {
			if exp, blocked := o.BlockedByChar[filter.CharName]; blocked && exp > now {
				continue
			}
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := ClaimBucket(out[i]), ClaimBucket(out[j])
		if bi != bj {
			return bi < bj
		}
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// defaultBucketClassifier maps an order to its claim-priority bucket
// (tool:0, resource:1, weapon:2, gear:3). Callers that care about the
// tool-vs-resource split for gather orders should wire a game-data-aware
// classifier via SetBucketClassifier; the default treats every gather
// order as "resource" and every fight order as "weapon".
var defaultBucketClassifier = func(o *model.Order) model.ClaimBucket {
	switch o.SourceType {
	case model.SourceGather:
		return model.BucketResource
	case model.SourceFight:
		return model.BucketWeapon
	default:
		return model.BucketGear
	}
}

var bucketClassifierMu sync.RWMutex
var bucketClassifier = defaultBucketClassifier

// SetBucketClassifier overrides the claim-bucket classification function,
// e.g. with one that consults the game-data catalog to distinguish tool
// orders from plain resource orders.
func SetBucketClassifier(f func(*model.Order) model.ClaimBucket) {
	bucketClassifierMu.Lock()
	defer bucketClassifierMu.Unlock()
	bucketClassifier = f
}

// ClaimBucket classifies o using the currently installed classifier.
func ClaimBucket(o *model.Order) model.ClaimBucket {
	bucketClassifierMu.RLock()
	defer bucketClassifierMu.RUnlock()
	return bucketClassifier(o)
}

func (b *Board) pruneBlocksLocked(o *model.Order, now int64) {
	for char, exp := range o.BlockedByChar {
		if exp <= now {
			delete(o.BlockedByChar, char)
		}
	}
}

// ClaimOrder attempts to acquire or renew-in-place a claim.
func (b *Board) ClaimOrder(id string, req ClaimRequest) (*model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, errOrderNotFound
	}
	now := b.clock.NowMs()
	b.pruneBlocksLocked(o, now)

	if o.Status == model.StatusFulfilled {
		return nil, errOrderFulfilled
	}
	if exp, blocked := o.BlockedByChar[req.CharName]; blocked && exp > now {
		return nil, errCharBlocked
	}
	if o.Claim != nil && !o.Claim.Expired(now) && o.Claim.CharName != req.CharName {
		return nil, errClaimHeldByOther
	}

	leaseMs := req.LeaseMs
	if leaseMs < MinLeaseMs {
		leaseMs = DefaultLeaseMs
	}

	claimedAt := now
	if o.Claim != nil && o.Claim.CharName == req.CharName {
		claimedAt = o.Claim.ClaimedAtMs
	}
	o.Claim = &model.Claim{
		CharName:    req.CharName,
		ClaimedAtMs: claimedAt,
		LeaseMs:     leaseMs,
		ExpiresAtMs: now + leaseMs,
	}
	o.Status = model.StatusClaimed
	o.UpdatedAtMs = now

	b.notifyLocked("claim")
	return o.Clone(), nil
}

// RenewClaim extends an existing, unexpired claim held by req.CharName.
func (b *Board) RenewClaim(id string, req ClaimRequest) (*model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, errOrderNotFound
	}
	now := b.clock.NowMs()
	if o.Claim == nil || o.Claim.CharName != req.CharName || o.Claim.Expired(now) {
		return nil, errClaimNotHeld
	}
	leaseMs := req.LeaseMs
	if leaseMs < MinLeaseMs {
		leaseMs = DefaultLeaseMs
	}
	o.Claim.LeaseMs = leaseMs
	o.Claim.ExpiresAtMs = now + leaseMs
	o.UpdatedAtMs = now

	b.notifyLocked("renew_claim")
	return o.Clone(), nil
}

// ReleaseClaim clears the claim if held by charName (or unconditionally if
// charName == ""). A no-op if the order isn't currently claimed by charName.
func (b *Board) ReleaseClaim(id string, charName, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return errOrderNotFound
	}
	if o.Claim == nil {
		return nil
	}
	if charName != "" && o.Claim.CharName != charName {
		return nil
	}
	o.Claim = nil
	if o.Status == model.StatusClaimed {
		o.Status = model.StatusOpen
	}
	o.UpdatedAtMs = b.clock.NowMs()

	b.log.Info("claim released", zap.String("order_id", id), zap.String("char", charName), zap.String("reason", reason))
	b.notifyLocked("release_claim")
	return nil
}

// MarkCharBlocked blocks charName from claiming id until blockedRetryMs
// elapses, clearing charName's claim first if they hold it.
func (b *Board) MarkCharBlocked(id, charName string, blockedRetryMs int64) error {
	if blockedRetryMs < MinBlockedRetryMs {
		blockedRetryMs = DefaultBlockedRetryMs
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return errOrderNotFound
	}
	now := b.clock.NowMs()
	if o.Claim != nil && o.Claim.CharName == charName {
		o.Claim = nil
		if o.Status == model.StatusClaimed {
			o.Status = model.StatusOpen
		}
	}
	if o.BlockedByChar == nil {
		o.BlockedByChar = map[string]int64{}
	}
	o.BlockedByChar[charName] = now + blockedRetryMs
	o.UpdatedAtMs = now

	b.notifyLocked("mark_blocked")
	return nil
}

// RecordDepositsRequest is the input to RecordDeposits.
type RecordDepositsRequest struct {
	CharName string
	Items    map[string]int
}

// RecordDeposits applies a two-pass fulfillment: claimer
// contributions first (non-opportunistic), then open orders (opportunistic).
// Conservative: never applies more than the deposited quantity in total
// across rows for the same item.
func (b *Board) RecordDeposits(req RecordDepositsRequest) []model.DepositRow {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.NowMs()
	remaining := make(map[string]int, len(req.Items))
	for code, qty := range req.Items {
		remaining[code] = qty
	}

	ordered := b.orderedOrdersLocked()

	var rows []model.DepositRow

	// Pass 1: orders claimed by this character.
	for _, o := range ordered {
		if o.Status == model.StatusFulfilled {
			continue
		}
		if o.Claim == nil || o.Claim.CharName != req.CharName || o.Claim.Expired(now) {
			continue
		}
		rows = append(rows, b.applyDepositLocked(o, req.CharName, remaining, false, now)...)
	}

	// Pass 2: open orders, opportunistic.
	for _, o := range ordered {
		if o.Status != model.StatusOpen {
			continue
		}
		rows = append(rows, b.applyDepositLocked(o, req.CharName, remaining, true, now)...)
	}

	if len(rows) > 0 {
		b.notifyLocked("record_deposits")
	}
	return rows
}

func (b *Board) applyDepositLocked(o *model.Order, charName string, remaining map[string]int, opportunistic bool, now int64) []model.DepositRow {
	if o.ItemCode == "" {
		return nil
	}
	avail := remaining[o.ItemCode]
	if avail <= 0 || o.RemainingQty <= 0 {
		return nil
	}
	qty := avail
	if o.RemainingQty < qty {
		qty = o.RemainingQty
	}
	if qty <= 0 {
		return nil
	}

	remaining[o.ItemCode] -= qty
	o.RemainingQty -= qty
	o.UpdatedAtMs = now
	if o.RemainingQty <= 0 {
		o.RemainingQty = 0
		o.Status = model.StatusFulfilled
		o.FulfilledAtMs = now
		delete(b.byKey, o.MergeKey)
	}

	return []model.DepositRow{{
		OrderID:       o.ID,
		ItemCode:      o.ItemCode,
		Quantity:      qty,
		Opportunistic: opportunistic,
		Status:        o.Status,
	}}
}

func (b *Board) orderedOrdersLocked() []*model.Order {
	out := make([]*model.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetOrderBoardSnapshot returns a deep-copied, sorted snapshot of the board.
func (b *Board) GetOrderBoardSnapshot() model.BoardSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Board) snapshotLocked() model.BoardSnapshot {
	orders := b.orderedOrdersLocked()
	clones := make([]*model.Order, len(orders))
	for i, o := range orders {
		clones[i] = o.Clone()
	}
	return model.BoardSnapshot{UpdatedAtMs: b.clock.NowMs(), Orders: clones}
}

// ClearOrderBoard wipes every order; used by the runtime manager's
// first-run rollout and the manual-clear control endpoint.
func (b *Board) ClearOrderBoard(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = map[string]*model.Order{}
	b.byKey = map[string]string{}
	b.log.Info("order board cleared", zap.String("reason", reason))
	b.notifyLocked("clear")
}

// ReleaseClaimsForChars releases every claim held by any of names, used on
// shutdown.
func (b *Board) ReleaseClaimsForChars(names []string, reason string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.NowMs()
	changed := false
	for _, o := range b.orders {
		if o.Claim != nil && set[o.Claim.CharName] {
			o.Claim = nil
			if o.Status == model.StatusClaimed {
				o.Status = model.StatusOpen
			}
			o.UpdatedAtMs = now
			changed = true
		}
	}
	if changed {
		b.log.Info("claims released for shutdown", zap.String("reason", reason))
		b.notifyLocked("release_claims_for_chars")
	}
}

// SweepStaleClaims clears every claim whose lease has lapsed, flipping
// the order back to open so it reappears in ListClaimableOrders. Claim
// expiry is otherwise only checked lazily (on the next ClaimOrder,
// RenewClaim, or Initialize call for that specific order), which leaves
// an abandoned claim invisible to every other character until something
// happens to touch it; this is the periodic housekeeping counterpart to
// that same lazy check.
func (b *Board) SweepStaleClaims() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.NowMs()
	swept := 0
	for _, o := range b.orders {
		if o.Claim != nil && o.Claim.Expired(now) {
			o.Claim = nil
			if o.Status == model.StatusClaimed {
				o.Status = model.StatusOpen
			}
			o.UpdatedAtMs = now
			swept++
		}
	}
	if swept > 0 {
		b.log.Info("stale claims swept", zap.Int("count", swept))
		b.notifyLocked("sweep_stale_claims")
	}
	return swept
}
