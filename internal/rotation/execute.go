package rotation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/combatsim"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gameapi"
	"artifactsbot/internal/gearopt"
	"artifactsbot/internal/gearstate"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
	"artifactsbot/internal/orderboard"
	"artifactsbot/internal/taskexchange"
)

// Engine wires the skill-rotation decision loop to the live game client,
// the order board, and the gear-state planner. One Engine is shared
// across characters; all per-character mutable state lives in the
// RotationState/CharacterRecord the caller passes in.
type Engine struct {
	Catalog   gamedata.Catalog
	Optimizer gearopt.Optimizer
	Client    gameapi.Client
	Board     *orderboard.Board
	Gear      *gearstate.Planner
	// Exchange, if set, lets a bank-dependency shortfall on an item the
	// catalog marks TaskReward trigger a proactive task-coin exchange
	// (gated by its own per-character backoff) instead of blocking the
	// order outright. Nil means that shortfall blocks like any other.
	Exchange *taskexchange.Exchanger
	Clock    clock.Clock
	Log      *zap.Logger

	DefaultLeaseMs        int64
	DefaultBlockedRetryMs int64
}

func (e *Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Engine) leaseMs() int64 {
	if e.DefaultLeaseMs > 0 {
		return e.DefaultLeaseMs
	}
	return orderboard.DefaultLeaseMs
}

func (e *Engine) blockedRetryMs() int64 {
	if e.DefaultBlockedRetryMs > 0 {
		return e.DefaultBlockedRetryMs
	}
	return orderboard.DefaultBlockedRetryMs
}

// Execute runs one tick of the decision loop for char. If state has no
// current skill or its goal is complete, it calls PickNext first; an
// empty result after that means idle (returns false, nil).
func (e *Engine) Execute(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager, bankItems map[string]int) (bool, error) {
	if state.CurrentSkill == "" || state.GoalProgress >= state.GoalTarget {
		d := e.pickNextDeps(char, inv, bankItems, state)
		if !PickNext(state, nil, nil, d, e.currentBatch(char, inv, 0)) {
			return false, nil
		}
	}

	switch {
	case isGatherSkill(state.CurrentSkill):
		return e.executeGathering(ctx, state, char, inv)
	case isCraftSkill(state.CurrentSkill) || state.CurrentSkill == model.SkillAlchemy:
		return e.executeCrafting(ctx, state, char, inv, bankItems)
	case state.CurrentSkill == model.SkillCombat:
		return e.executeCombat(ctx, state, char)
	case state.CurrentSkill == model.SkillNPCTask:
		return e.executeNpcTask(ctx, state, char)
	case state.CurrentSkill == model.SkillItemTask:
		return e.executeItemTask(ctx, state, char, inv)
	}
	return false, nil
}

func (e *Engine) pickNextDeps(char *model.CharacterRecord, inv *inventory.Manager, bankItems map[string]int, state *model.RotationState) Deps {
	bestTarget := ""
	if e.Gear != nil {
		if row := e.Gear.GetRow(char.Name); row != nil {
			bestTarget = row.BestTarget
		}
	}
	return Deps{
		Catalog:      e.Catalog,
		Optimizer:    e.Optimizer,
		Char:         *char,
		BankHas:      func(code string) int { return bankItems[code] },
		InventoryHas: func(code string) int { return char.ItemCount(code) },
		NowMs:        e.Clock.NowMs(),
		BestTarget:   bestTarget,
		EmitDeficiency: func(skill model.SkillMode, d DeficientStep) {
			if e.Board == nil {
				return
			}
			e.emitOrderForDeficiency(char.Name, skill, d)
		},
	}
}

// reservedForChar sums every outstanding bank-withdraw reservation this
// character holds, across all items, so usable-space accounting doesn't
// plan past where those withdraws will land (Open Question #1).
func reservedForChar(inv *inventory.Manager, charName string) int {
	if inv == nil {
		return 0
	}
	total := 0
	for _, byChar := range inv.Snapshot().Reservations {
		total += byChar[charName]
	}
	return total
}

// currentBatch computes batchSize against the character's remaining
// per-cycle goal, or an effectively unbounded ceiling when goalRemaining
// isn't yet known (e.g. while scoring candidates before a skill/goal is
// chosen).
func (e *Engine) currentBatch(char *model.CharacterRecord, inv *inventory.Manager, goalRemaining int) int {
	if goalRemaining <= 0 {
		goalRemaining = 1 << 30
	}
	usable := UsableSpace(char.InventoryCapacity, char.InventoryCount(), reservedForChar(inv, char.Name))
	return BatchSize(goalRemaining, usable, 1)
}

func (e *Engine) emitOrderForDeficiency(charName string, skill model.SkillMode, d DeficientStep) {
	switch d.Step.Kind {
	case model.StepGather:
		gatherSkill := ""
		if res, ok := e.Catalog.Resource(d.Step.Resource); ok {
			gatherSkill = string(res.Skill)
		}
		e.Board.CreateOrMergeOrder(orderboard.CreateRequest{
			SourceType: model.SourceGather, SourceCode: d.Step.Resource, ItemCode: d.Step.ItemCode,
			RequesterName: charName, GatherSkill: gatherSkill, Quantity: d.Step.Quantity,
		})
	case model.StepFight:
		e.Board.CreateOrMergeOrder(orderboard.CreateRequest{
			SourceType: model.SourceFight, SourceCode: d.Step.Monster, ItemCode: d.Step.ItemCode,
			RequesterName: charName, Quantity: d.Step.Quantity,
		})
	}
}

// --- Gathering -------------------------------------------------------

func (e *Engine) executeGathering(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager) (bool, error) {
	if e.Board != nil && !state.InClaim() {
		if order := e.ensureOrderClaim(ctx, model.SourceGather, string(state.CurrentSkill), char, inv); order != nil {
			state.ClaimOrderID = order.ID
			state.Resource = order.SourceCode
		}
	}

	res, ok := e.Catalog.Resource(state.Resource)
	if !ok {
		return false, nil
	}
	if char.SkillLevel(string(res.Skill)) < res.Level {
		if state.InClaim() {
			e.blockAndReleaseClaim(state, char.Name, "insufficient_skill")
		}
		return false, nil
	}
	state.ResourceLoc = res.Loc

	if !char.IsAt(res.Loc.X, res.Loc.Y) {
		result, err := e.Client.Move(ctx, char.Name, res.Loc.X, res.Loc.Y)
		if err != nil {
			return false, err
		}
		*char = result.Character
	}

	result, err := e.Client.Gather(ctx, char.Name)
	if err != nil {
		return false, err
	}
	*char = result.Character
	for _, it := range result.Items {
		inv.ApplyDeposit(it.Code, it.Quantity)
	}

	if state.InClaim() {
		// Claim mode never advances goalProgress; deposit once enough is
		// carried or the bag is full.
		if char.InventoryFull() || char.ItemCount(state.Resource) >= e.remainingOrderQuantity(state.ClaimOrderID) {
			e.depositClaimedAndRelease(ctx, state, char, inv)
		}
		return true, nil
	}
	state.GoalProgress++
	return true, nil
}

// remainingOrderQuantity returns the still-unfulfilled quantity on an
// order board order, or a very large number if the board or order is
// unavailable (so callers fall back to the inventory-full check alone).
func (e *Engine) remainingOrderQuantity(orderID string) int {
	if e.Board == nil || orderID == "" {
		return 1 << 30
	}
	for _, o := range e.Board.GetOrderBoardSnapshot().Orders {
		if o.ID == orderID {
			return o.RemainingQty
		}
	}
	return 1 << 30
}

// depositClaimedAndRelease deposits every inventory item the character
// carries to the bank, records it against the order board (claimer-first
// fulfillment), and clears the rotation's claim.
func (e *Engine) depositClaimedAndRelease(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager) {
	ops := inventory.NewBankOps(inv, e.Client, e.log())
	deposits := map[string]int{}
	for _, it := range char.Inventory {
		if it.Quantity > 0 {
			deposits[it.Code] = it.Quantity
		}
	}
	if len(deposits) > 0 {
		if err := ops.DepositBatch(ctx, char.Name, deposits); err != nil {
			e.log().Warn("deposit claimed items failed", zap.Error(err))
			return
		}
	}
	if e.Board != nil {
		e.Board.RecordDeposits(orderboard.RecordDepositsRequest{CharName: char.Name, Items: deposits})
		e.Board.ReleaseClaim(state.ClaimOrderID, char.Name, "fulfilled")
	}
	state.ClaimOrderID = ""
}

// --- Crafting ----------------------------------------------------------

func (e *Engine) executeCrafting(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager, bankItems map[string]int) (bool, error) {
	if e.Board != nil && !state.InClaim() {
		if order := e.ensureOrderClaim(ctx, model.SourceCraft, string(state.CurrentSkill), char, inv); order != nil {
			state.ClaimOrderID = order.ID
			if chain, err := e.Catalog.ResolveChain(order.ItemCode, order.RemainingQty); err == nil {
				state.Recipe = order.ItemCode
				state.ProductionPlan = chain
				state.BankChecked = false
			}
		}
	}

	if !state.BankChecked {
		batch := e.currentBatch(char, inv, state.GoalTarget-state.GoalProgress)
		e.withdrawPlanMaterials(ctx, state, char, inv, batch)
		state.BankChecked = true
	}

	for i, step := range state.ProductionPlan {
		have := char.ItemCount(step.ItemCode) + bankItems[step.ItemCode]
		if have >= step.Quantity && step.Kind != model.StepCraft {
			continue
		}
		switch step.Kind {
		case model.StepBank:
			if have < step.Quantity && e.isTaskRewardItem(step.ItemCode) {
				have = e.tryRefreshViaTaskExchange(ctx, char, inv, step.ItemCode, step.Quantity, have)
			}
			if have < step.Quantity {
				if state.InClaim() {
					e.blockAndReleaseClaim(state, char.Name, "missing_bank_dependency:"+step.ItemCode)
				}
				state.CurrentSkill = ""
				return false, nil
			}
		case model.StepGather:
			return e.craftSubGather(ctx, state, char, inv, step)
		case model.StepFight:
			return e.craftSubFight(ctx, state, char, step)
		case model.StepCraft:
			done, err := e.craftStep(ctx, state, char, inv, step, i == len(state.ProductionPlan)-1)
			if err != nil || !done {
				return done, err
			}
		}
	}
	return true, nil
}

func (e *Engine) withdrawPlanMaterials(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager, batch int) {
	ops := inventory.NewBankOps(inv, e.Client, e.log())
	var reqs []inventory.WithdrawRequest
	for _, step := range state.ProductionPlan {
		if step.Kind == model.StepBank {
			reqs = append(reqs, inventory.WithdrawRequest{ItemCode: step.ItemCode, Quantity: step.Quantity * batch})
		}
	}
	if len(reqs) == 0 {
		return
	}
	if _, err := ops.WithdrawBatch(ctx, char.Name, reqs); err != nil {
		e.log().Warn("withdraw plan materials failed", zap.Error(err))
	}
}

func (e *Engine) craftSubGather(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager, step model.PlanStep) (bool, error) {
	res, ok := e.Catalog.Resource(step.Resource)
	if !ok {
		return false, nil
	}
	if !char.IsAt(res.Loc.X, res.Loc.Y) {
		result, err := e.Client.Move(ctx, char.Name, res.Loc.X, res.Loc.Y)
		if err != nil {
			return false, err
		}
		*char = result.Character
	}
	result, err := e.Client.Gather(ctx, char.Name)
	if err != nil {
		return false, err
	}
	*char = result.Character
	for _, it := range result.Items {
		inv.ApplyDeposit(it.Code, it.Quantity)
	}
	return true, nil
}

func (e *Engine) craftSubFight(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, step model.PlanStep) (bool, error) {
	mon, ok := e.Catalog.Monster(step.Monster)
	if !ok {
		return false, nil
	}
	if !char.IsAt(mon.Loc.X, mon.Loc.Y) {
		result, err := e.Client.Move(ctx, char.Name, mon.Loc.X, mon.Loc.Y)
		if err != nil {
			return false, err
		}
		*char = result.Character
	}
	result, err := e.Client.Fight(ctx, char.Name)
	if err != nil {
		return false, err
	}
	*char = result.Character
	return true, nil
}

func (e *Engine) craftStep(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager, step model.PlanStep, final bool) (bool, error) {
	item, ok := e.Catalog.Item(step.ItemCode)
	if !ok || item.Craft == nil {
		return false, nil
	}
	ws, ok := e.Catalog.Workshop(item.Craft.Skill)
	if ok && !char.IsAt(ws.Loc.X, ws.Loc.Y) {
		result, err := e.Client.Move(ctx, char.Name, ws.Loc.X, ws.Loc.Y)
		if err != nil {
			return false, err
		}
		*char = result.Character
	}
	result, err := e.Client.Craft(ctx, char.Name, step.ItemCode, step.Quantity)
	if err != nil {
		return false, err
	}
	*char = result.Character
	for _, it := range result.Items {
		inv.ApplyDeposit(it.Code, it.Quantity)
	}

	if final {
		state.BankChecked = false
		if state.InClaim() {
			e.depositClaimedAndRelease(ctx, state, char, inv)
		} else {
			state.GoalProgress++
		}
	}
	return true, nil
}

// --- Combat --------------------------------------------------------------

func (e *Engine) executeCombat(ctx context.Context, state *model.RotationState, char *model.CharacterRecord) (bool, error) {
	if state.Monster == "" {
		return false, nil
	}
	mon, ok := e.Catalog.Monster(state.Monster)
	if !ok {
		return false, nil
	}
	if e.Optimizer != nil {
		if rec, err := e.Optimizer.Optimize(*char, state.Monster); err == nil {
			if !combatsim.CanBeatMonster(rec.Sim) {
				if state.InClaim() {
					e.blockAndReleaseClaim(state, char.Name, "combat_not_viable:"+state.Monster)
				}
				state.CurrentSkill = ""
				return false, nil
			}
		}
	}
	if !char.IsAt(mon.Loc.X, mon.Loc.Y) {
		result, err := e.Client.Move(ctx, char.Name, mon.Loc.X, mon.Loc.Y)
		if err != nil {
			return false, err
		}
		*char = result.Character
	}
	result, err := e.Client.Fight(ctx, char.Name)
	if err != nil {
		return false, err
	}
	*char = result.Character
	if !state.InClaim() {
		state.GoalProgress++
	}
	return true, nil
}

// --- Tasks -----------------------------------------------------------

func (e *Engine) executeNpcTask(ctx context.Context, state *model.RotationState, char *model.CharacterRecord) (bool, error) {
	if !char.HasTask() {
		result, err := e.Client.AcceptTask(ctx, char.Name)
		if err != nil {
			return false, err
		}
		*char = result.Character
		return true, nil
	}
	if char.TaskComplete() {
		result, err := e.Client.CompleteTask(ctx, char.Name)
		if err != nil {
			return false, err
		}
		*char = result.Character
		return true, nil
	}
	mon, ok := e.Catalog.Monster(char.TaskCode)
	if !ok {
		return false, nil
	}
	if !char.IsAt(mon.Loc.X, mon.Loc.Y) {
		result, err := e.Client.Move(ctx, char.Name, mon.Loc.X, mon.Loc.Y)
		if err != nil {
			return false, err
		}
		*char = result.Character
	}
	result, err := e.Client.Fight(ctx, char.Name)
	if err != nil {
		return false, err
	}
	*char = result.Character
	return true, nil
}

func (e *Engine) executeItemTask(ctx context.Context, state *model.RotationState, char *model.CharacterRecord, inv *inventory.Manager) (bool, error) {
	if !char.HasTask() {
		result, err := e.Client.AcceptTask(ctx, char.Name)
		if err != nil {
			return false, err
		}
		*char = result.Character
		return true, nil
	}
	have := char.ItemCount(char.TaskCode) + inv.AvailableCount(char.TaskCode)
	remaining := char.TaskTotal - char.TaskProgress
	if have >= remaining {
		result, err := e.Client.TaskTrade(ctx, char.Name, char.TaskCode, remaining)
		if err != nil {
			return false, err
		}
		*char = result.Character
		return true, nil
	}
	if e.Board != nil {
		e.Board.CreateOrMergeOrder(orderboard.CreateRequest{
			SourceType: model.SourceCraft, SourceCode: char.TaskCode, ItemCode: char.TaskCode,
			RequesterName: char.Name, Quantity: remaining - have,
		})
	}
	result, err := e.Client.CancelTask(ctx, char.Name)
	if err != nil {
		return false, err
	}
	*char = result.Character
	return true, nil
}

// --- Order-claim interactions ------------------------------------------

// ensureOrderClaim lists claimable orders matching mode/skill and attempts
// to claim the first one that passes canClaimCraftOrderNow (for craft
// orders) or is simply unclaimed (for gather/fight orders, which have no
// recipe-chain precheck of their own).
func (e *Engine) ensureOrderClaim(execCtx context.Context, source model.OrderSource, skill string, char *model.CharacterRecord, inv *inventory.Manager) *model.Order {
	filter := orderboard.ListFilter{SourceType: source, CharName: char.Name}
	if source == model.SourceCraft {
		filter.CraftSkill = skill
	} else {
		filter.GatherSkill = skill
	}
	candidates := e.Board.ListClaimableOrders(filter)

	var bankHas func(string) int
	if inv != nil {
		bankHas = func(code string) int { return inv.AvailableCount(code) }
	} else {
		bankHas = func(string) int { return 0 }
	}
	ctx := NewViabilityContext(*char, e.Catalog, e.Optimizer, bankHas, char.ItemCount)

	for _, o := range candidates {
		if source == model.SourceCraft {
			if reason := e.canClaimCraftOrderNow(execCtx, o, char, ctx); reason != "" {
				e.Board.MarkCharBlocked(o.ID, char.Name, e.blockedRetryMs())
				continue
			}
		}
		claimed, err := e.Board.ClaimOrder(o.ID, orderboard.ClaimRequest{CharName: char.Name, LeaseMs: e.leaseMs()})
		if err == nil {
			return claimed
		}
	}
	return nil
}

// canClaimCraftOrderNow implements the craft-claim precheck: recipe
// level, gather-skill-vs-bank fallback, bank coverage, and simulator
// wins for uncovered fight steps. Returns "" if claimable, else one of
// the documented reason codes. A missing_bank_dependency on an item the
// task master hands out as a reward gets one proactive-exchange-and-
// retry before giving up, rather than blocking on a shortfall this
// process can resolve itself.
func (e *Engine) canClaimCraftOrderNow(execCtx context.Context, o *model.Order, char *model.CharacterRecord, ctx *ViabilityContext) string {
	item, ok := e.Catalog.Item(o.ItemCode)
	if !ok || item.Craft == nil {
		return "unresolvable_recipe_chain"
	}
	if o.CraftSkill != "" && string(item.Craft.Skill) != o.CraftSkill {
		return "wrong_craft_skill"
	}
	if char.Level < item.Craft.Level {
		return "insufficient_craft_level"
	}
	chain, err := e.Catalog.ResolveChain(o.ItemCode, o.RemainingQty)
	if err != nil {
		return "unresolvable_recipe_chain"
	}
	viable, reason := ChainViable(chain, ctx, 1)
	if !viable {
		if code, ok := strings.CutPrefix(reason, "missing_bank_dependency:"); ok && e.isTaskRewardItem(code) {
			if qty, ok := bankStepQuantity(chain, code); ok {
				e.tryRefreshViaTaskExchange(execCtx, char, nil, code, qty, ctx.BankHas(code))
				viable, reason = ChainViable(chain, ctx, 1)
			}
		}
	}
	if !viable {
		return reason
	}
	return ""
}

// isTaskRewardItem reports whether code is something the task master's
// coin exchange can hand out, the signal canClaimCraftOrderNow and the
// execute-time bank-step check use to decide whether a shortfall is
// worth a proactive exchange attempt instead of an outright block.
func (e *Engine) isTaskRewardItem(code string) bool {
	item, ok := e.Catalog.Item(code)
	return ok && item.TaskReward
}

// bankStepQuantity returns the quantity chain's bank step for code
// requires, if any.
func bankStepQuantity(chain []model.PlanStep, code string) (int, bool) {
	for _, s := range chain {
		if s.Kind == model.StepBank && s.ItemCode == code {
			return s.Quantity, true
		}
	}
	return 0, false
}

// tryRefreshViaTaskExchange proactively exchanges task coins targeting
// code (gated by the exchanger's own per-character backoff), returning
// the post-exchange bank+inventory count for code, or fallback unchanged
// if no exchange ran or it didn't resolve. inv may be nil when the
// caller has no live inventory.Manager to re-read from, in which case
// the exchange still runs but the caller re-derives the refreshed count
// itself (e.g. via its own ViabilityContext.BankHas).
func (e *Engine) tryRefreshViaTaskExchange(execCtx context.Context, char *model.CharacterRecord, inv *inventory.Manager, code string, qty, fallback int) int {
	if e.Exchange == nil {
		return fallback
	}
	ok, err := e.Exchange.TryProactive(execCtx, char.Name, char, code, qty, e.Clock.NowMs())
	if err != nil {
		e.log().Warn("proactive task-coin exchange failed", zap.String("char", char.Name), zap.String("code", code), zap.Error(err))
		return fallback
	}
	if !ok || inv == nil {
		return fallback
	}
	return char.ItemCount(code) + inv.AvailableCount(code)
}

func (e *Engine) blockAndReleaseClaim(state *model.RotationState, charName, reason string) {
	id := state.ClaimOrderID
	state.ClaimOrderID = ""
	if e.Board == nil || id == "" {
		return
	}
	e.Board.MarkCharBlocked(id, charName, e.blockedRetryMs())
	_ = e.Board.ReleaseClaim(id, charName, reason)
}
