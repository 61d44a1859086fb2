package rotation

import (
	"artifactsbot/internal/combatsim"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gearopt"
	"artifactsbot/internal/model"
)

// ViabilityContext bundles the read-only lookups ChainViable and
// recipe-candidate selection need.
type ViabilityContext struct {
	Char         model.CharacterRecord
	Catalog      gamedata.Catalog
	Optimizer    gearopt.Optimizer
	BankHas      func(code string) int
	InventoryHas func(code string) int

	// fightMemo caches per-acquisition-pass simulation results: fight
	// simulations are memoized during one acquisition pass so a monster
	// that appears in multiple candidate chains is only simulated once.
	fightMemo map[string]bool
}

// NewViabilityContext returns a context with its fight-simulation memo
// initialized.
func NewViabilityContext(char model.CharacterRecord, catalog gamedata.Catalog, optimizer gearopt.Optimizer, bankHas, inventoryHas func(string) int) *ViabilityContext {
	return &ViabilityContext{
		Char: char, Catalog: catalog, Optimizer: optimizer,
		BankHas: bankHas, InventoryHas: inventoryHas,
		fightMemo: map[string]bool{},
	}
}

func (c *ViabilityContext) canWin(monster string) bool {
	if c.fightMemo == nil {
		c.fightMemo = map[string]bool{}
	}
	if v, ok := c.fightMemo[monster]; ok {
		return v
	}
	win := false
	if c.Optimizer != nil {
		if rec, err := c.Optimizer.Optimize(c.Char, monster); err == nil {
			win = combatsim.CanBeatMonster(rec.Sim)
		}
	}
	c.fightMemo[monster] = win
	return win
}

// ChainViable applies the bank-aware recipe-chain viability rule across
// every step of chain for the given batch multiplier. Returns (true, "")
// if viable, else (false, reason) with a reason code claim prechecks can
// act on.
func ChainViable(chain []model.PlanStep, ctx *ViabilityContext, batch int) (bool, string) {
	if batch <= 0 {
		batch = 1
	}
	for _, step := range chain {
		needed := step.Quantity * batch
		covered := ctx.BankHas(step.ItemCode) + ctx.InventoryHas(step.ItemCode)
		switch step.Kind {
		case model.StepGather:
			if covered >= needed {
				continue
			}
			res, ok := ctx.Catalog.Resource(step.Resource)
			if !ok {
				return false, "unresolvable_recipe_chain"
			}
			if ctx.Char.SkillLevel(string(res.Skill)) < res.Level {
				return false, "insufficient_gather_skill"
			}
		case model.StepFight:
			if covered >= needed {
				continue
			}
			if !ctx.canWin(step.Monster) {
				return false, "combat_not_viable:" + step.Monster
			}
		case model.StepBank:
			if covered < needed {
				return false, "missing_bank_dependency:" + step.ItemCode
			}
		case model.StepCraft:
			// Nested craft steps are produced, not consumed from stock;
			// nothing to check here beyond the chain already accounting
			// for their own ingredients earlier in the slice.
		}
	}
	return true, ""
}

// HasGatherOrFightSteps reports whether chain contains any step that
// requires gathering or fighting (used to prefer bank-only chains when
// selecting among recipe candidates).
func HasGatherOrFightSteps(chain []model.PlanStep) bool {
	for _, s := range chain {
		if s.Kind == model.StepGather || s.Kind == model.StepFight {
			return true
		}
	}
	return false
}

// RecipeCandidate is one crafting recipe under consideration by pickNext.
type RecipeCandidate struct {
	Item  gamedata.Item
	Chain []model.PlanStep
}

// DeficientStep is a gather/fight step whose precondition failed,
// returned so the caller can publish a corresponding order.
type DeficientStep struct {
	Reason string
	Step   model.PlanStep
}

// SelectRecipe picks among viable candidates: prefer bank-only chains;
// otherwise the highest craft.level viable recipe. Returns the chosen
// candidate (nil if none viable) and, for
// every rejected candidate, the first failing step for order-emission.
func SelectRecipe(candidates []RecipeCandidate, ctx *ViabilityContext, batch int) (*RecipeCandidate, []DeficientStep) {
	var bankOnly, anyViable *RecipeCandidate
	var deficiencies []DeficientStep

	for i := range candidates {
		cand := &candidates[i]
		viable, reason := ChainViable(cand.Chain, ctx, batch)
		if !viable {
			step := firstFailingStep(cand.Chain, reason)
			deficiencies = append(deficiencies, DeficientStep{Reason: reason, Step: step})
			continue
		}
		if !HasGatherOrFightSteps(cand.Chain) {
			if bankOnly == nil {
				bankOnly = cand
			}
			continue
		}
		if anyViable == nil || cand.Item.Craft.Level > anyViable.Item.Craft.Level {
			anyViable = cand
		}
	}

	if bankOnly != nil {
		return bankOnly, deficiencies
	}
	return anyViable, deficiencies
}

func firstFailingStep(chain []model.PlanStep, reason string) model.PlanStep {
	for _, s := range chain {
		switch {
		case reason == "insufficient_gather_skill" && s.Kind == model.StepGather:
			return s
		case len(reason) > len("combat_not_viable:") && reason[:len("combat_not_viable:")] == "combat_not_viable:" && s.Kind == model.StepFight:
			return s
		case len(reason) > len("missing_bank_dependency:") && reason[:len("missing_bank_dependency:")] == "missing_bank_dependency:" && s.Kind == model.StepBank:
			return s
		}
	}
	if len(chain) > 0 {
		return chain[len(chain)-1]
	}
	return model.PlanStep{}
}
