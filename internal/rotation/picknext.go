package rotation

import (
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gearopt"
	"artifactsbot/internal/model"
)

// SkillWeights maps a skill to a weight. PickNext only uses it to skip
// skills whose weight is 0 or below; skills are not sampled by weight and
// goal budgets are not checked.
type SkillWeights map[model.SkillMode]int

// DefaultSkillOrder is the order PickNext walks, front first, whenever it
// is given an empty order.
var DefaultSkillOrder = []model.SkillMode{
	model.SkillMining, model.SkillWoodcutting, model.SkillFishing,
	model.SkillCooking, model.SkillAlchemy, model.SkillWeaponcrafting,
	model.SkillGearcrafting, model.SkillJewelrycrafting,
	model.SkillCombat, model.SkillNPCTask, model.SkillItemTask,
}

// Deps bundles the catalog/optimizer/order-emission dependencies pickNext
// needs to evaluate candidates and surface gather/fight deficiencies.
type Deps struct {
	Catalog      gamedata.Catalog
	Optimizer    gearopt.Optimizer
	Char         model.CharacterRecord
	BankHas      func(code string) int
	InventoryHas func(code string) int
	NowMs        int64
	// BestTarget is the gear-state planner's recommended monster for this
	// character, used to seed combat mode when no target is already set.
	BestTarget string
	// EmitDeficiency is called once per rejected candidate whose chain
	// failed on a gather or fight step, when order-board creation is
	// enabled; nil disables emission.
	EmitDeficiency func(skill model.SkillMode, d DeficientStep)
}

// PickNext chooses the next skill and, for crafting/hybrid skills, a
// recipe plus production plan, implementing the "skill selection"
// decision loop: walk the skill order and stop at the first viable skill;
// for a crafting skill, enumerate and filter recipe candidates, prefer
// bank-only chains then the highest-level viable recipe, falling back to
// gathering the skill's resource if nothing crafts. Skills are not grouped
// or sampled.
func PickNext(state *model.RotationState, order []model.SkillMode, weights SkillWeights, d Deps, batch int) bool {
	if len(order) == 0 {
		order = DefaultSkillOrder
	}
	ctx := NewViabilityContext(d.Char, d.Catalog, d.Optimizer, d.BankHas, d.InventoryHas)

	now := d.NowMs

	for _, skill := range order {
		if weights != nil {
			if w, ok := weights[skill]; ok && w <= 0 {
				continue
			}
		}
		switch {
		case isGatherSkill(skill):
			if res, ok := d.Catalog.ResourceForSkill(skill); ok && d.Char.SkillLevel(string(skill)) >= res.Level {
				state.CurrentSkill = skill
				state.Resource = res.Code
				state.ResourceLoc = res.Loc
				state.Recipe = ""
				return true
			}
		case isCraftSkill(skill) || skill == model.SkillAlchemy:
			if pickRecipeForSkill(state, skill, d, ctx, batch, now) {
				return true
			}
			if skill == model.SkillAlchemy {
				if res, ok := d.Catalog.ResourceForSkill(skill); ok && d.Char.SkillLevel(string(skill)) >= res.Level {
					state.CurrentSkill = skill
					state.Resource = res.Code
					state.ResourceLoc = res.Loc
					state.Recipe = ""
					return true
				}
			}
		case skill == model.SkillCombat:
			if state.Monster == "" {
				state.Monster = d.BestTarget
			}
			if state.Monster != "" {
				state.CurrentSkill = skill
				return true
			}
		case skill == model.SkillNPCTask, skill == model.SkillItemTask:
			if d.Char.HasTask() {
				state.CurrentSkill = skill
				return true
			}
		}
	}
	return false
}

func pickRecipeForSkill(state *model.RotationState, skill model.SkillMode, d Deps, ctx *ViabilityContext, batch int, now int64) bool {
	recipes := d.Catalog.RecipesForSkill(skill, d.Char.Level)
	var candidates []RecipeCandidate
	for _, item := range recipes {
		if state.IsRecipeBlocked(skill, item.Code, now) {
			continue
		}
		chain, err := d.Catalog.ResolveChain(item.Code, 1)
		if err != nil {
			continue
		}
		candidates = append(candidates, RecipeCandidate{Item: item, Chain: chain})
	}
	if len(candidates) == 0 {
		return false
	}

	chosen, deficiencies := SelectRecipe(candidates, ctx, batch)
	if d.EmitDeficiency != nil {
		for _, def := range deficiencies {
			d.EmitDeficiency(skill, def)
		}
	}
	if chosen == nil {
		return false
	}

	state.CurrentSkill = skill
	state.Recipe = chosen.Item.Code
	state.ProductionPlan = chosen.Chain
	state.Resource = ""
	state.Monster = ""
	state.BankChecked = false
	return true
}

func isGatherSkill(skill model.SkillMode) bool {
	for _, s := range model.GatherSkills {
		if s == skill {
			return true
		}
	}
	return false
}

func isCraftSkill(skill model.SkillMode) bool {
	for _, s := range model.CraftSkills {
		if s == skill {
			return true
		}
	}
	return false
}
