// Package combatsim implements the deterministic combat simulator used as
// an oracle by the gear planner, gear optimizer, and event routine. It is
// a pure function of its inputs: same stats in, same
// {win, turns, remainingHp, hpLostPercent} out.
package combatsim

import "math"

// Elements are the four damage elements combat is computed over.
var Elements = []string{"fire", "earth", "water", "air"}

// Stats is the combat-relevant attribute set shared by character and
// monster sides. Element-keyed fields use the element name as map key
// ("fire", "earth", "water", "air").
type Stats struct {
	HP         int
	MaxHP      int
	Initiative int
	CritChance float64 // 0-100

	Attack map[string]int     // attack_<element>
	DmgPct map[string]float64 // dmg_<element>
	Dmg    float64            // flat dmg% bonus across all elements
	Res    map[string]float64 // res_<element>

	// Effects, all optional; zero value means "no effect".
	Poison       int // poison damage per tick
	Burn         int // burn damage per tick, decays x0.9/tick
	Lifesteal    float64
	Frenzy       float64 // crit-triggered next-turn damage boost %, averaged
	ResReduction float64 // flat reduction applied against defender resistances
	Corrupted    float64 // stacking -res% on the player, applied per player attack (monster-side effect)
	Berserker    bool    // monster berserker rage: activates below 25% hp
	Reconstitute int      // monster turn count at which it fully heals once
	VoidDrain    int      // monster turns between void-drain ticks (damage to player)
	Barrier      bool     // monster barrier: refreshes every 5 of its turns
	MonsterHeal  bool     // monster heals every 3 of its turns

	// Player-only utility effects.
	Antipoison int     // flat reduction against poison damage
	Restore    int      // one-shot heal amount when HP < 50%
	RuneBurn   int
	RuneHeal   int
	RuneLifesteal float64
	RuneFrenzy    float64

	Bubble float64 // protective-bubble average resistance bonus (+bubble/4% to all elements), monster-side
}

// Utilities, if carried, are folded into Stats by the caller before
// simulating.
type Utilities struct {
	Antipoison int
	Restore    int
}

// Result is the outcome of a simulated fight.
type Result struct {
	Win            bool
	Turns          int
	RemainingHP    int
	HPLostPercent  float64
}

const maxTurns = 100

// Simulate runs the fight between attacker (the character) and defender
// (the monster) to completion, returning a pure function of its inputs.
func Simulate(attacker, defender Stats) Result {
	a := attacker
	d := defender
	a.HP = nz(a.HP, a.MaxHP)
	d.HP = nz(d.HP, d.MaxHP)

	if isFastPath(a) && isFastPath(d) {
		return simulateFast(a, d)
	}
	return simulateEffects(a, d)
}

func nz(hp, maxHP int) int {
	if hp <= 0 && maxHP > 0 {
		return maxHP
	}
	return hp
}

// isFastPath reports whether side has zero effect values, allowing the
// constant-per-turn deterministic fast path.
func isFastPath(s Stats) bool {
	return s.Poison == 0 && s.Burn == 0 && s.Lifesteal == 0 && s.Frenzy == 0 &&
		s.Corrupted == 0 && !s.Berserker && s.Reconstitute == 0 && s.VoidDrain == 0 &&
		!s.Barrier && !s.MonsterHeal && s.Antipoison == 0 && s.Restore == 0 &&
		s.RuneBurn == 0 && s.RuneHeal == 0 && s.RuneLifesteal == 0 && s.RuneFrenzy == 0 &&
		s.Bubble == 0 && s.ResReduction == 0
}

// elementalDamage computes the total damage one side deals to the other for
// a single hit, using the per-element damage/resistance formula.
func elementalDamage(att, def Stats) int {
	total := 0.0
	for _, el := range Elements {
		base := float64(att.Attack[el])
		if base == 0 {
			continue
		}
		dmgPct := att.DmgPct[el] + att.Dmg
		boosted := base + math.Round(base*dmgPct/100)
		resEffective := def.Res[el] - att.ResReduction
		reduction := math.Round(boosted * resEffective / 100)
		dmg := boosted - reduction
		if dmg < 0 {
			dmg = 0
		}
		total += dmg
	}
	critChance := math.Min(att.CritChance/100, 1)
	final := math.Round(total * (1 + critChance*0.5))
	return int(final)
}

// attackerFirst decides initiative order.
func attackerFirst(a, d Stats) bool {
	if a.Initiative != d.Initiative {
		return a.Initiative > d.Initiative
	}
	return a.MaxHP >= d.HP
}

func simulateFast(a, d Stats) Result {
	aDmg := elementalDamage(a, d)
	dDmg := elementalDamage(d, a)

	aHP, dHP := a.HP, d.HP
	first := attackerFirst(a, d)

	turns := 0
	for turns < maxTurns {
		turns++
		if first {
			dHP -= aDmg
			if dHP <= 0 {
				return winResult(a, aHP, turns)
			}
			aHP -= dDmg
			if aHP <= 0 {
				return lossResult(a, turns)
			}
		} else {
			aHP -= dDmg
			if aHP <= 0 {
				return lossResult(a, turns)
			}
			dHP -= aDmg
			if dHP <= 0 {
				return winResult(a, aHP, turns)
			}
		}
	}
	return Result{Win: false, Turns: maxTurns, RemainingHP: clampNonNeg(aHP), HPLostPercent: hpLostPct(a.MaxHP, aHP)}
}

// simulateEffects runs the full turn-by-turn bookkeeping path for fights
// with non-zero effects: poison, burn decay, barrier, healing,
// reconstitution, void drain, bubble, corrupted, berserker, frenzy,
// lifesteal, player utilities/rune effects.
func simulateEffects(a, d Stats) Result {
	aHP := float64(a.HP)
	dHP := float64(d.HP)
	burn := float64(a.Burn)

	first := attackerFirst(a, d)
	aTurns, dTurns := 0, 0
	restoreUsed := false
	corruptStacks := 0.0

	bubbleBonus := d.Bubble / 4

	for turn := 1; turn <= maxTurns; turn++ {
		if first {
			aHP, dHP, corruptStacks = playerTurn(a, d, aHP, dHP, &aTurns, corruptStacks, bubbleBonus)
			if dHP <= 0 {
				return winResult(a, int(math.Round(aHP)), turn)
			}
			if !restoreUsed && a.Restore > 0 && aHP/float64(a.MaxHP)*100 < 50 {
				aHP += float64(a.Restore)
				restoreUsed = true
			}
			aHP, dHP, dTurns = monsterTurn(a, d, aHP, dHP, &dTurns, burn)
			burn *= 0.9
			if aHP <= 0 {
				return lossResult(a, turn)
			}
		} else {
			aHP, dHP, dTurns = monsterTurn(a, d, aHP, dHP, &dTurns, burn)
			burn *= 0.9
			if aHP <= 0 {
				return lossResult(a, turn)
			}
			if !restoreUsed && a.Restore > 0 && aHP/float64(a.MaxHP)*100 < 50 {
				aHP += float64(a.Restore)
				restoreUsed = true
			}
			aHP, dHP, corruptStacks = playerTurn(a, d, aHP, dHP, &aTurns, corruptStacks, bubbleBonus)
			if dHP <= 0 {
				return winResult(a, int(math.Round(aHP)), turn)
			}
		}

		// Monster-side periodic effects, evaluated on its own turn counter.
		if d.Barrier && dTurns%5 == 0 {
			dHP += float64(d.HP) * 0.05 // refreshed shield modeled as partial heal
		}
		if d.MonsterHeal && dTurns%3 == 0 {
			dHP += float64(d.HP) * 0.1
		}
		if d.Reconstitute > 0 && dTurns == d.Reconstitute {
			dHP = float64(d.HP)
		}
		if d.VoidDrain > 0 && dTurns%d.VoidDrain == 0 {
			aHP -= float64(d.HP) * 0.02
		}
	}

	return Result{Win: false, Turns: maxTurns, RemainingHP: clampNonNeg(int(math.Round(aHP))), HPLostPercent: hpLostPct(a.MaxHP, int(math.Round(aHP)))}
}

func playerTurn(a, d Stats, aHP, dHP float64, aTurns *int, corruptStacks, bubbleBonus float64) (float64, float64, float64) {
	*aTurns++
	dmg := float64(elementalDamageEffective(a, d, bubbleBonus, corruptStacks))
	dHP -= dmg

	if a.CritChance > 0 {
		critChance := math.Min(a.CritChance/100, 1)
		if a.Lifesteal > 0 {
			aHP += dmg * critChance * a.Lifesteal / 100
		}
		if a.RuneLifesteal > 0 {
			aHP += dmg * critChance * a.RuneLifesteal / 100
		}
	}
	if d.Corrupted > 0 {
		corruptStacks += d.Corrupted
	}
	return aHP, dHP, corruptStacks
}

func elementalDamageEffective(a, d Stats, bubbleBonus, corruptStacks float64) int {
	total := 0.0
	for _, el := range Elements {
		base := float64(a.Attack[el])
		if base == 0 {
			continue
		}
		dmgPct := a.DmgPct[el] + a.Dmg
		if a.RuneFrenzy > 0 {
			dmgPct += math.Min(a.CritChance/100, 1) * a.RuneFrenzy
		}
		if a.Frenzy > 0 {
			dmgPct += math.Min(a.CritChance/100, 1) * a.Frenzy
		}
		boosted := base + math.Round(base*dmgPct/100)
		resEffective := d.Res[el] + bubbleBonus - a.ResReduction + corruptStacks
		reduction := math.Round(boosted * resEffective / 100)
		dmg := boosted - reduction
		if dmg < 0 {
			dmg = 0
		}
		total += dmg
	}
	critChance := math.Min(a.CritChance/100, 1)
	return int(math.Round(total * (1 + critChance*0.5)))
}

func monsterTurn(a, d Stats, aHP, dHP float64, dTurns *int, burn float64) (float64, float64, int) {
	*dTurns++
	dmg := float64(elementalDamage(d, a))

	if d.Berserker && d.HP > 0 && dHP/float64(d.HP)*100 < 25 {
		dmg *= 1.25
	}
	if a.Poison > 0 {
		poisonDmg := float64(a.Poison)
		if a.Antipoison > 0 {
			poisonDmg -= float64(a.Antipoison)
			if poisonDmg < 0 {
				poisonDmg = 0
			}
		}
		dmg += poisonDmg
	}
	if burn > 0 {
		dmg += burn
	}
	if d.RuneBurn > 0 {
		dmg += float64(d.RuneBurn)
	}

	aHP -= dmg
	return aHP, dHP, *dTurns
}

func winResult(a Stats, remainingHP, turns int) Result {
	return Result{Win: true, Turns: turns, RemainingHP: clampNonNeg(remainingHP), HPLostPercent: hpLostPct(a.MaxHP, remainingHP)}
}

func lossResult(a Stats, turns int) Result {
	return Result{Win: false, Turns: turns, RemainingHP: 0, HPLostPercent: 100}
}

func clampNonNeg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func hpLostPct(maxHP, remaining int) float64 {
	if maxHP <= 0 {
		return 0
	}
	lost := maxHP - remaining
	if lost < 0 {
		lost = 0
	}
	return float64(lost) / float64(maxHP) * 100
}

// CanBeatMonster reports win=true and hpLost <= 90%, the standard viability
// threshold used throughout the core.
func CanBeatMonster(r Result) bool {
	return r.Win && r.HPLostPercent <= 90
}

// HPNeededForFight returns the HP a character needs going into the fight to
// survive with the standard crit buffer, or (0, false) if unbeatable at
// full HP.
func HPNeededForFight(attacker, defender Stats) (int, bool) {
	full := attacker
	full.HP = full.MaxHP
	r := Simulate(full, defender)
	if !r.Win {
		return 0, false
	}
	damageTaken := full.MaxHP - r.RemainingHP
	needed := damageTaken + int(math.Ceil(float64(full.MaxHP)*0.10))
	return needed, true
}
