// Package gearopt defines the boundary to the gear optimizer algorithm,
// treated as a pure function optimize(char, monsterCode) -> {loadout,
// simResult}. This package only states the contract the gear-state
// planner, combat simulator, and event routine depend on; no concrete
// optimization algorithm lives here.
package gearopt

import (
	"artifactsbot/internal/combatsim"
	"artifactsbot/internal/model"
)

// Loadout is a proposed equipment + utility assignment for a fight.
type Loadout struct {
	Slots     model.EquippedSlots
	Potions   map[string]int // consumable code -> quantity
}

// EquipmentCodes returns one count per occupied gear slot, plus the
// utility-slot codes counted as one regardless of stack size.
func (l Loadout) EquipmentCodes() map[string]int {
	out := map[string]int{}
	add := func(code string) {
		if code == "" {
			return
		}
		out[code]++
	}
	e := l.Slots
	add(e.Weapon)
	add(e.Shield)
	add(e.Helmet)
	add(e.BodyArmor)
	add(e.LegArmor)
	add(e.Boots)
	add(e.Bag)
	add(e.Amulet)
	add(e.Ring1)
	add(e.Ring2)
	add(e.Artifact1)
	add(e.Artifact2)
	add(e.Artifact3)
	add(e.Rune)
	add(e.Utility1)
	add(e.Utility2)
	return out
}

// Record pairs a Loadout with the simulated outcome fighting one monster,
// and the turns/remainingHp ranking fields the planner sorts by (level
// desc, then turns asc, then remainingHp desc).
type Record struct {
	MonsterCode  string
	MonsterLevel int
	Loadout      Loadout
	Sim          combatsim.Result
}

// Optimizer is the pure-function boundary to the (out-of-scope) gear
// optimizer algorithm.
type Optimizer interface {
	Optimize(char model.CharacterRecord, monsterCode string) (Record, error)
}

// Func adapts a plain function to Optimizer, the usual seam shape for a
// small single-method interface.
type Func func(char model.CharacterRecord, monsterCode string) (Record, error)

func (f Func) Optimize(char model.CharacterRecord, monsterCode string) (Record, error) {
	return f(char, monsterCode)
}
