// Package config decodes the account and per-character configuration
// documents into the typed structs the rest of the module consumes, one
// json.Unmarshal per section, with no reflection-driven config library.
package config

import (
	"encoding/json"
	"fmt"

	"artifactsbot/internal/routines"
)

// RoutineOverride carries the optional scheduler-hint overrides a
// routines[] entry may set; a nil field leaves the routine's baseline
// Priority/Loop/Urgent untouched.
type RoutineOverride struct {
	Priority *int  `json:"priority,omitempty"`
	Loop     *bool `json:"loop,omitempty"`
	Urgent   *bool `json:"urgent,omitempty"`
}

// RoutineEntry is one element of a character's routines[] array. Exactly
// one of the typed config pointers is populated, matching Type.
type RoutineEntry struct {
	Type     string `json:"type"`
	Override RoutineOverride

	Rest          *routines.RestConfig          `json:"rest,omitempty"`
	DepositBank   *routines.DepositBankConfig   `json:"depositBank,omitempty"`
	BankExpansion *routines.BankExpansionConfig `json:"bankExpansion,omitempty"`
	Event         *routines.EventConfig         `json:"event,omitempty"`
	SkillRotation *routines.SkillRotationConfig `json:"skillRotation,omitempty"`
}

// UnmarshalJSON flattens the override fields (priority/loop/urgent) that
// live alongside "type" at the top level of the JSON object, rather than
// nested under their own key.
func (e *RoutineEntry) UnmarshalJSON(data []byte) error {
	type alias RoutineEntry
	aux := &struct{ *alias }{alias: (*alias)(e)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	return json.Unmarshal(data, &e.Override)
}

// PotionCombatSettings configures in-combat potion refill behavior,
// consumed by the gear optimizer rather than this module's own code.
type PotionCombatSettings struct {
	Enabled                 bool    `json:"enabled"`
	RefillBelow             float64 `json:"refillBelow"`
	TargetQuantity          int     `json:"targetQuantity"`
	PoisonBias              float64 `json:"poisonBias"`
	RespectNonPotionUtility bool    `json:"respectNonPotionUtility"`
}

// PotionSettings is settings.potions.
type PotionSettings struct {
	Enabled bool                 `json:"enabled"`
	Combat  PotionCombatSettings `json:"combat"`
}

// Settings is a character's settings.* block.
type Settings struct {
	Potions PotionSettings `json:"potions"`
}

// CharacterDocument is one character's config JSON.
type CharacterDocument struct {
	Name     string         `json:"name"`
	Routines []RoutineEntry `json:"routines"`
	Settings Settings       `json:"settings"`
}

// NpcBuyList is the account-level shared shopping list: a character name
// (or the "_any" wildcard key) mapped to an item-code -> quantity list.
type NpcBuyList map[string]map[string]int

// AccountDocument is the account-wide config JSON: the character roster
// plus account-level settings no single character owns.
type AccountDocument struct {
	Characters []CharacterDocument `json:"characters"`
	NpcBuyList NpcBuyList          `json:"npcBuyList"`
}

// ParseAccountDocument decodes the account config JSON.
func ParseAccountDocument(data []byte) (*AccountDocument, error) {
	var doc AccountDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse account document: %w", err)
	}
	return &doc, nil
}

// ResolveNpcBuyList returns the shopping list for charName: its own
// entry if the account doc has one, else the "_any" fallback, else nil.
func (n NpcBuyList) ResolveNpcBuyList(charName string) map[string]int {
	if list, ok := n[charName]; ok {
		return list
	}
	return n["_any"]
}

// BuildCharacterConfig converts a decoded CharacterDocument into the
// CharacterConfig shape scheduler.Scheduler.UpdateConfig broadcasts,
// merging the account-level NPC buy-list fallback into the event
// routine's own list (a character-specific entry wins on key conflicts).
func BuildCharacterConfig(doc CharacterDocument, accountNpcBuyList NpcBuyList) routines.CharacterConfig {
	var out routines.CharacterConfig
	for _, entry := range doc.Routines {
		switch entry.Type {
		case "rest":
			if entry.Rest != nil {
				out.Rest = *entry.Rest
			}
		case "depositBank":
			if entry.DepositBank != nil {
				out.DepositBank = *entry.DepositBank
			}
		case "bankExpansion":
			if entry.BankExpansion != nil {
				out.BankExpansion = *entry.BankExpansion
			}
		case "event":
			if entry.Event != nil {
				out.Event = *entry.Event
			}
		case "skillRotation":
			if entry.SkillRotation != nil {
				out.SkillRotation = *entry.SkillRotation
			}
		}
	}

	if fallback := accountNpcBuyList.ResolveNpcBuyList(doc.Name); len(fallback) > 0 {
		merged := make(map[string]int, len(fallback)+len(out.Event.NpcBuyList))
		for code, qty := range fallback {
			merged[code] = qty
		}
		for code, qty := range out.Event.NpcBuyList {
			merged[code] = qty
		}
		out.Event.NpcBuyList = merged
	}

	return out
}

// RoutineOverrides indexes each routines[] entry's scheduler-hint
// override by routine type, for the composition root to apply when it
// wraps a baseline routine for the scheduler.
func RoutineOverrides(doc CharacterDocument) map[string]RoutineOverride {
	out := make(map[string]RoutineOverride, len(doc.Routines))
	for _, entry := range doc.Routines {
		out[entry.Type] = entry.Override
	}
	return out
}
