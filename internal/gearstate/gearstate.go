// Package gearstate implements the per-character gear ownership planner:
// given live characters and the account-wide inventory, it decides which
// items each character should own, which they still need, and which must
// be protected from deposit.
package gearstate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/combatsim"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gearopt"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
)

// carryReserveSlots is subtracted from inventory capacity to leave room for
// consumables and in-flight loot: carryBudget = inventoryCapacity - 10.
const carryReserveSlots = 10

// CharacterInput is one character's live state plus its gear-state config.
type CharacterInput struct {
	Record       model.CharacterRecord
	CreateOrders bool
}

// OrderRequest mirrors orderboard.CreateRequest without importing the
// orderboard package, avoiding an import cycle (orderboard has no
// dependency on gearstate, but keeping this package leaf-level matches the
// dependency order the rest of the core follows).
type OrderRequest struct {
	SourceCode    string
	ItemCode      string
	RequesterName string
	Recipe        string
	CraftSkill    string
	SourceLevel   int
	Quantity      int
}

// Persister persists the planner's state across restarts.
type Persister interface {
	Save(file model.GearStateFile) error
	Load() (*model.GearStateFile, error)
}

// Planner computes and caches per-character gear-state rows.
type Planner struct {
	mu sync.Mutex

	catalog   gamedata.Catalog
	optimizer gearopt.Optimizer
	inv       *inventory.Manager
	publisher func(OrderRequest) error
	clock     clock.Clock
	log       *zap.Logger
	pers      Persister

	order      []string // configured processing order for account-wide assignment
	rows       map[string]*model.GearStateRow
	chars      map[string]model.CharacterRecord
	lastBankRev int64

	flushTimer *time.Timer
}

// NewPlanner builds an empty planner. publisher may be nil to disable order
// publishing (e.g. in tests).
func NewPlanner(catalog gamedata.Catalog, optimizer gearopt.Optimizer, inv *inventory.Manager, publisher func(OrderRequest) error, c clock.Clock, log *zap.Logger, pers Persister) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{
		catalog:   catalog,
		optimizer: optimizer,
		inv:       inv,
		publisher: publisher,
		clock:     c,
		log:       log,
		pers:      pers,
		rows:      map[string]*model.GearStateRow{},
		chars:     map[string]model.CharacterRecord{},
	}
}

// Initialize loads persisted state, if any.
func (p *Planner) Initialize() error {
	if p.pers == nil {
		return nil
	}
	file, err := p.pers.Load()
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastBankRev = file.BankRevisionSnapshot
	for name, row := range file.Characters {
		normalizeRow(row)
		p.rows[name] = row
	}
	return nil
}

func normalizeRow(r *model.GearStateRow) {
	if r.Available == nil {
		r.Available = map[string]int{}
	}
	if r.Assigned == nil {
		r.Assigned = map[string]int{}
	}
	if r.Owned == nil {
		r.Owned = map[string]int{}
	}
	if r.Desired == nil {
		r.Desired = map[string]int{}
	}
	if r.Required == nil {
		r.Required = map[string]int{}
	}
	for k, v := range r.Available {
		if v < 0 {
			r.Available[k] = 0
		}
	}
	for k, v := range r.Assigned {
		if v < 0 {
			r.Assigned[k] = 0
		}
	}
}

// ShouldRecompute reports whether the bank revision or any character's
// level has drifted since the last recompute.
func (p *Planner) ShouldRecompute(characters []model.CharacterRecord) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inv.Revision() != p.lastBankRev {
		return true
	}
	for _, c := range characters {
		row, ok := p.rows[c.Name]
		if !ok || row.LevelSnapshot != c.Level {
			return true
		}
	}
	return false
}

// SetOrder fixes the deterministic character processing order used for
// account-wide assignment.
func (p *Planner) SetOrder(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append([]string(nil), names...)
}

// Recompute runs the full per-character then account-wide planning pass:
// per-character loadout optimization, account-wide assignment, fallback
// claims, and desired-order publishing.
func (p *Planner) Recompute(inputs []CharacterInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.NowMs()
	snap := p.inv.Snapshot()
	availability := cloneIntMap(snap.Items)

	selected := map[string]map[string]int{}
	required := map[string]map[string]int{}
	selectedMonsters := map[string][]string{}
	bestTarget := map[string]string{}

	order := p.order
	if len(order) == 0 {
		for _, in := range inputs {
			order = append(order, in.Record.Name)
		}
	}
	byName := map[string]CharacterInput{}
	for _, in := range inputs {
		byName[in.Record.Name] = in
		p.chars[in.Record.Name] = in.Record
	}

	for _, in := range inputs {
		sel, req, monsters, target := p.planCharacter(in)
		selected[in.Record.Name] = sel
		required[in.Record.Name] = req
		selectedMonsters[in.Record.Name] = monsters
		bestTarget[in.Record.Name] = target
	}

	assigned := map[string]map[string]int{}
	desired := map[string]map[string]int{}
	for _, name := range order {
		if _, ok := byName[name]; !ok {
			continue
		}
		a := map[string]int{}
		d := map[string]int{}
		for code, need := range selected[name] {
			got := need
			if availability[code] < got {
				got = availability[code]
			}
			if got < 0 {
				got = 0
			}
			if got > 0 {
				a[code] = got
				availability[code] -= got
			}
			if rem := need - got; rem > 0 {
				d[code] = rem
			}
		}
		assigned[name] = a
		desired[name] = d
	}

	// Fallback claims: fill remaining desired by category from the
	// character's own equipped/inventory items. Previous-cycle available
	// entries are not consulted.
	for _, name := range order {
		in, ok := byName[name]
		if !ok {
			continue
		}
		p.applyFallback(in.Record, assigned[name], desired[name], availability)
	}

	// Publish desired orders.
	for _, name := range order {
		in := byName[name]
		if !in.CreateOrders || p.publisher == nil {
			continue
		}
		for code, qty := range desired[name] {
			if qty <= 0 {
				continue
			}
			item, ok := p.catalog.Item(code)
			if !ok || item.Craft == nil || item.Category == gamedata.CategoryTool {
				continue
			}
			_ = p.publisher(OrderRequest{
				SourceCode:    code,
				ItemCode:      code,
				RequesterName: name,
				Recipe:        "gear_state:" + name + ":" + code,
				CraftSkill:    string(item.Craft.Skill),
				SourceLevel:   item.Craft.Level,
				Quantity:      qty,
			})
		}
	}

	for _, in := range inputs {
		name := in.Record.Name
		avail := map[string]int{}
		for code, qty := range assigned[name] {
			avail[code] += qty
		}
		row := &model.GearStateRow{
			Available:            avail,
			Assigned:             assigned[name],
			Owned:                selected[name],
			Desired:               desired[name],
			Required:              required[name],
			SelectedMonsters:      selectedMonsters[name],
			BestTarget:            bestTarget[name],
			LevelSnapshot:         in.Record.Level,
			BankRevisionSnapshot:  snap.Revision,
			UpdatedAtMs:           now,
		}
		p.rows[name] = row
	}
	p.lastBankRev = snap.Revision

	if p.pers != nil {
		p.schedulePersist()
	}
	return nil
}

// planCharacter runs steps 1-5 of the per-character computation.
func (p *Planner) planCharacter(in CharacterInput) (selected map[string]int, required map[string]int, selectedMonsters []string, bestTarget string) {
	char := in.Record
	var records []gearopt.Record
	for _, mon := range p.catalog.AllMonstersUpToLevel(char.Level) {
		rec, err := p.optimizer.Optimize(char, mon.Code)
		if err != nil {
			continue
		}
		if !combatsim.CanBeatMonster(rec.Sim) {
			continue
		}
		records = append(records, rec)
	}

	required = map[string]int{}
	for _, rec := range records {
		for code, qty := range rec.Loadout.EquipmentCodes() {
			if required[code] < qty {
				required[code] = qty
			}
		}
		for code, qty := range rec.Loadout.Potions {
			if required[code] < qty {
				required[code] = qty
			}
		}
	}
	for _, skill := range model.GatherSkills {
		if tool, ok := p.catalog.BestToolForSkill(skill); ok {
			if required[tool.Code] < 1 {
				required[tool.Code] = 1
			}
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].MonsterLevel != records[j].MonsterLevel {
			return records[i].MonsterLevel > records[j].MonsterLevel
		}
		if records[i].Sim.Turns != records[j].Sim.Turns {
			return records[i].Sim.Turns < records[j].Sim.Turns
		}
		return records[i].Sim.RemainingHP > records[j].Sim.RemainingHP
	})

	selected = map[string]int{}
	budget := char.InventoryCapacity - carryReserveSlots
	if budget < 0 {
		budget = 0
	}

	if len(records) > 0 {
		for code, qty := range records[0].Loadout.EquipmentCodes() {
			selected[code] = qty
		}
		trimToBudget(selected, budget, p.catalog)
	}

	covered := map[string]bool{}
	if len(records) > 0 {
		covered[records[0].MonsterCode] = true
	}
	for {
		added := false
		bestIdx := -1
		bestCost := -1
		for i, rec := range records {
			if covered[rec.MonsterCode] {
				continue
			}
			cost := newSlotCost(selected, rec.Loadout.EquipmentCodes())
			if total(selected)+cost > budget {
				continue
			}
			if bestIdx == -1 || cost < bestCost {
				bestIdx, bestCost = i, cost
			}
		}
		if bestIdx >= 0 {
			for code, qty := range records[bestIdx].Loadout.EquipmentCodes() {
				if selected[code] < qty {
					selected[code] = qty
				}
			}
			covered[records[bestIdx].MonsterCode] = true
			added = true
		}
		if !added {
			break
		}
	}

	potionCodes := potionCodesSortedByQtyDesc(records)
	for _, code := range potionCodes {
		qty := bestPotionQty(records, code)
		if total(selected)+qty > budget {
			continue
		}
		selected[code] = qty
	}

	for _, skill := range model.GatherSkills {
		tool, ok := p.catalog.BestToolForSkill(skill)
		if !ok {
			continue
		}
		if selected[tool.Code] == 0 {
			selected[tool.Code] = 1
			if total(selected) > budget {
				p.log.Warn("gear-state budget exceeded to protect gathering tool",
					zap.String("char", char.Name), zap.String("tool", tool.Code))
			}
		}
	}

	for _, rec := range records {
		if dominated(rec.Loadout.EquipmentCodes(), selected) {
			selectedMonsters = append(selectedMonsters, rec.MonsterCode)
		}
	}
	if len(records) > 0 {
		bestTarget = records[0].MonsterCode
	}

	return selected, required, selectedMonsters, bestTarget
}

// applyFallback fills remaining desired quantities from the character's own
// equipped/inventory items, limited by the shared availability counts.
// Only those items are candidates; previous-cycle available entries are
// not consulted.
// Category priority: equipped non-tool > inventory non-tool > equipped tool
// > inventory tool.
func (p *Planner) applyFallback(char model.CharacterRecord, assigned, desired map[string]int, availability map[string]int) {
	for code, need := range desired {
		if need <= 0 {
			continue
		}
		item, ok := p.catalog.Item(code)
		if !ok {
			continue
		}
		candidates := p.fallbackCandidates(char, item)
		for _, cand := range candidates {
			if need <= 0 {
				break
			}
			have := availability[cand]
			if have <= 0 {
				continue
			}
			take := need
			if have < take {
				take = have
			}
			assigned[cand] += take
			availability[cand] -= take
			need -= take
		}
		if need <= 0 {
			delete(desired, code)
		} else {
			desired[code] = need
		}
	}
}

// fallbackCandidates returns same-slot item codes the character currently
// has access to, ordered equipped-non-tool, inventory-non-tool,
// equipped-tool, inventory-tool.
func (p *Planner) fallbackCandidates(char model.CharacterRecord, item gamedata.Item) []string {
	var equippedNonTool, invNonTool, equippedTool, invTool []string
	consider := func(code string, fromInventory bool) {
		if code == "" || code == item.Code {
			return
		}
		other, ok := p.catalog.Item(code)
		if !ok || other.Slot != item.Slot || other.Slot == "" {
			return
		}
		if other.Category == gamedata.CategoryTool {
			if fromInventory {
				invTool = append(invTool, code)
			} else {
				equippedTool = append(equippedTool, code)
			}
			return
		}
		if fromInventory {
			invNonTool = append(invNonTool, code)
		} else {
			equippedNonTool = append(equippedNonTool, code)
		}
	}

	e := char.Equipped
	for _, code := range []string{
		e.Weapon, e.Shield, e.Helmet, e.BodyArmor, e.LegArmor, e.Boots, e.Bag,
		e.Amulet, e.Ring1, e.Ring2, e.Artifact1, e.Artifact2, e.Artifact3, e.Rune,
	} {
		consider(code, false)
	}
	for _, it := range char.Inventory {
		consider(it.Code, true)
	}

	out := append([]string{}, equippedNonTool...)
	out = append(out, invNonTool...)
	out = append(out, equippedTool...)
	out = append(out, invTool...)
	return out
}

func trimToBudget(selected map[string]int, budget int, catalog gamedata.Catalog) {
	if total(selected) <= budget {
		return
	}
	for i := len(model.CarrySlotPriority) - 1; i >= 0 && total(selected) > budget; i-- {
		slot := model.CarrySlotPriority[i]
		for code, qty := range selected {
			item, ok := catalog.Item(code)
			if !ok || item.Slot != slot {
				continue
			}
			over := total(selected) - budget
			cut := qty
			if cut > over {
				cut = over
			}
			selected[code] -= cut
			if selected[code] <= 0 {
				delete(selected, code)
			}
			if total(selected) <= budget {
				return
			}
		}
	}
}

func newSlotCost(selected map[string]int, codes map[string]int) int {
	cost := 0
	for code, qty := range codes {
		if selected[code] < qty {
			cost += qty - selected[code]
		}
	}
	return cost
}

func total(m map[string]int) int {
	sum := 0
	for _, v := range m {
		sum += v
	}
	return sum
}

func dominated(need, have map[string]int) bool {
	for code, qty := range need {
		if have[code] < qty {
			return false
		}
	}
	return true
}

func potionCodesSortedByQtyDesc(records []gearopt.Record) []string {
	best := map[string]int{}
	for _, rec := range records {
		for code, qty := range rec.Loadout.Potions {
			if best[code] < qty {
				best[code] = qty
			}
		}
	}
	codes := make([]string, 0, len(best))
	for code := range best {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if best[codes[i]] != best[codes[j]] {
			return best[codes[i]] > best[codes[j]]
		}
		return codes[i] < codes[j]
	})
	return codes
}

func bestPotionQty(records []gearopt.Record, code string) int {
	best := 0
	for _, rec := range records {
		if q := rec.Loadout.Potions[code]; q > best {
			best = q
		}
	}
	return best
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetRow returns a deep copy of the named character's row, or nil.
func (p *Planner) GetRow(name string) *model.GearStateRow {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rows[name]
	if !ok {
		return nil
	}
	return r.Clone()
}

// GetOwnedMap returns a deep copy of name's owned (selected) map.
func (p *Planner) GetOwnedMap(name string) map[string]int {
	return p.mapField(name, func(r *model.GearStateRow) map[string]int { return r.Owned })
}

// GetAssignedMap returns a deep copy of name's assigned map.
func (p *Planner) GetAssignedMap(name string) map[string]int {
	return p.mapField(name, func(r *model.GearStateRow) map[string]int { return r.Assigned })
}

// GetDesiredMap returns a deep copy of name's desired map.
func (p *Planner) GetDesiredMap(name string) map[string]int {
	return p.mapField(name, func(r *model.GearStateRow) map[string]int { return r.Desired })
}

func (p *Planner) mapField(name string, get func(*model.GearStateRow) map[string]int) map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rows[name]
	if !ok {
		return map[string]int{}
	}
	return cloneIntMap(get(r))
}

// GetOwnedKeepByCodeForInventory returns, for each (code, qty) in name's
// available set, max(0, qty - equippedCountOnChar(code)); the deposit
// routine uses this to protect claimed items still needed on the body
// from being deposited out from under the character.
func (p *Planner) GetOwnedKeepByCodeForInventory(name string) map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[name]
	char, hasChar := p.chars[name]
	if !ok || !hasChar {
		return map[string]int{}
	}
	out := map[string]int{}
	for code, qty := range row.Available {
		keep := qty - char.EquippedCount(code)
		if keep < 0 {
			keep = 0
		}
		if keep > 0 {
			out[code] = keep
		}
	}
	return out
}

// GetOwnedDeficitRequests returns items name owns but doesn't currently
// carry (equipped + inventory short of the owned quantity), driving
// withdraw-on-demand.
func (p *Planner) GetOwnedDeficitRequests(name string) map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[name]
	char, hasChar := p.chars[name]
	if !ok || !hasChar {
		return map[string]int{}
	}
	out := map[string]int{}
	for code, qty := range row.Available {
		have := char.EquippedCount(code) + char.ItemCount(code)
		if have < qty {
			out[code] = qty - have
		}
	}
	return out
}

// GetClaimedTotal sums code's Assigned quantity across every character.
func (p *Planner) GetClaimedTotal(code string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, row := range p.rows {
		total += row.Assigned[code]
	}
	return total
}

// GetClaimedTotalsMap sums every code's Assigned quantity across every
// character.
func (p *Planner) GetClaimedTotalsMap() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]int{}
	for _, row := range p.rows {
		for code, qty := range row.Assigned {
			out[code] += qty
		}
	}
	return out
}

// IsClaimedByAnyCharacter reports whether any character has code assigned.
func (p *Planner) IsClaimedByAnyCharacter(code string) bool {
	return p.GetClaimedTotal(code) > 0
}
