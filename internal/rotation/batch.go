package rotation

import "math"

// minReserveSlots/maxReserveSlots bound the inventory reserve batchSize
// always leaves free.
const (
	minReserveSlots = 8
	maxReserveSlots = 20
)

// Reserve returns clamp(ceil(capacity*0.10), 8, 20).
func Reserve(capacity int) int {
	r := int(math.Ceil(float64(capacity) * 0.10))
	if r < minReserveSlots {
		return minReserveSlots
	}
	if r > maxReserveSlots {
		return maxReserveSlots
	}
	return r
}

// UsableSpace is inventoryCapacity - inventoryCount - reserve, floored at 0.
// Per Open Question #1, reservedForChar subtracts this character's
// outstanding bank-withdraw reservations too, so a routine that has
// already reserved withdraws doesn't plan past where they'll land.
func UsableSpace(capacity, inventoryCount, reservedForChar int) int {
	reserve := Reserve(capacity)
	space := capacity - inventoryCount - reserve - reservedForChar
	if space < 0 {
		return 0
	}
	return space
}

// BatchSize is min(goalRemaining, floor(usableSpace / materialsPerCraft)).
// materialsPerCraft <= 0 is treated as 1 (a craft that consumes nothing
// still occupies at least its own output slot).
func BatchSize(goalRemaining, usableSpace, materialsPerCraft int) int {
	if materialsPerCraft <= 0 {
		materialsPerCraft = 1
	}
	byInventory := usableSpace / materialsPerCraft
	if goalRemaining < byInventory {
		return goalRemaining
	}
	return byInventory
}
