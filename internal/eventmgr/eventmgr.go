// Package eventmgr keeps the live map-event registry and the singleton
// NPC event lock. Both are module-global state updated by a
// websocket-adapter-supplied spawn/remove callback, not by polling.
package eventmgr

import (
	"sync"

	"go.uber.org/zap"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/model"
)

// Manager tracks active map events and the NPC event lock.
type Manager struct {
	mu      sync.RWMutex
	clock   clock.Clock
	catalog gamedata.Catalog
	log     *zap.Logger

	events map[string]*model.EventEntry
	lock   *model.NPCLock
}

// NewManager returns an empty event manager. catalog may be nil; it's
// only consulted to resolve a content type the spawn payload omits.
func NewManager(c clock.Clock, catalog gamedata.Catalog, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		clock:   c,
		catalog: catalog,
		log:     log,
		events:  map[string]*model.EventEntry{},
	}
}

// HandleEventSpawn parses a loosely-typed spawn payload and registers or
// refreshes the corresponding entry.
func (m *Manager) HandleEventSpawn(payload map[string]any) {
	entry, ok := ParseSpawnPayload(payload, m.catalog)
	if !ok {
		m.log.Warn("event spawn payload unrecognized")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = m.clock.NowMs()
	m.events[entry.Code] = entry
}

// HandleEventRemoved drops code from the live map, regardless of the
// reason (explicit removal or natural expiry).
func (m *Manager) HandleEventRemoved(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, code)
}

// IsEventActive reports whether code is registered and not within the
// expiration grace window (treated as inactive within 30s of expiration).
func (m *Manager) IsEventActive(code string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[code]
	if !ok {
		return false
	}
	return m.remaining(e) > model.ExpirationGraceMs
}

// GetTimeRemaining returns code's remaining lifetime in ms, or 0 if unknown.
func (m *Manager) GetTimeRemaining(code string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[code]
	if !ok {
		return 0
	}
	r := m.remaining(e)
	if r < 0 {
		return 0
	}
	return r
}

func (m *Manager) remaining(e *model.EventEntry) int64 {
	if e.Expiration <= 0 {
		return 1 << 62 // no expiration set: treat as indefinitely active
	}
	return e.Expiration - m.clock.NowMs()
}

// GetActiveMonsterEvents returns deep copies of every active monster event.
func (m *Manager) GetActiveMonsterEvents() []*model.EventEntry {
	return m.activeOfType(model.ContentMonster)
}

// GetActiveResourceEvents returns deep copies of every active resource event.
func (m *Manager) GetActiveResourceEvents() []*model.EventEntry {
	return m.activeOfType(model.ContentResource)
}

// GetActiveNpcEvents returns deep copies of every active NPC event.
func (m *Manager) GetActiveNpcEvents() []*model.EventEntry {
	return m.activeOfType(model.ContentNPC)
}

func (m *Manager) activeOfType(t model.EventContentType) []*model.EventEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EventEntry
	for _, e := range m.events {
		if e.ContentType != t {
			continue
		}
		if m.remaining(e) <= model.ExpirationGraceMs {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// AcquireNPCLock acquires the singleton NPC lock for charName, re-entrant
// if charName already holds it, failing if another character holds an
// unexpired lock.
func (m *Manager) AcquireNPCLock(charName, npcCode, eventCode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowMs()
	if m.lock != nil && !m.lockExpired(now) && m.lock.CharName != charName {
		return false
	}
	m.lock = &model.NPCLock{
		CharName:  charName,
		NPCCode:   npcCode,
		EventCode: eventCode,
		AcquiredAt: now,
	}
	return true
}

func (m *Manager) lockExpired(now int64) bool {
	return m.lock == nil || now-m.lock.AcquiredAt > model.DefaultNPCLockTTLMs
}

// ReleaseNPCLock releases the lock if held by charName (or unconditionally
// if charName == "").
func (m *Manager) ReleaseNPCLock(charName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil {
		return
	}
	if charName != "" && m.lock.CharName != charName {
		return
	}
	m.lock = nil
}

// IsNPCLockHeld reports whether the lock is currently held by anyone
// (TTL-expired locks count as not held).
func (m *Manager) IsNPCLockHeld() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lock != nil && !m.lockExpired(m.clock.NowMs())
}

// IsNPCLockHeldBy reports whether charName currently holds the lock.
func (m *Manager) IsNPCLockHeldBy(charName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lock != nil && !m.lockExpired(m.clock.NowMs()) && m.lock.CharName == charName
}

// GetNPCLockHolder returns the current holder's name, or "" if unlocked.
func (m *Manager) GetNPCLockHolder() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lock == nil || m.lockExpired(m.clock.NowMs()) {
		return ""
	}
	return m.lock.CharName
}

// ReleaseIfEventGone releases the NPC lock if eventCode is no longer
// active, regardless of holder (Open Question #2: release as soon as the
// targeted event disappears rather than waiting out the TTL).
func (m *Manager) ReleaseIfEventGone(eventCode string) {
	if m.IsEventActive(eventCode) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && m.lock.EventCode == eventCode {
		m.lock = nil
	}
}
