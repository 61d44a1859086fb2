package eventmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactsbot/internal/clock"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/model"
)

func TestParseSpawnPayload_MapContentShape(t *testing.T) {
	payload := map[string]any{
		"map": map[string]any{
			"x": 3.0, "y": 4.0,
			"content": map[string]any{"type": "monster", "code": "chicken"},
		},
	}
	entry, ok := ParseSpawnPayload(payload, nil)
	require.True(t, ok)
	assert.Equal(t, model.ContentMonster, entry.ContentType)
	assert.Equal(t, "chicken", entry.ContentCode)
	assert.Equal(t, model.MapLoc{X: 3, Y: 4}, entry.Map)
}

func TestParseSpawnPayload_ContentThenMapShape(t *testing.T) {
	payload := map[string]any{
		"content": map[string]any{"type": "resource", "code": "ash_tree"},
		"map":     map[string]any{"x": 1, "y": 2},
	}
	entry, ok := ParseSpawnPayload(payload, nil)
	require.True(t, ok)
	assert.Equal(t, model.ContentResource, entry.ContentType)
}

func TestParseSpawnPayload_CodeTypeMapShape(t *testing.T) {
	payload := map[string]any{"code": "event1", "type": "npc", "map": map[string]any{"x": 5, "y": 5}}
	entry, ok := ParseSpawnPayload(payload, nil)
	require.True(t, ok)
	assert.Equal(t, model.ContentNPC, entry.ContentType)
	assert.Equal(t, "event1", entry.Code)
}

func TestParseSpawnPayload_NameFallbackResolvesViaCatalog(t *testing.T) {
	cat := gamedata.NewInMemory()
	cat.Monsters["wolf"] = gamedata.Monster{Code: "wolf", Level: 3}
	payload := map[string]any{"name": "wolf", "map": map[string]any{"x": 0, "y": 0}}
	entry, ok := ParseSpawnPayload(payload, cat)
	require.True(t, ok)
	assert.Equal(t, model.ContentMonster, entry.ContentType)
}

func TestParseSpawnPayload_Unrecognized(t *testing.T) {
	_, ok := ParseSpawnPayload(map[string]any{"foo": "bar"}, nil)
	assert.False(t, ok)
}

func TestEventActiveWithinGraceWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(fc, nil, nil)
	m.HandleEventSpawn(map[string]any{"code": "e1", "type": "monster", "map": map[string]any{"x": 0, "y": 0}, "expiration": fc.NowMs() + 100_000})

	assert.True(t, m.IsEventActive("e1"))

	fc.Advance(95 * time.Second)
	assert.False(t, m.IsEventActive("e1"), "event within 30s of expiration should read inactive")
}

func TestEventRemovedPrunesFromActiveList(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(fc, nil, nil)
	m.HandleEventSpawn(map[string]any{"code": "e1", "type": "monster", "map": map[string]any{"x": 0, "y": 0}, "expiration": fc.NowMs() + 1_000_000})
	require.Len(t, m.GetActiveMonsterEvents(), 1)

	m.HandleEventRemoved("e1")
	assert.Empty(t, m.GetActiveMonsterEvents())
}

func TestNPCLockReentrantAndExclusive(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(fc, nil, nil)

	assert.True(t, m.AcquireNPCLock("alice", "npc1", "e1"))
	assert.True(t, m.AcquireNPCLock("alice", "npc1", "e1"), "same char re-acquire should succeed")
	assert.False(t, m.AcquireNPCLock("bob", "npc1", "e1"), "other char should be refused while held")

	m.ReleaseNPCLock("bob") // no-op, not the holder
	assert.True(t, m.IsNPCLockHeldBy("alice"))

	m.ReleaseNPCLock("alice")
	assert.False(t, m.IsNPCLockHeld())
	assert.True(t, m.AcquireNPCLock("bob", "npc1", "e1"))
}

func TestNPCLockTTLSafetyRelease(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(fc, nil, nil)
	require.True(t, m.AcquireNPCLock("alice", "npc1", "e1"))

	fc.Advance(6 * time.Minute)
	assert.False(t, m.IsNPCLockHeld(), "lock should self-expire after the TTL")
	assert.True(t, m.AcquireNPCLock("bob", "npc1", "e1"))
}

func TestReleaseIfEventGone(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(fc, nil, nil)
	m.HandleEventSpawn(map[string]any{"code": "e1", "type": "npc", "map": map[string]any{"x": 0, "y": 0}, "expiration": fc.NowMs() + 1_000_000})
	require.True(t, m.AcquireNPCLock("alice", "npc1", "e1"))

	m.ReleaseIfEventGone("e1")
	assert.True(t, m.IsNPCLockHeld(), "event still active, lock should stay")

	m.HandleEventRemoved("e1")
	m.ReleaseIfEventGone("e1")
	assert.False(t, m.IsNPCLockHeld(), "event gone, lock should release")
}
