package eventmgr

import (
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/model"
)

// ParseSpawnPayload accepts the four spawn payload shapes the game's
// websocket feed emits, tried in order, and normalizes them into an
// EventEntry. catalog may be nil; it's only consulted when the payload
// omits an explicit type.
func ParseSpawnPayload(payload map[string]any, catalog gamedata.Catalog) (*model.EventEntry, bool) {
	code, _ := payload["code"].(string)

	// Shape 1: {map:{content:{type,code}}}
	if mapVal, ok := payload["map"].(map[string]any); ok {
		if content, ok := mapVal["content"].(map[string]any); ok {
			if entry, ok := buildFromContent(code, content, mapVal, catalog); ok {
				entry.Expiration = parseExpiration(payload)
				return entry, true
			}
		}
	}

	// Shape 2: {content:{type,code}, map}
	if content, ok := payload["content"].(map[string]any); ok {
		mapVal, _ := payload["map"].(map[string]any)
		if entry, ok := buildFromContent(code, content, mapVal, catalog); ok {
			entry.Expiration = parseExpiration(payload)
			return entry, true
		}
	}

	// Shape 3: {code, type?, map}
	if code != "" {
		mapVal, _ := payload["map"].(map[string]any)
		contentType, _ := payload["type"].(string)
		ct := resolveContentType(contentType, code, catalog)
		if ct != "" {
			return &model.EventEntry{
				Code:        code,
				ContentType: ct,
				ContentCode: code,
				Map:         parseMapLoc(mapVal),
				Expiration:  parseExpiration(payload),
			}, true
		}
	}

	// Shape 4: {name, map} - last resort, name doubles as code.
	if name, ok := payload["name"].(string); ok && name != "" {
		mapVal, _ := payload["map"].(map[string]any)
		ct := resolveContentType("", name, catalog)
		if ct == "" {
			return nil, false
		}
		return &model.EventEntry{
			Code:        name,
			ContentType: ct,
			ContentCode: name,
			Map:         parseMapLoc(mapVal),
			Expiration:  parseExpiration(payload),
		}, true
	}

	return nil, false
}

func buildFromContent(code string, content map[string]any, mapVal map[string]any, catalog gamedata.Catalog) (*model.EventEntry, bool) {
	contentType, _ := content["type"].(string)
	contentCode, _ := content["code"].(string)
	if contentCode == "" {
		contentCode = code
	}
	if code == "" {
		code = contentCode
	}
	ct := resolveContentType(contentType, contentCode, catalog)
	if ct == "" {
		return nil, false
	}
	return &model.EventEntry{
		Code:        code,
		ContentType: ct,
		ContentCode: contentCode,
		Map:         parseMapLoc(mapVal),
	}, true
}

func resolveContentType(explicit, contentCode string, catalog gamedata.Catalog) model.EventContentType {
	switch explicit {
	case "monster":
		return model.ContentMonster
	case "resource":
		return model.ContentResource
	case "npc":
		return model.ContentNPC
	}
	if catalog == nil {
		return ""
	}
	if _, ok := catalog.Monster(contentCode); ok {
		return model.ContentMonster
	}
	if _, ok := catalog.Resource(contentCode); ok {
		return model.ContentResource
	}
	return ""
}

func parseMapLoc(mapVal map[string]any) model.MapLoc {
	x, _ := toInt(mapVal["x"])
	y, _ := toInt(mapVal["y"])
	return model.MapLoc{X: x, Y: y}
}

func parseExpiration(payload map[string]any) int64 {
	if v, ok := payload["expiration"]; ok {
		if n, ok := toInt64(v); ok {
			return n
		}
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
