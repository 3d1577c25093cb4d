package reconcile

import "sort"

// ChangeType classifies one diff entry.
type ChangeType string

const (
	Added   ChangeType = "ADDED"
	Changed ChangeType = "CHANGED"
	Deleted ChangeType = "DELETED"
)

// DiffEntry describes the change of one field or nested field.
type DiffEntry struct {
	Key    string     `json:"key"`
	Before any        `json:"before"`
	After  any        `json:"after"`
	Type   ChangeType `json:"type"`
}

// Fields that are bookkeeping rather than asset content.
var diffIgnoredKeys = map[string]bool{
	"tag_keys":          true,
	"created_at":        true,
	"updated_at":        true,
	"deleted_at":        true,
	"last_collected_at": true,
	"domain_id":         true,
}

// Diff compares the fields written by an update against the stored values
// of the same fields. Only keys present in written are considered, so
// untouched stored fields never appear. Map values are flattened to dotted
// keys and hashed tags are reported under their literal key.
func Diff(written, stored map[string]any) []DiffEntry {
	after := map[string]any{}
	before := map[string]any{}
	for key, value := range written {
		if diffIgnoredKeys[key] {
			continue
		}
		flatten(key, value, after)
		flatten(key, stored[key], before)
	}
	return compare(before, after)
}

// CreateDiff reports every initial field as ADDED.
func CreateDiff(fields map[string]any) []DiffEntry {
	after := map[string]any{}
	for key, value := range fields {
		if diffIgnoredKeys[key] {
			continue
		}
		flatten(key, value, after)
	}
	return compare(map[string]any{}, after)
}

// DeleteDiff records the terminal state transition of a deleted asset.
func DeleteDiff(previousState string) []DiffEntry {
	return []DiffEntry{{Key: "state", Before: previousState, After: "DELETED", Type: Changed}}
}

func compare(before, after map[string]any) []DiffEntry {
	keys := make([]string, 0, len(before)+len(after))
	for k := range after {
		keys = append(keys, k)
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]DiffEntry, 0, len(keys))
	for _, k := range keys {
		b, hasBefore := before[k]
		a, hasAfter := after[k]
		hasBefore = hasBefore && b != nil
		hasAfter = hasAfter && a != nil
		switch {
		case hasAfter && !hasBefore:
			out = append(out, DiffEntry{Key: k, After: a, Type: Added})
		case hasBefore && !hasAfter:
			out = append(out, DiffEntry{Key: k, Before: b, Type: Deleted})
		case hasBefore && hasAfter && !Equal(a, b):
			out = append(out, DiffEntry{Key: k, Before: b, After: a, Type: Changed})
		}
	}
	return out
}

func flatten(prefix string, value any, out map[string]any) {
	if prefix == "tags" {
		flattenTags(value, out)
		return
	}
	m, ok := asMap(value)
	if !ok || len(m) == 0 {
		out[prefix] = value
		return
	}
	for k, v := range m {
		flatten(prefix+"."+k, v, out)
	}
}

// flattenTags maps {provider: {hash: {key, value}}} to tags.<provider>.<key>.
func flattenTags(value any, out map[string]any) {
	providers, ok := asMap(value)
	if !ok {
		if value != nil {
			out["tags"] = value
		}
		return
	}
	for provider, sub := range providers {
		entries, ok := asMap(sub)
		if !ok {
			out["tags."+provider] = sub
			continue
		}
		for hash, raw := range entries {
			entry, ok := asMap(raw)
			key, _ := entry["key"].(string)
			if !ok || key == "" {
				out["tags."+provider+"."+hash] = raw
				continue
			}
			out["tags."+provider+"."+key] = entry["value"]
		}
	}
}
