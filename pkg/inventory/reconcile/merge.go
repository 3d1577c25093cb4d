// Package reconcile computes the minimal write for an asset update and the
// field-level diff recorded in its history.
package reconcile

import (
	"encoding/json"
	"reflect"
	"sort"
)

// MergeKeys lists the fields compared against the stored record before an
// update. Fields outside this list are always written.
var MergeKeys = []string{
	"name",
	"ip_addresses",
	"account",
	"instance_type",
	"instance_size",
	"reference",
	"region_code",
	"ref_region",
	"project_id",
	"data",
}

var mapMergedKeys = map[string]bool{"data": true, "tags": true}

// MergeData returns the field set to write for an update of oldData with
// newData. Unchanged merge keys are dropped; map-valued keys are merged
// into a copy of the stored map so sub-keys absent from newData survive.
// newData is not modified.
func MergeData(newData, oldData map[string]any) map[string]any {
	out := make(map[string]any, len(newData))
	for k, v := range newData {
		out[k] = v
	}

	for _, key := range MergeKeys {
		newValue, ok := out[key]
		if !ok {
			continue
		}
		oldValue := oldData[key]

		newMap, isMap := asMap(newValue)
		if !mapMergedKeys[key] || !isMap {
			if Equal(newValue, oldValue) {
				delete(out, key)
			}
			continue
		}

		oldMap, _ := asMap(oldValue)
		if !subKeysChanged(newMap, oldMap) {
			delete(out, key)
			continue
		}
		merged := copyMap(oldMap)
		for k, v := range newMap {
			merged[k] = deepCopy(v)
		}
		out[key] = merged
	}
	return out
}

func subKeysChanged(newMap, oldMap map[string]any) bool {
	for k, v := range newMap {
		old, ok := oldMap[k]
		if !ok || !Equal(v, old) {
			return true
		}
	}
	return false
}

// IsDifferentData reports whether the provider's sub-map differs between
// two provider-keyed maps. Other providers are ignored.
func IsDifferentData(newData, oldData map[string]any, provider string) bool {
	return !Equal(newData[provider], oldData[provider])
}

// MergeTags merges hashed tags for one provider. When the provider's
// sub-map is unchanged it returns changed=false and the caller must not
// write tags. Otherwise the result holds the union of stored and new
// entries for the provider, with new entries winning, and every other
// provider's tags untouched.
func MergeTags(newTags, newKeys, oldTags, oldKeys map[string]any, provider string) (tags, keys map[string]any, changed bool) {
	if !IsDifferentData(newTags, oldTags, provider) {
		return nil, nil, false
	}

	tags = copyMap(oldTags)
	sub, _ := asMap(tags[provider])
	sub = copyMap(sub)
	newSub, _ := asMap(newTags[provider])
	for k, v := range newSub {
		sub[k] = deepCopy(v)
	}
	tags[provider] = sub

	keys = copyMap(oldKeys)
	keys[provider] = unionKeys(toStrings(keys[provider]), toStrings(newKeys[provider]))
	return tags, keys, true
}

// MergeMetadata replaces the provider's metadata when it changed.
func MergeMetadata(newMeta, oldMeta map[string]any, provider string) (map[string]any, bool) {
	if !IsDifferentData(newMeta, oldMeta, provider) {
		return nil, false
	}
	merged := copyMap(oldMeta)
	merged[provider] = deepCopy(newMeta[provider])
	return merged, true
}

func unionKeys(a, b []string) []any {
	seen := make(map[string]bool, len(a)+len(b))
	all := make([]string, 0, len(a)+len(b))
	for _, k := range append(append([]string(nil), a...), b...) {
		if !seen[k] {
			seen[k] = true
			all = append(all, k)
		}
	}
	sort.Strings(all)
	out := make([]any, len(all))
	for i, k := range all {
		out[i] = k
	}
	return out
}

// Equal compares two values after JSON normalization, so []string and
// []any holding the same items, or int and float64 of the same value,
// compare equal. A missing value equals nil.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return nil, false
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	}
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		if m, ok := asMap(v); ok {
			return copyMap(m)
		}
		return val
	}
}
