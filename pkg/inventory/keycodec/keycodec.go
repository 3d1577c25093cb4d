// Package keycodec hashes tag keys so they can be stored and indexed as
// storage-safe field names.
package keycodec

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// HashKey returns the stable hex digest used in place of a literal tag key.
func HashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// TagsToDict normalizes tags given either as a flat map or as a list of
// {key, value} pairs into a new flat map.
func TagsToDict(tags any) (map[string]any, error) {
	out := map[string]any{}
	switch v := tags.(type) {
	case nil:
		return out, nil
	case map[string]any:
		for k, val := range v {
			out[k] = val
		}
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case []any:
		for i, item := range v {
			pair, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("tags[%d] is not an object", i)
			}
			key, ok := pair["key"].(string)
			if !ok || key == "" {
				return nil, fmt.Errorf("tags[%d].key is required", i)
			}
			out[key] = pair["value"]
		}
	case []map[string]any:
		for i, pair := range v {
			key, ok := pair["key"].(string)
			if !ok || key == "" {
				return nil, fmt.Errorf("tags[%d].key is required", i)
			}
			out[key] = pair["value"]
		}
	default:
		return nil, fmt.Errorf("unsupported tags type %T", tags)
	}
	return out, nil
}

// ConvertTagsToHash builds the per-provider hashed tag map and the matching
// literal key list:
//
//	tags     = {provider: {hash(k): {"key": k, "value": v}}}
//	tag_keys = {provider: [k, ...]}
func ConvertTagsToHash(tags map[string]any, provider string) (map[string]any, map[string]any) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hashed := make(map[string]any, len(tags))
	literal := make([]any, 0, len(keys))
	for _, k := range keys {
		hashed[HashKey(k)] = map[string]any{"key": k, "value": tags[k]}
		literal = append(literal, k)
	}

	return map[string]any{provider: hashed}, map[string]any{provider: literal}
}

// HashedQueryKey rewrites a "tags.<provider>.<key>" query key to its stored
// path. With only set, the path addresses the whole {key, value} entry
// instead of the value. Keys with fewer than two dots are returned as-is.
func HashedQueryKey(key string, only bool) string {
	if strings.Count(key, ".") < 2 {
		return key
	}
	parts := strings.SplitN(key, ".", 3)
	hashed := parts[0] + "." + parts[1] + "." + HashKey(parts[2])
	if only {
		return hashed
	}
	return hashed + ".value"
}

// LiteralTags flattens a hashed tag map back to "<provider>.<key>" → value.
func LiteralTags(tags map[string]any) map[string]any {
	out := map[string]any{}
	for provider, sub := range tags {
		entries, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		for hash, raw := range entries {
			entry, ok := raw.(map[string]any)
			if !ok {
				out[provider+"."+hash] = raw
				continue
			}
			key, _ := entry["key"].(string)
			if key == "" {
				key = hash
			}
			out[provider+"."+key] = entry["value"]
		}
	}
	return out
}
