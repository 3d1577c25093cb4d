package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeDataDropsUnchangedKeys(t *testing.T) {
	old := map[string]any{
		"name":          "web-1",
		"ip_addresses":  []any{"10.0.0.1"},
		"account":       "123",
		"instance_size": 2.0,
		"data":          map[string]any{"vpc": "vpc-1"},
	}

	for _, key := range MergeKeys {
		t.Run(key, func(t *testing.T) {
			value, ok := old[key]
			if !ok {
				value = nil
			}
			out := MergeData(map[string]any{key: value}, old)
			assert.NotContains(t, out, key)
		})
	}
}

func TestMergeDataNormalizesBeforeComparing(t *testing.T) {
	old := map[string]any{"ip_addresses": []any{"10.0.0.1"}, "instance_size": 2.0}
	out := MergeData(map[string]any{"ip_addresses": []string{"10.0.0.1"}, "instance_size": 2}, old)
	assert.Empty(t, out)
}

func TestMergeDataReplacesScalars(t *testing.T) {
	old := map[string]any{"name": "a", "ip_addresses": []any{"10.0.0.1", "10.0.0.2"}}
	out := MergeData(map[string]any{"name": "b", "ip_addresses": []any{"10.0.0.3"}}, old)
	assert.Equal(t, "b", out["name"])
	assert.Equal(t, []any{"10.0.0.3"}, out["ip_addresses"])
}

func TestMergeDataMergesDataSubKeys(t *testing.T) {
	old := map[string]any{"data": map[string]any{"vpc": "vpc-1", "cpu": 2.0}}
	in := map[string]any{"data": map[string]any{"cpu": 4.0, "disk": "ssd"}}

	out := MergeData(in, old)
	assert.Equal(t, map[string]any{"vpc": "vpc-1", "cpu": 4.0, "disk": "ssd"}, out["data"])

	// inputs untouched
	assert.Equal(t, map[string]any{"cpu": 4.0, "disk": "ssd"}, in["data"])
	assert.Equal(t, map[string]any{"vpc": "vpc-1", "cpu": 2.0}, old["data"])
}

func TestMergeDataNeverRetractsSubKeys(t *testing.T) {
	old := map[string]any{"data": map[string]any{"vpc": "vpc-1", "cpu": 2.0}}
	out := MergeData(map[string]any{"data": map[string]any{"cpu": 2.0}}, old)
	assert.NotContains(t, out, "data")
}

func TestMergeDataKeepsKeysOutsideAllowList(t *testing.T) {
	old := map[string]any{"collector_id": "c-1"}
	out := MergeData(map[string]any{"collector_id": "c-1", "state": "ACTIVE"}, old)
	assert.Equal(t, map[string]any{"collector_id": "c-1", "state": "ACTIVE"}, out)
}

func TestMergeTagsUnion(t *testing.T) {
	oldTags := map[string]any{"aws": map[string]any{"h1": map[string]any{"key": "env", "value": "prod"}}}
	oldKeys := map[string]any{"aws": []any{"env"}}
	newTags := map[string]any{"aws": map[string]any{"h2": map[string]any{"key": "team", "value": "x"}}}
	newKeys := map[string]any{"aws": []any{"team"}}

	tags, keys, changed := MergeTags(newTags, newKeys, oldTags, oldKeys, "aws")
	require.True(t, changed)

	aws := tags["aws"].(map[string]any)
	assert.Contains(t, aws, "h1")
	assert.Contains(t, aws, "h2")
	assert.Equal(t, []any{"env", "team"}, keys["aws"])
	assert.Len(t, oldTags["aws"].(map[string]any), 1)
}

func TestMergeTagsNewWinsAndOtherProvidersUntouched(t *testing.T) {
	oldTags := map[string]any{
		"aws":    map[string]any{"h1": map[string]any{"key": "env", "value": "prod"}},
		"custom": map[string]any{"h9": map[string]any{"key": "owner", "value": "me"}},
	}
	newTags := map[string]any{"aws": map[string]any{"h1": map[string]any{"key": "env", "value": "dev"}}}

	tags, _, changed := MergeTags(newTags, map[string]any{"aws": []any{"env"}}, oldTags, map[string]any{}, "aws")
	require.True(t, changed)
	assert.Equal(t, "dev", tags["aws"].(map[string]any)["h1"].(map[string]any)["value"])
	assert.Equal(t, oldTags["custom"], tags["custom"])
}

func TestMergeTagsUnchanged(t *testing.T) {
	tags := map[string]any{"aws": map[string]any{"h1": map[string]any{"key": "env", "value": "prod"}}}
	other := map[string]any{
		"aws":    map[string]any{"h1": map[string]any{"key": "env", "value": "prod"}},
		"custom": map[string]any{},
	}
	_, _, changed := MergeTags(tags, nil, other, nil, "aws")
	assert.False(t, changed)
}

func TestMergeMetadata(t *testing.T) {
	old := map[string]any{"aws": map[string]any{"view": 1.0}}
	_, changed := MergeMetadata(map[string]any{"aws": map[string]any{"view": 1}}, old, "aws")
	assert.False(t, changed)

	merged, changed := MergeMetadata(map[string]any{"aws": map[string]any{"view": 2}}, old, "aws")
	require.True(t, changed)
	assert.Equal(t, map[string]any{"view": 2}, merged["aws"])
}
