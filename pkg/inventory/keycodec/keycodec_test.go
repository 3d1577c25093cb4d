package keycodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKeyIsStable(t *testing.T) {
	assert.Equal(t, HashKey("env"), HashKey("env"))
	assert.NotEqual(t, HashKey("env"), HashKey("team"))
	assert.Len(t, HashKey("env"), 32)
}

func TestTagsToDict(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    map[string]any
		wantErr bool
	}{
		{name: "nil", in: nil, want: map[string]any{}},
		{name: "map", in: map[string]any{"env": "prod"}, want: map[string]any{"env": "prod"}},
		{
			name: "list of pairs",
			in:   []any{map[string]any{"key": "env", "value": "prod"}, map[string]any{"key": "team", "value": "x"}},
			want: map[string]any{"env": "prod", "team": "x"},
		},
		{name: "list missing key", in: []any{map[string]any{"value": "prod"}}, wantErr: true},
		{name: "wrong type", in: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TagsToDict(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertTagsToHash(t *testing.T) {
	tags, keys := ConvertTagsToHash(map[string]any{"team": "x", "env": "prod"}, "aws")

	aws := tags["aws"].(map[string]any)
	require.Len(t, aws, 2)
	assert.Equal(t, map[string]any{"key": "env", "value": "prod"}, aws[HashKey("env")])
	assert.Equal(t, map[string]any{"key": "team", "value": "x"}, aws[HashKey("team")])
	assert.Equal(t, []any{"env", "team"}, keys["aws"])
}

func TestHashedQueryKey(t *testing.T) {
	h := HashKey("Name")
	assert.Equal(t, "tags.aws."+h+".value", HashedQueryKey("tags.aws.Name", false))
	assert.Equal(t, "tags.aws."+h, HashedQueryKey("tags.aws.Name", true))
	assert.Equal(t, "tags.aws", HashedQueryKey("tags.aws", false))
	assert.Equal(t, "tags.aws."+HashKey("a.b"), HashedQueryKey("tags.aws.a.b", true))
}

func TestLiteralTags(t *testing.T) {
	tags, _ := ConvertTagsToHash(map[string]any{"env": "prod"}, "aws")
	assert.Equal(t, map[string]any{"aws.env": "prod"}, LiteralTags(tags))
}
