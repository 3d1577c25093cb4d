package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
)

func TestDiffClassifiesChanges(t *testing.T) {
	stored := map[string]any{
		"name":         "web-1",
		"ip_addresses": []any{"10.0.0.1"},
		"data":         map[string]any{"vpc": "vpc-1", "cpu": 2.0},
		"account":      "123",
		"region_code":  "us-east-1",
	}
	written := map[string]any{
		"name":        "web-2",
		"data":        map[string]any{"vpc": "vpc-1", "cpu": 4.0, "disk": "ssd"},
		"region_code": nil,
		"updated_at":  "now",
	}

	diff := Diff(written, stored)
	assert.Equal(t, []DiffEntry{
		{Key: "data.cpu", Before: 2.0, After: 4.0, Type: Changed},
		{Key: "data.disk", After: "ssd", Type: Added},
		{Key: "name", Before: "web-1", After: "web-2", Type: Changed},
		{Key: "region_code", Before: "us-east-1", Type: Deleted},
	}, diff)
}

func TestDiffUsesLiteralTagKeys(t *testing.T) {
	oldTags, _ := keycodec.ConvertTagsToHash(map[string]any{"env": "prod"}, "aws")
	newTags, _ := keycodec.ConvertTagsToHash(map[string]any{"env": "dev", "team": "x"}, "aws")

	diff := Diff(map[string]any{"tags": newTags}, map[string]any{"tags": oldTags})
	assert.Equal(t, []DiffEntry{
		{Key: "tags.aws.env", Before: "prod", After: "dev", Type: Changed},
		{Key: "tags.aws.team", After: "x", Type: Added},
	}, diff)
}

func TestCreateDiffMarksEverythingAdded(t *testing.T) {
	diff := CreateDiff(map[string]any{
		"name":       "web-1",
		"provider":   "aws",
		"data":       map[string]any{"vpc": "vpc-1"},
		"created_at": "now",
		"tag_keys":   map[string]any{"aws": []any{}},
	})
	assert.Len(t, diff, 3)
	for _, d := range diff {
		assert.Equal(t, Added, d.Type, d.Key)
		assert.Nil(t, d.Before)
	}
	assert.Equal(t, "data.vpc", diff[0].Key)
}

func TestDeleteDiff(t *testing.T) {
	assert.Equal(t, []DiffEntry{{Key: "state", Before: "ACTIVE", After: "DELETED", Type: Changed}}, DeleteDiff("ACTIVE"))
}
