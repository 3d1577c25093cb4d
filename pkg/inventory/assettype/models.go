// Package assettype stores asset types, the kinds of resources a provider
// reports, together with the asset groups each type belongs to.
package assettype

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ResourceGroup is the scope an asset type is visible in.
type ResourceGroup string

const (
	ResourceGroupDomain    ResourceGroup = "DOMAIN"
	ResourceGroupWorkspace ResourceGroup = "WORKSPACE"
)

// DefaultResourceType is the resource an asset type describes unless the
// caller names another.
const DefaultResourceType = "inventory.Asset"

// UpdatedByManual marks asset types last written by a user.
const UpdatedByManual = "manual"

// AssetType describes one kind of asset.
type AssetType struct {
	AssetTypeID   string                      `gorm:"column:asset_type_id;primaryKey;size:255" json:"asset_type_id"`
	DomainID      string                      `gorm:"column:domain_id;primaryKey;size:40;index:idx_asset_type_gc,priority:1" json:"domain_id"`
	Name          string                      `gorm:"column:name;size:255" json:"name"`
	Description   string                      `gorm:"column:description;size:255" json:"description,omitempty"`
	Icon          string                      `gorm:"column:icon;size:255" json:"icon,omitempty"`
	Provider      string                      `gorm:"column:provider;size:255;index" json:"provider"`
	ResourceType  string                      `gorm:"column:resource_type;size:80" json:"resource_type"`
	Metadata      datatypes.JSONMap           `gorm:"column:metadata" json:"metadata"`
	Tags          datatypes.JSONMap           `gorm:"column:tags" json:"tags"`
	IsManaged     bool                        `gorm:"column:is_managed" json:"is_managed"`
	ResourceGroup ResourceGroup               `gorm:"column:resource_group;size:40" json:"resource_group"`
	AssetGroups   datatypes.JSONSlice[string] `gorm:"column:asset_groups" json:"asset_groups"`
	WorkspaceID   string                      `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	UpdatedBy     string                      `gorm:"column:updated_by;size:40;index:idx_asset_type_gc,priority:3" json:"updated_by,omitempty"`
	CreatedAt     time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at;index:idx_asset_type_gc,priority:2" json:"updated_at"`
}

// TableName overrides the default.
func (AssetType) TableName() string { return "asset_types" }

func newAssetTypeID() string {
	id := uuid.New()
	return fmt.Sprintf("asset-type-%x", id[:6])
}
