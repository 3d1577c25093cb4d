// Package region stores the cloud regions assets are placed in.
package region

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ResourceGroup is the scope a region is visible in.
type ResourceGroup string

const (
	ResourceGroupDomain    ResourceGroup = "DOMAIN"
	ResourceGroupWorkspace ResourceGroup = "WORKSPACE"
)

// Region is a provider region. The id is derived from provider and
// region code, so one domain holds at most one row per pair.
type Region struct {
	RegionID      string            `gorm:"column:region_id;primaryKey;size:255" json:"region_id"`
	DomainID      string            `gorm:"column:domain_id;primaryKey;size:40" json:"domain_id"`
	Name          string            `gorm:"column:name;size:255" json:"name"`
	RegionCode    string            `gorm:"column:region_code;size:255" json:"region_code"`
	Provider      string            `gorm:"column:provider;size:255;index" json:"provider"`
	Tags          datatypes.JSONMap `gorm:"column:tags" json:"tags"`
	ResourceGroup ResourceGroup     `gorm:"column:resource_group;size:40;index" json:"resource_group"`
	WorkspaceID   string            `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	CreatedAt     time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default.
func (Region) TableName() string { return "regions" }

// RegionID returns the id of the region of provider with regionCode.
func RegionID(provider, regionCode string) string {
	return fmt.Sprintf("%s-%s", provider, regionCode)
}
