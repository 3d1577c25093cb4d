// Package namespace stores the catalog that organizes metrics: namespace
// groups, the namespaces inside them, and the metrics of each namespace.
package namespace

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ResourceGroup is the scope a catalog record is visible in.
type ResourceGroup string

const (
	ResourceGroupDomain    ResourceGroup = "DOMAIN"
	ResourceGroupWorkspace ResourceGroup = "WORKSPACE"
)

// Group is a namespace group.
type Group struct {
	NamespaceGroupID string            `gorm:"column:namespace_group_id;primaryKey;size:80" json:"namespace_group_id"`
	DomainID         string            `gorm:"column:domain_id;primaryKey;size:40" json:"domain_id"`
	Name             string            `gorm:"column:name;size:255;index" json:"name"`
	Icon             string            `gorm:"column:icon" json:"icon,omitempty"`
	Description      string            `gorm:"column:description;size:255" json:"description,omitempty"`
	Tags             datatypes.JSONMap `gorm:"column:tags" json:"tags"`
	IsManaged        bool              `gorm:"column:is_managed;index" json:"is_managed"`
	ResourceGroup    ResourceGroup     `gorm:"column:resource_group;size:40" json:"resource_group"`
	WorkspaceID      string            `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	Version          string            `gorm:"column:version;size:40" json:"version,omitempty"`
	CreatedAt        time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default.
func (Group) TableName() string { return "namespace_groups" }

// Namespace belongs to a namespace group by reference only; the group does
// not own it.
type Namespace struct {
	NamespaceID      string            `gorm:"column:namespace_id;primaryKey;size:80" json:"namespace_id"`
	DomainID         string            `gorm:"column:domain_id;primaryKey;size:40" json:"domain_id"`
	Name             string            `gorm:"column:name;size:255;index" json:"name"`
	Category         string            `gorm:"column:category;size:40" json:"category,omitempty"`
	Icon             string            `gorm:"column:icon" json:"icon,omitempty"`
	Tag              datatypes.JSONMap `gorm:"column:tag" json:"tag"`
	IsManaged        bool              `gorm:"column:is_managed;index" json:"is_managed"`
	ResourceGroup    ResourceGroup     `gorm:"column:resource_group;size:40" json:"resource_group"`
	NamespaceGroupID string            `gorm:"column:namespace_group_id;size:80;index" json:"namespace_group_id"`
	WorkspaceID      string            `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	Version          string            `gorm:"column:version;size:40" json:"version,omitempty"`
	CreatedAt        time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default.
func (Namespace) TableName() string { return "namespaces" }

// MetricType is how a metric's values accumulate.
type MetricType string

const (
	MetricTypeCounter MetricType = "COUNTER"
	MetricTypeGauge   MetricType = "GAUGE"
)

// Metric is a named query over inventory resources.
type Metric struct {
	MetricID      string                              `gorm:"column:metric_id;primaryKey;size:80" json:"metric_id"`
	DomainID      string                              `gorm:"column:domain_id;primaryKey;size:40" json:"domain_id"`
	Name          string                              `gorm:"column:name;size:255" json:"name"`
	MetricType    MetricType                          `gorm:"column:metric_type;size:20" json:"metric_type"`
	ResourceType  string                              `gorm:"column:resource_type;size:255" json:"resource_type"`
	QueryOptions  datatypes.JSONMap                   `gorm:"column:query_options" json:"query_options"`
	DateField     string                              `gorm:"column:date_field;size:255" json:"date_field,omitempty"`
	Unit          string                              `gorm:"column:unit;size:40" json:"unit,omitempty"`
	Tags          datatypes.JSONMap                   `gorm:"column:tags" json:"tags"`
	LabelsInfo    datatypes.JSONSlice[map[string]any] `gorm:"column:labels_info" json:"labels_info"`
	IsManaged     bool                                `gorm:"column:is_managed;index" json:"is_managed"`
	ResourceGroup ResourceGroup                       `gorm:"column:resource_group;size:40" json:"resource_group"`
	NamespaceID   string                              `gorm:"column:namespace_id;size:80;index" json:"namespace_id"`
	WorkspaceID   string                              `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	Version       string                              `gorm:"column:version;size:40" json:"version,omitempty"`
	CreatedAt     time.Time                           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time                           `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default.
func (Metric) TableName() string { return "metrics" }

func newID(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%x", prefix, id[:6])
}
