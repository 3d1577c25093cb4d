// Package asset manages the lifecycle of inventory assets: creation,
// merge-based updates, soft deletion and the per-asset change history.
package asset

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/reconcile"
)

// State is the lifecycle state of an asset.
type State string

const (
	StateActive  State = "ACTIVE"
	StateDeleted State = "DELETED"
)

// CanTransition reports whether an asset in state s may move to state to.
// The only legal transition is ACTIVE to DELETED.
func (s State) CanTransition(to State) bool {
	return s == StateActive && to == StateDeleted
}

// Asset is the GORM model for an asset.
type Asset struct {
	AssetID          string                      `gorm:"primaryKey;column:asset_id;type:varchar(40)" json:"asset_id"`
	Name             string                      `gorm:"column:name" json:"name"`
	State            State                       `gorm:"column:state;type:varchar(20);not null;default:ACTIVE;index:idx_asset_domain_state,priority:2" json:"state"`
	ResourceID       string                      `gorm:"column:resource_id;index" json:"resource_id"`
	IPAddresses      datatypes.JSONSlice[string] `gorm:"column:ip_addresses" json:"ip_addresses"`
	ExternalLink     string                      `gorm:"column:external_link" json:"external_link"`
	Data             datatypes.JSONMap           `gorm:"column:data" json:"data"`
	Metadata         datatypes.JSONMap           `gorm:"column:metadata" json:"metadata"`
	Tags             datatypes.JSONMap           `gorm:"column:tags" json:"tags"`
	TagKeys          datatypes.JSONMap           `gorm:"column:tag_keys" json:"tag_keys"`
	Provider         string                      `gorm:"column:provider;index" json:"provider"`
	Account          string                      `gorm:"column:account" json:"account"`
	InstanceType     string                      `gorm:"column:instance_type" json:"instance_type"`
	InstanceSize     float64                     `gorm:"column:instance_size" json:"instance_size"`
	RegionCode       string                      `gorm:"column:region_code" json:"region_code"`
	RegionID         string                      `gorm:"column:region_id" json:"region_id"`
	RefRegion        string                      `gorm:"column:ref_region" json:"ref_region"`
	AssetTypeID      string                      `gorm:"column:asset_type_id;index" json:"asset_type_id"`
	SecretID         string                      `gorm:"column:secret_id" json:"secret_id"`
	ServiceAccountID string                      `gorm:"column:service_account_id" json:"service_account_id"`
	CollectorID      string                      `gorm:"column:collector_id;index" json:"collector_id"`
	ProjectID        string                      `gorm:"column:project_id;index" json:"project_id"`
	WorkspaceID      string                      `gorm:"column:workspace_id;index" json:"workspace_id"`
	DomainID         string                      `gorm:"column:domain_id;not null;index:idx_asset_domain_state,priority:1" json:"domain_id"`
	CreatedAt        time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at" json:"updated_at"`
	LastCollectedAt  *time.Time                  `gorm:"column:last_collected_at" json:"last_collected_at"`
	DeletedAt        *time.Time                  `gorm:"column:deleted_at" json:"deleted_at"`
}

// TableName returns the GORM table name.
func (Asset) TableName() string { return "assets" }

// ToMap returns the asset's fields keyed by their JSON names, in the
// generic form used by merge and diff.
func (a *Asset) ToMap() map[string]any {
	b, err := json.Marshal(a)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Action is the kind of mutation a history entry records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Origin of a mutation.
const (
	UpdatedByCollector = "COLLECTOR"
	UpdatedByUser      = "USER"
)

// History is one append-only change record of an asset.
type History struct {
	HistoryID   string                                  `gorm:"primaryKey;column:history_id;type:varchar(40)" json:"history_id"`
	AssetID     string                                  `gorm:"column:asset_id;type:varchar(40);not null;index:idx_history_asset,priority:2" json:"asset_id"`
	Action      Action                                  `gorm:"column:action;type:varchar(20);not null" json:"action"`
	Diff        datatypes.JSONSlice[reconcile.DiffEntry] `gorm:"column:diff" json:"diff"`
	DiffCount   int                                     `gorm:"column:diff_count;not null;default:0" json:"diff_count"`
	UpdatedBy   string                                  `gorm:"column:updated_by;type:varchar(20)" json:"updated_by"`
	CollectorID string                                  `gorm:"column:collector_id;index" json:"collector_id,omitempty"`
	JobID       string                                  `gorm:"column:job_id;index" json:"job_id,omitempty"`
	UserID      string                                  `gorm:"column:user_id" json:"user_id,omitempty"`
	ProjectID   string                                  `gorm:"column:project_id" json:"project_id"`
	WorkspaceID string                                  `gorm:"column:workspace_id" json:"workspace_id"`
	DomainID    string                                  `gorm:"column:domain_id;not null;index:idx_history_asset,priority:1" json:"domain_id"`
	CreatedAt   time.Time                               `gorm:"column:created_at;index" json:"created_at"`
}

// TableName returns the GORM table name.
func (History) TableName() string { return "asset_histories" }

func newHistory(a *Asset, action Action, diff []reconcile.DiffEntry) *History {
	if diff == nil {
		diff = []reconcile.DiffEntry{}
	}
	return &History{
		HistoryID:   NewID("history"),
		AssetID:     a.AssetID,
		Action:      action,
		Diff:        datatypes.JSONSlice[reconcile.DiffEntry](diff),
		DiffCount:   len(diff),
		ProjectID:   a.ProjectID,
		WorkspaceID: a.WorkspaceID,
		DomainID:    a.DomainID,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewID returns "<prefix>-<12 hex>".
func NewID(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%x", prefix, id[:6])
}

// checkMutable is the single place the state machine is enforced: it
// returns an error unless a may move to next. Updates pass next=ACTIVE,
// which is allowed only while the asset is still ACTIVE.
func checkMutable(a *Asset, next State) error {
	if a.State == StateDeleted {
		return errs.AlreadyDeleted("asset_id", a.AssetID)
	}
	if next != a.State && !a.State.CanTransition(next) {
		return errs.InvalidParameter("state", fmt.Sprintf("cannot move from %s to %s", a.State, next))
	}
	return nil
}
