package collectorrule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RuleType separates rules installed by a plugin from rules written by users.
type RuleType string

const (
	RuleTypeManaged RuleType = "MANAGED"
	RuleTypeCustom  RuleType = "CUSTOM"
)

// ConditionsPolicy decides how the conditions of a rule combine.
type ConditionsPolicy string

const (
	PolicyAll    ConditionsPolicy = "ALL"
	PolicyAny    ConditionsPolicy = "ANY"
	PolicyAlways ConditionsPolicy = "ALWAYS"
)

func (p ConditionsPolicy) valid() bool {
	switch p {
	case PolicyAll, PolicyAny, PolicyAlways:
		return true
	}
	return false
}

// ResourceGroup is the scope a rule is visible in.
type ResourceGroup string

const (
	ResourceGroupDomain    ResourceGroup = "DOMAIN"
	ResourceGroupWorkspace ResourceGroup = "WORKSPACE"
)

// Condition matches one field of the incoming record.
type Condition struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Operator string `json:"operator"`
}

// MatchAction looks up an identity record whose Target field equals the
// value found at Source in the incoming record.
type MatchAction struct {
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
}

// Actions are applied in a fixed order: change_project, match_project,
// match_service_account, add_additional_info.
type Actions struct {
	ChangeProject       string         `json:"change_project,omitempty"`
	MatchProject        *MatchAction   `json:"match_project,omitempty"`
	MatchServiceAccount *MatchAction   `json:"match_service_account,omitempty"`
	AddAdditionalInfo   map[string]any `json:"add_additional_info,omitempty"`
}

func (a Actions) empty() bool {
	return a.ChangeProject == "" && a.MatchProject == nil && a.MatchServiceAccount == nil && len(a.AddAdditionalInfo) == 0
}

// Options tune rule evaluation.
type Options struct {
	StopProcessing bool `json:"stop_processing,omitempty"`
}

// Rule is an ordered condition/action pair applied to collector data of one
// collector. Order is contiguous from 1 within (collector, rule type).
type Rule struct {
	CollectorRuleID  string                         `gorm:"column:collector_rule_id;primaryKey;size:40" json:"collector_rule_id"`
	Name             string                         `gorm:"column:name;size:255" json:"name"`
	RuleType         RuleType                       `gorm:"column:rule_type;size:20;index:idx_collector_rule_group" json:"rule_type"`
	Order            int                            `gorm:"column:rule_order;not null" json:"order"`
	Conditions       datatypes.JSONSlice[Condition] `gorm:"column:conditions" json:"conditions"`
	ConditionsPolicy ConditionsPolicy               `gorm:"column:conditions_policy;size:20" json:"conditions_policy"`
	Actions          datatypes.JSONType[Actions]    `gorm:"column:actions" json:"actions"`
	Options          datatypes.JSONType[Options]    `gorm:"column:options" json:"options"`
	Tags             datatypes.JSONMap              `gorm:"column:tags" json:"tags"`
	CollectorID      string                         `gorm:"column:collector_id;size:40;index:idx_collector_rule_group" json:"collector_id"`
	ResourceGroup    ResourceGroup                  `gorm:"column:resource_group;size:20" json:"resource_group"`
	WorkspaceID      string                         `gorm:"column:workspace_id;size:40" json:"workspace_id"`
	DomainID         string                         `gorm:"column:domain_id;size:40;index:idx_collector_rule_group" json:"domain_id"`
	CreatedAt        time.Time                      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time                      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the default.
func (Rule) TableName() string { return "collector_rules" }

func newRuleID() string {
	id := uuid.New()
	return fmt.Sprintf("rule-%x", id[:6])
}
