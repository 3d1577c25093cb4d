package collectorrule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// Schema maps collector rule query keys to columns.
var Schema = query.Schema{
	PrimaryKey: "collector_rule_id",
	Columns: map[string]string{
		"collector_rule_id": "collector_rule_id",
		"name":              "name",
		"rule_type":         "rule_type",
		"order":             "rule_order",
		"conditions_policy": "conditions_policy",
		"collector_id":      "collector_id",
		"resource_group":    "resource_group",
		"workspace_id":      "workspace_id",
		"domain_id":         "domain_id",
		"created_at":        "created_at",
		"updated_at":        "updated_at",
	},
	JSONColumns: map[string]string{
		"tags":       "tags",
		"actions":    "actions",
		"options":    "options",
		"conditions": "conditions",
	},
	DefaultSort: []query.Sort{{Key: "rule_type"}, {Key: "order"}},
}

// Store provides database operations for collector rules.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the collector_rules table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Rule{})
}

// Transaction runs fn with a Store bound to one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Create inserts r.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("create collector rule: %w", err)
	}
	return nil
}

// Get returns the rule, or nil if it does not exist. A non-empty
// workspaceID also matches domain-wide rules stored with workspace "*".
func (s *Store) Get(ctx context.Context, ruleID, domainID, workspaceID string) (*Rule, error) {
	q := s.db.WithContext(ctx).Where("collector_rule_id = ? AND domain_id = ?", ruleID, domainID)
	if workspaceID != "" {
		q = q.Where("workspace_id IN ?", []string{workspaceID, "*"})
	}
	var r Rule
	if err := q.First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get collector rule: %w", err)
	}
	return &r, nil
}

// Save writes every column of r.
func (s *Store) Save(ctx context.Context, r *Rule) error {
	r.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return fmt.Errorf("save collector rule: %w", err)
	}
	return nil
}

// SetOrder changes only the order of one rule.
func (s *Store) SetOrder(ctx context.Context, ruleID string, order int) error {
	err := s.db.WithContext(ctx).Model(&Rule{}).
		Where("collector_rule_id = ?", ruleID).
		Updates(map[string]any{"rule_order": order, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("set collector rule order: %w", err)
	}
	return nil
}

// Delete removes one rule.
func (s *Store) Delete(ctx context.Context, ruleID string) error {
	if err := s.db.WithContext(ctx).Where("collector_rule_id = ?", ruleID).Delete(&Rule{}).Error; err != nil {
		return fmt.Errorf("delete collector rule: %w", err)
	}
	return nil
}

// Group returns the rules of one (collector, rule type) pair in order.
func (s *Store) Group(ctx context.Context, collectorID string, ruleType RuleType, domainID string) ([]Rule, error) {
	var rules []Rule
	err := s.db.WithContext(ctx).
		Where("collector_id = ? AND rule_type = ? AND domain_id = ?", collectorID, ruleType, domainID).
		Order("rule_order ASC").Order("created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("list collector rule group: %w", err)
	}
	return rules, nil
}

// Count returns the size of one (collector, rule type) group.
func (s *Store) Count(ctx context.Context, collectorID string, ruleType RuleType, domainID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Rule{}).
		Where("collector_id = ? AND rule_type = ? AND domain_id = ?", collectorID, ruleType, domainID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count collector rules: %w", err)
	}
	return int(n), nil
}

// ForCollector returns the MANAGED then CUSTOM rules of a collector, each
// group in order.
func (s *Store) ForCollector(ctx context.Context, collectorID, domainID string) ([]Rule, error) {
	managed, err := s.Group(ctx, collectorID, RuleTypeManaged, domainID)
	if err != nil {
		return nil, err
	}
	custom, err := s.Group(ctx, collectorID, RuleTypeCustom, domainID)
	if err != nil {
		return nil, err
	}
	return append(managed, custom...), nil
}

// DeleteGroup removes every rule of one (collector, rule type) pair.
func (s *Store) DeleteGroup(ctx context.Context, collectorID string, ruleType RuleType, domainID string) error {
	err := s.db.WithContext(ctx).
		Where("collector_id = ? AND rule_type = ? AND domain_id = ?", collectorID, ruleType, domainID).
		Delete(&Rule{}).Error
	if err != nil {
		return fmt.Errorf("delete collector rule group: %w", err)
	}
	return nil
}

// Query returns one page of rules and the total match count.
func (s *Store) Query(ctx context.Context, q query.Query) ([]Rule, int64, error) {
	return query.Find[Rule](ctx, s.db, q, Schema)
}

// Stat runs a grouped count over rules.
func (s *Store) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	return query.Stat(ctx, s.db, &Rule{}, sq, Schema)
}
