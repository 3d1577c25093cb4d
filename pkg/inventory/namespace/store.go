package namespace

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// GroupSchema maps namespace group query keys to columns.
var GroupSchema = query.Schema{
	PrimaryKey: "namespace_group_id",
	Columns: map[string]string{
		"namespace_group_id": "namespace_group_id",
		"name":               "name",
		"icon":               "icon",
		"description":        "description",
		"is_managed":         "is_managed",
		"resource_group":     "resource_group",
		"workspace_id":       "workspace_id",
		"domain_id":          "domain_id",
		"version":            "version",
		"created_at":         "created_at",
		"updated_at":         "updated_at",
	},
	JSONColumns: map[string]string{"tags": "tags"},
	DefaultSort: []query.Sort{{Key: "domain_id"}, {Key: "workspace_id"}, {Key: "created_at", Desc: true}},
}

// NamespaceSchema maps namespace query keys to columns.
var NamespaceSchema = query.Schema{
	PrimaryKey: "namespace_id",
	Columns: map[string]string{
		"namespace_id":       "namespace_id",
		"name":               "name",
		"category":           "category",
		"icon":               "icon",
		"is_managed":         "is_managed",
		"resource_group":     "resource_group",
		"namespace_group_id": "namespace_group_id",
		"workspace_id":       "workspace_id",
		"domain_id":          "domain_id",
		"version":            "version",
		"created_at":         "created_at",
		"updated_at":         "updated_at",
	},
	JSONColumns: map[string]string{"tag": "tag"},
	DefaultSort: []query.Sort{{Key: "domain_id"}, {Key: "workspace_id"}, {Key: "namespace_group_id"}, {Key: "name"}},
}

// MetricSchema maps metric query keys to columns.
var MetricSchema = query.Schema{
	PrimaryKey: "metric_id",
	Columns: map[string]string{
		"metric_id":      "metric_id",
		"name":           "name",
		"metric_type":    "metric_type",
		"resource_type":  "resource_type",
		"date_field":     "date_field",
		"unit":           "unit",
		"is_managed":     "is_managed",
		"resource_group": "resource_group",
		"namespace_id":   "namespace_id",
		"workspace_id":   "workspace_id",
		"domain_id":      "domain_id",
		"version":        "version",
		"created_at":     "created_at",
		"updated_at":     "updated_at",
	},
	JSONColumns: map[string]string{
		"tags":          "tags",
		"query_options": "query_options",
		"labels_info":   "labels_info",
	},
	DefaultSort: []query.Sort{{Key: "namespace_id"}, {Key: "name"}},
}

// table holds the operations shared by the three catalog tables. Every
// table is keyed by (id, domain_id).
type table[T any] struct {
	db       *gorm.DB
	idColumn string
	schema   query.Schema
	noun     string
}

// Create inserts row.
func (t *table[T]) Create(ctx context.Context, row *T) error {
	if err := t.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create %s: %w", t.noun, err)
	}
	return nil
}

// CreateIfAbsent inserts row unless one with the same key exists. It
// reports whether a row was written.
func (t *table[T]) CreateIfAbsent(ctx context.Context, row *T) (bool, error) {
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("create %s: %w", t.noun, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns the row, or nil if it does not exist. A non-empty workspaceID
// also matches domain-wide rows stored with workspace "*".
func (t *table[T]) Get(ctx context.Context, id, domainID, workspaceID string) (*T, error) {
	q := t.db.WithContext(ctx).Where(t.idColumn+" = ? AND domain_id = ?", id, domainID)
	if workspaceID != "" {
		q = q.Where("workspace_id IN ?", []string{workspaceID, "*"})
	}
	var row T
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", t.noun, err)
	}
	return &row, nil
}

// Save writes every column of row.
func (t *table[T]) Save(ctx context.Context, row *T) error {
	if err := t.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("save %s: %w", t.noun, err)
	}
	return nil
}

// Delete removes one row.
func (t *table[T]) Delete(ctx context.Context, id, domainID string) error {
	var row T
	if err := t.db.WithContext(ctx).Where(t.idColumn+" = ? AND domain_id = ?", id, domainID).Delete(&row).Error; err != nil {
		return fmt.Errorf("delete %s: %w", t.noun, err)
	}
	return nil
}

// Query returns one page of rows and the total match count.
func (t *table[T]) Query(ctx context.Context, q query.Query) ([]T, int64, error) {
	return query.Find[T](ctx, t.db, q, t.schema)
}

// Stat runs a grouped count.
func (t *table[T]) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	var model T
	return query.Stat(ctx, t.db, &model, sq, t.schema)
}

// ManagedVersions maps the id of every managed row in the domain to its
// version.
func (t *table[T]) ManagedVersions(ctx context.Context, domainID string) (map[string]string, error) {
	var model T
	var rows []struct {
		ID      string
		Version string
	}
	err := t.db.WithContext(ctx).Model(&model).
		Select(t.idColumn+" AS id, version").
		Where("domain_id = ? AND is_managed = ?", domainID, true).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list managed %s versions: %w", t.noun, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Version
	}
	return out, nil
}

// GroupStore provides database operations for namespace groups.
type GroupStore struct {
	table[Group]
}

// NewGroupStore creates a new GroupStore.
func NewGroupStore(db *gorm.DB) *GroupStore {
	return &GroupStore{table[Group]{db: db, idColumn: "namespace_group_id", schema: GroupSchema, noun: "namespace group"}}
}

// AutoMigrate creates or updates the namespace_groups table.
func (s *GroupStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Group{})
}

// NamespaceStore provides database operations for namespaces.
type NamespaceStore struct {
	table[Namespace]
}

// NewNamespaceStore creates a new NamespaceStore.
func NewNamespaceStore(db *gorm.DB) *NamespaceStore {
	return &NamespaceStore{table[Namespace]{db: db, idColumn: "namespace_id", schema: NamespaceSchema, noun: "namespace"}}
}

// AutoMigrate creates or updates the namespaces table.
func (s *NamespaceStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Namespace{})
}

// FirstInGroup returns one namespace referencing the group, or nil.
func (s *NamespaceStore) FirstInGroup(ctx context.Context, groupID, domainID string) (*Namespace, error) {
	var ns Namespace
	err := s.db.WithContext(ctx).
		Where("namespace_group_id = ? AND domain_id = ?", groupID, domainID).
		First(&ns).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find namespace in group: %w", err)
	}
	return &ns, nil
}

// MetricStore provides database operations for metrics.
type MetricStore struct {
	table[Metric]
}

// NewMetricStore creates a new MetricStore.
func NewMetricStore(db *gorm.DB) *MetricStore {
	return &MetricStore{table[Metric]{db: db, idColumn: "metric_id", schema: MetricSchema, noun: "metric"}}
}

// AutoMigrate creates or updates the metrics table.
func (s *MetricStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Metric{})
}
