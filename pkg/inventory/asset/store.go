package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// Schema maps asset query keys to columns.
var Schema = query.Schema{
	PrimaryKey: "asset_id",
	Columns: map[string]string{
		"asset_id":           "asset_id",
		"name":               "name",
		"state":              "state",
		"resource_id":        "resource_id",
		"external_link":      "external_link",
		"provider":           "provider",
		"account":            "account",
		"instance_type":      "instance_type",
		"instance_size":      "instance_size",
		"region_code":        "region_code",
		"region_id":          "region_id",
		"ref_region":         "ref_region",
		"asset_type_id":      "asset_type_id",
		"secret_id":          "secret_id",
		"service_account_id": "service_account_id",
		"collector_id":       "collector_id",
		"project_id":         "project_id",
		"workspace_id":       "workspace_id",
		"domain_id":          "domain_id",
		"created_at":         "created_at",
		"updated_at":         "updated_at",
		"last_collected_at":  "last_collected_at",
		"deleted_at":         "deleted_at",
	},
	JSONColumns: map[string]string{
		"data":         "data",
		"metadata":     "metadata",
		"tags":         "tags",
		"tag_keys":     "tag_keys",
		"ip_addresses": "ip_addresses",
	},
	DefaultSort: []query.Sort{{Key: "created_at", Desc: true}},
}

// HistorySchema maps history query keys to columns.
var HistorySchema = query.Schema{
	PrimaryKey: "history_id",
	Columns: map[string]string{
		"history_id":   "history_id",
		"asset_id":     "asset_id",
		"action":       "action",
		"diff_count":   "diff_count",
		"updated_by":   "updated_by",
		"collector_id": "collector_id",
		"job_id":       "job_id",
		"user_id":      "user_id",
		"project_id":   "project_id",
		"workspace_id": "workspace_id",
		"domain_id":    "domain_id",
		"created_at":   "created_at",
	},
	JSONColumns: map[string]string{"diff": "diff"},
	DefaultSort: []query.Sort{{Key: "created_at", Desc: true}},
}

// updatableColumns lists the fields an update may write, with the Go type
// each one is stored as. state and deleted_at are written by MarkDeleted
// only.
var updatableColumns = map[string]string{
	"name":               "string",
	"resource_id":        "string",
	"external_link":      "string",
	"ip_addresses":       "strings",
	"data":               "json",
	"metadata":           "json",
	"tags":               "json",
	"tag_keys":           "json",
	"account":            "string",
	"instance_type":      "string",
	"instance_size":      "float",
	"region_code":        "string",
	"region_id":          "string",
	"ref_region":         "string",
	"asset_type_id":      "string",
	"secret_id":          "string",
	"service_account_id": "string",
	"collector_id":       "string",
	"project_id":         "string",
	"last_collected_at":  "time",
}

// Store provides database operations for assets.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the assets table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Asset{})
}

// Create inserts a.
func (s *Store) Create(ctx context.Context, a *Asset) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

// Get returns the asset, or nil if it does not exist in the scope. An empty
// workspaceID matches every workspace; a non-nil userProjects restricts the
// match to those projects.
func (s *Store) Get(ctx context.Context, assetID, domainID, workspaceID string, userProjects []string) (*Asset, error) {
	q := s.db.WithContext(ctx).Where("asset_id = ? AND domain_id = ?", assetID, domainID)
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	if userProjects != nil {
		q = q.Where("project_id IN ?", userProjects)
	}
	var a Asset
	if err := q.First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &a, nil
}

// Update writes only the given fields of a and reloads it. Unknown fields
// are ignored.
func (s *Store) Update(ctx context.Context, a *Asset, fields map[string]any) error {
	updates, err := columnValues(fields)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	db := s.db.WithContext(ctx)
	if err := db.Model(&Asset{}).Where("asset_id = ? AND domain_id = ?", a.AssetID, a.DomainID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	if err := db.First(a, "asset_id = ?", a.AssetID).Error; err != nil {
		return fmt.Errorf("reload asset: %w", err)
	}
	return nil
}

// MarkDeleted moves a to DELETED at the given time and reloads it.
func (s *Store) MarkDeleted(ctx context.Context, a *Asset, at time.Time) error {
	db := s.db.WithContext(ctx)
	updates := map[string]any{"state": string(StateDeleted), "deleted_at": at, "updated_at": at}
	if err := db.Model(&Asset{}).Where("asset_id = ? AND domain_id = ?", a.AssetID, a.DomainID).Updates(updates).Error; err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if err := db.First(a, "asset_id = ?", a.AssetID).Error; err != nil {
		return fmt.Errorf("reload asset: %w", err)
	}
	return nil
}

// Restore overwrites the stored row with snapshot.
func (s *Store) Restore(ctx context.Context, snapshot *Asset) error {
	if err := s.db.WithContext(ctx).Save(snapshot).Error; err != nil {
		return fmt.Errorf("restore asset: %w", err)
	}
	return nil
}

// Purge removes the row. Only rollback uses it; user deletes are soft.
func (s *Store) Purge(ctx context.Context, assetID, domainID string) error {
	if err := s.db.WithContext(ctx).Where("asset_id = ? AND domain_id = ?", assetID, domainID).Delete(&Asset{}).Error; err != nil {
		return fmt.Errorf("purge asset: %w", err)
	}
	return nil
}

// Query returns one page of assets and the total match count.
func (s *Store) Query(ctx context.Context, q query.Query) ([]Asset, int64, error) {
	return query.Find[Asset](ctx, s.db, q, Schema)
}

// Stat runs a grouped count over assets.
func (s *Store) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	return query.Stat(ctx, s.db, &Asset{}, sq, Schema)
}

// FindByMatchRule returns up to two active assets whose keys equal the
// values in fields, so callers can tell a unique match from an ambiguous
// one. A key missing from fields matches nothing.
func (s *Store) FindByMatchRule(ctx context.Context, domainID string, keys []string, fields map[string]any) ([]Asset, error) {
	conds := []query.Condition{
		query.Filter("domain_id", query.OpEq, domainID),
		query.Filter("state", query.OpEq, string(StateActive)),
	}
	for _, key := range keys {
		v, ok := fields[key]
		if !ok || v == nil || v == "" {
			return nil, nil
		}
		conds = append(conds, query.Filter(key, query.OpEq, v))
	}
	rows, _, err := query.Find[Asset](ctx, s.db, query.Query{Filter: conds, Page: query.Page{Limit: 2}}, Schema)
	if err != nil {
		return nil, fmt.Errorf("match asset: %w", err)
	}
	return rows, nil
}

func columnValues(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		kind, ok := updatableColumns[key]
		if !ok {
			continue
		}
		v, err := convertColumn(kind, value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func convertColumn(kind string, value any) (any, error) {
	switch kind {
	case "json":
		if value == nil {
			return datatypes.JSONMap{}, nil
		}
		m, ok := value.(map[string]any)
		if !ok {
			if jm, isJSON := value.(datatypes.JSONMap); isJSON {
				return jm, nil
			}
			return nil, fmt.Errorf("expected an object, got %T", value)
		}
		return datatypes.JSONMap(m), nil
	case "strings":
		switch v := value.(type) {
		case nil:
			return datatypes.JSONSlice[string]{}, nil
		case []string:
			return datatypes.JSONSlice[string](v), nil
		case []any:
			out := make(datatypes.JSONSlice[string], 0, len(v))
			for _, item := range v {
				out = append(out, fmt.Sprint(item))
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected a list, got %T", value)
	case "float":
		switch v := value.(type) {
		case nil:
			return 0.0, nil
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("expected a number, got %T", value)
	case "time":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case time.Time:
			return v, nil
		case *time.Time:
			return v, nil
		}
		return nil, fmt.Errorf("expected a time, got %T", value)
	default:
		switch v := value.(type) {
		case nil:
			return "", nil
		case string:
			return v, nil
		case State:
			return string(v), nil
		}
		return fmt.Sprint(value), nil
	}
}

// HistoryStore persists asset history. It only appends; Delete exists for
// rollback.
type HistoryStore struct {
	db *gorm.DB
}

// NewHistoryStore creates a new HistoryStore.
func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// AutoMigrate creates or updates the asset_histories table.
func (s *HistoryStore) AutoMigrate() error {
	return s.db.AutoMigrate(&History{})
}

// Create appends h.
func (s *HistoryStore) Create(ctx context.Context, h *History) error {
	h.DiffCount = len(h.Diff)
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("create asset history: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *HistoryStore) Delete(ctx context.Context, historyID string) error {
	if err := s.db.WithContext(ctx).Where("history_id = ?", historyID).Delete(&History{}).Error; err != nil {
		return fmt.Errorf("delete asset history: %w", err)
	}
	return nil
}

// Query returns one page of history entries and the total match count.
func (s *HistoryStore) Query(ctx context.Context, q query.Query) ([]History, int64, error) {
	return query.Find[History](ctx, s.db, q, HistorySchema)
}
