package assettype

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// Schema maps asset type query keys to columns. asset_group_id addresses
// the asset_groups list.
var Schema = query.Schema{
	PrimaryKey: "asset_type_id",
	Columns: map[string]string{
		"asset_type_id":  "asset_type_id",
		"name":           "name",
		"description":    "description",
		"icon":           "icon",
		"provider":       "provider",
		"resource_type":  "resource_type",
		"is_managed":     "is_managed",
		"resource_group": "resource_group",
		"workspace_id":   "workspace_id",
		"domain_id":      "domain_id",
		"updated_by":     "updated_by",
		"created_at":     "created_at",
		"updated_at":     "updated_at",
	},
	JSONColumns: map[string]string{
		"metadata":       "metadata",
		"tags":           "tags",
		"asset_groups":   "asset_groups",
		"asset_group_id": "asset_groups",
	},
	DefaultSort: []query.Sort{{Key: "provider"}, {Key: "name"}, {Key: "resource_group"}},
}

// Store provides database operations for asset types.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the asset_types table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&AssetType{})
}

// CreateIfAbsent inserts at unless the domain already has its id. It
// reports whether a row was written.
func (s *Store) CreateIfAbsent(ctx context.Context, at *AssetType) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(at)
	if res.Error != nil {
		return false, fmt.Errorf("create asset type: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns the asset type, or nil if it does not exist. A non-empty
// workspaceID also matches domain-wide asset types.
func (s *Store) Get(ctx context.Context, assetTypeID, domainID, workspaceID string) (*AssetType, error) {
	q := s.db.WithContext(ctx).Where("asset_type_id = ? AND domain_id = ?", assetTypeID, domainID)
	if workspaceID != "" {
		q = q.Where("workspace_id IN ?", []string{workspaceID, "*"})
	}
	var at AssetType
	if err := q.First(&at).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset type: %w", err)
	}
	return &at, nil
}

// Save writes every column of at.
func (s *Store) Save(ctx context.Context, at *AssetType) error {
	if err := s.db.WithContext(ctx).Save(at).Error; err != nil {
		return fmt.Errorf("save asset type: %w", err)
	}
	return nil
}

// Delete removes one asset type.
func (s *Store) Delete(ctx context.Context, assetTypeID, domainID string) error {
	err := s.db.WithContext(ctx).
		Where("asset_type_id = ? AND domain_id = ?", assetTypeID, domainID).
		Delete(&AssetType{}).Error
	if err != nil {
		return fmt.Errorf("delete asset type: %w", err)
	}
	return nil
}

// Query returns one page of asset types and the total match count.
func (s *Store) Query(ctx context.Context, q query.Query) ([]AssetType, int64, error) {
	return query.Find[AssetType](ctx, s.db, q, Schema)
}

// Stat runs a grouped count over asset types.
func (s *Store) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	return query.Stat(ctx, s.db, &AssetType{}, sq, Schema)
}
