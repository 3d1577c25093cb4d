package region

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// Schema maps region query keys to columns.
var Schema = query.Schema{
	PrimaryKey: "region_id",
	Columns: map[string]string{
		"region_id":      "region_id",
		"name":           "name",
		"region_code":    "region_code",
		"provider":       "provider",
		"resource_group": "resource_group",
		"workspace_id":   "workspace_id",
		"domain_id":      "domain_id",
		"created_at":     "created_at",
		"updated_at":     "updated_at",
	},
	JSONColumns: map[string]string{"tags": "tags"},
	DefaultSort: []query.Sort{{Key: "name"}},
}

// Store provides database operations for regions.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the regions table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Region{})
}

// CreateIfAbsent inserts r unless the domain already has the region. It
// reports whether a row was written.
func (s *Store) CreateIfAbsent(ctx context.Context, r *Region) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(r)
	if res.Error != nil {
		return false, fmt.Errorf("create region: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns the region, or nil if it does not exist. A non-empty
// workspaceID also matches domain-wide regions.
func (s *Store) Get(ctx context.Context, regionID, domainID, workspaceID string) (*Region, error) {
	q := s.db.WithContext(ctx).Where("region_id = ? AND domain_id = ?", regionID, domainID)
	if workspaceID != "" {
		q = q.Where("workspace_id IN ?", []string{workspaceID, "*"})
	}
	var r Region
	if err := q.First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get region: %w", err)
	}
	return &r, nil
}

// Save writes every column of r.
func (s *Store) Save(ctx context.Context, r *Region) error {
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return fmt.Errorf("save region: %w", err)
	}
	return nil
}

// Delete removes one region.
func (s *Store) Delete(ctx context.Context, regionID, domainID string) error {
	err := s.db.WithContext(ctx).
		Where("region_id = ? AND domain_id = ?", regionID, domainID).
		Delete(&Region{}).Error
	if err != nil {
		return fmt.Errorf("delete region: %w", err)
	}
	return nil
}

// Query returns one page of regions and the total match count.
func (s *Store) Query(ctx context.Context, q query.Query) ([]Region, int64, error) {
	return query.Find[Region](ctx, s.db, q, Schema)
}

// Stat runs a grouped count over regions.
func (s *Store) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	return query.Stat(ctx, s.db, &Region{}, sq, Schema)
}
