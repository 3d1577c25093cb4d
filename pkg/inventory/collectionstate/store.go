// Package collectionstate tracks which collector run last saw each asset,
// so assets that stop being reported can be detected.
package collectionstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// CollectionState records the last collector task that reported an asset
// through one secret.
type CollectionState struct {
	CollectorID       string    `gorm:"primaryKey;column:collector_id;type:varchar(40)" json:"collector_id"`
	SecretID          string    `gorm:"primaryKey;column:secret_id;type:varchar(40)" json:"secret_id"`
	AssetID           string    `gorm:"primaryKey;column:asset_id;type:varchar(40)" json:"asset_id"`
	DomainID          string    `gorm:"primaryKey;column:domain_id;type:varchar(40)" json:"domain_id"`
	JobTaskID         string    `gorm:"column:job_task_id;type:varchar(40);index" json:"job_task_id"`
	DisconnectedCount int       `gorm:"column:disconnected_count;not null;default:0" json:"disconnected_count"`
	UpdatedAt         time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the GORM table name.
func (CollectionState) TableName() string { return "collection_states" }

// Store persists collection states. Every method reads the acting collector
// from the request context and does nothing for writes that are not
// collector-attributed.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the collection_states table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&CollectionState{})
}

func tracked(a tenancy.Attribution) bool {
	return a.CollectorID != "" && a.SecretID != "" && a.JobTaskID != ""
}

// Create starts tracking assetID for the acting collector. It returns nil
// when the context carries no collector task.
func (s *Store) Create(ctx context.Context, assetID, domainID string) (*CollectionState, error) {
	a := tenancy.AttributionFromContext(ctx)
	if !tracked(a) {
		return nil, nil
	}
	state := &CollectionState{
		CollectorID: a.CollectorID,
		SecretID:    a.SecretID,
		AssetID:     assetID,
		DomainID:    domainID,
		JobTaskID:   a.JobTaskID,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(state).Error; err != nil {
		return nil, fmt.Errorf("create collection state: %w", err)
	}
	return state, nil
}

// Get returns the acting collector's state for assetID, or nil.
func (s *Store) Get(ctx context.Context, assetID, domainID string) (*CollectionState, error) {
	a := tenancy.AttributionFromContext(ctx)
	if a.CollectorID == "" || a.SecretID == "" {
		return nil, nil
	}
	var state CollectionState
	err := s.db.WithContext(ctx).
		Where("collector_id = ? AND secret_id = ? AND asset_id = ? AND domain_id = ?", a.CollectorID, a.SecretID, assetID, domainID).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get collection state: %w", err)
	}
	return &state, nil
}

// Reset marks state as seen by the acting job task.
func (s *Store) Reset(ctx context.Context, state *CollectionState) error {
	a := tenancy.AttributionFromContext(ctx)
	if a.JobTaskID == "" {
		return nil
	}
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&CollectionState{}).
		Where("collector_id = ? AND secret_id = ? AND asset_id = ? AND domain_id = ?", state.CollectorID, state.SecretID, state.AssetID, state.DomainID).
		Updates(map[string]any{"disconnected_count": 0, "job_task_id": a.JobTaskID, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("reset collection state: %w", err)
	}
	state.DisconnectedCount = 0
	state.JobTaskID = a.JobTaskID
	state.UpdatedAt = now
	return nil
}

// Restore writes state back as it was, undoing a Reset.
func (s *Store) Restore(ctx context.Context, state CollectionState) error {
	if err := s.db.WithContext(ctx).Save(&state).Error; err != nil {
		return fmt.Errorf("restore collection state: %w", err)
	}
	return nil
}

// Delete removes state.
func (s *Store) Delete(ctx context.Context, state *CollectionState) error {
	err := s.db.WithContext(ctx).
		Where("collector_id = ? AND secret_id = ? AND asset_id = ? AND domain_id = ?", state.CollectorID, state.SecretID, state.AssetID, state.DomainID).
		Delete(&CollectionState{}).Error
	if err != nil {
		return fmt.Errorf("delete collection state: %w", err)
	}
	return nil
}

// DeleteByAsset removes every state of an asset, e.g. after it is deleted.
func (s *Store) DeleteByAsset(ctx context.Context, assetID, domainID string) error {
	err := s.db.WithContext(ctx).Where("asset_id = ? AND domain_id = ?", assetID, domainID).Delete(&CollectionState{}).Error
	if err != nil {
		return fmt.Errorf("delete collection states of asset: %w", err)
	}
	return nil
}

// IncrementDisconnected bumps the disconnected count of every state owned
// by collectorID and secretID that jobTaskID did not report. It returns the
// number of states touched.
func (s *Store) IncrementDisconnected(ctx context.Context, collectorID, secretID, domainID, jobTaskID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&CollectionState{}).
		Where("collector_id = ? AND secret_id = ? AND domain_id = ? AND job_task_id <> ?", collectorID, secretID, domainID, jobTaskID).
		Updates(map[string]any{
			"disconnected_count": gorm.Expr("disconnected_count + 1"),
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("increment disconnected count: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListDisconnected returns states of domainID whose disconnected count has
// reached threshold.
func (s *Store) ListDisconnected(ctx context.Context, domainID string, threshold int) ([]CollectionState, error) {
	var states []CollectionState
	err := s.db.WithContext(ctx).
		Where("domain_id = ? AND disconnected_count >= ?", domainID, threshold).
		Order("asset_id ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("list disconnected states: %w", err)
	}
	return states, nil
}
