package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

// Event is one audited API write.
type Event struct {
	EventID      string    `gorm:"column:event_id;primaryKey;size:40" json:"event_id"`
	DomainID     string    `gorm:"column:domain_id;size:40;not null;index:idx_audit_domain_created,priority:1" json:"domain_id"`
	WorkspaceID  string    `gorm:"column:workspace_id;size:40" json:"workspace_id,omitempty"`
	Actor        string    `gorm:"column:actor;size:255;index" json:"actor"`
	RequestID    string    `gorm:"column:request_id;size:100" json:"request_id,omitempty"`
	ResourceType string    `gorm:"column:resource_type;size:40;index" json:"resource_type"`
	ResourceID   string    `gorm:"column:resource_id;size:255" json:"resource_id,omitempty"`
	Action       string    `gorm:"column:action;size:40" json:"action"`
	Outcome      string    `gorm:"column:outcome;size:20" json:"outcome"`
	StatusCode   int       `gorm:"column:status_code" json:"status_code"`
	Method       string    `gorm:"column:method;size:10" json:"method"`
	Path         string    `gorm:"column:path;size:512" json:"path"`
	DurationMS   int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_audit_domain_created,priority:2" json:"created_at"`
}

func (Event) TableName() string { return "audit_event" }

// ListFilter narrows a listing. DomainID is required.
type ListFilter struct {
	DomainID     string
	Actor        string
	ResourceType string
	Action       string
	Outcome      string
}

// Store persists audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

// Append writes one event.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Get returns one event of the domain, or nil when there is none.
func (s *Store) Get(ctx context.Context, eventID, domainID string) (*Event, error) {
	var e Event
	err := s.db.WithContext(ctx).Where("event_id = ? AND domain_id = ?", eventID, domainID).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &e, nil
}

// List returns one page of events, newest first, with the token of the
// next page and the total number of matching events.
func (s *Store) List(ctx context.Context, f ListFilter, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	build := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&Event{}).Where("domain_id = ?", f.DomainID)
		if f.Actor != "" {
			q = q.Where("actor = ?", f.Actor)
		}
		if f.ResourceType != "" {
			q = q.Where("resource_type = ?", f.ResourceType)
		}
		if f.Action != "" {
			q = q.Where("action = ?", f.Action)
		}
		if f.Outcome != "" {
			q = q.Where("outcome = ?", f.Outcome)
		}
		return q
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}
	q := build().Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, errs.InvalidParameter("page_token", err.Error())
		}
		q = q.Where("created_at < ?", t)
	}
	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}
	var next string
	if len(events) > pageSize {
		next = events[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		events = events[:pageSize]
	}
	return events, next, int(total), nil
}

// DeleteOlderThan removes events created before cutoff and reports how
// many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
