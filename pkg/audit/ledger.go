// Package audit is the append-only ledger of provider key lifecycle events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// liveKeyTable holds the current key rows joined by state filters.
const liveKeyTable = "provider_keys"

// Ledger appends and queries provider key audit events.
type Ledger struct {
	db  *gorm.DB
	cfg *AuditConfig
}

// NewLedger creates a Ledger. A nil cfg uses DefaultAuditConfig.
func NewLedger(db *gorm.DB, cfg *AuditConfig) *Ledger {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	return &Ledger{db: db, cfg: cfg}
}

// Append writes ev on tx. Callers pass the transaction of the mutation the
// event records so both commit or roll back together.
func (l *Ledger) Append(tx *gorm.DB, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("audit event is required")
	}
	if !ev.EventType.Known() {
		return fmt.Errorf("unknown audit event type %q", ev.EventType)
	}
	if tx == nil {
		tx = l.db
	}
	if err := tx.Create(ev).Error; err != nil {
		return fmt.Errorf("failed to append %s audit event: %w", ev.EventType, err)
	}
	return nil
}

// Filter narrows an audit query. ProviderID is required.
type Filter struct {
	ProviderID string
	KeyID      string
	// State matches the live key state or the state recorded in the payload.
	State string
	Since *time.Time
	Until *time.Time
	Limit int
}

// Query returns events matching f, newest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Event, error) {
	if f.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = l.cfg.DefaultLimit
	}
	if limit > l.cfg.MaxLimit {
		limit = l.cfg.MaxLimit
	}

	q := l.db.WithContext(ctx).
		Table(Event{}.TableName()+" AS e").
		Select("e.*").
		Where("e.provider_id = ?", f.ProviderID)

	if f.KeyID != "" {
		q = q.Where("e.key_id = ?", f.KeyID)
	}
	if f.State != "" {
		q = q.Joins("LEFT JOIN "+liveKeyTable+" k ON k.id = e.key_id").
			Where("(k.state = ? OR e.payload_state = ?)", f.State, f.State)
	}
	if f.Since != nil {
		q = q.Where("e.occurred_at >= ?", f.Since.UTC())
	}
	if f.Until != nil {
		q = q.Where("e.occurred_at <= ?", f.Until.UTC())
	}

	var events []Event
	if err := q.Order("e.occurred_at DESC").Order("e.seq DESC").Order("e.id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Get returns one event by ID, or nil when absent.
func (l *Ledger) Get(ctx context.Context, id string) (*Event, error) {
	var ev Event
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return &ev, nil
}

// CountForKey returns how many events of type t exist for keyID.
func (l *Ledger) CountForKey(ctx context.Context, keyID string, t EventType) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Event{}).
		Where("key_id = ? AND event_type = ?", keyID, t).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}
