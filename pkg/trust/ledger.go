package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/metrics"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// TransitionOutcome reports whether a transition was recorded.
type TransitionOutcome string

const (
	TransitionApplied TransitionOutcome = "applied"
	// TransitionPriorMismatch means the stored status moved since the caller
	// read it. Nothing was written; re-read and retry.
	TransitionPriorMismatch TransitionOutcome = "prior_mismatch"
)

// TransitionInput describes one trust status change. PreviousStatus is the
// status the caller read before computing CurrentStatus; nil means the
// instance has never had a transition.
type TransitionInput struct {
	InstanceID       string
	PreviousStatus   *attestation.Status
	CurrentStatus    attestation.Status
	AttestationID    *string
	Reason           *string
	RemediationState *string
	Metadata         map[string]any
}

// TransitionResult is the result of RecordTransition. Event is set only when
// the transition was applied.
type TransitionResult struct {
	Outcome TransitionOutcome `json:"outcome"`
	Event   *TrustEvent       `json:"event,omitempty"`
}

// Ledger is the trust transition ledger.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// RecordTransition appends a transition event. The per-instance trust state
// row is moved from PreviousStatus to CurrentStatus in the same transaction;
// when it no longer holds PreviousStatus the result is
// TransitionPriorMismatch and no event is written.
func (l *Ledger) RecordTransition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	var res *TransitionResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = l.recordTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TrustTransitions.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (l *Ledger) recordTx(tx *gorm.DB, in TransitionInput) (*TransitionResult, error) {
	if in.InstanceID == "" {
		return nil, store.Validationf("instance id is required")
	}
	if !validStatus(in.CurrentStatus) {
		return nil, store.Validationf("invalid trust status %q", in.CurrentStatus)
	}
	if in.PreviousStatus != nil && !validStatus(*in.PreviousStatus) {
		return nil, store.Validationf("invalid previous trust status %q", *in.PreviousStatus)
	}

	now := l.now()
	eventID := uuid.NewString()

	var affected int64
	if in.PreviousStatus == nil {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&TrustState{
			InstanceID:       in.InstanceID,
			Status:           in.CurrentStatus,
			LastEventID:      eventID,
			RemediationState: in.RemediationState,
			Version:          1,
			UpdatedAt:        now,
		})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to create trust state: %w", result.Error)
		}
		affected = result.RowsAffected
	} else {
		result := tx.Model(&TrustState{}).
			Where("instance_id = ? AND status = ?", in.InstanceID, *in.PreviousStatus).
			Updates(map[string]any{
				"status":            in.CurrentStatus,
				"last_event_id":     eventID,
				"remediation_state": in.RemediationState,
				"version":           gorm.Expr("version + 1"),
				"updated_at":        now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to update trust state: %w", result.Error)
		}
		affected = result.RowsAffected
	}
	if affected == 0 {
		return &TransitionResult{Outcome: TransitionPriorMismatch}, nil
	}

	event := &TrustEvent{
		ID:               eventID,
		InstanceID:       in.InstanceID,
		AttestationID:    in.AttestationID,
		PreviousStatus:   in.PreviousStatus,
		CurrentStatus:    in.CurrentStatus,
		Reason:           in.Reason,
		RemediationState: in.RemediationState,
		Metadata:         in.Metadata,
		TriggeredAt:      now,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to insert trust event: %w", err)
	}
	return &TransitionResult{Outcome: TransitionApplied, Event: event}, nil
}

// LatestForInstance returns the newest transition of an instance, or nil
// when it has none.
func (l *Ledger) LatestForInstance(ctx context.Context, instanceID string) (*TrustEvent, error) {
	events, err := l.HistoryForInstance(ctx, instanceID, 1)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

// HistoryForInstance returns up to limit transitions of an instance, newest
// first.
func (l *Ledger) HistoryForInstance(ctx context.Context, instanceID string, limit int) ([]TrustEvent, error) {
	var events []TrustEvent
	err := l.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("triggered_at DESC").Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read trust history: %w", err)
	}
	return events, nil
}

// CurrentStatus returns the status of the newest transition of an instance,
// StatusUnknown when it has none.
func (l *Ledger) CurrentStatus(ctx context.Context, instanceID string) (attestation.Status, error) {
	latest, err := l.LatestForInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return attestation.StatusUnknown, nil
	}
	return latest.CurrentStatus, nil
}

// State returns the trust state row of an instance, or nil when it has
// none.
func (l *Ledger) State(ctx context.Context, instanceID string) (*TrustState, error) {
	var st TrustState
	err := l.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trust state: %w", err)
	}
	return &st, nil
}

func validStatus(s attestation.Status) bool {
	switch s {
	case attestation.StatusTrusted, attestation.StatusUntrusted, attestation.StatusUnknown:
		return true
	}
	return false
}
