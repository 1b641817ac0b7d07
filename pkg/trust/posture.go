package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// PostureInput is one accelerator entry of a collection cycle.
type PostureInput struct {
	AcceleratorID   string         `json:"acceleratorId"`
	AcceleratorType string         `json:"acceleratorType"`
	Posture         string         `json:"posture"`
	PolicyFeedback  []string       `json:"policyFeedback,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// PostureStore persists accelerator posture snapshots.
type PostureStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostureStore creates a PostureStore.
func NewPostureStore(db *gorm.DB) *PostureStore {
	return &PostureStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ReplaceInstancePosture replaces the whole posture set of an instance.
// The delete and the inserts share one transaction, so readers see either
// the old set or the new one.
func (s *PostureStore) ReplaceInstancePosture(ctx context.Context, instanceID string, entries []PostureInput) ([]AcceleratorPosture, error) {
	if instanceID == "" {
		return nil, store.Validationf("instance id is required")
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for i, e := range entries {
		id := strings.TrimSpace(e.AcceleratorID)
		switch {
		case id == "":
			return nil, store.Validationf("entry %d: accelerator id is required", i)
		case strings.TrimSpace(e.Posture) == "":
			return nil, store.Validationf("entry %d: posture is required", i)
		case !seen.Add(id):
			return nil, store.Validationf("accelerator %s is listed twice", id)
		}
	}

	now := s.now()
	rows := make([]AcceleratorPosture, 0, len(entries))
	for _, e := range entries {
		feedback := store.JSONStringSlice(e.PolicyFeedback)
		if feedback == nil {
			feedback = store.JSONStringSlice{}
		}
		rows = append(rows, AcceleratorPosture{
			ID:              uuid.NewString(),
			InstanceID:      instanceID,
			AcceleratorID:   strings.TrimSpace(e.AcceleratorID),
			AcceleratorType: e.AcceleratorType,
			Posture:         e.Posture,
			PolicyFeedback:  feedback,
			Metadata:        e.Metadata,
			CollectedAt:     now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("instance_id = ?", instanceID).Delete(&AcceleratorPosture{}).Error; err != nil {
			return fmt.Errorf("failed to clear posture: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to insert posture: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListForInstance returns the current posture set of an instance ordered
// by accelerator id.
func (s *PostureStore) ListForInstance(ctx context.Context, instanceID string) ([]AcceleratorPosture, error) {
	var rows []AcceleratorPosture
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("accelerator_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list posture: %w", err)
	}
	return rows, nil
}

// ListForInstances returns the posture sets of several instances, keyed by
// instance id, read in one query.
func (s *PostureStore) ListForInstances(ctx context.Context, instanceIDs []string) (map[string][]AcceleratorPosture, error) {
	ids := mapset.NewThreadUnsafeSet(instanceIDs...)
	ids.Remove("")
	out := make(map[string][]AcceleratorPosture, ids.Cardinality())
	if ids.Cardinality() == 0 {
		return out, nil
	}
	var rows []AcceleratorPosture
	err := s.db.WithContext(ctx).
		Where("instance_id IN ?", ids.ToSlice()).
		Order("instance_id").Order("accelerator_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list posture: %w", err)
	}
	for _, r := range rows {
		out[r.InstanceID] = append(out[r.InstanceID], r)
	}
	return out, nil
}
