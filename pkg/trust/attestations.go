package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AttestationStore persists attestation records. History is retained; the
// latest record of an instance is the one with the newest verified_at.
type AttestationStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAttestationStore creates an AttestationStore.
func NewAttestationStore(db *gorm.DB) *AttestationStore {
	return &AttestationStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert stores rec, assigning its id and verification time when unset.
func (s *AttestationStore) Insert(ctx context.Context, rec *AttestationRecord) error {
	return s.insertTx(s.db.WithContext(ctx), rec)
}

func (s *AttestationStore) insertTx(tx *gorm.DB, rec *AttestationRecord) error {
	if rec.InstanceID == "" {
		return store.Validationf("instance id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = s.now()
	}
	if rec.VerificationNotes == nil {
		rec.VerificationNotes = store.JSONStringSlice{}
	}
	if rec.RemediationNotes == nil {
		rec.RemediationNotes = store.JSONStringSlice{}
	}
	if err := tx.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert attestation: %w", err)
	}
	return nil
}

// Get returns the attestation record with id.
func (s *AttestationStore) Get(ctx context.Context, id string) (*AttestationRecord, error) {
	var rec AttestationRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.NotFoundf("attestation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attestation: %w", err)
	}
	return &rec, nil
}

// LatestForInstance returns the newest attestation of an instance, or nil
// when it has none.
func (s *AttestationStore) LatestForInstance(ctx context.Context, instanceID string) (*AttestationRecord, error) {
	records, err := s.ListForInstance(ctx, instanceID, 1)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// ListForInstance returns up to limit attestations of an instance, newest
// first.
func (s *AttestationStore) ListForInstance(ctx context.Context, instanceID string, limit int) ([]AttestationRecord, error) {
	var records []AttestationRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("verified_at DESC").Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attestations: %w", err)
	}
	return records, nil
}

// LatestForInstances returns the newest attestation of each instance that
// has one, keyed by instance id. All instances are read in one transaction.
func (s *AttestationStore) LatestForInstances(ctx context.Context, instanceIDs []string) (map[string]*AttestationRecord, error) {
	ids := mapset.NewThreadUnsafeSet(instanceIDs...)
	ids.Remove("")
	out := make(map[string]*AttestationRecord, ids.Cardinality())
	if ids.Cardinality() == 0 {
		return out, nil
	}

	var records []AttestationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("instance_id IN ?", ids.ToSlice()).
			Order("instance_id").Order("verified_at DESC").Order("id DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read latest attestations: %w", err)
	}
	for i := range records {
		if _, seen := out[records[i].InstanceID]; !seen {
			out[records[i].InstanceID] = &records[i]
		}
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}
