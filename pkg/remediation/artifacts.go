package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// ArtifactStore persists the artifacts produced by remediation runs.
type ArtifactStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewArtifactStore creates an ArtifactStore.
func NewArtifactStore(db *gorm.DB) *ArtifactStore {
	return &ArtifactStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ArtifactInput describes an artifact to record.
type ArtifactInput struct {
	RunID        string
	ArtifactType string
	URI          string
	Metadata     map[string]any
	RecordedBy   string
}

// Append records an artifact for a run. The run may be in any status;
// artifacts arriving after completion are kept.
func (s *ArtifactStore) Append(ctx context.Context, in ArtifactInput) (*RemediationArtifact, error) {
	var created *RemediationArtifact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.appendTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *ArtifactStore) appendTx(tx *gorm.DB, in ArtifactInput) (*RemediationArtifact, error) {
	if strings.TrimSpace(in.ArtifactType) == "" {
		return nil, store.Validationf("artifact_type is required")
	}
	if strings.TrimSpace(in.URI) == "" {
		return nil, store.Validationf("uri is required")
	}
	if _, err := getRun(tx, in.RunID); err != nil {
		return nil, err
	}

	artifact := &RemediationArtifact{
		ID:           uuid.New().String(),
		RunID:        in.RunID,
		ArtifactType: in.ArtifactType,
		URI:          in.URI,
		Metadata:     in.Metadata,
		RecordedBy:   in.RecordedBy,
		RecordedAt:   s.now(),
	}
	if err := tx.Create(artifact).Error; err != nil {
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}
	return artifact, nil
}

// ListForRun returns the artifacts of a run in recording order.
func (s *ArtifactStore) ListForRun(ctx context.Context, runID string) ([]RemediationArtifact, error) {
	var artifacts []RemediationArtifact
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("recorded_at ASC").
		Order("id ASC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}
