package remediation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// CASOutcome is the result of a compare-and-swap write.
type CASOutcome string

const (
	CASUpdated         CASOutcome = "updated"
	CASNotFound        CASOutcome = "not_found"
	CASVersionMismatch CASOutcome = "version_mismatch"
)

// CASResult carries the outcome of an Update and, when it succeeded, the
// stored playbook.
type CASResult struct {
	Outcome  CASOutcome
	Playbook *Playbook
}

// PlaybookStore is the remediation playbook catalog.
type PlaybookStore struct {
	db *gorm.DB
}

// NewPlaybookStore creates a PlaybookStore.
func NewPlaybookStore(db *gorm.DB) *PlaybookStore {
	return &PlaybookStore{db: db}
}

// PlaybookInput describes a new catalog entry.
type PlaybookInput struct {
	PlaybookKey      string         `yaml:"key" json:"playbookKey"`
	DisplayName      string         `yaml:"displayName" json:"displayName,omitempty"`
	Description      string         `yaml:"description" json:"description,omitempty"`
	ExecutorType     string         `yaml:"executorType" json:"executorType"`
	OwnerID          string         `yaml:"ownerId" json:"ownerId,omitempty"`
	ApprovalRequired bool           `yaml:"approvalRequired" json:"approvalRequired"`
	SLA              time.Duration  `yaml:"sla" json:"-"`
	Metadata         map[string]any `yaml:"metadata" json:"metadata,omitempty"`
}

func (in *PlaybookInput) validate() error {
	if strings.TrimSpace(in.PlaybookKey) == "" {
		return store.Validationf("playbook key is required")
	}
	if strings.TrimSpace(in.ExecutorType) == "" {
		return store.Validationf("executor type is required")
	}
	if in.SLA < 0 {
		return store.Validationf("sla must not be negative")
	}
	return nil
}

// PlaybookPatch lists the fields an Update changes. Nil fields are kept.
type PlaybookPatch struct {
	DisplayName      *string
	Description      *string
	ExecutorType     *string
	OwnerID          *string
	ApprovalRequired *bool
	SLA              *time.Duration
	Metadata         map[string]any
}

func (p *PlaybookPatch) updates() (map[string]any, error) {
	u := map[string]any{}
	if p.DisplayName != nil {
		u["display_name"] = *p.DisplayName
	}
	if p.Description != nil {
		u["description"] = *p.Description
	}
	if p.ExecutorType != nil {
		if strings.TrimSpace(*p.ExecutorType) == "" {
			return nil, store.Validationf("executor type must not be empty")
		}
		u["executor_type"] = *p.ExecutorType
	}
	if p.OwnerID != nil {
		u["owner_id"] = *p.OwnerID
	}
	if p.ApprovalRequired != nil {
		u["approval_required"] = *p.ApprovalRequired
	}
	if p.SLA != nil {
		if *p.SLA < 0 {
			return nil, store.Validationf("sla must not be negative")
		}
		u["sla_duration_seconds"] = int64(p.SLA.Seconds())
	}
	if p.Metadata != nil {
		u["metadata"] = store.JSONMap(p.Metadata)
	}
	return u, nil
}

// Create adds a playbook. A playbook with the same key is a conflict.
func (s *PlaybookStore) Create(ctx context.Context, in PlaybookInput) (*Playbook, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	pb := &Playbook{
		ID:               uuid.New().String(),
		PlaybookKey:      in.PlaybookKey,
		DisplayName:      in.DisplayName,
		Description:      in.Description,
		ExecutorType:     in.ExecutorType,
		OwnerID:          in.OwnerID,
		ApprovalRequired: in.ApprovalRequired,
		SLASeconds:       int64(in.SLA.Seconds()),
		Metadata:         in.Metadata,
		Version:          1,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(pb)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create playbook: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, store.Conflictf("playbook %q already exists", in.PlaybookKey)
	}
	return pb, nil
}

// Get returns a playbook by id.
func (s *PlaybookStore) Get(ctx context.Context, id string) (*Playbook, error) {
	return firstPlaybook(s.db.WithContext(ctx), "id = ?", id)
}

// GetByKey returns a playbook by its key.
func (s *PlaybookStore) GetByKey(ctx context.Context, key string) (*Playbook, error) {
	return firstPlaybook(s.db.WithContext(ctx), "playbook_key = ?", key)
}

func firstPlaybook(tx *gorm.DB, where string, arg string) (*Playbook, error) {
	var pb Playbook
	if err := tx.Where(where, arg).First(&pb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.NotFoundf("playbook %s", arg)
		}
		return nil, fmt.Errorf("failed to get playbook: %w", err)
	}
	return &pb, nil
}

// List returns every playbook ordered by key.
func (s *PlaybookStore) List(ctx context.Context) ([]Playbook, error) {
	var playbooks []Playbook
	if err := s.db.WithContext(ctx).Order("playbook_key ASC").Find(&playbooks).Error; err != nil {
		return nil, fmt.Errorf("failed to list playbooks: %w", err)
	}
	return playbooks, nil
}

// Update applies patch if the stored version equals expectedVersion. A
// mismatch is reported in the result, never overwritten.
func (s *PlaybookStore) Update(ctx context.Context, id string, expectedVersion int64, patch PlaybookPatch) (*CASResult, error) {
	updates, err := patch.updates()
	if err != nil {
		return nil, err
	}
	updates["version"] = gorm.Expr("version + 1")

	var result *CASResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Playbook{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update playbook: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			outcome, err := missOutcome(tx, id)
			if err != nil {
				return err
			}
			result = &CASResult{Outcome: outcome}
			return nil
		}
		pb, err := firstPlaybook(tx, "id = ?", id)
		if err != nil {
			return err
		}
		result = &CASResult{Outcome: CASUpdated, Playbook: pb}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a playbook if its version equals expectedVersion.
func (s *PlaybookStore) Delete(ctx context.Context, id string, expectedVersion int64) (CASOutcome, error) {
	var outcome CASOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND version = ?", id, expectedVersion).Delete(&Playbook{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete playbook: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			outcome = CASUpdated
			return nil
		}
		var err error
		outcome, err = missOutcome(tx, id)
		return err
	})
	return outcome, err
}

// missOutcome tells a missing playbook from a stale version after a guarded
// write matched no row.
func missOutcome(tx *gorm.DB, id string) (CASOutcome, error) {
	var count int64
	if err := tx.Model(&Playbook{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check playbook: %w", err)
	}
	if count == 0 {
		return CASNotFound, nil
	}
	return CASVersionMismatch, nil
}

// PlaybookFile is the top-level structure of a playbook seed file.
type PlaybookFile struct {
	Playbooks []PlaybookInput `yaml:"playbooks"`
}

// SeedFromFile creates the playbooks listed in a YAML file whose keys are not
// in the catalog yet. Existing playbooks are left as they are. It returns the
// number of playbooks created.
func (s *PlaybookStore) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read playbooks: %w", err)
	}
	var pf PlaybookFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return 0, fmt.Errorf("parse playbooks: %w", err)
	}

	created := 0
	for _, in := range pf.Playbooks {
		_, err := s.Create(ctx, in)
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrConflict):
		default:
			return created, fmt.Errorf("seed playbook %q: %w", in.PlaybookKey, err)
		}
	}
	return created, nil
}
