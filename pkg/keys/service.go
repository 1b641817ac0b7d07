// Package keys implements the bring-your-own-key provider credential
// lifecycle: registration, activation, rotation, revocation and rotation SLA
// enforcement. Every mutation writes its audit events in the same
// transaction as the state change.
package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/metrics"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// Service owns provider key state.
type Service struct {
	db       *gorm.DB
	ledger   *audit.Ledger
	cfg      *Config
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. A nil cfg uses DefaultConfig.
func NewService(db *gorm.DB, ledger *audit.Ledger, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:     db,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier installs n to receive audit events after each commit.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// providerLock is a row per provider used to serialize mutations that must
// respect the one-live-key rule.
type providerLock struct {
	ProviderID string    `gorm:"primaryKey;column:provider_id;type:varchar(255)"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (providerLock) TableName() string { return "provider_key_locks" }

// recorder collects the audit events of one transaction.
type recorder struct {
	tx     *gorm.DB
	ledger *audit.Ledger
	now    time.Time
	events []*audit.Event
	// fold, when set, takes the side-effect events of a revocation instead
	// of writing them.
	fold *revocationCascade
}

// revocationCascade gathers the bindings, rotations and candidate keys a
// revocation tears down.
type revocationCascade struct {
	bindingIDs   []string
	rotationIDs  []string
	candidateIDs []string
}

func (c *revocationCascade) absorb(keyID string, p audit.Payload) bool {
	switch p := p.(type) {
	case audit.BindingRevokedPayload:
		c.bindingIDs = append(c.bindingIDs, p.BindingID)
	case audit.RotationFailedPayload:
		c.rotationIDs = append(c.rotationIDs, p.RotationID)
	case audit.RetiredPayload:
		c.candidateIDs = append(c.candidateIDs, keyID)
	default:
		return false
	}
	return true
}

func (r *recorder) emit(providerID, keyID string, p audit.Payload) error {
	if r.fold != nil && r.fold.absorb(keyID, p) {
		return nil
	}
	var keyRef *string
	if keyID != "" {
		keyRef = &keyID
	}
	ev, err := audit.NewEvent(providerID, keyRef, p, r.now)
	if err != nil {
		return err
	}
	ev.Seq = len(r.events)
	if err := r.ledger.Append(r.tx, ev); err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

// mutate runs fn in a transaction and notifies subscribers after commit.
func (s *Service) mutate(ctx context.Context, fn func(tx *gorm.DB, rec *recorder) error) ([]*audit.Event, error) {
	rec := &recorder{ledger: s.ledger, now: s.now()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec.tx = tx
		rec.events = rec.events[:0]
		rec.fold = nil
		return fn(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	if s.notifier != nil && len(rec.events) > 0 {
		s.notifier.Notify(ctx, rec.events)
	}
	return rec.events, nil
}

func lockProvider(tx *gorm.DB, providerID string) error {
	lock := providerLock{ProviderID: providerID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
		return fmt.Errorf("failed to create provider lock: %w", err)
	}
	if err := store.ForUpdate(tx).Where("provider_id = ?", providerID).First(&lock).Error; err != nil {
		return fmt.Errorf("failed to lock provider: %w", err)
	}
	return nil
}

func loadKey(tx *gorm.DB, providerID, keyID string) (*ProviderKeyRecord, error) {
	var rec ProviderKeyRecord
	err := tx.Where("id = ? AND provider_id = ?", keyID, providerID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.NotFoundf("key %s not found for provider %s", keyID, providerID)
		}
		return nil, fmt.Errorf("failed to load key: %w", err)
	}
	return &rec, nil
}

// setState moves rec from its current state to `to`, guarded by the state
// read inside the transaction.
func setState(tx *gorm.DB, rec *ProviderKeyRecord, to KeyState, now time.Time, extra map[string]any) error {
	if err := ValidateTransition(rec.State, to); err != nil {
		return err
	}
	fields := map[string]any{"state": to, "updated_at": now}
	for k, v := range extra {
		fields[k] = v
	}
	result := tx.Model(&ProviderKeyRecord{}).
		Where("id = ? AND state = ?", rec.ID, rec.State).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update key %s: %w", rec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.Conflictf("key %s changed state concurrently", rec.ID)
	}
	rec.State = to
	rec.UpdatedAt = now
	if v, ok := extra["compromised_at"].(time.Time); ok {
		rec.CompromisedAt = &v
	}
	if v, ok := extra["retired_at"].(time.Time); ok {
		rec.RetiredAt = &v
	}
	metrics.KeyTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

func decodeBlob(field, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, store.Validationf("%s is not valid base64: %v", field, err)
	}
	if len(b) == 0 {
		return nil, store.Validationf("%s decodes to an empty blob", field)
	}
	return b, nil
}

func decodeAttestation(digest, signature string) ([]byte, []byte, error) {
	d, err := decodeBlob("attestation_digest", digest)
	if err != nil {
		return nil, nil, err
	}
	sig, err := decodeBlob("attestation_signature", signature)
	if err != nil {
		return nil, nil, err
	}
	if sig != nil && d == nil {
		return nil, nil, store.Validationf("attestation_signature requires attestation_digest")
	}
	return d, sig, nil
}

// RegisterKeyInput describes a new provider key.
type RegisterKeyInput struct {
	ProviderID           string
	Alias                *string
	AttestationDigest    string // base64
	AttestationSignature string // base64
	RotationDueAt        *time.Time
	Actor                string
}

// RegisterKey creates a key. It lands active when activation approval is not
// required and the provider has no live key, pending_registration otherwise.
func (s *Service) RegisterKey(ctx context.Context, in RegisterKeyInput) (*ProviderKeyRecord, error) {
	if strings.TrimSpace(in.ProviderID) == "" {
		return nil, store.Validationf("provider_id is required")
	}
	digest, signature, err := decodeAttestation(in.AttestationDigest, in.AttestationSignature)
	if err != nil {
		return nil, err
	}

	var created *ProviderKeyRecord
	_, err = s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, in.ProviderID); err != nil {
			return err
		}
		live, err := countLive(tx, in.ProviderID, "")
		if err != nil {
			return err
		}

		state := StatePending
		if !s.cfg.RequireActivationApproval && live == 0 {
			state = StateActive
		}

		key := &ProviderKeyRecord{
			ID:                   uuid.New().String(),
			ProviderID:           in.ProviderID,
			Alias:                in.Alias,
			AttestationDigest:    digest,
			AttestationSignature: signature,
			State:                state,
			RotationDueAt:        utcPtr(in.RotationDueAt),
		}
		if err := tx.Create(key).Error; err != nil {
			return fmt.Errorf("failed to create key: %w", err)
		}

		alias := ""
		if in.Alias != nil {
			alias = *in.Alias
		}
		if err := rec.emit(in.ProviderID, key.ID, audit.RegisteredPayload{
			Alias:         alias,
			Actor:         in.Actor,
			RotationDueAt: key.RotationDueAt,
			HasDigest:     digest != nil,
			FinalState:    string(state),
		}); err != nil {
			return err
		}
		created = key
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("provider key registered", "provider", in.ProviderID, "key", created.ID, "state", created.State)
	return created, nil
}

func countLive(tx *gorm.DB, providerID, excludeKeyID string) (int64, error) {
	q := tx.Model(&ProviderKeyRecord{}).Where("provider_id = ? AND state IN ?", providerID, liveStates)
	if excludeKeyID != "" {
		q = q.Where("id <> ?", excludeKeyID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count live keys: %w", err)
	}
	return n, nil
}

// ActivateKey approves a pending key for live traffic.
func (s *Service) ActivateKey(ctx context.Context, providerID, keyID, actor string) (*ProviderKeyRecord, error) {
	var key *ProviderKeyRecord
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, providerID); err != nil {
			return err
		}
		k, err := loadKey(tx, providerID, keyID)
		if err != nil {
			return err
		}
		if k.State != StatePending {
			return &TransitionError{
				Code:    "KEY_NOT_PENDING",
				From:    k.State,
				To:      StateActive,
				Message: fmt.Sprintf("key %s is %s, only pending keys can be activated", k.ID, k.State),
			}
		}

		var pending int64
		if err := tx.Model(&KeyRotation{}).
			Where("candidate_key_id = ? AND state = ?", k.ID, RotationPendingApproval).
			Count(&pending).Error; err != nil {
			return fmt.Errorf("failed to check rotations: %w", err)
		}
		if pending > 0 {
			return store.Conflictf("key %s is a rotation candidate; approve the rotation instead", k.ID)
		}

		live, err := countLive(tx, providerID, k.ID)
		if err != nil {
			return err
		}
		if live > 0 {
			return store.Conflictf("provider %s already has a live key", providerID)
		}

		if err := setState(tx, k, StateActive, rec.now, nil); err != nil {
			return err
		}
		if err := rec.emit(providerID, k.ID, audit.ActivationApprovedPayload{
			Actor:      actor,
			FinalState: string(StateActive),
		}); err != nil {
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("provider key activated", "provider", providerID, "key", keyID, "actor", actor)
	return key, nil
}

// RotationRequestInput asks to replace an active key.
type RotationRequestInput struct {
	ProviderID           string
	KeyID                string
	AttestationDigest    string // base64, for the candidate key
	AttestationSignature string // base64, for the candidate key
	RotationDueAt        *time.Time
	Actor                string
}

// RotationResult is the outcome of a rotation request or decision.
type RotationResult struct {
	Rotation  *KeyRotation       `json:"rotation"`
	Key       *ProviderKeyRecord `json:"key"`
	Candidate *ProviderKeyRecord `json:"candidate"`
}

// RequestRotation creates a candidate key for an active key and moves the
// key to rotating until the rotation is approved or failed.
func (s *Service) RequestRotation(ctx context.Context, in RotationRequestInput) (*RotationResult, error) {
	if strings.TrimSpace(in.Actor) == "" {
		return nil, store.Validationf("rotation actor reference required")
	}
	digest, signature, err := decodeAttestation(in.AttestationDigest, in.AttestationSignature)
	if err != nil {
		return nil, err
	}

	var result *RotationResult
	_, err = s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, in.ProviderID); err != nil {
			return err
		}
		key, err := loadKey(tx, in.ProviderID, in.KeyID)
		if err != nil {
			return err
		}
		if key.State != StateActive {
			return &TransitionError{
				Code:    "KEY_NOT_ACTIVE",
				From:    key.State,
				To:      StateRotating,
				Message: fmt.Sprintf("key %s is %s, only active keys can be rotated", key.ID, key.State),
			}
		}

		candidate := &ProviderKeyRecord{
			ID:                   uuid.New().String(),
			ProviderID:           in.ProviderID,
			Alias:                key.Alias,
			AttestationDigest:    digest,
			AttestationSignature: signature,
			State:                StatePending,
			RotationDueAt:        utcPtr(in.RotationDueAt),
		}
		if err := tx.Create(candidate).Error; err != nil {
			return fmt.Errorf("failed to create candidate key: %w", err)
		}

		rotation := &KeyRotation{
			ID:             uuid.New().String(),
			ProviderID:     in.ProviderID,
			KeyID:          key.ID,
			CandidateKeyID: candidate.ID,
			State:          RotationPendingApproval,
			RequestedBy:    in.Actor,
			RequestedAt:    rec.now,
		}
		if err := tx.Create(rotation).Error; err != nil {
			return fmt.Errorf("failed to create rotation: %w", err)
		}

		if err := setState(tx, key, StateRotating, rec.now, nil); err != nil {
			return err
		}
		if err := rec.emit(in.ProviderID, key.ID, audit.RotationRequestedPayload{
			RotationID:     rotation.ID,
			CandidateKeyID: candidate.ID,
			Actor:          in.Actor,
			State:          string(StateRotating),
		}); err != nil {
			return err
		}

		result = &RotationResult{Rotation: rotation, Key: key, Candidate: candidate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("key rotation requested", "provider", in.ProviderID, "key", in.KeyID,
		"rotation", result.Rotation.ID, "candidate", result.Candidate.ID)
	return result, nil
}

func loadPendingRotation(tx *gorm.DB, providerID, rotationID string) (*KeyRotation, error) {
	var rotation KeyRotation
	err := store.ForUpdate(tx).Where("id = ? AND provider_id = ?", rotationID, providerID).First(&rotation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.NotFoundf("rotation %s not found for provider %s", rotationID, providerID)
		}
		return nil, fmt.Errorf("failed to load rotation: %w", err)
	}
	if rotation.State != RotationPendingApproval {
		return nil, store.Conflictf("rotation %s is already %s", rotation.ID, rotation.State)
	}
	return &rotation, nil
}

func decideRotation(tx *gorm.DB, rotation *KeyRotation, to RotationState, actor, reason string, now time.Time) error {
	result := tx.Model(&KeyRotation{}).
		Where("id = ? AND state = ?", rotation.ID, RotationPendingApproval).
		Updates(map[string]any{
			"state":          to,
			"decided_by":     actor,
			"failure_reason": reason,
			"decided_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update rotation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.Conflictf("rotation %s was decided concurrently", rotation.ID)
	}
	rotation.State = to
	rotation.DecidedBy = actor
	rotation.FailureReason = reason
	rotation.DecidedAt = &now
	return nil
}

// ApproveRotation activates the candidate key and retires the key it
// replaces.
func (s *Service) ApproveRotation(ctx context.Context, providerID, rotationID, actor string) (*RotationResult, error) {
	var result *RotationResult
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, providerID); err != nil {
			return err
		}
		rotation, err := loadPendingRotation(tx, providerID, rotationID)
		if err != nil {
			return err
		}
		key, err := loadKey(tx, providerID, rotation.KeyID)
		if err != nil {
			return err
		}
		candidate, err := loadKey(tx, providerID, rotation.CandidateKeyID)
		if err != nil {
			return err
		}
		if key.State != StateRotating {
			return store.Conflictf("key %s is %s, expected rotating", key.ID, key.State)
		}
		if candidate.State != StatePending {
			return store.Conflictf("candidate key %s is %s, expected pending_registration", candidate.ID, candidate.State)
		}

		if err := setState(tx, key, StateRetired, rec.now, map[string]any{"retired_at": rec.now}); err != nil {
			return err
		}
		if err := setState(tx, candidate, StateActive, rec.now, nil); err != nil {
			return err
		}
		if err := decideRotation(tx, rotation, RotationApproved, actor, "", rec.now); err != nil {
			return err
		}

		if err := rec.emit(providerID, candidate.ID, audit.RotationApprovedPayload{
			RotationID:   rotation.ID,
			RetiredKeyID: key.ID,
			Actor:        actor,
			FinalState:   string(StateActive),
		}); err != nil {
			return err
		}
		if err := rec.emit(providerID, key.ID, audit.RetiredPayload{
			Reason:     "rotation_approved",
			Actor:      actor,
			FinalState: string(StateRetired),
		}); err != nil {
			return err
		}
		if err := moveBindings(tx, rec, providerID, key.ID, candidate.ID, actor); err != nil {
			return err
		}

		result = &RotationResult{Rotation: rotation, Key: key, Candidate: candidate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("key rotation approved", "provider", providerID, "rotation", rotationID, "actor", actor)
	return result, nil
}

// FailRotation discards the candidate key and returns the original key to
// active.
func (s *Service) FailRotation(ctx context.Context, providerID, rotationID, reason, actor string) (*RotationResult, error) {
	var result *RotationResult
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, providerID); err != nil {
			return err
		}
		rotation, err := loadPendingRotation(tx, providerID, rotationID)
		if err != nil {
			return err
		}
		key, err := loadKey(tx, providerID, rotation.KeyID)
		if err != nil {
			return err
		}
		candidate, err := loadKey(tx, providerID, rotation.CandidateKeyID)
		if err != nil {
			return err
		}
		f := rotationFailure{reason: reason, actor: actor, restoreKey: true, retireCandidate: true}
		if err := failRotation(tx, rec, rotation, key, candidate, f); err != nil {
			return err
		}
		result = &RotationResult{Rotation: rotation, Key: key, Candidate: candidate}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("key rotation failed", "provider", providerID, "rotation", rotationID, "reason", reason)
	return result, nil
}

// rotationFailure controls how failRotation treats the two keys of a
// rotation. A key that is itself being revoked or retired is left to the
// caller.
type rotationFailure struct {
	reason          string
	actor           string
	restoreKey      bool
	retireCandidate bool
}

// failRotation marks rotation failed, retires the pending candidate and
// returns the rotating key to active.
func failRotation(tx *gorm.DB, rec *recorder, rotation *KeyRotation, key, candidate *ProviderKeyRecord, f rotationFailure) error {
	if err := decideRotation(tx, rotation, RotationFailed, f.actor, f.reason, rec.now); err != nil {
		return err
	}
	if f.restoreKey && key.State == StateRotating {
		if err := setState(tx, key, StateActive, rec.now, nil); err != nil {
			return err
		}
	}
	if err := rec.emit(rotation.ProviderID, key.ID, audit.RotationFailedPayload{
		RotationID:     rotation.ID,
		CandidateKeyID: candidate.ID,
		Reason:         f.reason,
		Actor:          f.actor,
		FinalState:     string(key.State),
	}); err != nil {
		return err
	}
	if f.retireCandidate && candidate.State == StatePending {
		if err := setState(tx, candidate, StateRetired, rec.now, map[string]any{"retired_at": rec.now}); err != nil {
			return err
		}
		if err := rec.emit(rotation.ProviderID, candidate.ID, audit.RetiredPayload{
			Reason:     "rotation_failed",
			Actor:      f.actor,
			FinalState: string(StateRetired),
		}); err != nil {
			return err
		}
	}
	return nil
}

// failOpenRotations fails every pending rotation that involves key, which is
// about to leave the live set.
func failOpenRotations(tx *gorm.DB, rec *recorder, key *ProviderKeyRecord, reason, actor string) error {
	var rotations []KeyRotation
	if err := tx.Where("provider_id = ? AND state = ? AND (key_id = ? OR candidate_key_id = ?)",
		key.ProviderID, RotationPendingApproval, key.ID, key.ID).
		Find(&rotations).Error; err != nil {
		return fmt.Errorf("failed to list open rotations: %w", err)
	}
	for i := range rotations {
		r := &rotations[i]
		f := rotationFailure{reason: reason, actor: actor}
		var err error
		if r.KeyID == key.ID {
			candidate, lerr := loadKey(tx, key.ProviderID, r.CandidateKeyID)
			if lerr != nil {
				return lerr
			}
			f.retireCandidate = true
			err = failRotation(tx, rec, r, key, candidate, f)
		} else {
			original, lerr := loadKey(tx, key.ProviderID, r.KeyID)
			if lerr != nil {
				return lerr
			}
			f.restoreKey = true
			err = failRotation(tx, rec, r, original, key, f)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RevokeInput describes a key revocation.
type RevokeInput struct {
	ProviderID string
	KeyID      string
	Reason     string
	Immediate  bool
	Actor      string
}

// RevokeKey marks a key compromised and, when Immediate, retires it in the
// same transaction. Repeated calls do not write further audit events:
// a retired key, or a compromised key revoked again without Immediate, is
// returned unchanged.
func (s *Service) RevokeKey(ctx context.Context, in RevokeInput) (*ProviderKeyRecord, error) {
	var key *ProviderKeyRecord
	events, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, in.ProviderID); err != nil {
			return err
		}
		k, err := loadKey(tx, in.ProviderID, in.KeyID)
		if err != nil {
			return err
		}
		key = k

		switch {
		case k.State == StateRetired:
			return nil
		case k.State == StateCompromised && !in.Immediate:
			return nil
		case k.State == StateCompromised:
			if err := setState(tx, k, StateRetired, rec.now, map[string]any{"retired_at": rec.now}); err != nil {
				return err
			}
			return rec.emit(in.ProviderID, k.ID, audit.RevocationCompletedPayload{
				Reason:     in.Reason,
				Actor:      in.Actor,
				FinalState: string(StateRetired),
			})
		}

		cascade := &revocationCascade{}
		rec.fold = cascade
		if err := failOpenRotations(tx, rec, k, "key_revoked", in.Actor); err != nil {
			return err
		}
		if err := revokeBindingsForKey(tx, rec, k, in.Actor); err != nil {
			return err
		}
		rec.fold = nil

		if err := setState(tx, k, StateCompromised, rec.now, map[string]any{"compromised_at": rec.now}); err != nil {
			return err
		}
		if err := rec.emit(in.ProviderID, k.ID, audit.RevocationInitiatedPayload{
			Reason:              in.Reason,
			Immediate:           in.Immediate,
			Actor:               in.Actor,
			State:               string(StateCompromised),
			RevokedBindingIDs:   cascade.bindingIDs,
			FailedRotationIDs:   cascade.rotationIDs,
			RetiredCandidateIDs: cascade.candidateIDs,
		}); err != nil {
			return err
		}

		if !in.Immediate {
			return rec.emit(in.ProviderID, k.ID, audit.CompromisedPayload{
				Reason:     in.Reason,
				Actor:      in.Actor,
				FinalState: string(StateCompromised),
			})
		}

		if err := setState(tx, k, StateRetired, rec.now, map[string]any{"retired_at": rec.now}); err != nil {
			return err
		}
		return rec.emit(in.ProviderID, k.ID, audit.RevocationCompletedPayload{
			Reason:     in.Reason,
			Actor:      in.Actor,
			FinalState: string(StateRetired),
		})
	})
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		s.logger.Warn("provider key revoked", "provider", in.ProviderID, "key", in.KeyID,
			"immediate", in.Immediate, "state", key.State, "reason", in.Reason)
	}
	return key, nil
}

// RetireKey retires a pending, active or rotating key. Retiring a retired key
// is a no-op; a compromised key is retired by completing its revocation.
func (s *Service) RetireKey(ctx context.Context, providerID, keyID, reason, actor string) (*ProviderKeyRecord, error) {
	var key *ProviderKeyRecord
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, providerID); err != nil {
			return err
		}
		k, err := loadKey(tx, providerID, keyID)
		if err != nil {
			return err
		}
		key = k
		if k.State == StateRetired {
			return nil
		}
		if k.State == StateCompromised {
			return &TransitionError{
				Code:    "KEY_REVOCATION_PENDING",
				From:    k.State,
				To:      StateRetired,
				Message: fmt.Sprintf("key %s is compromised; complete its revocation instead", k.ID),
			}
		}
		if err := failOpenRotations(tx, rec, k, "key_retired", actor); err != nil {
			return err
		}
		if err := revokeBindingsForKey(tx, rec, k, actor); err != nil {
			return err
		}
		if err := setState(tx, k, StateRetired, rec.now, map[string]any{"retired_at": rec.now}); err != nil {
			return err
		}
		return rec.emit(providerID, k.ID, audit.RetiredPayload{
			Reason:     reason,
			Actor:      actor,
			FinalState: string(StateRetired),
		})
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// VetoInput records a runtime veto raised against a provider's credentials.
type VetoInput struct {
	ProviderID string
	KeyID      string
	Reason     string
	Source     string
	Actor      string
}

// RecordRuntimeVeto writes a runtime_veto audit event.
func (s *Service) RecordRuntimeVeto(ctx context.Context, in VetoInput) (*audit.Event, error) {
	if strings.TrimSpace(in.ProviderID) == "" {
		return nil, store.Validationf("provider_id is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, store.Validationf("reason is required")
	}
	events, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if in.KeyID != "" {
			if _, err := loadKey(tx, in.ProviderID, in.KeyID); err != nil {
				return err
			}
		}
		return rec.emit(in.ProviderID, in.KeyID, audit.RuntimeVetoPayload{
			Reason: in.Reason,
			Source: in.Source,
			Actor:  in.Actor,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("runtime veto recorded", "provider", in.ProviderID, "key", in.KeyID, "reason", in.Reason)
	return events[0], nil
}

// GetKey returns one key of a provider.
func (s *Service) GetKey(ctx context.Context, providerID, keyID string) (*ProviderKeyRecord, error) {
	return loadKey(s.db.WithContext(ctx), providerID, keyID)
}

// ListKeys returns a provider's keys, newest first, optionally restricted to
// states.
func (s *Service) ListKeys(ctx context.Context, providerID string, states ...KeyState) ([]ProviderKeyRecord, error) {
	q := s.db.WithContext(ctx).Where("provider_id = ?", providerID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var records []ProviderKeyRecord
	if err := q.Order("created_at DESC").Order("id DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return records, nil
}

// GetRotation returns one rotation of a provider.
func (s *Service) GetRotation(ctx context.Context, providerID, rotationID string) (*KeyRotation, error) {
	var rotation KeyRotation
	err := s.db.WithContext(ctx).Where("id = ? AND provider_id = ?", rotationID, providerID).First(&rotation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.NotFoundf("rotation %s not found for provider %s", rotationID, providerID)
		}
		return nil, fmt.Errorf("failed to get rotation: %w", err)
	}
	return &rotation, nil
}

// ListRotations returns a provider's rotations, newest first. An empty state
// lists all of them.
func (s *Service) ListRotations(ctx context.Context, providerID string, state RotationState) ([]KeyRotation, error) {
	q := s.db.WithContext(ctx).Where("provider_id = ?", providerID)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var rotations []KeyRotation
	if err := q.Order("requested_at DESC").Find(&rotations).Error; err != nil {
		return nil, fmt.Errorf("failed to list rotations: %w", err)
	}
	return rotations, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
