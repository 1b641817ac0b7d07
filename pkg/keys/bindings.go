package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// BindingInput attaches a key to a consumer.
type BindingInput struct {
	ProviderID  string
	KeyID       string
	BindingType string
	BindingRef  string
	Actor       string
}

// AttachBinding binds a live key to a consumer. A consumer holds at most one
// active binding per provider.
func (s *Service) AttachBinding(ctx context.Context, in BindingInput) (*KeyBinding, error) {
	if strings.TrimSpace(in.BindingType) == "" || strings.TrimSpace(in.BindingRef) == "" {
		return nil, store.Validationf("binding_type and binding_ref are required")
	}

	var binding *KeyBinding
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		if err := lockProvider(tx, in.ProviderID); err != nil {
			return err
		}
		key, err := loadKey(tx, in.ProviderID, in.KeyID)
		if err != nil {
			return err
		}
		if !key.State.IsLive() {
			return store.Conflictf("key %s is %s and cannot be bound", key.ID, key.State)
		}

		var existing int64
		if err := tx.Model(&KeyBinding{}).
			Where("provider_id = ? AND binding_type = ? AND binding_ref = ? AND state = ?",
				in.ProviderID, in.BindingType, in.BindingRef, BindingActive).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check bindings: %w", err)
		}
		if existing > 0 {
			return store.Conflictf("%s %s already has an active binding for provider %s",
				in.BindingType, in.BindingRef, in.ProviderID)
		}

		b := &KeyBinding{
			ID:          uuid.New().String(),
			ProviderID:  in.ProviderID,
			KeyID:       key.ID,
			BindingType: in.BindingType,
			BindingRef:  in.BindingRef,
			State:       BindingActive,
			CreatedBy:   in.Actor,
		}
		if err := tx.Create(b).Error; err != nil {
			return fmt.Errorf("failed to create binding: %w", err)
		}
		binding = b
		return rec.emit(in.ProviderID, key.ID, audit.BindingAttachedPayload{
			BindingID:   b.ID,
			BindingType: b.BindingType,
			BindingRef:  b.BindingRef,
			Actor:       in.Actor,
		})
	})
	if err != nil {
		return nil, err
	}
	return binding, nil
}

// RevokeBinding detaches a binding. Revoking a revoked binding is a no-op.
func (s *Service) RevokeBinding(ctx context.Context, providerID, bindingID, actor string) (*KeyBinding, error) {
	var binding KeyBinding
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		err := tx.Where("id = ? AND provider_id = ?", bindingID, providerID).First(&binding).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.NotFoundf("binding %s not found for provider %s", bindingID, providerID)
			}
			return fmt.Errorf("failed to load binding: %w", err)
		}
		if binding.State != BindingActive {
			return nil
		}
		return revokeBinding(tx, rec, &binding, actor)
	})
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func revokeBinding(tx *gorm.DB, rec *recorder, b *KeyBinding, actor string) error {
	result := tx.Model(&KeyBinding{}).
		Where("id = ? AND state = ?", b.ID, BindingActive).
		Updates(map[string]any{"state": BindingRevoked, "revoked_at": rec.now})
	if result.Error != nil {
		return fmt.Errorf("failed to revoke binding: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}
	b.State = BindingRevoked
	revokedAt := rec.now
	b.RevokedAt = &revokedAt
	return rec.emit(b.ProviderID, b.KeyID, audit.BindingRevokedPayload{
		BindingID: b.ID,
		Actor:     actor,
	})
}

func revokeBindingsForKey(tx *gorm.DB, rec *recorder, key *ProviderKeyRecord, actor string) error {
	bindings, err := activeBindings(tx, key.ProviderID, key.ID)
	if err != nil {
		return err
	}
	for i := range bindings {
		if err := revokeBinding(tx, rec, &bindings[i], actor); err != nil {
			return err
		}
	}
	return nil
}

// moveBindings repoints the active bindings of a rotated key at its
// replacement.
func moveBindings(tx *gorm.DB, rec *recorder, providerID, fromKeyID, toKeyID, actor string) error {
	bindings, err := activeBindings(tx, providerID, fromKeyID)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := tx.Model(&KeyBinding{}).Where("id = ?", b.ID).Update("key_id", toKeyID).Error; err != nil {
			return fmt.Errorf("failed to move binding %s: %w", b.ID, err)
		}
		if err := rec.emit(providerID, toKeyID, audit.BindingAttachedPayload{
			BindingID:   b.ID,
			BindingType: b.BindingType,
			BindingRef:  b.BindingRef,
			Actor:       actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

func activeBindings(tx *gorm.DB, providerID, keyID string) ([]KeyBinding, error) {
	var bindings []KeyBinding
	if err := tx.Where("provider_id = ? AND key_id = ? AND state = ?", providerID, keyID, BindingActive).
		Order("created_at ASC").
		Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	return bindings, nil
}

// ListBindings returns a provider's bindings, optionally for one key.
func (s *Service) ListBindings(ctx context.Context, providerID, keyID string) ([]KeyBinding, error) {
	q := s.db.WithContext(ctx).Where("provider_id = ?", providerID)
	if keyID != "" {
		q = q.Where("key_id = ?", keyID)
	}
	var bindings []KeyBinding
	if err := q.Order("created_at DESC").Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	return bindings, nil
}

// RevokeForInstance immediately revokes every key bound to a runtime VM
// instance. It is called when the instance loses trust.
func (s *Service) RevokeForInstance(ctx context.Context, instanceID, reason string) ([]ProviderKeyRecord, error) {
	var bindings []KeyBinding
	if err := s.db.WithContext(ctx).
		Where("binding_type = ? AND binding_ref = ? AND state = ?", BindingTypeRuntimeVM, instanceID, BindingActive).
		Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("failed to list instance bindings: %w", err)
	}

	seen := make(map[string]bool, len(bindings))
	var revoked []ProviderKeyRecord
	for _, b := range bindings {
		if seen[b.KeyID] {
			continue
		}
		seen[b.KeyID] = true
		key, err := s.RevokeKey(ctx, RevokeInput{
			ProviderID: b.ProviderID,
			KeyID:      b.KeyID,
			Reason:     reason,
			Immediate:  true,
			Actor:      "system:trust-monitor",
		})
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke key %s bound to %s: %w", b.KeyID, instanceID, err)
		}
		revoked = append(revoked, *key)
	}
	if len(revoked) > 0 {
		s.logger.Warn("revoked keys bound to untrusted instance", "instance", instanceID, "count", len(revoked))
	}
	return revoked, nil
}
