package keys

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/metrics"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// SLABreach is a live key past its rotation deadline plus the breach window.
type SLABreach struct {
	Key   ProviderKeyRecord `json:"key"`
	DueAt time.Time         `json:"dueAt"`
	// EventEmitted is true only for the sweep that wrote the key's
	// rotation_sla_breached event.
	EventEmitted bool `json:"eventEmitted"`
}

// SLAWarning is a live key whose rotation is due within the warning window.
type SLAWarning struct {
	Key       ProviderKeyRecord `json:"key"`
	DueAt     time.Time         `json:"dueAt"`
	Remaining time.Duration     `json:"remaining"`
}

// SLAReport is the result of one enforcement pass. Warnings are reported
// only; they are never written to the audit ledger.
type SLAReport struct {
	CheckedAt   time.Time    `json:"checkedAt"`
	Breached    []SLABreach  `json:"breached"`
	Approaching []SLAWarning `json:"approaching"`
}

// EmittedCount returns how many breach events this pass wrote.
func (r *SLAReport) EmittedCount() int {
	n := 0
	for _, b := range r.Breached {
		if b.EventEmitted {
			n++
		}
	}
	return n
}

// EnforceRotationSLAs flags live keys whose rotation_due_at lies more than
// breachWindow in the past and reports keys due within warningWindow. Each
// key's rotation_sla_breached event is written at most once: the flag and the
// event commit together, guarded by sla_breached_at IS NULL. At most
// Config.BatchSize keys are examined per category; unflagged keys first.
func (s *Service) EnforceRotationSLAs(ctx context.Context, warningWindow, breachWindow time.Duration) (*SLAReport, error) {
	if warningWindow < 0 || breachWindow < 0 {
		return nil, store.Validationf("SLA windows must not be negative")
	}

	now := s.now()
	report := &SLAReport{CheckedAt: now, Breached: []SLABreach{}, Approaching: []SLAWarning{}}
	cutoff := now.Add(-breachWindow)

	var breached []ProviderKeyRecord
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND rotation_due_at IS NOT NULL AND rotation_due_at <= ?", liveStates, cutoff).
		Order("CASE WHEN sla_breached_at IS NULL THEN 0 ELSE 1 END").
		Order("rotation_due_at ASC").
		Limit(s.cfg.BatchSize).
		Find(&breached).Error; err != nil {
		return nil, fmt.Errorf("failed to scan breached keys: %w", err)
	}

	for _, key := range breached {
		entry := SLABreach{Key: key, DueAt: *key.RotationDueAt}
		if key.SLABreachedAt == nil {
			emitted, err := s.flagBreach(ctx, &key, breachWindow)
			if err != nil {
				if store.IsTransient(err) {
					return report, err
				}
				s.logger.Warn("skipping key in SLA sweep", "key", key.ID, "error", err)
				continue
			}
			entry.EventEmitted = emitted
			entry.Key = key
		}
		report.Breached = append(report.Breached, entry)
	}

	var approaching []ProviderKeyRecord
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND rotation_due_at IS NOT NULL AND rotation_due_at > ? AND rotation_due_at <= ?",
			liveStates, cutoff, now.Add(warningWindow)).
		Order("rotation_due_at ASC").
		Limit(s.cfg.BatchSize).
		Find(&approaching).Error; err != nil {
		return report, fmt.Errorf("failed to scan approaching keys: %w", err)
	}
	for _, key := range approaching {
		report.Approaching = append(report.Approaching, SLAWarning{
			Key:       key,
			DueAt:     *key.RotationDueAt,
			Remaining: key.RotationDueAt.Sub(now),
		})
	}

	if n := report.EmittedCount(); n > 0 {
		metrics.SLABreachesEmitted.Add(float64(n))
	}
	return report, nil
}

// flagBreach sets sla_breached_at on key and writes its breach event in one
// transaction. It returns false when another sweep flagged the key first.
func (s *Service) flagBreach(ctx context.Context, key *ProviderKeyRecord, breachWindow time.Duration) (bool, error) {
	emitted := false
	_, err := s.mutate(ctx, func(tx *gorm.DB, rec *recorder) error {
		result := tx.Model(&ProviderKeyRecord{}).
			Where("id = ? AND sla_breached_at IS NULL AND state IN ?", key.ID, liveStates).
			Updates(map[string]any{"sla_breached_at": rec.now, "updated_at": rec.now})
		if result.Error != nil {
			return fmt.Errorf("failed to flag key %s: %w", key.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := rec.emit(key.ProviderID, key.ID, audit.RotationSLABreachedPayload{
			RotationDueAt: *key.RotationDueAt,
			BreachWindow:  breachWindow.String(),
			State:         string(key.State),
		}); err != nil {
			return err
		}
		flaggedAt := rec.now
		key.SLABreachedAt = &flaggedAt
		emitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if emitted {
		s.logger.Warn("rotation SLA breached", "provider", key.ProviderID, "key", key.ID, "due", key.RotationDueAt)
	}
	return emitted, nil
}
