package keys

import (
	"context"
	"fmt"
	"time"
)

// Policy notes attached to provider key summaries.
const (
	NoteMissing             = "provider_key:missing"
	NoteNotActive           = "provider_key:not-active"
	NoteSignatureMissing    = "provider_key:attestation-signature-missing"
	NoteRotationOverdue     = "provider_key:rotation-overdue"
	NoteRotationApproaching = "provider_key:rotation-approaching"
	NoteRotationInProgress  = "provider_key:rotation-in-progress"
)

// ProviderKeyPolicySummary is the credential posture a scheduling policy
// reads. Once vetoed it stays vetoed for the evaluation.
type ProviderKeyPolicySummary struct {
	ProviderID string             `json:"providerId"`
	Key        *ProviderKeyRecord `json:"key,omitempty"`
	Notes      []string           `json:"notes"`
	Vetoed     bool               `json:"vetoed"`
}

// Note records an informational note.
func (p *ProviderKeyPolicySummary) Note(note string) {
	for _, n := range p.Notes {
		if n == note {
			return
		}
	}
	p.Notes = append(p.Notes, note)
}

// Veto records a note and vetoes the provider.
func (p *ProviderKeyPolicySummary) Veto(note string) {
	p.Note(note)
	p.Vetoed = true
}

// SummarizeForPolicy evaluates the live key of a provider.
func (s *Service) SummarizeForPolicy(ctx context.Context, providerID string) (*ProviderKeyPolicySummary, error) {
	summary := &ProviderKeyPolicySummary{ProviderID: providerID, Notes: []string{}}

	live, err := s.ListKeys(ctx, providerID, liveStates...)
	if err != nil {
		return nil, fmt.Errorf("failed to load live key: %w", err)
	}
	if len(live) == 0 {
		summary.Veto(NoteMissing)
		return summary, nil
	}

	key := live[0]
	for i := range live {
		if live[i].State == StateActive {
			key = live[i]
			break
		}
	}
	summary.Key = &key
	evaluateKey(summary, &key, s.now(), s.cfg.ApproachingWindow)
	return summary, nil
}

func evaluateKey(summary *ProviderKeyPolicySummary, key *ProviderKeyRecord, now time.Time, approaching time.Duration) {
	switch key.State {
	case StateActive:
	case StateRotating:
		summary.Note(NoteRotationInProgress)
	default:
		summary.Veto(NoteNotActive)
	}

	if len(key.AttestationSignature) == 0 {
		summary.Veto(NoteSignatureMissing)
	}

	if key.SLABreachedAt != nil {
		summary.Veto(NoteRotationOverdue)
	}
	if key.RotationDueAt != nil {
		switch {
		case !key.RotationDueAt.After(now):
			summary.Veto(NoteRotationOverdue)
		case key.RotationDueAt.Sub(now) <= approaching:
			summary.Note(NoteRotationApproaching)
		}
	}
}
