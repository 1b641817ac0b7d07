package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/keys"
	"github.com/kubeflow/trust-ledger/pkg/remediation"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// Remediation states recorded on transitions.
const (
	RemediationStarted         = "started"
	RemediationInProgress      = "in_progress"
	RemediationPendingApproval = "pending_approval"
	RemediationUnavailable     = "unavailable"
	RemediationDisabled        = "disabled"
)

const evaluatorActor = "system:trust-evaluator"

// Remediator starts remediation playbooks. *remediation.Orchestrator
// implements it.
type Remediator interface {
	Ensure(ctx context.Context, req remediation.EnsureRequest) (*remediation.EnsureResult, error)
}

// KeyRevoker revokes the provider keys bound to an instance. *keys.Service
// implements it.
type KeyRevoker interface {
	RevokeForInstance(ctx context.Context, instanceID, reason string) ([]keys.ProviderKeyRecord, error)
}

// SubmitInput is one evidence submission.
type SubmitInput struct {
	InstanceID string
	Evidence   json.RawMessage
	Signer     map[string]any
	// Nonce is the challenge the evidence must echo, when one was issued.
	Nonce *string
}

// RemediationSummary reports what the processor did about an untrusted
// attestation.
type RemediationSummary struct {
	State   string `json:"state"`
	RunID   string `json:"runId,omitempty"`
	Started bool   `json:"started"`
}

// SubmitResult is the result of Submit. Transition is nil when the status
// did not change.
type SubmitResult struct {
	Attestation *AttestationRecord  `json:"attestation"`
	Outcome     attestation.Outcome `json:"outcome"`
	Transition  *TransitionResult   `json:"transition,omitempty"`
	Remediation *RemediationSummary `json:"remediation,omitempty"`
	RevokedKeys []string            `json:"revokedKeys,omitempty"`
}

// Processor runs submitted evidence through normalization and evaluation,
// records the attestation and the resulting transition, and reacts to
// untrusted outcomes.
type Processor struct {
	attestations *AttestationStore
	ledger       *Ledger
	policy       *attestation.Policy
	cfg          *Config
	remediator   Remediator
	revoker      KeyRevoker
	logger       *slog.Logger
	now          func() time.Time
}

// NewProcessor creates a Processor. A nil policy uses
// attestation.DefaultPolicy and a nil cfg uses DefaultConfig.
func NewProcessor(db *gorm.DB, policy *attestation.Policy, cfg *Config, logger *slog.Logger) *Processor {
	if policy == nil {
		policy = attestation.DefaultPolicy()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		attestations: NewAttestationStore(db),
		ledger:       NewLedger(db),
		policy:       policy,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetRemediator installs r to start playbooks for untrusted instances.
func (p *Processor) SetRemediator(r Remediator) {
	p.remediator = r
}

// SetKeyRevoker installs r to revoke keys of terminally untrusted
// instances.
func (p *Processor) SetKeyRevoker(r KeyRevoker) {
	p.revoker = r
}

func (p *Processor) Attestations() *AttestationStore { return p.attestations }
func (p *Processor) Ledger() *Ledger                 { return p.ledger }

// Submit evaluates evidence for an instance. Malformed evidence is rejected
// before anything is written. The attestation row and any remediation run
// commit before the trust transition; when the transition gives up, the
// partial result is returned with the error.
func (p *Processor) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.InstanceID == "" {
		return nil, store.Validationf("instance id is required")
	}
	n, err := attestation.Normalize(in.Evidence)
	if err != nil {
		return nil, err
	}
	now := p.now()
	dc, err := p.policy.Context(now, in.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid trust policy: %w", err)
	}
	outcome := attestation.Evaluate(dc, n, p.policy.AllowedSet(), p.policy.FreshnessWindow)

	rec := &AttestationRecord{
		InstanceID:         in.InstanceID,
		Kind:               n.Kind,
		Status:             outcome.Status,
		Measurement:        n.Measurement,
		RawQuote:           n.RawQuote,
		Claims:             store.JSONRaw(n.Claims),
		Evidence:           store.JSONRaw(outcome.Evidence),
		SignerMetadata:     in.Signer,
		FreshnessExpiresAt: outcome.FreshnessDeadline,
		VerificationNotes:  outcome.Notes,
		RemediationNotes:   attestation.RemediationNotes(outcome.Status),
		VerifiedAt:         now,
	}
	if err := p.attestations.Insert(ctx, rec); err != nil {
		return nil, err
	}
	res := &SubmitResult{Attestation: rec, Outcome: outcome}

	var remediationState *string
	if outcome.Status == attestation.StatusUntrusted {
		res.Remediation, err = p.remediate(ctx, in.InstanceID, rec, outcome)
		if err != nil {
			return nil, err
		}
		remediationState = &res.Remediation.State
	}

	res.Transition, err = p.transition(ctx, rec, outcome, remediationState)
	if err != nil {
		return res, err
	}

	if outcome.Status == attestation.StatusUntrusted {
		res.RevokedKeys, err = p.revokeIfTerminal(ctx, in.InstanceID)
		if err != nil {
			return nil, err
		}
	}

	p.logger.Info("attestation evaluated", "instance", in.InstanceID, "attestation", rec.ID,
		"kind", rec.Kind, "status", outcome.Status, "changed", res.Transition != nil)
	return res, nil
}

// transition records the status change implied by outcome. The prior status
// is re-read on every attempt; a lost race is retried up to
// TransitionRetries times.
func (p *Processor) transition(ctx context.Context, rec *AttestationRecord, outcome attestation.Outcome, remediationState *string) (*TransitionResult, error) {
	reason := transitionReason(outcome)
	for attempt := 0; attempt < p.cfg.TransitionRetries; attempt++ {
		latest, err := p.ledger.LatestForInstance(ctx, rec.InstanceID)
		if err != nil {
			return nil, err
		}
		var prev *attestation.Status
		if latest != nil {
			if latest.CurrentStatus == outcome.Status {
				return nil, nil
			}
			prev = &latest.CurrentStatus
		}

		res, err := p.ledger.RecordTransition(ctx, TransitionInput{
			InstanceID:       rec.InstanceID,
			PreviousStatus:   prev,
			CurrentStatus:    outcome.Status,
			AttestationID:    &rec.ID,
			Reason:           &reason,
			RemediationState: remediationState,
			Metadata: map[string]any{
				"attestation_kind": string(rec.Kind),
				"policy_version":   p.policy.Version,
			},
		})
		if err != nil {
			return nil, err
		}
		if res.Outcome == TransitionApplied {
			return res, nil
		}
		p.logger.Debug("trust transition lost its prior status, retrying", "instance", rec.InstanceID, "attempt", attempt+1)
	}
	return nil, store.Conflictf("trust status of instance %s kept changing; gave up after %d attempts", rec.InstanceID, p.cfg.TransitionRetries)
}

// remediate starts the default playbook for an untrusted instance. A
// missing catalog entry is reported as unavailable rather than failing the
// submission.
func (p *Processor) remediate(ctx context.Context, instanceID string, rec *AttestationRecord, outcome attestation.Outcome) (*RemediationSummary, error) {
	if p.remediator == nil || p.cfg.DefaultPlaybook == "" {
		return &RemediationSummary{State: RemediationDisabled}, nil
	}
	ensured, err := p.remediator.Ensure(ctx, remediation.EnsureRequest{
		InstanceID:  instanceID,
		PlaybookKey: p.cfg.DefaultPlaybook,
		Payload: map[string]any{
			"attestation_id": rec.ID,
			"reason":         transitionReason(outcome),
			"notes":          outcome.Notes,
		},
		Actor: evaluatorActor,
	})
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("default remediation playbook is not in the catalog", "playbook", p.cfg.DefaultPlaybook, "instance", instanceID)
		return &RemediationSummary{State: RemediationUnavailable}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start remediation: %w", err)
	}

	summary := &RemediationSummary{RunID: ensured.Run.ID, Started: ensured.Started}
	switch {
	case ensured.Run.ApprovalState == remediation.ApprovalPending:
		summary.State = RemediationPendingApproval
	case ensured.Started:
		summary.State = RemediationStarted
	default:
		summary.State = RemediationInProgress
	}
	return summary, nil
}

// revokeIfTerminal revokes the keys bound to an instance whose last
// TerminalAfter attestations were all untrusted. Revocation is idempotent,
// so later untrusted attestations retry it harmlessly.
func (p *Processor) revokeIfTerminal(ctx context.Context, instanceID string) ([]string, error) {
	if p.revoker == nil || p.cfg.TerminalAfter <= 0 {
		return nil, nil
	}
	recent, err := p.attestations.ListForInstance(ctx, instanceID, p.cfg.TerminalAfter)
	if err != nil {
		return nil, err
	}
	if len(recent) < p.cfg.TerminalAfter {
		return nil, nil
	}
	for _, r := range recent {
		if r.Status != attestation.StatusUntrusted {
			return nil, nil
		}
	}

	revoked, err := p.revoker.RevokeForInstance(ctx, instanceID,
		fmt.Sprintf("runtime VM instance %s untrusted for %d consecutive attestations", instanceID, p.cfg.TerminalAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to revoke keys of instance %s: %w", instanceID, err)
	}
	ids := make([]string, 0, len(revoked))
	for _, k := range revoked {
		ids = append(ids, k.ID)
	}
	if len(ids) > 0 {
		p.logger.Warn("revoked keys of terminally untrusted instance", "instance", instanceID, "keys", ids)
	}
	return ids, nil
}

// transitionReason summarizes the failed checks of an outcome, or the
// verification note when it is trusted.
func transitionReason(outcome attestation.Outcome) string {
	if outcome.Status == attestation.StatusTrusted {
		return "attestation:verified"
	}
	var failed []string
	for _, n := range outcome.Notes {
		switch {
		case n == attestation.NoteStale,
			n == attestation.NoteMeasurementMissing,
			n == attestation.NoteNonceMismatch,
			n == attestation.NoteSignatureInvalid,
			strings.HasPrefix(n, "attestation:measurement:untrusted:"):
			failed = append(failed, n)
		}
	}
	if len(failed) == 0 {
		return "attestation:" + string(outcome.Status)
	}
	return strings.Join(failed, ",")
}
