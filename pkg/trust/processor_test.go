package trust

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/jobs"
	"github.com/kubeflow/trust-ledger/pkg/keys"
	"github.com/kubeflow/trust-ledger/pkg/remediation"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

func testPolicy() *attestation.Policy {
	return &attestation.Policy{
		Version:             "v1",
		AllowedMeasurements: []string{"GOOD"},
		FreshnessWindow:     5 * time.Minute,
	}
}

func sevEvidence(t *testing.T, measurement string, age time.Duration) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"amd_sev_snp": map[string]any{
			"measurement": measurement,
			"timestamp":   testNow.Add(-age).Format(time.RFC3339),
			"raw":         base64.StdEncoding.EncodeToString([]byte("quote")),
		},
	})
	require.NoError(t, err)
	return raw
}

func newTestProcessor(t *testing.T, cfg *Config) (*Processor, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	p := NewProcessor(db, testPolicy(), cfg, nil)
	p.now = tickingClock()
	p.ledger.now = tickingClock()
	return p, db
}

type fakeRemediator struct {
	calls []remediation.EnsureRequest
	err   error
}

func (f *fakeRemediator) Ensure(_ context.Context, req remediation.EnsureRequest) (*remediation.EnsureResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &remediation.EnsureResult{
		Started: len(f.calls) == 1,
		Run:     &remediation.RemediationRun{ID: "run-1", ApprovalState: remediation.ApprovalAuto},
	}, nil
}

func TestSubmit_TrustedThenUnchanged(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t, nil)

	res, err := p.Submit(ctx, SubmitInput{
		InstanceID: "vm-1",
		Evidence:   sevEvidence(t, "good", time.Minute),
		Signer:     map[string]any{"issuer": "amd"},
	})
	require.NoError(t, err)
	assert.Equal(t, attestation.StatusTrusted, res.Outcome.Status)
	assert.Equal(t, attestation.StatusTrusted, res.Attestation.Status)
	assert.Equal(t, "good", *res.Attestation.Measurement)
	assert.Equal(t, []byte("quote"), res.Attestation.RawQuote)
	assert.NotNil(t, res.Attestation.FreshnessExpiresAt)
	assert.Equal(t, []string{"remediation:none"}, []string(res.Attestation.RemediationNotes))
	require.NotNil(t, res.Transition)
	assert.Equal(t, TransitionApplied, res.Transition.Outcome)
	assert.Nil(t, res.Transition.Event.PreviousStatus)
	assert.Equal(t, res.Attestation.ID, *res.Transition.Event.AttestationID)
	assert.Equal(t, "attestation:verified", *res.Transition.Event.Reason)
	assert.Nil(t, res.Remediation)

	again, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "good", 0)})
	require.NoError(t, err)
	assert.Nil(t, again.Transition, "an unchanged status records no transition")

	history, err := p.Ledger().HistoryForInstance(ctx, "vm-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	records, err := p.Attestations().ListForInstance(ctx, "vm-1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2, "every submission is recorded")
}

func TestSubmit_StaleStartsRemediation(t *testing.T) {
	ctx := context.Background()
	p, db := newTestProcessor(t, &Config{DefaultPlaybook: "reimage", TransitionRetries: 3})
	js := jobs.NewJobStore(db)
	orch := remediation.NewOrchestrator(db, js, nil)
	p.SetRemediator(orch)
	_, err := orch.Playbooks().Create(ctx, remediation.PlaybookInput{PlaybookKey: "reimage", ExecutorType: "ansible"})
	require.NoError(t, err)

	_, err = p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "good", 0)})
	require.NoError(t, err)

	res, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "good", 10*time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, attestation.StatusUntrusted, res.Outcome.Status)
	assert.Contains(t, res.Outcome.Notes, attestation.NoteStale)
	require.NotNil(t, res.Remediation)
	assert.Equal(t, RemediationStarted, res.Remediation.State)
	assert.True(t, res.Remediation.Started)

	require.NotNil(t, res.Transition)
	event := res.Transition.Event
	assert.Equal(t, attestation.StatusTrusted, *event.PreviousStatus)
	assert.Equal(t, attestation.StatusUntrusted, event.CurrentStatus)
	assert.Equal(t, RemediationStarted, *event.RemediationState)
	assert.Equal(t, attestation.NoteStale, *event.Reason)

	run, err := orch.Runs().ActiveRunForInstance(ctx, "vm-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, res.Remediation.RunID, run.ID)
	assert.Equal(t, evaluatorActor, run.RequestedBy)
	assert.Equal(t, res.Attestation.ID, run.Payload["attestation_id"])
	require.NotNil(t, run.JobID)

	again, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Equal(t, RemediationInProgress, again.Remediation.State)
	assert.False(t, again.Remediation.Started)
	assert.Equal(t, run.ID, again.Remediation.RunID)
	assert.Nil(t, again.Transition)
}

func TestSubmit_RemediationStates(t *testing.T) {
	ctx := context.Background()

	p, _ := newTestProcessor(t, nil)
	res, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Equal(t, RemediationDisabled, res.Remediation.State)
	assert.Nil(t, res.Transition.Event.PreviousStatus)

	p, db := newTestProcessor(t, &Config{DefaultPlaybook: "missing", TransitionRetries: 1})
	p.SetRemediator(remediation.NewOrchestrator(db, nil, nil))
	res, err = p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Equal(t, RemediationUnavailable, res.Remediation.State)
	assert.Equal(t, RemediationUnavailable, *res.Transition.Event.RemediationState)

	p, db = newTestProcessor(t, &Config{DefaultPlaybook: "gated", TransitionRetries: 1})
	orch := remediation.NewOrchestrator(db, nil, nil)
	p.SetRemediator(orch)
	_, err = orch.Playbooks().Create(ctx, remediation.PlaybookInput{PlaybookKey: "gated", ExecutorType: "ansible", ApprovalRequired: true})
	require.NoError(t, err)
	res, err = p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Equal(t, RemediationPendingApproval, res.Remediation.State)
}

func TestSubmit_RemediatorErrorIsReturned(t *testing.T) {
	p, _ := newTestProcessor(t, &Config{DefaultPlaybook: "reimage", TransitionRetries: 1})
	p.SetRemediator(&fakeRemediator{err: errors.New("database is down")})

	_, err := p.Submit(context.Background(), SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))

	current, err := p.Ledger().CurrentStatus(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, attestation.StatusUnknown, current)
}

func TestSubmit_TerminalUntrustedRevokesKeys(t *testing.T) {
	ctx := context.Background()
	p, db := newTestProcessor(t, &Config{TerminalAfter: 2, TransitionRetries: 3})
	svc := keys.NewService(db, audit.NewLedger(db, nil), nil, nil)
	p.SetKeyRevoker(svc)

	key, err := svc.RegisterKey(ctx, keys.RegisterKeyInput{
		ProviderID:           "openai",
		AttestationDigest:    base64.StdEncoding.EncodeToString([]byte("digest")),
		AttestationSignature: base64.StdEncoding.EncodeToString([]byte("sig")),
		Actor:                "user:alice",
	})
	require.NoError(t, err)
	_, err = svc.AttachBinding(ctx, keys.BindingInput{
		ProviderID: "openai", KeyID: key.ID, BindingType: keys.BindingTypeRuntimeVM, BindingRef: "vm-1",
	})
	require.NoError(t, err)

	first, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Empty(t, first.RevokedKeys, "one untrusted attestation is not terminal")

	second, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Equal(t, []string{key.ID}, second.RevokedKeys)

	revoked, err := svc.GetKey(ctx, "openai", key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StateRetired, revoked.State)

	third, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Empty(t, third.RevokedKeys, "bindings were revoked with the key")
}

func TestSubmit_TrustedAttestationBreaksStreak(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t, &Config{TerminalAfter: 2, TransitionRetries: 3})
	revoker := &countingRevoker{}
	p.SetKeyRevoker(revoker)

	for _, m := range []string{"bad", "good", "bad"} {
		_, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, m, 0)})
		require.NoError(t, err)
	}
	assert.Zero(t, revoker.calls)

	_, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "bad", 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, revoker.calls)
}

type countingRevoker struct{ calls int }

func (c *countingRevoker) RevokeForInstance(context.Context, string, string) ([]keys.ProviderKeyRecord, error) {
	c.calls++
	return nil, nil
}

func TestSubmit_MalformedEvidenceWritesNothing(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProcessor(t, nil)

	_, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: json.RawMessage(`{"tdx_quote":{"raw":"%%%"}}`)})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = p.Submit(ctx, SubmitInput{Evidence: sevEvidence(t, "good", 0)})
	assert.ErrorIs(t, err, store.ErrValidation)

	records, err := p.Attestations().ListForInstance(ctx, "vm-1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSubmit_UnknownKindIsUntrusted(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	res, err := p.Submit(context.Background(), SubmitInput{InstanceID: "vm-1", Evidence: json.RawMessage(`{"vendor":"acme"}`)})
	require.NoError(t, err)
	assert.Equal(t, attestation.KindUnknown, res.Attestation.Kind)
	assert.Equal(t, attestation.StatusUntrusted, res.Outcome.Status)
}

func TestSubmit_TransitionRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	p, db := newTestProcessor(t, &Config{TransitionRetries: 2})

	// A state row without any event makes every "first transition" lose.
	require.NoError(t, db.Create(&TrustState{
		InstanceID: "vm-1", Status: attestation.StatusUnknown, Version: 1, UpdatedAt: testNow,
	}).Error)

	res, err := p.Submit(ctx, SubmitInput{InstanceID: "vm-1", Evidence: sevEvidence(t, "good", 0)})
	assert.ErrorIs(t, err, store.ErrConflict)

	// The attestation is already stored and comes back with the conflict.
	require.NotNil(t, res)
	assert.Nil(t, res.Transition)
	stored, err := p.Attestations().Get(ctx, res.Attestation.ID)
	require.NoError(t, err)
	assert.Equal(t, attestation.StatusTrusted, stored.Status)
}

func TestTransitionReason(t *testing.T) {
	assert.Equal(t, "attestation:verified", transitionReason(attestation.Outcome{Status: attestation.StatusTrusted}))
	assert.Equal(t, "attestation:measurement:untrusted:x,attestation:stale", transitionReason(attestation.Outcome{
		Status: attestation.StatusUntrusted,
		Notes:  []string{"attestation:kind:tpm", "attestation:measurement:untrusted:x", attestation.NoteStale},
	}))
	assert.Equal(t, "attestation:untrusted", transitionReason(attestation.Outcome{Status: attestation.StatusUntrusted}))
}
