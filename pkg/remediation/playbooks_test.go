package remediation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

func createPlaybook(t *testing.T, s *PlaybookStore, key string, approval bool) *Playbook {
	t.Helper()
	pb, err := s.Create(context.Background(), PlaybookInput{
		PlaybookKey:      key,
		DisplayName:      "Reimage node",
		ExecutorType:     "ansible",
		OwnerID:          "team-sre",
		ApprovalRequired: approval,
		SLA:              30 * time.Minute,
	})
	require.NoError(t, err)
	return pb
}

func TestPlaybookCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewPlaybookStore(setupTestDB(t))

	pb := createPlaybook(t, s, "reimage", true)
	assert.Equal(t, int64(1), pb.Version)
	assert.Equal(t, 30*time.Minute, pb.SLA())

	got, err := s.GetByKey(ctx, "reimage")
	require.NoError(t, err)
	assert.Equal(t, pb.ID, got.ID)
	assert.True(t, got.ApprovalRequired)

	_, err = s.Create(ctx, PlaybookInput{PlaybookKey: "reimage", ExecutorType: "ansible"})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetByKey(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlaybookCreateValidation(t *testing.T) {
	s := NewPlaybookStore(setupTestDB(t))
	for _, in := range []PlaybookInput{
		{ExecutorType: "ansible"},
		{PlaybookKey: "reimage"},
		{PlaybookKey: "reimage", ExecutorType: "ansible", SLA: -time.Second},
	} {
		_, err := s.Create(context.Background(), in)
		assert.ErrorIs(t, err, store.ErrValidation)
	}
}

func TestPlaybookUpdateCAS(t *testing.T) {
	ctx := context.Background()
	s := NewPlaybookStore(setupTestDB(t))
	pb := createPlaybook(t, s, "reimage", false)

	approval := true
	sla := time.Hour
	res, err := s.Update(ctx, pb.ID, 1, PlaybookPatch{ApprovalRequired: &approval, SLA: &sla})
	require.NoError(t, err)
	assert.Equal(t, CASUpdated, res.Outcome)
	require.NotNil(t, res.Playbook)
	assert.Equal(t, int64(2), res.Playbook.Version)
	assert.True(t, res.Playbook.ApprovalRequired)
	assert.Equal(t, time.Hour, res.Playbook.SLA())
	assert.Equal(t, "Reimage node", res.Playbook.DisplayName, "unpatched fields are kept")

	name := "stale writer"
	res, err = s.Update(ctx, pb.ID, 1, PlaybookPatch{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, CASVersionMismatch, res.Outcome)
	assert.Nil(t, res.Playbook)

	got, err := s.Get(ctx, pb.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reimage node", got.DisplayName, "mismatched update must not overwrite")

	res, err = s.Update(ctx, "missing", 1, PlaybookPatch{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, CASNotFound, res.Outcome)

	empty := " "
	_, err = s.Update(ctx, pb.ID, 2, PlaybookPatch{ExecutorType: &empty})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestPlaybookDeleteCAS(t *testing.T) {
	ctx := context.Background()
	s := NewPlaybookStore(setupTestDB(t))
	pb := createPlaybook(t, s, "reimage", false)

	outcome, err := s.Delete(ctx, pb.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, CASVersionMismatch, outcome)

	outcome, err = s.Delete(ctx, pb.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, CASUpdated, outcome)

	outcome, err = s.Delete(ctx, pb.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, CASNotFound, outcome)
}

func TestPlaybookSeedFromFile(t *testing.T) {
	ctx := context.Background()
	s := NewPlaybookStore(setupTestDB(t))
	createPlaybook(t, s, "reimage", true)

	path := filepath.Join(t.TempDir(), "playbooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
playbooks:
  - key: reimage
    executorType: argo
  - key: drain-node
    displayName: Drain node
    executorType: argo
    sla: 15m
    metadata:
      queue: gpu
`), 0o600))

	created, err := s.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = s.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, created, "seeding is idempotent")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "drain-node", list[0].PlaybookKey)
	assert.Equal(t, 15*time.Minute, list[0].SLA())
	assert.Equal(t, "gpu", list[0].Metadata["queue"])
	assert.Equal(t, "ansible", list[1].ExecutorType, "existing playbook is not overwritten")

	_, err = s.SeedFromFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
