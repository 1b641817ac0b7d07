package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

func TestReplaceInstancePosture(t *testing.T) {
	ctx := context.Background()
	s := NewPostureStore(setupTestDB(t))

	_, err := s.ReplaceInstancePosture(ctx, "vm-1", []PostureInput{
		{AcceleratorID: "gpu-1", AcceleratorType: "nvidia-h100", Posture: "compliant"},
		{AcceleratorID: "gpu-0", AcceleratorType: "nvidia-h100", Posture: "degraded", PolicyFeedback: []string{"cc-mode:off"}},
	})
	require.NoError(t, err)
	_, err = s.ReplaceInstancePosture(ctx, "vm-2", []PostureInput{{AcceleratorID: "gpu-0", Posture: "compliant"}})
	require.NoError(t, err)

	rows, err := s.ListForInstance(ctx, "vm-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "gpu-0", rows[0].AcceleratorID)
	assert.Equal(t, []string{"cc-mode:off"}, []string(rows[0].PolicyFeedback))
	assert.Empty(t, rows[1].PolicyFeedback)

	// The next cycle replaces the set wholesale.
	_, err = s.ReplaceInstancePosture(ctx, "vm-1", []PostureInput{
		{AcceleratorID: "gpu-0", Posture: "compliant", Metadata: map[string]any{"driver": "550"}},
	})
	require.NoError(t, err)
	rows, err = s.ListForInstance(ctx, "vm-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "compliant", rows[0].Posture)
	assert.Equal(t, "550", rows[0].Metadata["driver"])

	batch, err := s.ListForInstances(ctx, []string{"vm-1", "vm-2", "vm-3"})
	require.NoError(t, err)
	assert.Len(t, batch["vm-1"], 1)
	assert.Len(t, batch["vm-2"], 1)
	assert.Empty(t, batch["vm-3"])

	_, err = s.ReplaceInstancePosture(ctx, "vm-1", nil)
	require.NoError(t, err)
	rows, err = s.ListForInstance(ctx, "vm-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReplaceInstancePosture_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewPostureStore(setupTestDB(t))
	_, err := s.ReplaceInstancePosture(ctx, "vm-1", []PostureInput{{AcceleratorID: "gpu-0", Posture: "compliant"}})
	require.NoError(t, err)

	for _, entries := range [][]PostureInput{
		{{Posture: "compliant"}},
		{{AcceleratorID: "gpu-0"}},
		{{AcceleratorID: "gpu-0", Posture: "compliant"}, {AcceleratorID: " gpu-0 ", Posture: "degraded"}},
	} {
		_, err := s.ReplaceInstancePosture(ctx, "vm-1", entries)
		assert.ErrorIs(t, err, store.ErrValidation)
	}
	_, err = s.ReplaceInstancePosture(ctx, "", nil)
	assert.ErrorIs(t, err, store.ErrValidation)

	rows, err := s.ListForInstance(ctx, "vm-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "rejected replacements leave the previous set")
}
