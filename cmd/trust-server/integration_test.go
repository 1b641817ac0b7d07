//go:build integration

package main

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/attestation"
	"github.com/kubeflow/trust-ledger/pkg/ha"
	"github.com/kubeflow/trust-ledger/pkg/keys"
	"github.com/kubeflow/trust-ledger/pkg/remediation"
	"github.com/kubeflow/trust-ledger/pkg/store"
	"github.com/kubeflow/trust-ledger/pkg/trust"
)

const concurrency = 8

// setupPostgres starts a PostgreSQL container and migrates it the way the
// server does at startup.
func setupPostgres(t *testing.T) (*gorm.DB, *store.DBConfig, *services) {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("trust"),
		postgres.WithUsername("trust"),
		postgres.WithPassword("trust"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := store.DefaultDBConfig()
	cfg.Type = "postgres"
	cfg.DSN = dsn
	db, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	haCfg := ha.DefaultConfig()
	haCfg.MigrationLockEnabled = true

	// Two replicas migrating at once serialize on the advisory lock.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ha.NewMigrationLocker(db, haCfg).WithLock(ctx, func() error {
				return store.Migrate(ctx, db, cfg, log, allModels()...)
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	policy := &attestation.Policy{
		Version:             "v1",
		AllowedMeasurements: []string{"GOOD"},
		FreshnessWindow:     5 * time.Minute,
	}
	return db, cfg, buildServices(db, policy, log)
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	db, cfg, _ := setupPostgres(t)
	ctx := context.Background()

	var tables []string
	require.NoError(t, db.Raw(
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'").Scan(&tables).Error)
	for _, m := range allModels() {
		if tn, ok := m.(interface{ TableName() string }); ok {
			assert.Contains(t, tables, tn.TableName())
		}
	}
	assert.Contains(t, tables, "trust_schema_migrations")

	require.NoError(t, store.Migrate(ctx, db, cfg, nil, allModels()...))
}

func TestPostgresConcurrentRegistrationLeavesOneLiveKey(t *testing.T) {
	_, _, svc := setupPostgres(t)
	ctx := context.Background()
	digest := base64.StdEncoding.EncodeToString([]byte("digest"))
	sig := base64.StdEncoding.EncodeToString([]byte("sig"))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.keys.RegisterKey(ctx, keys.RegisterKeyInput{
				ProviderID:           "openai",
				AttestationDigest:    digest,
				AttestationSignature: sig,
				Actor:                "it",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := svc.keys.ListKeys(ctx, "openai", keys.StateActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	pending, err := svc.keys.ListKeys(ctx, "openai", keys.StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, concurrency-1)
}

func TestPostgresConcurrentEnsureStartsOneRun(t *testing.T) {
	_, _, svc := setupPostgres(t)
	ctx := context.Background()
	_, err := svc.orchestrator.Playbooks().Create(ctx, remediation.PlaybookInput{
		PlaybookKey:  "reimage",
		ExecutorType: "log",
	})
	require.NoError(t, err)

	results := make([]*remediation.EnsureResult, concurrency)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.orchestrator.Ensure(ctx, remediation.EnsureRequest{
				InstanceID:  "vm-1",
				PlaybookKey: "reimage",
				Actor:       "it",
			})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	started := 0
	runIDs := map[string]bool{}
	for _, res := range results {
		require.NotNil(t, res)
		if res.Started {
			started++
		}
		runIDs[res.Run.ID] = true
	}
	assert.Equal(t, 1, started)
	assert.Len(t, runIDs, 1)
}

func TestPostgresConcurrentTransitionsApplyOnce(t *testing.T) {
	_, _, svc := setupPostgres(t)
	ctx := context.Background()
	ledger := svc.processor.Ledger()

	res, err := ledger.RecordTransition(ctx, trust.TransitionInput{
		InstanceID:    "vm-1",
		CurrentStatus: attestation.StatusTrusted,
	})
	require.NoError(t, err)
	require.Equal(t, trust.TransitionApplied, res.Outcome)

	prev := attestation.StatusTrusted
	outcomes := make([]trust.TransitionOutcome, concurrency)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ledger.RecordTransition(ctx, trust.TransitionInput{
				InstanceID:     "vm-1",
				PreviousStatus: &prev,
				CurrentStatus:  attestation.StatusUntrusted,
			})
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == trust.TransitionApplied {
			applied++
		} else {
			assert.Equal(t, trust.TransitionPriorMismatch, o)
		}
	}
	assert.Equal(t, 1, applied)

	history, err := ledger.HistoryForInstance(ctx, "vm-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
