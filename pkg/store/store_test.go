package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		status    int
		transient bool
	}{
		{"validation", Validationf("bad %s", "digest"), "validation", http.StatusBadRequest, false},
		{"not found", NotFoundf("key %s", "k1"), "not_found", http.StatusNotFound, false},
		{"conflict", Conflictf("already live"), "conflict", http.StatusConflict, false},
		{"wrapped conflict", fmt.Errorf("approve: %w", Conflictf("raced")), "conflict", http.StatusConflict, false},
		{"driver error", errors.New("connection refused"), "internal", http.StatusInternalServerError, true},
		{"deadline", context.DeadlineExceeded, "internal", http.StatusInternalServerError, true},
		{"cancelled", context.Canceled, "internal", http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
	assert.False(t, IsTransient(nil))
}

func TestErrorMessagesKeepDetail(t *testing.T) {
	err := Validationf("attestation_digest is not valid base64")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "validation failed: attestation_digest is not valid base64", err.Error())
}

func TestDBConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := DBConfigFromEnv()
		assert.Equal(t, "postgres", cfg.Type)
		assert.Equal(t, 20, cfg.MaxOpenConns)
		assert.Equal(t, 5, cfg.MaxIdleConns)
		assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("TRUST_DB_TYPE", "sqlite")
		t.Setenv("TRUST_DB_DSN", "file:trust.db")
		t.Setenv("TRUST_DB_MAX_OPEN_CONNS", "4")
		t.Setenv("TRUST_DB_MAX_IDLE_CONNS", "0")
		t.Setenv("TRUST_DB_CONN_MAX_LIFETIME", "5m")
		cfg := DBConfigFromEnv()
		assert.Equal(t, "sqlite", cfg.Type)
		assert.Equal(t, "file:trust.db", cfg.DSN)
		assert.Equal(t, 4, cfg.MaxOpenConns)
		assert.Equal(t, 0, cfg.MaxIdleConns)
		assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	})

	t.Run("malformed values keep defaults", func(t *testing.T) {
		t.Setenv("TRUST_DB_MAX_OPEN_CONNS", "many")
		t.Setenv("TRUST_DB_CONN_MAX_LIFETIME", "-1s")
		cfg := DBConfigFromEnv()
		assert.Equal(t, 20, cfg.MaxOpenConns)
		assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	})
}

func TestOpen(t *testing.T) {
	t.Run("missing dsn", func(t *testing.T) {
		_, err := Open(&DBConfig{Type: "sqlite"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DSN is required")
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := Open(&DBConfig{Type: "oracle", DSN: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported database type")
	})

	t.Run("invalid mysql dsn", func(t *testing.T) {
		_, err := Open(&DBConfig{Type: "mysql", DSN: "not a dsn"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid mysql DSN")
	})

	t.Run("sqlite in memory", func(t *testing.T) {
		cfg := DefaultDBConfig()
		cfg.Type = "sqlite"
		cfg.DSN = ":memory:"
		db, err := Open(cfg)
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		defer sqlDB.Close()

		assert.True(t, IsSQLite(db))
		assert.False(t, IsPostgres(db))
		assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
		assert.Same(t, db, ForUpdate(db), "sqlite has no row locks")
	})
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := normalizeMySQLDSN("trust:secret@tcp(mysql:3306)/trust")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "tcp(mysql:3306)/trust")
}

type migrateProbe struct {
	ID   string `gorm:"primaryKey"`
	Note string
}

func TestMigrateAutoMigratesNonPostgres(t *testing.T) {
	db, err := Open(&DBConfig{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)

	require.NoError(t, Migrate(context.Background(), db, nil, nil, &migrateProbe{}))
	assert.True(t, db.Migrator().HasTable(&migrateProbe{}))

	// Running again is a no-op.
	require.NoError(t, Migrate(context.Background(), db, nil, nil, &migrateProbe{}))
}

func TestJSONMap(t *testing.T) {
	v, err := JSONMap{"runId": "r1"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"runId":"r1"}`, v.(string))

	v, err = JSONMap(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"attempt":2}`)))
	assert.Equal(t, float64(2), m["attempt"])
	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)
	assert.Error(t, m.Scan(42))
}

func TestJSONStringSlice(t *testing.T) {
	var s JSONStringSlice
	require.NoError(t, s.Scan(`["attestation:fresh","attestation:kind:tpm"]`))
	assert.Equal(t, JSONStringSlice{"attestation:fresh", "attestation:kind:tpm"}, s)

	v, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, `["attestation:fresh","attestation:kind:tpm"]`, v)
}

func TestJSONRaw(t *testing.T) {
	var r JSONRaw
	require.NoError(t, r.Scan(`{"final_state":"active"}`))

	out, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"final_state":"active"}`, string(out))

	empty, err := JSONRaw(nil).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))

	v, err := JSONRaw(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
