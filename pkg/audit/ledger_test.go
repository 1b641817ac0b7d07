package audit

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// liveKey mirrors the columns of the key table the state filter joins.
type liveKey struct {
	ID    string `gorm:"primaryKey;column:id"`
	State string `gorm:"column:state"`
}

func (liveKey) TableName() string { return liveKeyTable }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Event{}, &liveKey{}))
	return db
}

func appendEvent(t *testing.T, l *Ledger, provider, key string, p Payload, at time.Time) *Event {
	t.Helper()
	ev, err := NewEvent(provider, &key, p, at)
	require.NoError(t, err)
	require.NoError(t, l.Append(nil, ev))
	return ev
}

func TestAppend_RejectsUnknownType(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	ev, err := NewEvent("prov", nil, UnrecognizedPayload{Type: "something_new", Raw: []byte(`{}`)}, time.Now())
	require.NoError(t, err)
	assert.Error(t, l.Append(nil, ev))
}

func TestQuery_NewestFirstWithLimit(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		appendEvent(t, l, "prov", "key-1", RuntimeVetoPayload{Reason: "r"}, base.Add(time.Duration(i)*time.Minute))
	}
	appendEvent(t, l, "other", "key-9", RuntimeVetoPayload{Reason: "r"}, base)

	events, err := l.Query(context.Background(), Filter{ProviderID: "prov", Limit: 3})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].OccurredAt.After(events[1].OccurredAt))
	assert.True(t, events[1].OccurredAt.After(events[2].OccurredAt))
	for _, ev := range events {
		assert.Equal(t, "prov", ev.ProviderID)
	}
}

func TestQuery_SameInstantOrderedBySeq(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	at := time.Now().Truncate(time.Second)
	for i, p := range []Payload{
		RevocationInitiatedPayload{Immediate: true, State: "compromised"},
		RevocationCompletedPayload{FinalState: "retired"},
	} {
		key := "key-1"
		ev, err := NewEvent("prov", &key, p, at)
		require.NoError(t, err)
		ev.Seq = i
		require.NoError(t, l.Append(nil, ev))
	}

	events, err := l.Query(context.Background(), Filter{ProviderID: "prov"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].OccurredAt.Equal(events[1].OccurredAt))
	assert.Equal(t, EventRevocationCompleted, events[0].EventType)
	assert.Equal(t, EventRevocationInitiated, events[1].EventType)
}

func TestQuery_RequiresProvider(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	_, err := l.Query(context.Background(), Filter{})
	assert.Error(t, err)
}

func TestQuery_StateMatchesLiveOrPayload(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, nil)
	now := time.Now()

	// key-a is live in "active" and its registration recorded "active".
	require.NoError(t, db.Create(&liveKey{ID: "key-a", State: "active"}).Error)
	appendEvent(t, l, "prov", "key-a", RegisteredPayload{FinalState: "active"}, now.Add(-3*time.Minute))

	// key-b was active once and is retired now.
	require.NoError(t, db.Create(&liveKey{ID: "key-b", State: "retired"}).Error)
	appendEvent(t, l, "prov", "key-b", RegisteredPayload{FinalState: "active"}, now.Add(-2*time.Minute))
	appendEvent(t, l, "prov", "key-b", RetiredPayload{FinalState: "retired"}, now.Add(-time.Minute))

	// A veto on key-a records no state but matches through the live row.
	appendEvent(t, l, "prov", "key-a", RuntimeVetoPayload{Reason: "policy"}, now)

	active, err := l.Query(context.Background(), Filter{ProviderID: "prov", State: "active"})
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, EventRuntimeVeto, active[0].EventType)

	retired, err := l.Query(context.Background(), Filter{ProviderID: "prov", State: "retired"})
	require.NoError(t, err)
	require.Len(t, retired, 2)
	for _, ev := range retired {
		assert.Equal(t, "key-b", *ev.KeyID)
	}
}

func TestQuery_KeyAndTimeRange(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	appendEvent(t, l, "prov", "key-1", RuntimeVetoPayload{Reason: "a"}, base)
	appendEvent(t, l, "prov", "key-1", RuntimeVetoPayload{Reason: "b"}, base.Add(time.Hour))
	appendEvent(t, l, "prov", "key-2", RuntimeVetoPayload{Reason: "c"}, base.Add(time.Hour))

	since := base.Add(30 * time.Minute)
	events, err := l.Query(context.Background(), Filter{ProviderID: "prov", KeyID: "key-1", Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 1)
	p, err := events[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "b", p.(RuntimeVetoPayload).Reason)

	until := base.Add(10 * time.Minute)
	events, err = l.Query(context.Background(), Filter{ProviderID: "prov", Until: &until})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGetAndCountForKey(t *testing.T) {
	l := NewLedger(setupTestDB(t), nil)
	ev := appendEvent(t, l, "prov", "key-1", CompromisedPayload{FinalState: "compromised"}, time.Now())

	got, err := l.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "compromised", got.PayloadState)

	missing, err := l.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := l.CountForKey(context.Background(), "key-1", EventCompromised)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
