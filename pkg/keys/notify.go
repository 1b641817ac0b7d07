package keys

import (
	"context"
	"encoding/json"
	"log/slog"

	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/audit"
	"github.com/kubeflow/trust-ledger/pkg/store"
)

// Notifier receives the audit events of a committed mutation.
type Notifier interface {
	Notify(ctx context.Context, events []*audit.Event)
}

// NotifyChannel is the PostgreSQL channel key events are published on.
const NotifyChannel = "provider_key_events"

// PGNotifier publishes committed events with pg_notify. Delivery is best
// effort; the audit ledger stays the source of truth.
type PGNotifier struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewNotifier returns a PGNotifier for PostgreSQL and nil for other
// dialects.
func NewNotifier(db *gorm.DB, logger *slog.Logger) Notifier {
	if !store.IsPostgres(db) {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGNotifier{db: db, logger: logger}
}

type notification struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerId"`
	KeyID      string `json:"keyId,omitempty"`
	EventType  string `json:"eventType"`
	State      string `json:"state,omitempty"`
}

func (n *PGNotifier) Notify(ctx context.Context, events []*audit.Event) {
	for _, ev := range events {
		msg := notification{
			ID:         ev.ID,
			ProviderID: ev.ProviderID,
			EventType:  string(ev.EventType),
			State:      ev.PayloadState,
		}
		if ev.KeyID != nil {
			msg.KeyID = *ev.KeyID
		}
		body, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", NotifyChannel, string(body)).Error; err != nil {
			n.logger.Warn("failed to publish key event", "event", ev.ID, "error", err)
		}
	}
}
