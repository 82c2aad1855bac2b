package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/notify"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// notifyingStore publishes an ip_blocked event whenever an upsert leaves an
// entry at high or critical severity
type notifyingStore struct {
	Store
	pub notify.Publisher
	now func() time.Time
}

// WithNotifications wraps s so high-severity upserts are published to pub.
// Publish failures are logged and never fail the upsert.
func WithNotifications(s Store, pub notify.Publisher) Store {
	if pub == nil {
		return s
	}
	return &notifyingStore{Store: s, pub: pub, now: time.Now}
}

func (n *notifyingStore) Upsert(ctx context.Context, params models.BlockParams) (*models.BlockEntry, error) {
	entry, err := n.Store.Upsert(ctx, params)
	if err != nil {
		return nil, err
	}

	if entry.Severity.IsHighOrAbove() {
		if err := n.pub.Publish(ctx, notify.NewBlockEvent(entry, n.now())); err != nil {
			logger.Warn("Failed to publish block notification",
				zap.String("ip", entry.IP),
				zap.String("severity", string(entry.Severity)),
				zap.Error(err))
		}
	}

	return entry, nil
}
