// Package notify carries "IP blocked" events from the engine to whoever
// delivers alerts. It only routes events; delivery belongs to subscribers.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// EventIPBlocked is the type of a high-severity block event
const EventIPBlocked = "ip_blocked"

// Event is a block notification
type Event struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	IP        string             `json:"ip"`
	Reason    models.BlockReason `json:"reason"`
	Severity  models.Severity    `json:"severity"`
	Geo       *models.GeoInfo    `json:"geo,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewBlockEvent builds an ip_blocked event from an entry
func NewBlockEvent(entry *models.BlockEntry, now time.Time) Event {
	ev := Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      EventIPBlocked,
		IP:        entry.IP,
		Reason:    entry.Reason,
		Severity:  entry.Severity,
		Timestamp: now.UTC(),
	}
	if entry.Geo != nil {
		g := *entry.Geo
		ev.Geo = &g
	}
	return ev
}

// Publisher routes events to a delivery channel
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to several publishers
type Multi []Publisher

// Publish sends to every publisher and joins their errors
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
