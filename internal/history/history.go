// Package history records violation events per IP and answers windowed
// queries over them. It backs rule thresholds and the internal reputation
// source.
package history

import (
	"context"
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Log is an append-only violation event log
type Log interface {
	// Record appends an event for ip. A zero timestamp is stamped with now.
	Record(ctx context.Context, ip string, ev models.ViolationEvent) error
	// Count returns the number of events for ip at or after since. A
	// non-empty types restricts the count to those event types.
	Count(ctx context.Context, ip string, since time.Time, types []string) (int, error)
	// Severities returns the severities of events for ip at or after since
	Severities(ctx context.Context, ip string, since time.Time) ([]models.Severity, error)
	// Prune drops events older than before and returns how many were removed
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
