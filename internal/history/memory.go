package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

type event struct {
	typ      string
	severity models.Severity
	at       time.Time
}

// MemoryLog keeps events in process memory
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]event
	now    func() time.Time
}

// NewMemoryLog creates an in-memory log. A nil clock uses time.Now.
func NewMemoryLog(clock func() time.Time) *MemoryLog {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLog{
		events: make(map[string][]event),
		now:    clock,
	}
}

// Record appends an event
func (l *MemoryLog) Record(_ context.Context, ip string, ev models.ViolationEvent) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = l.now()
	}

	l.mu.Lock()
	l.events[ip] = append(l.events[ip], event{typ: ev.Type, severity: ev.Severity, at: at})
	l.mu.Unlock()
	return nil
}

// Count returns the number of matching events at or after since
func (l *MemoryLog) Count(_ context.Context, ip string, since time.Time, types []string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, e := range l.events[ip] {
		if e.at.Before(since) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, e.typ) {
			continue
		}
		count++
	}
	return count, nil
}

// Severities returns event severities at or after since
func (l *MemoryLog) Severities(_ context.Context, ip string, since time.Time) ([]models.Severity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.Severity
	for _, e := range l.events[ip] {
		if !e.at.Before(since) {
			out = append(out, e.severity)
		}
	}
	return out, nil
}

// Prune drops events older than before
func (l *MemoryLog) Prune(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, events := range l.events {
		kept := events[:0]
		for _, e := range events {
			if e.at.Before(before) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(l.events, ip)
			continue
		}
		l.events[ip] = kept
	}
	return removed, nil
}

// Len returns the number of IPs with recorded events
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Close is a no-op
func (l *MemoryLog) Close() error {
	return nil
}
