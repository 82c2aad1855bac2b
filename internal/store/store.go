// Package store holds the durable blocking state: one entry per IP, with an
// optional CIDR range the entry also covers.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Store is the threat store contract. Implementations are safe for
// concurrent use and apply Lookup and Upsert atomically per IP.
type Store interface {
	// Lookup returns the effective entry matching ip exactly or by CIDR
	// containment. A match bumps lastActivity and blockedRequestCount.
	Lookup(ctx context.Context, ip string) (*models.BlockEntry, bool, error)
	// Get returns the entry keyed by ip without side effects
	Get(ctx context.Context, ip string) (*models.BlockEntry, error)
	// Upsert creates an entry or merges into the existing one
	Upsert(ctx context.Context, params models.BlockParams) (*models.BlockEntry, error)
	// Deactivate disables an entry and appends an audit note. It reports
	// false when no entry exists for ip.
	Deactivate(ctx context.Context, ip, reason, actor string) (bool, error)
	// SweepExpired deactivates temporary entries past their expiry
	SweepExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*models.BlockStats, error)
	List(ctx context.Context, filter models.ListFilter) (*models.EntryPage, error)
	// Active returns every currently effective entry
	Active(ctx context.Context) ([]*models.BlockEntry, error)
	Close() error
}

const (
	defaultActor        = "admin"
	defaultUnblockNote  = "manual unblock"
	topCountriesLimit   = 10
	recentlyAddedWindow = 24 * time.Hour
)

// normalizeParams canonicalizes and validates upsert input
func normalizeParams(p models.BlockParams) (models.BlockParams, error) {
	ip, err := iputil.Canonical(p.IP)
	if err != nil {
		return p, err
	}
	p.IP = ip

	if p.CIDRRange != "" {
		cidr, err := iputil.CanonicalPrefix(p.CIDRRange)
		if err != nil {
			return p, err
		}
		p.CIDRRange = cidr
	}

	if p.Reason == "" {
		p.Reason = models.ReasonAutomatedDetection
	} else if _, err := models.ParseBlockReason(string(p.Reason)); err != nil {
		return p, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	if p.Severity.Rank() == 0 {
		return p, fmt.Errorf("%w: unknown severity %q", models.ErrInvalidRequest, p.Severity)
	}

	if p.Duration != nil && *p.Duration < 0 {
		return p, fmt.Errorf("%w: negative duration", models.ErrInvalidRequest)
	}

	return p, nil
}

// unblockNote formats the audit note appended on deactivation
func unblockNote(at, actor, reason string) string {
	if actor == "" {
		actor = defaultActor
	}
	if reason == "" {
		reason = defaultUnblockNote
	}
	return fmt.Sprintf("[%s] Unblocked by %s: %s", at, actor, reason)
}
