// Package reputation aggregates per-IP trust scores from independent
// sources.
package reputation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/lfrfrfr/beon-ipshield/internal/history"
	"github.com/lfrfrfr/beon-ipshield/internal/mmdb"
	"github.com/lfrfrfr/beon-ipshield/internal/scoring"
	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
)

// ErrNoData is returned by a source that knows nothing about an address.
// Such a source casts no vote.
var ErrNoData = errors.New("no reputation data")

// Source produces a 0-100 trust score for an address. Higher is more
// trusted. Implementations must honor ctx cancellation.
type Source interface {
	Name() string
	Score(ctx context.Context, ip netip.Addr) (float64, error)
}

// HistorySource scores an address from its own recent violation severities
type HistorySource struct {
	log    history.Log
	scorer *scoring.Scorer
	window time.Duration
	now    func() time.Time
}

// NewHistorySource creates a source over the violation log
func NewHistorySource(log history.Log, scorer *scoring.Scorer, window time.Duration, clock func() time.Time) *HistorySource {
	if clock == nil {
		clock = time.Now
	}
	if scorer == nil {
		scorer = scoring.NewDefault()
	}
	return &HistorySource{log: log, scorer: scorer, window: window, now: clock}
}

func (s *HistorySource) Name() string { return "history" }

func (s *HistorySource) Score(ctx context.Context, ip netip.Addr) (float64, error) {
	sevs, err := s.log.Severities(ctx, ip.String(), s.now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("failed to read violation history: %w", err)
	}
	return float64(s.scorer.TrustFromSeverities(sevs)), nil
}

// ReputationDB is the reputation lookup of an MMDB reader
type ReputationDB interface {
	LookupReputation(ip netip.Addr) (*mmdb.ReputationRecord, bool, error)
}

// MMDBSource scores an address from the reputation MMDB risk score
type MMDBSource struct {
	db     ReputationDB
	scorer *scoring.Scorer
}

// NewMMDBSource creates a source over the reputation database
func NewMMDBSource(db ReputationDB, scorer *scoring.Scorer) *MMDBSource {
	if scorer == nil {
		scorer = scoring.NewDefault()
	}
	return &MMDBSource{db: db, scorer: scorer}
}

func (s *MMDBSource) Name() string { return "mmdb" }

func (s *MMDBSource) Score(ctx context.Context, ip netip.Addr) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rec, found, err := s.db.LookupReputation(ip)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNoData
	}
	return s.scorer.InvertRisk(rec.RiskScore), nil
}

// StaticEntry pins the trust score of an address or range
type StaticEntry struct {
	CIDR  string
	Score float64
}

type staticPrefix struct {
	prefix netip.Prefix
	score  float64
}

// StaticSource serves operator-configured scores. The most specific
// matching range wins.
type StaticSource struct {
	prefixes []staticPrefix
}

// NewStaticSource validates and indexes entries
func NewStaticSource(entries []StaticEntry) (*StaticSource, error) {
	prefixes := make([]staticPrefix, 0, len(entries))
	for _, e := range entries {
		prefix, err := iputil.ParsePrefix(e.CIDR)
		if err != nil {
			return nil, err
		}
		if e.Score < 0 || e.Score > 100 {
			return nil, fmt.Errorf("static score for %s must be within 0-100", e.CIDR)
		}
		prefixes = append(prefixes, staticPrefix{prefix: prefix.Masked(), score: e.Score})
	}
	slices.SortStableFunc(prefixes, func(a, b staticPrefix) int {
		return cmp.Compare(b.prefix.Bits(), a.prefix.Bits())
	})
	return &StaticSource{prefixes: prefixes}, nil
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Score(_ context.Context, ip netip.Addr) (float64, error) {
	for _, p := range s.prefixes {
		if p.prefix.Contains(ip) {
			return p.score, nil
		}
	}
	return 0, ErrNoData
}

// Len returns the number of configured entries
func (s *StaticSource) Len() int {
	return len(s.prefixes)
}
