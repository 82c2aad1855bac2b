package reputation

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/internal/cache"
	"github.com/lfrfrfr/beon-ipshield/internal/history"
	"github.com/lfrfrfr/beon-ipshield/internal/mmdb"
	"github.com/lfrfrfr/beon-ipshield/internal/scoring"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// mockSource returns a fixed score and counts calls
type mockSource struct {
	name  string
	score float64
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (m *mockSource) Name() string { return m.name }

func (m *mockSource) Score(ctx context.Context, _ netip.Addr) (float64, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return m.score, m.err
}

// stuckSource ignores cancellation
type stuckSource struct{ release chan struct{} }

func (s *stuckSource) Name() string { return "stuck" }

func (s *stuckSource) Score(context.Context, netip.Addr) (float64, error) {
	<-s.release
	return 0, nil
}

func TestEvaluateAggregatesWithBaseline(t *testing.T) {
	a := &mockSource{name: "a", score: 80}
	b := &mockSource{name: "b", score: 20}
	e := NewEvaluator([]Source{a, b}, nil, scoring.NewDefault(), Config{})

	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.Score, 1e-9)
	assert.False(t, got.ShouldBlock)
	assert.Equal(t, []string{"a", "b"}, got.Sources)
}

func TestEvaluateFailedSourceDropsItsVote(t *testing.T) {
	a := &mockSource{name: "a", score: 80}
	b := &mockSource{name: "b", score: 20}
	broken := &mockSource{name: "broken", err: errors.New("upstream 503")}
	empty := &mockSource{name: "empty", err: ErrNoData}
	e := NewEvaluator([]Source{a, broken, b, empty}, nil, scoring.NewDefault(), Config{})

	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.Score, 1e-9, "denominator is successes + 1")
	assert.Equal(t, []string{"a", "b"}, got.Sources)
}

func TestEvaluateBlocksLowTrust(t *testing.T) {
	bad := &mockSource{name: "bad", score: 0}
	worse := &mockSource{name: "worse", score: 10}
	e := NewEvaluator([]Source{bad, worse}, nil, scoring.NewDefault(), Config{})

	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got.Score, 1e-9)
	assert.True(t, got.ShouldBlock)
}

func TestEvaluateNoSourcesReturnsBaseline(t *testing.T) {
	c := cache.NewMemoryCache(time.Hour, nil)
	broken := &mockSource{name: "broken", err: errors.New("down")}
	e := NewEvaluator([]Source{broken}, c, scoring.NewDefault(), Config{})

	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Score)
	assert.False(t, got.ShouldBlock)
	assert.Empty(t, got.Sources)

	_, ok, _ := c.Get(context.Background(), "203.0.113.5")
	assert.False(t, ok, "a result without votes is not cached")
}

func TestEvaluateCacheHitSkipsSources(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	c := cache.NewMemoryCache(time.Hour, func() time.Time { return now })
	src := &mockSource{name: "a", score: 10}
	e := NewEvaluator([]Source{src}, c, scoring.NewDefault(), Config{})
	ctx := context.Background()

	first, err := e.Evaluate(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, first.Sources)

	second, err := e.Evaluate(ctx, "::ffff:203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, []string{CacheSourceName}, second.Sources)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.ShouldBlock, second.ShouldBlock)
	assert.Equal(t, int32(1), src.calls.Load(), "cache hit must not query sources")

	now = now.Add(time.Hour)
	third, err := e.Evaluate(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, third.Sources)
	assert.Equal(t, int32(2), src.calls.Load())

	require.NoError(t, e.Evict(ctx))
	_, err = e.Evaluate(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestEvaluateSourceTimeout(t *testing.T) {
	fast := &mockSource{name: "fast", score: 90}
	slow := &mockSource{name: "slow", score: 0, delay: time.Second}
	e := NewEvaluator([]Source{fast, slow}, nil, scoring.NewDefault(), Config{
		SourceTimeout:     20 * time.Millisecond,
		EvaluationTimeout: time.Second,
	})

	start := time.Now()
	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"fast"}, got.Sources)
	assert.InDelta(t, 70.0, got.Score, 1e-9)
}

func TestEvaluateAbandonsStuckSource(t *testing.T) {
	stuck := &stuckSource{release: make(chan struct{})}
	defer close(stuck.release)
	fast := &mockSource{name: "fast", score: 50}

	e := NewEvaluator([]Source{stuck, fast}, nil, scoring.NewDefault(), Config{
		SourceTimeout:     time.Second,
		EvaluationTimeout: 30 * time.Millisecond,
	})

	start := time.Now()
	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"fast"}, got.Sources)
}

func TestEvaluateRejectsInvalidIP(t *testing.T) {
	e := NewEvaluator(nil, nil, nil, Config{})
	_, err := e.Evaluate(context.Background(), "not-an-ip")
	assert.ErrorIs(t, err, models.ErrInvalidIP)
}

func TestEvaluateOutOfRangeScoreIgnored(t *testing.T) {
	odd := &mockSource{name: "odd", score: 250}
	e := NewEvaluator([]Source{odd}, nil, nil, Config{})
	got, err := e.Evaluate(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Empty(t, got.Sources)
	assert.Equal(t, 50.0, got.Score)
}

func TestHistorySource(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := history.NewMemoryLog(clock)
	ctx := context.Background()

	record := func(sev models.Severity, at time.Time) {
		require.NoError(t, log.Record(ctx, "203.0.113.5", models.ViolationEvent{Type: "xss_attempt", Severity: sev, Timestamp: at}))
	}
	record(models.SeverityCritical, now.Add(-time.Hour))
	record(models.SeverityHigh, now.Add(-2*time.Hour))
	record(models.SeverityLow, now.Add(-3*time.Hour))
	record(models.SeverityCritical, now.Add(-48*time.Hour))

	src := NewHistorySource(log, scoring.NewDefault(), 24*time.Hour, clock)
	score, err := src.Score(ctx, netip.MustParseAddr("203.0.113.5"))
	require.NoError(t, err)
	assert.Equal(t, 45.0, score) // 100 - 30 - 20 - 5

	score, err = src.Score(ctx, netip.MustParseAddr("198.51.100.1"))
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)
}

func TestStaticSource(t *testing.T) {
	src, err := NewStaticSource([]StaticEntry{
		{CIDR: "10.0.0.0/8", Score: 90},
		{CIDR: "10.6.6.6", Score: 0},
	})
	require.NoError(t, err)
	ctx := context.Background()

	score, err := src.Score(ctx, netip.MustParseAddr("10.6.6.6"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	score, err = src.Score(ctx, netip.MustParseAddr("10.1.1.1"))
	require.NoError(t, err)
	assert.Equal(t, 90.0, score)

	_, err = src.Score(ctx, netip.MustParseAddr("192.0.2.1"))
	assert.ErrorIs(t, err, ErrNoData)

	_, err = NewStaticSource([]StaticEntry{{CIDR: "10.0.0.0/99", Score: 1}})
	assert.ErrorIs(t, err, models.ErrInvalidCIDR)
	_, err = NewStaticSource([]StaticEntry{{CIDR: "10.0.0.1", Score: 101}})
	assert.Error(t, err)
}

func TestMMDBSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reputation.mmdb")
	_, err := mmdb.NewWriter(mmdb.ReputationWriterConfig()).WriteReputation([]mmdb.ReputationEntry{
		{Prefix: netip.MustParsePrefix("203.0.113.0/24"), RiskScore: 85, ThreatType: "botnet_c2"},
	}, path)
	require.NoError(t, err)

	reader, err := mmdb.NewReader(mmdb.Paths{Reputation: path})
	require.NoError(t, err)
	defer reader.Close()

	src := NewMMDBSource(reader, scoring.NewDefault())
	score, err := src.Score(context.Background(), netip.MustParseAddr("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, 15.0, score)

	_, err = src.Score(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.ErrorIs(t, err, ErrNoData)
}
