package blocker

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/internal/cache"
	"github.com/lfrfrfr/beon-ipshield/internal/geo"
	"github.com/lfrfrfr/beon-ipshield/internal/history"
	"github.com/lfrfrfr/beon-ipshield/internal/reputation"
	"github.com/lfrfrfr/beon-ipshield/internal/rules"
	"github.com/lfrfrfr/beon-ipshield/internal/store"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeResolver struct {
	countries map[string]string
	calls     int
}

func (r *fakeResolver) LookupGeo(ip netip.Addr) (*models.GeoInfo, error) {
	r.calls++
	c, ok := r.countries[ip.String()]
	if !ok {
		return nil, nil
	}
	return &models.GeoInfo{Country: c}, nil
}

type harness struct {
	clock    *testClock
	store    *store.MemoryStore
	log      *history.MemoryLog
	engine   *rules.Engine
	resolver *fakeResolver
	svc      *Service
}

func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:    clock,
		store:    store.NewMemoryStore(clock.Now),
		log:      history.NewMemoryLog(clock.Now),
		resolver: &fakeResolver{countries: map[string]string{"203.0.113.50": "KP", "198.51.100.20": "DE"}},
	}
	if st == nil {
		st = h.store
	}

	h.engine = rules.NewEngine(h.log, st, rules.WithClock(clock.Now), rules.WithGeoResolver(ResolverFunc(h.resolver)))
	for _, r := range rules.DefaultRules() {
		require.NoError(t, h.engine.AddRule(r))
	}

	table := geo.NewTable(geo.DefaultRiskScore, clock.Now)
	table.Set("RU", 85, []string{"botnet"})
	geoEval := geo.NewEvaluator(table, geo.Config{SanctionedCountries: []string{"KP"}})

	rep := reputation.NewEvaluator(
		[]reputation.Source{reputation.NewHistorySource(h.log, nil, 24*time.Hour, clock.Now)},
		cache.NewMemoryCache(time.Hour, clock.Now), nil, reputation.DefaultConfig())

	h.svc = New(st, h.engine, geoEval, rep, WithResolver(h.resolver), WithCheckTimeout(50*time.Millisecond))
	return h
}

func TestReportViolationBlocksAndIsBlocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ip := "198.51.100.20"

	for i := 0; i < 2; i++ {
		d, err := h.svc.ReportViolation(ctx, ip, models.ViolationEvent{Type: rules.EventSQLInjection, Severity: models.SeverityHigh})
		require.NoError(t, err)
		assert.False(t, d.Blocked)
		h.clock.Advance(time.Minute)
	}
	assert.False(t, h.svc.IsBlocked(ctx, ip).Blocked)

	d, err := h.svc.ReportViolation(ctx, ip, models.ViolationEvent{Type: rules.EventSQLInjection, Severity: models.SeverityHigh})
	require.NoError(t, err)
	require.True(t, d.Blocked)
	assert.Equal(t, "security_violations", d.Rule.ID)

	res := h.svc.IsBlocked(ctx, ip)
	require.True(t, res.Blocked)
	assert.Equal(t, string(models.ReasonSecurityViolation), res.Reason)
	require.NotNil(t, res.Entry.Geo)
	assert.Equal(t, "DE", res.Entry.Geo.Country)
	assert.Equal(t, int64(1), res.Entry.BlockedRequestCount)

	// the block expires after the rule's 240 minutes
	h.clock.Advance(240 * time.Minute)
	assert.False(t, h.svc.IsBlocked(ctx, ip).Blocked)
}

func TestReportViolationDoesNotMutateDetails(t *testing.T) {
	h := newHarness(t, nil)
	details := map[string]string{"path": "/login"}

	_, err := h.svc.ReportViolation(context.Background(), "198.51.100.20", models.ViolationEvent{Type: rules.EventBruteForce, Details: details})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"path": "/login"}, details)
}

func TestReportViolationRejectsInvalidIP(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.ReportViolation(context.Background(), "300.1.1.1", models.ViolationEvent{Type: rules.EventBruteForce})
	assert.ErrorIs(t, err, models.ErrInvalidIP)
}

type brokenStore struct {
	store.Store
	lookupDelay time.Duration
}

var errUnavailable = errors.New("store unavailable")

func (b *brokenStore) Lookup(ctx context.Context, ip string) (*models.BlockEntry, bool, error) {
	if b.lookupDelay > 0 {
		time.Sleep(b.lookupDelay)
		return &models.BlockEntry{IP: ip, Active: true}, true, nil
	}
	return nil, false, errUnavailable
}

func (b *brokenStore) Get(context.Context, string) (*models.BlockEntry, error) {
	return nil, models.ErrEntryNotFound
}

func (b *brokenStore) Upsert(context.Context, models.BlockParams) (*models.BlockEntry, error) {
	return nil, errUnavailable
}

func TestIsBlockedFailsOpen(t *testing.T) {
	h := newHarness(t, &brokenStore{})
	res := h.svc.IsBlocked(context.Background(), "203.0.113.9")
	assert.False(t, res.Blocked)
	assert.Nil(t, res.Entry)
}

func TestIsBlockedFailsOpenOnTimeout(t *testing.T) {
	h := newHarness(t, &brokenStore{lookupDelay: 500 * time.Millisecond})

	start := time.Now()
	res := h.svc.IsBlocked(context.Background(), "203.0.113.9")
	assert.False(t, res.Blocked)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestIsBlockedInvalidIP(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.svc.IsBlocked(context.Background(), "garbage").Blocked)
}

func TestWritePathFailsLoudly(t *testing.T) {
	h := newHarness(t, &brokenStore{})

	_, err := h.svc.ManualBlock(context.Background(), models.BlockParams{IP: "203.0.113.9"})
	assert.ErrorIs(t, err, errUnavailable)

	rule := &models.Rule{ID: "one", Enabled: true, Severity: models.SeverityLow, AutoBlockThreshold: 1, TimeWindow: time.Minute}
	require.NoError(t, h.svc.AddRule(rule))
	_, err = h.svc.ReportViolation(context.Background(), "203.0.113.9", models.ViolationEvent{Type: "probe"})
	assert.ErrorIs(t, err, errUnavailable)
}

func TestManualBlockAndUnblock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	entry, err := h.svc.ManualBlock(ctx, models.BlockParams{IP: "203.0.113.50", CIDRRange: "203.0.113.0/24", Notes: "abuse report"})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonManualBlock, entry.Reason)
	assert.Equal(t, models.SeverityMedium, entry.Severity)
	assert.Equal(t, "admin", entry.AddedBy)
	assert.True(t, entry.Permanent)
	assert.Nil(t, entry.ExpiresAt)
	require.NotNil(t, entry.Geo)
	assert.Equal(t, "KP", entry.Geo.Country)

	assert.True(t, h.svc.IsBlocked(ctx, "203.0.113.77").Blocked, "range member is blocked")

	ok, err := h.svc.Unblock(ctx, "203.0.113.50", "false positive", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, h.svc.IsBlocked(ctx, "203.0.113.77").Blocked)

	e, err := h.svc.Entry(ctx, "203.0.113.50")
	require.NoError(t, err)
	assert.Contains(t, e.Notes, "Unblocked by bob: false positive")

	ok, err = h.svc.Unblock(ctx, "192.0.2.1", "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.svc.Unblock(ctx, "nope", "", "")
	assert.ErrorIs(t, err, models.ErrInvalidIP)
}

func TestEvaluateGeoThreat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.EvaluateGeoThreat(ctx, "203.0.113.50", nil)
	require.NoError(t, err)
	assert.True(t, res.ShouldBlock)
	assert.Equal(t, 100, res.RiskScore)
	assert.Equal(t, "Sanctioned country: KP", res.Reason)

	res, err = h.svc.EvaluateGeoThreat(ctx, "198.51.100.99", &models.GeoInfo{Country: "RU"})
	require.NoError(t, err)
	assert.True(t, res.ShouldBlock)
	assert.Equal(t, 85, res.RiskScore)

	res, err = h.svc.EvaluateGeoThreat(ctx, "198.51.100.20", nil)
	require.NoError(t, err)
	assert.False(t, res.ShouldBlock)
	assert.Equal(t, 50, res.RiskScore)

	res, err = h.svc.EvaluateGeoThreat(ctx, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.GeoEvaluation{}, res, "private addresses have no country")

	_, err = h.svc.EvaluateGeoThreat(ctx, "x", nil)
	assert.ErrorIs(t, err, models.ErrInvalidIP)
}

func TestEvaluateReputationUsesViolationHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ip := "198.51.100.20"

	for i := 0; i < 3; i++ {
		_, err := h.svc.ReportViolation(ctx, ip, models.ViolationEvent{Type: "login_failed", Severity: models.SeverityCritical})
		require.NoError(t, err)
	}

	// history trust 100-90=10, aggregate (50+10)/2 = 30
	res, err := h.svc.EvaluateReputation(ctx, ip)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, res.Score, 0.001)
	assert.False(t, res.ShouldBlock)
	assert.Equal(t, []string{"history"}, res.Sources)

	res, err = h.svc.EvaluateReputation(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, []string{reputation.CacheSourceName}, res.Sources)
}

func TestRuleAdministration(t *testing.T) {
	h := newHarness(t, nil)

	assert.Len(t, h.svc.Rules(), 4)
	assert.ErrorIs(t, h.svc.RemoveRule("missing"), models.ErrRuleNotFound)
	assert.ErrorIs(t, h.svc.UpdateRule("missing", &models.Rule{ID: "missing", Severity: models.SeverityLow, AutoBlockThreshold: 1, TimeWindow: time.Minute}), models.ErrRuleNotFound)
	assert.ErrorIs(t, h.svc.AddRule(&models.Rule{ID: "bad"}), models.ErrInvalidRule)

	r, err := h.svc.Rule("brute_force")
	require.NoError(t, err)
	r.Enabled = false
	require.NoError(t, h.svc.UpdateRule("brute_force", r))
	r, _ = h.svc.Rule("brute_force")
	assert.False(t, r.Enabled)

	require.NoError(t, h.svc.RemoveRule("brute_force"))
	assert.Len(t, h.svc.Rules(), 3)
}

func TestStatsAndListEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		_, err := h.svc.ManualBlock(ctx, models.BlockParams{IP: ip, Severity: models.SeverityHigh})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, 3, stats.SeverityBreakdown[models.SeverityHigh])

	page, err := h.svc.ListEntries(ctx, models.ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "192.0.2.3", page.Entries[0].IP, "newest first")
}
