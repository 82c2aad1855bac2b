package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestEvaluator(opts ...Option) *Evaluator {
	table := NewTable(DefaultRiskScore, fixedClock())
	table.Set("ru", 85, []string{"botnet"})
	table.Set("KP", 10, nil)
	return NewEvaluator(table, Config{
		SanctionedCountries: []string{"KP", "ir", "SY", "CU"},
		HighRiskThreshold:   80,
	}, opts...)
}

func TestEvaluate(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name       string
		geo        *models.GeoInfo
		wantBlock  bool
		wantScore  int
		wantReason string
	}{
		{"nil geo", nil, false, 0, ""},
		{"no country", &models.GeoInfo{City: "Nowhere"}, false, 0, ""},
		{"sanctioned beats low risk", &models.GeoInfo{Country: "KP"}, true, 100, "Sanctioned country: KP"},
		{"sanctioned lowercase", &models.GeoInfo{Country: "ir"}, true, 100, "Sanctioned country: IR"},
		{"high risk", &models.GeoInfo{Country: "RU"}, true, 85, "High-risk geographical location: RU"},
		{"unknown gets default", &models.GeoInfo{Country: "BR"}, false, 50, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate("198.51.100.1", tt.geo)
			assert.Equal(t, tt.wantBlock, got.ShouldBlock)
			assert.Equal(t, tt.wantScore, got.RiskScore)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestEvaluateThresholdIsExclusive(t *testing.T) {
	e := newTestEvaluator()
	e.Table().Set("XX", 80, nil)

	got := e.Evaluate("198.51.100.1", &models.GeoInfo{Country: "XX"})
	assert.False(t, got.ShouldBlock)
	assert.Equal(t, 80, got.RiskScore)
}

func TestTableLazyPopulation(t *testing.T) {
	table := NewTable(DefaultRiskScore, fixedClock())
	assert.Zero(t, table.Len())

	rec := table.Get("de")
	assert.Equal(t, "DE", rec.Country)
	assert.Equal(t, 50, rec.RiskScore)
	assert.Empty(t, rec.ThreatCategories)
	assert.Equal(t, 1, table.Len())

	table.Get("")
	assert.Equal(t, 1, table.Len(), "empty country must not be stored")
}

func TestTableApplyAndTouch(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	table := NewTable(DefaultRiskScore, clock)
	table.Set("US", 20, nil)

	n := table.Apply([]models.GeoThreatRecord{
		{Country: "us", RiskScore: 30},
		{Country: "CN", RiskScore: 150, ThreatCategories: []string{"scanner"}},
		{Country: ""},
	})
	assert.Equal(t, 2, n)

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "CN", snap[0].Country)
	assert.Equal(t, 100, snap[0].RiskScore, "scores are clamped")
	assert.Equal(t, 30, snap[1].RiskScore)

	now = now.Add(24 * time.Hour)
	assert.Equal(t, 2, table.Touch())
	assert.Equal(t, now, table.Get("US").LastUpdated)
}

func TestParseFeed(t *testing.T) {
	content := strings.Join([]string{
		"# country,risk,categories",
		"RU,85,botnet|scanner",
		"de, 20",
		"XYZ,50,bad-code",
		"FR,abc",
		"CN,101",
		"",
		"BR,60,spam|",
	}, "\n")

	records, err := ParseFeed(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "RU", records[0].Country)
	assert.Equal(t, []string{"botnet", "scanner"}, records[0].ThreatCategories)
	assert.Equal(t, "DE", records[1].Country)
	assert.Equal(t, 20, records[1].RiskScore)
	assert.Empty(t, records[1].ThreatCategories)
	assert.Equal(t, []string{"spam"}, records[2].ThreatCategories)
}

func TestFeedClientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("RU,90,botnet\nUS,10\n"))
	}))
	defer srv.Close()

	client := NewFeedClient(FeedConfig{URL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond, UserAgent: "test-agent"})
	records, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFeedClientGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewFeedClient(FeedConfig{URL: srv.URL, MaxRetries: 1, RetryDelay: time.Millisecond})
	_, err := client.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 500")
	assert.Equal(t, int32(2), calls.Load())
}

type stubReloader struct {
	calls int
	err   error
}

func (s *stubReloader) Reload() error {
	s.calls++
	return s.err
}

func TestRefreshFromFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("BR,95,spam\n"))
	}))
	defer srv.Close()

	reloader := &stubReloader{err: errors.New("missing file")}
	e := newTestEvaluator(WithFeed(NewFeedClient(FeedConfig{URL: srv.URL})), WithReloader(reloader))

	assert.False(t, e.Evaluate("198.51.100.1", &models.GeoInfo{Country: "BR"}).ShouldBlock)

	n, err := e.Refresh(context.Background())
	require.NoError(t, err, "reload failures are logged, not returned")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reloader.calls)

	got := e.Evaluate("198.51.100.1", &models.GeoInfo{Country: "BR"})
	assert.True(t, got.ShouldBlock)
	assert.Equal(t, 95, got.RiskScore)
}

func TestRefreshWithoutFeedTouches(t *testing.T) {
	e := newTestEvaluator()
	n, err := e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
