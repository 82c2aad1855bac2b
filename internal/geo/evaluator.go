package geo

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// DefaultHighRiskThreshold is the risk score above which a country blocks
const DefaultHighRiskThreshold = 80

// Resolver fills geolocation data for an address
type Resolver interface {
	LookupGeo(ip netip.Addr) (*models.GeoInfo, error)
}

// Reloader reloads geolocation databases during a refresh
type Reloader interface {
	Reload() error
}

// Config holds evaluator settings
type Config struct {
	SanctionedCountries []string
	HighRiskThreshold   int
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithFeed refreshes the table from a remote feed
func WithFeed(feed *FeedClient) Option {
	return func(e *Evaluator) { e.feed = feed }
}

// WithReloader reloads geolocation databases on every refresh
func WithReloader(r Reloader) Option {
	return func(e *Evaluator) { e.reloader = r }
}

// Evaluator decides whether traffic from a country should be blocked
type Evaluator struct {
	table      *Table
	sanctioned map[string]struct{}
	threshold  int
	feed       *FeedClient
	reloader   Reloader
}

// NewEvaluator creates an evaluator over table
func NewEvaluator(table *Table, cfg Config, opts ...Option) *Evaluator {
	threshold := cfg.HighRiskThreshold
	if threshold <= 0 {
		threshold = DefaultHighRiskThreshold
	}

	e := &Evaluator{
		table:      table,
		sanctioned: make(map[string]struct{}, len(cfg.SanctionedCountries)),
		threshold:  threshold,
	}
	for _, c := range cfg.SanctionedCountries {
		if c = normalizeCountry(c); c != "" {
			e.sanctioned[c] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsSanctioned reports whether country is on the sanctioned list
func (e *Evaluator) IsSanctioned(country string) bool {
	_, ok := e.sanctioned[normalizeCountry(country)]
	return ok
}

// Evaluate classifies the country in geo. Sanctioned countries block
// regardless of their risk score.
func (e *Evaluator) Evaluate(ip string, geo *models.GeoInfo) models.GeoEvaluation {
	if geo == nil || normalizeCountry(geo.Country) == "" {
		return models.GeoEvaluation{}
	}
	country := normalizeCountry(geo.Country)

	if e.IsSanctioned(country) {
		logger.Debug("Sanctioned country detected", zap.String("ip", ip), zap.String("country", country))
		return models.GeoEvaluation{
			ShouldBlock: true,
			RiskScore:   100,
			Reason:      fmt.Sprintf("Sanctioned country: %s", country),
		}
	}

	rec := e.table.Get(country)
	if rec.RiskScore > e.threshold {
		return models.GeoEvaluation{
			ShouldBlock: true,
			RiskScore:   rec.RiskScore,
			Reason:      fmt.Sprintf("High-risk geographical location: %s", country),
		}
	}

	return models.GeoEvaluation{RiskScore: rec.RiskScore}
}

// Refresh updates the table from the feed when one is configured, otherwise
// it only marks records as refreshed. Geolocation databases are reloaded
// when a reloader is set.
func (e *Evaluator) Refresh(ctx context.Context) (int, error) {
	if e.reloader != nil {
		if err := e.reloader.Reload(); err != nil {
			logger.Warn("Failed to reload geolocation databases", zap.Error(err))
		}
	}

	if e.feed == nil {
		n := e.table.Touch()
		logger.Debug(fmt.Sprintf("Geo-threat table touched: %d countries", n))
		return n, nil
	}

	records, err := e.feed.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("geo feed refresh failed: %w", err)
	}
	n := e.table.Apply(records)
	logger.Info(fmt.Sprintf("Geo-threat table refreshed: %d countries from feed", n))
	return n, nil
}

// Table returns the underlying risk table
func (e *Evaluator) Table() *Table {
	return e.table
}
