// Package blocker is the single entry point of the blocking engine. It
// answers inbound request checks, turns violation reports into rule
// decisions, and exposes the administrative operations.
package blocker

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/cache"
	"github.com/lfrfrfr/beon-ipshield/internal/geo"
	"github.com/lfrfrfr/beon-ipshield/internal/metrics"
	"github.com/lfrfrfr/beon-ipshield/internal/reputation"
	"github.com/lfrfrfr/beon-ipshield/internal/rules"
	"github.com/lfrfrfr/beon-ipshield/internal/store"
	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// DefaultCheckTimeout bounds IsBlocked when no timeout is configured
const DefaultCheckTimeout = 250 * time.Millisecond

const defaultAdmin = "admin"

// Option configures a Service
type Option func(*Service)

// WithResolver fills missing geolocation from r
func WithResolver(r geo.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithCheckTimeout sets the latency budget of IsBlocked
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.checkTimeout = d
		}
	}
}

// Service is the blocking orchestrator
type Service struct {
	store        store.Store
	engine       *rules.Engine
	geo          *geo.Evaluator
	reputation   *reputation.Evaluator
	resolver     geo.Resolver
	checkTimeout time.Duration
}

// New creates a Service. All collaborators are owned by the caller.
func New(st store.Store, engine *rules.Engine, geoEval *geo.Evaluator, rep *reputation.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:        st,
		engine:       engine,
		geo:          geoEval,
		reputation:   rep,
		checkTimeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolverFunc adapts a geolocation resolver for the rule engine. Lookup
// failures and private addresses yield no geo.
func ResolverFunc(r geo.Resolver) rules.GeoFunc {
	if r == nil {
		return nil
	}
	return func(_ context.Context, ip string) *models.GeoInfo {
		addr, err := iputil.ParseIP(ip)
		if err != nil {
			return nil
		}
		return resolve(r, addr)
	}
}

func resolve(r geo.Resolver, addr netip.Addr) *models.GeoInfo {
	if r == nil || !iputil.IsPublic(addr) {
		return nil
	}
	info, err := r.LookupGeo(addr)
	metrics.RecordGeoIPLookup(err == nil && info != nil)
	if err != nil {
		logger.Debug("GeoIP lookup failed", zap.String("ip", addr.String()), zap.Error(err))
		return nil
	}
	return info
}

type lookupResult struct {
	entry *models.BlockEntry
	ok    bool
	err   error
}

// IsBlocked reports whether ip is currently blocked. It never fails: store
// errors, invalid input and timeouts all answer not blocked.
func (s *Service) IsBlocked(ctx context.Context, ip string) models.BlockCheckResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		entry, ok, err := s.store.Lookup(ctx, ip)
		done <- lookupResult{entry: entry, ok: ok, err: err}
	}()

	var res lookupResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	switch {
	case res.err != nil:
		metrics.RecordBlockCheck("error", elapsed)
		if errors.Is(res.err, models.ErrInvalidIP) {
			logger.Debug("Block check on invalid IP", zap.String("ip", ip))
		} else {
			logger.Warn("Block check failed, allowing request", zap.String("ip", ip), zap.Error(res.err))
		}
		return models.BlockCheckResult{}
	case res.ok:
		metrics.RecordBlockCheck("blocked", elapsed)
		return models.BlockCheckResult{Blocked: true, Entry: res.entry, Reason: string(res.entry.Reason)}
	default:
		metrics.RecordBlockCheck("allowed", elapsed)
		return models.BlockCheckResult{}
	}
}

// ReportViolation feeds a violation event into the rule engine. The
// event's country detail is filled from the resolver when missing.
func (s *Service) ReportViolation(ctx context.Context, ip string, ev models.ViolationEvent) (*rules.Decision, error) {
	addr, err := iputil.ParseIP(ip)
	if err != nil {
		return nil, err
	}

	if ev.Detail("country") == "" {
		if info := resolve(s.resolver, addr); info != nil && info.Country != "" {
			details := make(map[string]string, len(ev.Details)+1)
			for k, v := range ev.Details {
				details[k] = v
			}
			details["country"] = info.Country
			ev.Details = details
		}
	}

	decision, err := s.engine.Evaluate(ctx, addr.String(), ev)
	if err != nil {
		logger.Error("Failed to evaluate violation",
			zap.String("ip", addr.String()), zap.String("type", ev.Type), zap.Error(err))
		return nil, err
	}

	metrics.RecordViolation(ev.Type, decision.Blocked)
	return decision, nil
}

// EvaluateGeoThreat classifies ip by country. A nil or country-less info
// is resolved from the geolocation databases when available.
func (s *Service) EvaluateGeoThreat(ctx context.Context, ip string, info *models.GeoInfo) (models.GeoEvaluation, error) {
	addr, err := iputil.ParseIP(ip)
	if err != nil {
		return models.GeoEvaluation{}, err
	}
	if info == nil || info.Country == "" {
		if resolved := resolve(s.resolver, addr); resolved != nil {
			info = resolved
		}
	}

	result := s.geo.Evaluate(addr.String(), info)
	metrics.RecordGeoEvaluation(result.ShouldBlock)
	return result, nil
}

// EvaluateReputation returns the aggregate trust score of ip
func (s *Service) EvaluateReputation(ctx context.Context, ip string) (*models.ReputationEvaluation, error) {
	return s.reputation.Evaluate(ctx, ip)
}

// ManualBlock upserts an entry on behalf of an administrator
func (s *Service) ManualBlock(ctx context.Context, params models.BlockParams) (*models.BlockEntry, error) {
	if params.Reason == "" {
		params.Reason = models.ReasonManualBlock
	}
	if params.Severity == "" {
		params.Severity = models.SeverityMedium
	}
	if params.AddedBy == "" {
		params.AddedBy = defaultAdmin
	}
	if params.Geo == nil {
		if addr, err := iputil.ParseIP(params.IP); err == nil {
			params.Geo = resolve(s.resolver, addr)
		}
	}

	entry, err := s.store.Upsert(ctx, params)
	if err != nil {
		logger.Error("Manual block failed", zap.String("ip", params.IP), zap.Error(err))
		return nil, fmt.Errorf("manual block: %w", err)
	}

	metrics.RecordBlock(string(entry.Reason), string(entry.Severity))
	logger.Info("IP manually blocked",
		zap.String("ip", entry.IP),
		zap.String("by", entry.AddedBy),
		zap.String("severity", string(entry.Severity)),
		zap.Bool("permanent", entry.Permanent))
	return entry, nil
}

// Unblock deactivates the entry of ip. It reports false when ip has no
// entry.
func (s *Service) Unblock(ctx context.Context, ip, reason, actor string) (bool, error) {
	if actor == "" {
		actor = defaultAdmin
	}
	ok, err := s.store.Deactivate(ctx, ip, reason, actor)
	if err != nil {
		logger.Error("Unblock failed", zap.String("ip", ip), zap.Error(err))
		return false, fmt.Errorf("unblock: %w", err)
	}
	if ok {
		metrics.UnblocksTotal.Inc()
		logger.Info("IP unblocked", zap.String("ip", ip), zap.String("by", actor), zap.String("reason", reason))
	}
	return ok, nil
}

// Entry returns the stored entry of ip without touching its counters
func (s *Service) Entry(ctx context.Context, ip string) (*models.BlockEntry, error) {
	return s.store.Get(ctx, ip)
}

// Stats summarizes the threat store
func (s *Service) Stats(ctx context.Context) (*models.BlockStats, error) {
	return s.store.Stats(ctx)
}

// ListEntries returns one page of entries, newest first
func (s *Service) ListEntries(ctx context.Context, filter models.ListFilter) (*models.EntryPage, error) {
	return s.store.List(ctx, filter)
}

// Rules returns the configured rules in evaluation order
func (s *Service) Rules() []*models.Rule {
	return s.engine.Rules()
}

// Rule returns the rule with id
func (s *Service) Rule(id string) (*models.Rule, error) {
	return s.engine.Rule(id)
}

// AddRule adds or replaces a rule
func (s *Service) AddRule(rule *models.Rule) error {
	if err := s.engine.AddRule(rule); err != nil {
		return err
	}
	logger.Info("Rule added", zap.String("rule", rule.ID))
	return nil
}

// UpdateRule replaces an existing rule
func (s *Service) UpdateRule(id string, rule *models.Rule) error {
	if err := s.engine.UpdateRule(id, rule); err != nil {
		return err
	}
	logger.Info("Rule updated", zap.String("rule", id))
	return nil
}

// RemoveRule deletes a rule
func (s *Service) RemoveRule(id string) error {
	if err := s.engine.RemoveRule(id); err != nil {
		return err
	}
	logger.Info("Rule removed", zap.String("rule", id))
	return nil
}

// GeoTable returns the current per-country risk records
func (s *Service) GeoTable() []models.GeoThreatRecord {
	return s.geo.Table().Snapshot()
}

// ReputationCacheStats returns statistics of the reputation score cache
func (s *Service) ReputationCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	return s.reputation.CacheStats(ctx)
}

// EvictReputation clears the reputation score cache
func (s *Service) EvictReputation(ctx context.Context) error {
	return s.reputation.Evict(ctx)
}
