package rules

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/history"
	"github.com/lfrfrfr/beon-ipshield/internal/metrics"
	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// ReportedAtDetail is the event detail holding the reporter's own
// timestamp when it differs from the engine clock
const ReportedAtDetail = "reported_at"

// Store is the part of the threat store the engine writes to
type Store interface {
	Get(ctx context.Context, ip string) (*models.BlockEntry, error)
	Upsert(ctx context.Context, params models.BlockParams) (*models.BlockEntry, error)
}

// GeoFunc resolves geolocation for an address, or returns nil
type GeoFunc func(ctx context.Context, ip string) *models.GeoInfo

// Decision is the outcome of evaluating one event
type Decision struct {
	Blocked   bool
	Rule      *models.Rule
	Entry     *models.BlockEntry
	Escalated bool
}

// firing remembers when a rule last blocked an IP and how often
type firing struct {
	at     time.Time
	blocks int
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the engine clock
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithGeoResolver attaches geolocation to automated blocks
func WithGeoResolver(fn GeoFunc) Option {
	return func(e *Engine) { e.geo = fn }
}

// WithMaxWindow rejects rules whose time window exceeds limit. Set it to the
// violation history retention so no window outlives the events it counts.
func WithMaxWindow(limit time.Duration) Option {
	return func(e *Engine) { e.maxWindow = limit }
}

// CheckWindow returns ErrInvalidRule when rule's time window is longer than
// limit. A non-positive limit disables the check.
func CheckWindow(rule *models.Rule, limit time.Duration) error {
	if limit > 0 && rule.TimeWindow > limit {
		return fmt.Errorf("%w: rule %s: time window %s exceeds history retention %s",
			models.ErrInvalidRule, rule.ID, rule.TimeWindow, limit)
	}
	return nil
}

// Engine evaluates violation events against an ordered rule set. Events of
// one IP are evaluated one at a time; different IPs proceed in parallel.
type Engine struct {
	mu    sync.RWMutex
	order []string
	rules map[string]*models.Rule

	log   history.Log
	store Store
	locks *keyLock
	geo   GeoFunc
	now   func() time.Time

	maxWindow time.Duration

	firedMu sync.Mutex
	fired   map[string]map[string]*firing
}

// NewEngine creates an engine with an empty rule set
func NewEngine(log history.Log, store Store, opts ...Option) *Engine {
	e := &Engine{
		rules: make(map[string]*models.Rule),
		log:   log,
		store: store,
		locks: newKeyLock(),
		now:   time.Now,
		fired: make(map[string]map[string]*firing),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns copies of every rule in evaluation order
func (e *Engine) Rules() []*models.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].Clone())
	}
	return out
}

// Rule returns a copy of the rule with id
func (e *Engine) Rule(id string) (*models.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	return r.Clone(), nil
}

// AddRule validates and stores rule. An existing rule with the same id is
// replaced in place.
func (e *Engine) AddRule(rule *models.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: nil rule", models.ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := CheckWindow(rule, e.maxWindow); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.ID]; !exists {
		e.order = append(e.order, rule.ID)
	}
	e.rules[rule.ID] = rule.Clone()
	return nil
}

// UpdateRule replaces the rule with id. The stored rule keeps id even if
// rule carries another one.
func (e *Engine) UpdateRule(id string, rule *models.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: nil rule", models.ErrInvalidRule)
	}
	updated := rule.Clone()
	updated.ID = id
	if err := updated.Validate(); err != nil {
		return err
	}
	if err := CheckWindow(updated, e.maxWindow); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	e.rules[id] = updated
	return nil
}

// RemoveRule deletes the rule with id
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
	return nil
}

// ApplicableRules returns the enabled rules matching ev, in order
func (e *Engine) ApplicableRules(ev models.ViolationEvent) []*models.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*models.Rule
	for _, id := range e.order {
		r := e.rules[id]
		if r.Enabled && matches(r, ev) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// matches applies the rule conditions to an event
func matches(r *models.Rule, ev models.ViolationEvent) bool {
	c := r.Conditions
	if len(c.AttackPatterns) > 0 && !slices.Contains(c.AttackPatterns, ev.Type) {
		return false
	}

	if len(c.GeoRestrictions) > 0 {
		country := strings.ToUpper(strings.TrimSpace(ev.Detail("country")))
		if !slices.ContainsFunc(c.GeoRestrictions, func(g string) bool { return strings.EqualFold(g, country) }) {
			return false
		}
	}

	if c.ReputationThreshold != nil {
		rep, err := strconv.ParseFloat(ev.Detail("reputation"), 64)
		if err != nil || rep >= float64(*c.ReputationThreshold) {
			return false
		}
	}

	return true
}

// threshold returns the violation count that triggers r for events of
// eventType
func threshold(r *models.Rule, eventType string) int {
	c := r.Conditions
	switch {
	case eventType == EventRateLimitViolation && c.RateLimitViolations != nil && *c.RateLimitViolations > 0:
		return *c.RateLimitViolations
	case IsSecurityEvent(eventType) && c.SecurityViolations != nil && *c.SecurityViolations > 0:
		return *c.SecurityViolations
	default:
		return r.AutoBlockThreshold
	}
}

// windowStart returns the start of the counting window of rule for ip.
// Events at or before the last firing of the rule do not count again.
func (e *Engine) windowStart(ip string, rule *models.Rule, now time.Time) time.Time {
	since := now.Add(-rule.TimeWindow)

	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	if f, ok := e.fired[ip][rule.ID]; ok && !f.at.Before(since) {
		since = f.at.Add(time.Nanosecond)
	}
	return since
}

func (e *Engine) violationCount(ctx context.Context, ip string, rule *models.Rule, now time.Time) (int, error) {
	n, err := e.log.Count(ctx, ip, e.windowStart(ip, rule, now), rule.Conditions.AttackPatterns)
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return n, nil
}

// reached counts ip's violations for rule and compares them with the
// threshold that applies to eventType
func (e *Engine) reached(ctx context.Context, ip string, rule *models.Rule, eventType string, now time.Time) (int, bool, error) {
	n, err := e.violationCount(ctx, ip, rule, now)
	if err != nil {
		return 0, false, err
	}
	return n, n >= threshold(rule, eventType), nil
}

// ShouldAutoBlock reports whether ip has reached rule's threshold within
// its time window. eventType selects the alternative rate limit or
// security threshold the same way Evaluate does; an empty type uses
// AutoBlockThreshold.
func (e *Engine) ShouldAutoBlock(ctx context.Context, ip string, rule *models.Rule, eventType string) (bool, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return false, err
	}
	_, ok, err := e.reached(ctx, key, rule, eventType, e.now())
	return ok, err
}

// stamp sets the event time to the engine clock so counting windows and
// firing markers share one time base. A differing reporter time is kept
// in the ReportedAtDetail detail.
func stamp(ev models.ViolationEvent, now time.Time) models.ViolationEvent {
	if !ev.Timestamp.IsZero() && !ev.Timestamp.Equal(now) {
		details := make(map[string]string, len(ev.Details)+1)
		maps.Copy(details, ev.Details)
		details[ReportedAtDetail] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
		ev.Details = details
	}
	ev.Timestamp = now
	return ev
}

// Evaluate records ev for ip and applies the first rule that reaches its
// threshold. Later rules are not evaluated once a block happens.
func (e *Engine) Evaluate(ctx context.Context, ip string, ev models.ViolationEvent) (*Decision, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: event type is required", models.ErrInvalidRequest)
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	now := e.now()
	ev = stamp(ev, now)
	if err := e.log.Record(ctx, key, ev); err != nil {
		return nil, fmt.Errorf("failed to record violation: %w", err)
	}

	for _, rule := range e.ApplicableRules(ev) {
		count, ok, err := e.reached(ctx, key, rule, ev.Type, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		decision, err := e.block(ctx, key, ev, rule, count, now)
		if err != nil {
			return nil, err
		}
		return decision, nil
	}

	return &Decision{}, nil
}

// block upserts the entry for a fired rule, escalating when the IP was
// blocked by this rule before and has reoffended often enough
func (e *Engine) block(ctx context.Context, ip string, ev models.ViolationEvent, rule *models.Rule, count int, now time.Time) (*Decision, error) {
	severity := rule.Severity
	escalated := false

	if rule.Escalation.Enabled && e.previousBlocks(ip, rule.ID) > 0 {
		existing, err := e.store.Get(ctx, ip)
		if err != nil && !errors.Is(err, models.ErrEntryNotFound) {
			return nil, fmt.Errorf("failed to load entry for escalation: %w", err)
		}
		if existing != nil && existing.AttackCount >= rule.Escalation.Threshold {
			severity = rule.Escalation.Severity
			escalated = true
		}
	}

	params := models.BlockParams{
		IP:        ip,
		Reason:    MapEventTypeToReason(ev.Type),
		Severity:  severity,
		Duration:  rule.BlockDuration,
		Permanent: rule.BlockDuration == nil,
		AddedBy:   models.SystemActor,
		Notes: fmt.Sprintf("Auto-blocked by rule %q: %d violations within %s",
			rule.Name, count, rule.TimeWindow),
	}
	if e.geo != nil {
		params.Geo = e.geo(ctx, ip)
	}

	entry, err := e.store.Upsert(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to apply block: %w", err)
	}

	e.markFired(ip, rule.ID, now)

	metrics.RecordBlock(string(params.Reason), string(severity))
	if escalated {
		metrics.RecordEscalation(rule.ID)
	}
	logger.Info("IP auto-blocked",
		zap.String("ip", ip),
		zap.String("rule", rule.ID),
		zap.String("event_type", ev.Type),
		zap.String("severity", string(severity)),
		zap.Bool("escalated", escalated),
		zap.Int("attack_count", entry.AttackCount))

	return &Decision{Blocked: true, Rule: rule, Entry: entry, Escalated: escalated}, nil
}

func (e *Engine) previousBlocks(ip, ruleID string) int {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	if f, ok := e.fired[ip][ruleID]; ok {
		return f.blocks
	}
	return 0
}

func (e *Engine) markFired(ip, ruleID string, at time.Time) {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()

	byRule, ok := e.fired[ip]
	if !ok {
		byRule = make(map[string]*firing)
		e.fired[ip] = byRule
	}
	f, ok := byRule[ruleID]
	if !ok {
		f = &firing{}
		byRule[ruleID] = f
	}
	f.at = at
	f.blocks++
}

// PruneFirings forgets firing markers older than before and returns how
// many were dropped. Escalation history older than before is lost.
func (e *Engine) PruneFirings(before time.Time) int {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()

	pruned := 0
	for ip, byRule := range e.fired {
		for id, f := range byRule {
			if f.at.Before(before) {
				delete(byRule, id)
				pruned++
			}
		}
		if len(byRule) == 0 {
			delete(e.fired, ip)
		}
	}
	return pruned
}
