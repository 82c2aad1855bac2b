package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades how dangerous a block or violation is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity: %q", s)
	}
}

// Rank orders severities from 1 (low) to 4 (critical); unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// IsHighOrAbove reports whether s is high or critical
func (s Severity) IsHighOrAbove() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// BlockReason records why an IP was blocked
type BlockReason string

const (
	ReasonManualBlock        BlockReason = "manual_block"
	ReasonRateLimitViolation BlockReason = "rate_limit_violation"
	ReasonSecurityViolation  BlockReason = "security_violation"
	ReasonMaliciousActivity  BlockReason = "malicious_activity"
	ReasonBruteForce         BlockReason = "brute_force"
	ReasonScannerActivity    BlockReason = "scanner_activity"
	ReasonSpamActivity       BlockReason = "spam_activity"
	ReasonGeoRestriction     BlockReason = "geo_restriction"
	ReasonReputationBased    BlockReason = "reputation_based"
	ReasonAutomatedDetection BlockReason = "automated_detection"
)

var knownReasons = map[BlockReason]struct{}{
	ReasonManualBlock:        {},
	ReasonRateLimitViolation: {},
	ReasonSecurityViolation:  {},
	ReasonMaliciousActivity:  {},
	ReasonBruteForce:         {},
	ReasonScannerActivity:    {},
	ReasonSpamActivity:       {},
	ReasonGeoRestriction:     {},
	ReasonReputationBased:    {},
	ReasonAutomatedDetection: {},
}

// ParseBlockReason parses a block reason name
func ParseBlockReason(s string) (BlockReason, error) {
	r := BlockReason(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownReasons[r]; !ok {
		return "", fmt.Errorf("unknown block reason: %q", s)
	}
	return r, nil
}

// GeoInfo holds geolocation information attached to a block entry
type GeoInfo struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     int    `json:"asn,omitempty"`
	ISP     string `json:"isp,omitempty"`
}

// BlockEntry is the blocking state of a single IP (and optionally a CIDR range)
type BlockEntry struct {
	IP                  string      `json:"ip" db:"ip"`
	CIDRRange           string      `json:"cidr_range,omitempty" db:"cidr_range"`
	Reason              BlockReason `json:"reason" db:"reason"`
	Severity            Severity    `json:"severity" db:"severity"`
	FirstDetected       time.Time   `json:"first_detected" db:"first_detected"`
	LastActivity        time.Time   `json:"last_activity" db:"last_activity"`
	AttackCount         int         `json:"attack_count" db:"attack_count"`
	BlockedRequestCount int64       `json:"blocked_request_count" db:"blocked_request_count"`
	Active              bool        `json:"active" db:"active"`
	ExpiresAt           *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	Permanent           bool        `json:"permanent" db:"permanent"`
	Geo                 *GeoInfo    `json:"geo,omitempty"`
	AddedBy             string      `json:"added_by,omitempty" db:"added_by"`
	Notes               string      `json:"notes,omitempty" db:"notes"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether a temporary entry has passed its expiry
func (e *BlockEntry) IsExpired(now time.Time) bool {
	if e.Permanent || e.ExpiresAt == nil {
		return false
	}
	return !e.ExpiresAt.After(now)
}

// IsEffective reports whether the entry currently blocks traffic
func (e *BlockEntry) IsEffective(now time.Time) bool {
	return e.Active && !e.IsExpired(now)
}

// Clone returns a deep copy of the entry
func (e *BlockEntry) Clone() *BlockEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.Geo != nil {
		g := *e.Geo
		c.Geo = &g
	}
	return &c
}

// SystemActor is the AddedBy value of automated entries
const SystemActor = "system"

// BlockParams describes an insert-or-merge into the threat store
type BlockParams struct {
	IP        string         `json:"ip"`
	CIDRRange string         `json:"cidr_range,omitempty"`
	Reason    BlockReason    `json:"reason"`
	Severity  Severity       `json:"severity"`
	Duration  *time.Duration `json:"duration,omitempty"`
	Permanent bool           `json:"permanent"`
	Notes     string         `json:"notes,omitempty"`
	AddedBy   string         `json:"added_by,omitempty"`
	Geo       *GeoInfo       `json:"geo,omitempty"`
}

// ExpiresAt resolves the expiry implied by the params. A missing duration
// makes the block permanent, and permanent blocks never carry an expiry.
func (p *BlockParams) ExpiresAt(now time.Time) (expires *time.Time, permanent bool) {
	if p.Permanent || p.Duration == nil || *p.Duration <= 0 {
		return nil, true
	}
	t := now.Add(*p.Duration)
	return &t, false
}

// ViolationEvent is a suspicious event reported for an IP
type ViolationEvent struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Detail returns a detail value or the empty string
func (v ViolationEvent) Detail(key string) string {
	if v.Details == nil {
		return ""
	}
	return v.Details[key]
}

// BlockCheckResult is the answer to "is this IP blocked"
type BlockCheckResult struct {
	Blocked bool        `json:"blocked"`
	Entry   *BlockEntry `json:"entry,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// GeoThreatRecord is the per-country risk classification
type GeoThreatRecord struct {
	Country          string    `json:"country"`
	RiskScore        int       `json:"risk_score"`
	ThreatCategories []string  `json:"threat_categories"`
	LastUpdated      time.Time `json:"last_updated"`
}

// GeoEvaluation is the result of a geo threat evaluation
type GeoEvaluation struct {
	ShouldBlock bool   `json:"should_block"`
	RiskScore   int    `json:"risk_score"`
	Reason      string `json:"reason,omitempty"`
}

// ReputationEvaluation is the result of a reputation evaluation
type ReputationEvaluation struct {
	ShouldBlock bool     `json:"should_block"`
	Score       float64  `json:"score"`
	Sources     []string `json:"sources"`
}

// CountryCount is a country with its number of active entries
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// BlockStats summarizes the threat store
type BlockStats struct {
	Total                int                 `json:"total"`
	Active               int                 `json:"active"`
	RecentlyAdded        int                 `json:"recently_added"`
	TopCountries         []CountryCount      `json:"top_countries"`
	ReasonBreakdown      map[BlockReason]int `json:"reason_breakdown"`
	SeverityBreakdown    map[Severity]int    `json:"severity_breakdown"`
	BlockedRequestsToday int64               `json:"blocked_requests_today"`
	// FalsePositiveRate is manual overrides of automated entries over total
	// entries. It is an estimate, see FalsePositiveRateApproximate.
	FalsePositiveRate            float64 `json:"false_positive_rate"`
	FalsePositiveRateApproximate bool    `json:"false_positive_rate_approximate"`
}

// DefaultPageSize is the page size used when a list filter has none
const DefaultPageSize = 50

// MaxPageSize caps list page sizes
const MaxPageSize = 500

// MaxPage caps page numbers so offsets stay within int32
const MaxPage = 1_000_000

// ListFilter selects entries for paginated listing
type ListFilter struct {
	Page            int         `json:"page"`
	Limit           int         `json:"limit"`
	Severity        Severity    `json:"severity,omitempty"`
	Reason          BlockReason `json:"reason,omitempty"`
	IncludeInactive bool        `json:"include_inactive"`
}

// Normalize fills defaults and clamps the page bounds
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return f
}

// Offset returns the number of entries skipped before the page
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// EntryPage is one page of block entries
type EntryPage struct {
	Entries []*BlockEntry `json:"entries"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	Limit   int           `json:"limit"`
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	Status    string            `json:"status"` // healthy, degraded, unhealthy
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}
