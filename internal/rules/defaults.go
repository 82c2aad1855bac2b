// Package rules turns violation events into block decisions.
package rules

import (
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Event types with a dedicated block reason
const (
	EventRateLimitViolation = "rate_limit_violation"
	EventSQLInjection       = "sql_injection"
	EventXSSAttempt         = "xss_attempt"
	EventCommandInjection   = "command_injection"
	EventBruteForce         = "brute_force"
	EventScannerActivity    = "scanner_activity"
	EventSpamActivity       = "spam_activity"
)

var eventReasons = map[string]models.BlockReason{
	EventRateLimitViolation: models.ReasonRateLimitViolation,
	EventSQLInjection:       models.ReasonSecurityViolation,
	EventXSSAttempt:         models.ReasonSecurityViolation,
	EventCommandInjection:   models.ReasonSecurityViolation,
	EventBruteForce:         models.ReasonBruteForce,
	EventScannerActivity:    models.ReasonScannerActivity,
	EventSpamActivity:       models.ReasonSpamActivity,
}

// MapEventTypeToReason returns the block reason of an event type.
// Unrecognized types map to malicious_activity.
func MapEventTypeToReason(eventType string) models.BlockReason {
	if r, ok := eventReasons[eventType]; ok {
		return r
	}
	return models.ReasonMaliciousActivity
}

// IsSecurityEvent reports whether eventType is an injection-style attack
func IsSecurityEvent(eventType string) bool {
	return eventReasons[eventType] == models.ReasonSecurityViolation
}

func minutes(n int) *time.Duration {
	d := time.Duration(n) * time.Minute
	return &d
}

// DefaultRules returns the rule set seeded at startup
func DefaultRules() []*models.Rule {
	return []*models.Rule{
		{
			ID:                 "high_rate_violations",
			Name:               "High Rate Violations",
			Description:        "Repeated rate limit violations",
			Enabled:            true,
			Severity:           models.SeverityMedium,
			AutoBlockThreshold: 10,
			TimeWindow:         5 * time.Minute,
			Conditions:         models.RuleConditions{AttackPatterns: []string{EventRateLimitViolation}},
			BlockDuration:      minutes(60),
			Escalation:         models.Escalation{Enabled: true, Threshold: 3, Severity: models.SeverityHigh},
		},
		{
			ID:                 "security_violations",
			Name:               "Security Violations",
			Description:        "Injection and scripting attempts",
			Enabled:            true,
			Severity:           models.SeverityHigh,
			AutoBlockThreshold: 3,
			TimeWindow:         10 * time.Minute,
			Conditions: models.RuleConditions{
				AttackPatterns: []string{EventSQLInjection, EventXSSAttempt, EventCommandInjection},
			},
			BlockDuration: minutes(240),
			Escalation:    models.Escalation{Enabled: true, Threshold: 2, Severity: models.SeverityCritical},
		},
		{
			ID:                 "brute_force",
			Name:               "Brute Force",
			Description:        "Repeated failed authentication",
			Enabled:            true,
			Severity:           models.SeverityHigh,
			AutoBlockThreshold: 5,
			TimeWindow:         15 * time.Minute,
			Conditions:         models.RuleConditions{AttackPatterns: []string{EventBruteForce}},
			BlockDuration:      minutes(480),
		},
		{
			ID:                 "scanner_activity",
			Name:               "Scanner Activity",
			Description:        "Automated vulnerability scanning",
			Enabled:            true,
			Severity:           models.SeverityLow,
			AutoBlockThreshold: 50,
			TimeWindow:         30 * time.Minute,
			Conditions:         models.RuleConditions{AttackPatterns: []string{EventScannerActivity}},
			BlockDuration:      minutes(120),
			Escalation:         models.Escalation{Enabled: true, Threshold: 5, Severity: models.SeverityMedium},
		},
	}
}
