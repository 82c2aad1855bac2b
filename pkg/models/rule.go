package models

import (
	"fmt"
	"time"
)

// RuleConditions narrow which events a rule applies to
type RuleConditions struct {
	AttackPatterns      []string `json:"attack_patterns,omitempty" mapstructure:"attack_patterns"`
	RateLimitViolations *int     `json:"rate_limit_violations,omitempty" mapstructure:"rate_limit_violations"`
	SecurityViolations  *int     `json:"security_violations,omitempty" mapstructure:"security_violations"`
	GeoRestrictions     []string `json:"geo_restrictions,omitempty" mapstructure:"geo_restrictions"`
	ReputationThreshold *int     `json:"reputation_threshold,omitempty" mapstructure:"reputation_threshold"`
}

// Escalation raises the severity of repeat offenders
type Escalation struct {
	Enabled   bool     `json:"enabled" mapstructure:"enabled"`
	Threshold int      `json:"escalation_threshold" mapstructure:"threshold"`
	Severity  Severity `json:"escalation_severity" mapstructure:"severity"`
}

// Rule turns a stream of violation events into block decisions
type Rule struct {
	ID                 string         `json:"id" mapstructure:"id"`
	Name               string         `json:"name" mapstructure:"name"`
	Description        string         `json:"description" mapstructure:"description"`
	Enabled            bool           `json:"enabled" mapstructure:"enabled"`
	Severity           Severity       `json:"severity" mapstructure:"severity"`
	AutoBlockThreshold int            `json:"auto_block_threshold" mapstructure:"auto_block_threshold"`
	TimeWindow         time.Duration  `json:"time_window" mapstructure:"time_window"`
	Conditions         RuleConditions `json:"conditions" mapstructure:"conditions"`
	// BlockDuration is nil for permanent blocks
	BlockDuration *time.Duration `json:"block_duration,omitempty" mapstructure:"block_duration"`
	Escalation    Escalation     `json:"escalation" mapstructure:"escalation"`
}

// Validate checks that the rule can be evaluated
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.Severity.Rank() == 0 {
		return fmt.Errorf("%w: rule %s has unknown severity %q", ErrInvalidRule, r.ID, r.Severity)
	}
	if r.AutoBlockThreshold < 1 {
		return fmt.Errorf("%w: rule %s threshold must be at least 1", ErrInvalidRule, r.ID)
	}
	if r.TimeWindow <= 0 {
		return fmt.Errorf("%w: rule %s time window must be positive", ErrInvalidRule, r.ID)
	}
	if r.BlockDuration != nil && *r.BlockDuration <= 0 {
		return fmt.Errorf("%w: rule %s block duration must be positive", ErrInvalidRule, r.ID)
	}
	if r.Escalation.Enabled {
		if r.Escalation.Threshold < 1 {
			return fmt.Errorf("%w: rule %s escalation threshold must be at least 1", ErrInvalidRule, r.ID)
		}
		if r.Escalation.Severity.Rank() == 0 {
			return fmt.Errorf("%w: rule %s has unknown escalation severity %q", ErrInvalidRule, r.ID, r.Escalation.Severity)
		}
	}
	return nil
}

// Clone returns a deep copy of the rule
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions.AttackPatterns = append([]string(nil), r.Conditions.AttackPatterns...)
	c.Conditions.GeoRestrictions = append([]string(nil), r.Conditions.GeoRestrictions...)
	c.Conditions.RateLimitViolations = cloneInt(r.Conditions.RateLimitViolations)
	c.Conditions.SecurityViolations = cloneInt(r.Conditions.SecurityViolations)
	c.Conditions.ReputationThreshold = cloneInt(r.Conditions.ReputationThreshold)
	if r.BlockDuration != nil {
		d := *r.BlockDuration
		c.BlockDuration = &d
	}
	return &c
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
