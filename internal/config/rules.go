package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// RulesConfig holds rule definitions loaded from a rules file
type RulesConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

// RuleConfig holds configuration for a single rule
type RuleConfig struct {
	ID                 string                `mapstructure:"id"`
	Name               string                `mapstructure:"name"`
	Description        string                `mapstructure:"description"`
	Enabled            *bool                 `mapstructure:"enabled"`
	Severity           string                `mapstructure:"severity"`
	AutoBlockThreshold int                   `mapstructure:"auto_block_threshold"`
	TimeWindow         string                `mapstructure:"time_window"`
	BlockDuration      string                `mapstructure:"block_duration"` // empty means permanent
	Conditions         models.RuleConditions `mapstructure:"conditions"`
	Escalation         EscalationConfig      `mapstructure:"escalation"`
}

// EscalationConfig holds escalation settings of a rule
type EscalationConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Threshold int    `mapstructure:"threshold"`
	Severity  string `mapstructure:"severity"`
}

// LoadRules loads rule definitions from file
func LoadRules(path string) ([]*models.Rule, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rules config: %w", err)
	}

	var cfg RulesConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules config: %w", err)
	}

	rules := make([]*models.Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		rule, err := rc.ToRule()
		if err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i+1, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

// ToRule converts a rule definition to a validated rule
func (rc RuleConfig) ToRule() (*models.Rule, error) {
	sev, err := models.ParseSeverity(rc.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRule, err)
	}

	window, err := time.ParseDuration(rc.TimeWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: time_window: %v", models.ErrInvalidRule, err)
	}

	rule := &models.Rule{
		ID:                 rc.ID,
		Name:               rc.Name,
		Description:        rc.Description,
		Enabled:            rc.Enabled == nil || *rc.Enabled,
		Severity:           sev,
		AutoBlockThreshold: rc.AutoBlockThreshold,
		TimeWindow:         window,
		Conditions:         rc.Conditions,
	}

	if rc.BlockDuration != "" {
		d, err := time.ParseDuration(rc.BlockDuration)
		if err != nil {
			return nil, fmt.Errorf("%w: block_duration: %v", models.ErrInvalidRule, err)
		}
		rule.BlockDuration = &d
	}

	if rc.Escalation.Enabled {
		escSev, err := models.ParseSeverity(rc.Escalation.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: escalation: %v", models.ErrInvalidRule, err)
		}
		rule.Escalation = models.Escalation{
			Enabled:   true,
			Threshold: rc.Escalation.Threshold,
			Severity:  escSev,
		}
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}
