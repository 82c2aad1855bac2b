package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Blocking.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Blocking.CheckTimeout)
	assert.Equal(t, time.Hour, cfg.Reputation.CacheTTL)
	assert.Equal(t, 3*time.Second, cfg.Reputation.SourceTimeout)
	assert.Equal(t, 5*time.Second, cfg.Reputation.EvaluationTimeout)
	assert.Equal(t, 50.0, cfg.Reputation.Baseline)
	assert.Equal(t, 30.0, cfg.Reputation.BlockThreshold)
	assert.Equal(t, []string{"KP", "IR", "SY", "CU"}, cfg.Geo.SanctionedCountries)
	assert.Equal(t, 80, cfg.Geo.HighRiskThreshold)
	assert.Equal(t, time.Hour, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.ReputationEvictInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.GeoRefreshInterval)
	assert.Zero(t, cfg.Scheduler.ExportInterval)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9100
blocking:
  store: memory
  check_timeout: 100ms
geo:
  sanctioned_countries: [KP]
  risk_table:
    RU:
      risk_score: 85
      categories: [botnet, fraud]
reputation:
  static:
    - cidr: 203.0.113.0/24
      score: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Blocking.CheckTimeout)
	assert.Equal(t, []string{"KP"}, cfg.Geo.SanctionedCountries)
	require.Contains(t, cfg.Geo.RiskTable, "ru")
	assert.Equal(t, 85, cfg.Geo.RiskTable["ru"].RiskScore)
	assert.Equal(t, []string{"botnet", "fraud"}, cfg.Geo.RiskTable["ru"].Categories)
	require.Len(t, cfg.Reputation.Static, 1)
	assert.Equal(t, StaticScore{CIDR: "203.0.113.0/24", Score: 5}, cfg.Reputation.Static[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IPSHIELD_SERVER_PORT", "9200")
	t.Setenv("IPSHIELD_LOGGING_LEVEL", "debug")

	path := writeFile(t, "config.yaml", "server:\n  host: 127.0.0.1\n")
	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"unknown store", "blocking:\n  store: mongo\n", true},
		{"redis cache without redis", "reputation:\n  cache: redis\n", true},
		{"redis cache with redis", "redis:\n  enabled: true\nreputation:\n  cache: redis\n", false},
		{"clickhouse history without clickhouse", "blocking:\n  history: clickhouse\n", true},
		{"risk out of range", "geo:\n  risk_table:\n    RU:\n      risk_score: 101\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - id: credential_stuffing
    name: Credential Stuffing
    severity: high
    auto_block_threshold: 20
    time_window: 10m
    block_duration: 6h
    conditions:
      attack_patterns: [brute_force, login_failure]
      geo_restrictions: [RU, CN]
    escalation:
      enabled: true
      threshold: 2
      severity: critical
  - id: permanent_scanner
    enabled: false
    severity: low
    auto_block_threshold: 100
    time_window: 1h
`)

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	r := rules[0]
	assert.Equal(t, "credential_stuffing", r.ID)
	assert.True(t, r.Enabled)
	assert.Equal(t, models.SeverityHigh, r.Severity)
	assert.Equal(t, 10*time.Minute, r.TimeWindow)
	require.NotNil(t, r.BlockDuration)
	assert.Equal(t, 6*time.Hour, *r.BlockDuration)
	assert.Equal(t, []string{"brute_force", "login_failure"}, r.Conditions.AttackPatterns)
	assert.Equal(t, []string{"RU", "CN"}, r.Conditions.GeoRestrictions)
	assert.Equal(t, models.Escalation{Enabled: true, Threshold: 2, Severity: models.SeverityCritical}, r.Escalation)

	assert.False(t, rules[1].Enabled)
	assert.Nil(t, rules[1].BlockDuration)
}

func TestLoadRulesInvalid(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - id: broken
    severity: high
    auto_block_threshold: 0
    time_window: 5m
`)

	_, err := LoadRules(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidRule))
}

func TestShippedFiles(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Blocking.Store)
	assert.Equal(t, "X-Forwarded-For", cfg.Server.ProxyHeader)
	assert.Equal(t, 600, cfg.API.RateLimit)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.ExportInterval)

	rules, err := LoadRules(filepath.Join("..", "..", "configs", "rules.yaml"))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "login_abuse", rules[0].ID)
	assert.True(t, rules[0].Escalation.Enabled)
}
