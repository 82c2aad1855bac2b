package scoring

import (
	"math"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Config holds scoring configuration
type Config struct {
	// Trust deducted per recorded violation, by severity
	SeverityPenalties map[models.Severity]int

	// Starting trust of an IP with a clean history
	BaseScore int

	// Score bounds
	MinScore int
	MaxScore int

	// Neutral vote added to every aggregate
	Baseline float64

	// Aggregates strictly below this are blocked
	BlockThreshold float64
}

// DefaultConfig returns the default scoring configuration
func DefaultConfig() Config {
	return Config{
		SeverityPenalties: map[models.Severity]int{
			models.SeverityCritical: 30,
			models.SeverityHigh:     20,
			models.SeverityMedium:   10,
			models.SeverityLow:      5,
		},
		BaseScore:      100,
		MinScore:       0,
		MaxScore:       100,
		Baseline:       50,
		BlockThreshold: 30,
	}
}

// Scorer calculates trust scores for IPs. Higher scores are more trusted.
type Scorer struct {
	config Config
}

// New creates a new Scorer with the given configuration
func New(config Config) *Scorer {
	return &Scorer{config: config}
}

// NewDefault creates a new Scorer with default configuration
func NewDefault() *Scorer {
	return New(DefaultConfig())
}

// Baseline returns the neutral aggregate vote
func (s *Scorer) Baseline() float64 {
	return s.config.Baseline
}

// TrustFromSeverities derives a trust score from an IP's violation history
// Formula: T = max(MinScore, BaseScore - Σ P(severity))
func (s *Scorer) TrustFromSeverities(severities []models.Severity) int {
	score := s.config.BaseScore
	for _, sev := range severities {
		score -= s.config.SeverityPenalties[sev]
	}
	return s.clamp(score)
}

// Aggregate combines source scores with the baseline acting as one extra vote
// Formula: A = (Baseline + Σ scores) / (n + 1)
func (s *Scorer) Aggregate(scores []float64) float64 {
	total := s.config.Baseline
	for _, v := range scores {
		total += v
	}
	return total / float64(len(scores)+1)
}

// ShouldBlock reports whether an aggregate trust score warrants a block
func (s *Scorer) ShouldBlock(score float64) bool {
	return score < s.config.BlockThreshold
}

// InvertRisk converts a 0-100 risk score into a 0-100 trust score
func (s *Scorer) InvertRisk(risk int) float64 {
	return float64(s.config.MaxScore - s.clamp(risk))
}

func (s *Scorer) clamp(score int) int {
	if score < s.config.MinScore {
		return s.config.MinScore
	}
	if score > s.config.MaxScore {
		return s.config.MaxScore
	}
	return score
}

// ClassifyTrust classifies the trust level of a score
func (s *Scorer) ClassifyTrust(score float64) string {
	switch {
	case score < s.config.BlockThreshold:
		return "malicious"
	case score < 50:
		return "suspicious"
	case score < 75:
		return "neutral"
	default:
		return "trusted"
	}
}

// Round rounds a score to two decimals for reporting
func Round(score float64) float64 {
	return math.Round(score*100) / 100
}
