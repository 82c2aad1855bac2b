package scoring

import (
	"testing"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

func TestTrustFromSeverities(t *testing.T) {
	scorer := NewDefault()

	tests := []struct {
		name       string
		severities []models.Severity
		want       int
	}{
		{"Clean history", nil, 100},
		{"Single low", []models.Severity{models.SeverityLow}, 95},
		{"Mixed", []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow}, 35},
		{"Floored at zero", []models.Severity{
			models.SeverityCritical, models.SeverityCritical, models.SeverityCritical, models.SeverityCritical,
		}, 0},
		{"Unknown severity ignored", []models.Severity{"bogus"}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.TrustFromSeverities(tt.severities)
			if got != tt.want {
				t.Errorf("TrustFromSeverities() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	scorer := NewDefault()

	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"No sources returns baseline", nil, 50},
		{"Two sources diluted by baseline", []float64{80, 20}, 50},
		{"Single low source", []float64{0}, 25},
		{"Single high source", []float64{100}, 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.Aggregate(tt.scores)
			if got != tt.want {
				t.Errorf("Aggregate(%v) = %v, want %v", tt.scores, got, tt.want)
			}
		})
	}
}

func TestShouldBlock(t *testing.T) {
	scorer := NewDefault()

	tests := []struct {
		score float64
		want  bool
	}{
		{29.99, true},
		{30, false},
		{50, false},
		{0, true},
	}

	for _, tt := range tests {
		if got := scorer.ShouldBlock(tt.score); got != tt.want {
			t.Errorf("ShouldBlock(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestInvertRisk(t *testing.T) {
	scorer := NewDefault()

	tests := []struct {
		risk int
		want float64
	}{
		{0, 100},
		{85, 15},
		{100, 0},
		{150, 0},
	}

	for _, tt := range tests {
		if got := scorer.InvertRisk(tt.risk); got != tt.want {
			t.Errorf("InvertRisk(%d) = %v, want %v", tt.risk, got, tt.want)
		}
	}
}

func TestClassifyTrust(t *testing.T) {
	scorer := NewDefault()

	tests := []struct {
		score float64
		want  string
	}{
		{10, "malicious"},
		{30, "suspicious"},
		{60, "neutral"},
		{90, "trusted"},
	}

	for _, tt := range tests {
		if got := scorer.ClassifyTrust(tt.score); got != tt.want {
			t.Errorf("ClassifyTrust(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestRound(t *testing.T) {
	if Round(33.3333) != 33.33 {
		t.Errorf("Round() = %v, want 33.33", Round(33.3333))
	}
}

// Benchmark tests
func BenchmarkTrustFromSeverities(b *testing.B) {
	scorer := NewDefault()
	sevs := []models.Severity{models.SeverityHigh, models.SeverityLow, models.SeverityCritical}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scorer.TrustFromSeverities(sevs)
	}
}

func BenchmarkAggregate(b *testing.B) {
	scorer := NewDefault()
	scores := []float64{80, 20, 65}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scorer.Aggregate(scores)
	}
}
