// Package geo classifies traffic by country risk.
package geo

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// DefaultRiskScore is assigned to countries the table has not seen yet
const DefaultRiskScore = 50

// Table holds one GeoThreatRecord per country code
type Table struct {
	mu          sync.RWMutex
	records     map[string]*models.GeoThreatRecord
	defaultRisk int
	now         func() time.Time
}

// NewTable creates an empty table. Unknown countries are populated lazily
// with defaultRisk.
func NewTable(defaultRisk int, clock func() time.Time) *Table {
	if clock == nil {
		clock = time.Now
	}
	return &Table{
		records:     make(map[string]*models.GeoThreatRecord),
		defaultRisk: defaultRisk,
		now:         clock,
	}
}

func normalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// Set stores the risk record of a country, replacing any existing one
func (t *Table) Set(country string, riskScore int, categories []string) {
	country = normalizeCountry(country)
	if country == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[country] = &models.GeoThreatRecord{
		Country:          country,
		RiskScore:        clampRisk(riskScore),
		ThreatCategories: slices.Clone(categories),
		LastUpdated:      t.now(),
	}
}

// Get returns the record of country, creating the default record on first use
func (t *Table) Get(country string) models.GeoThreatRecord {
	country = normalizeCountry(country)
	if country == "" {
		return models.GeoThreatRecord{RiskScore: t.defaultRisk, ThreatCategories: []string{}}
	}

	t.mu.RLock()
	rec, ok := t.records[country]
	if ok {
		out := *rec
		out.ThreatCategories = slices.Clone(rec.ThreatCategories)
		t.mu.RUnlock()
		return out
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok = t.records[country]; !ok {
		rec = &models.GeoThreatRecord{
			Country:          country,
			RiskScore:        t.defaultRisk,
			ThreatCategories: []string{},
			LastUpdated:      t.now(),
		}
		t.records[country] = rec
	}
	out := *rec
	out.ThreatCategories = slices.Clone(rec.ThreatCategories)
	return out
}

// Apply merges feed records into the table and returns how many were applied
func (t *Table) Apply(records []models.GeoThreatRecord) int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	applied := 0
	for _, r := range records {
		country := normalizeCountry(r.Country)
		if country == "" {
			continue
		}
		t.records[country] = &models.GeoThreatRecord{
			Country:          country,
			RiskScore:        clampRisk(r.RiskScore),
			ThreatCategories: slices.Clone(r.ThreatCategories),
			LastUpdated:      now,
		}
		applied++
	}
	return applied
}

// Touch marks every record as refreshed without changing scores
func (t *Table) Touch() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		rec.LastUpdated = now
	}
	return len(t.records)
}

// Snapshot returns every record ordered by country code
func (t *Table) Snapshot() []models.GeoThreatRecord {
	t.mu.RLock()
	out := make([]models.GeoThreatRecord, 0, len(t.records))
	for _, rec := range t.records {
		r := *rec
		r.ThreatCategories = slices.Clone(rec.ThreatCategories)
		out = append(out, r)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.GeoThreatRecord) int {
		return cmp.Compare(a.Country, b.Country)
	})
	return out
}

// Len returns the number of countries in the table
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func clampRisk(score int) int {
	return max(0, min(100, score))
}
