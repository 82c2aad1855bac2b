package store

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// record guards one entry. Records are never removed from the map, so a
// pointer obtained under the map lock stays valid.
type record struct {
	mu         sync.Mutex
	entry      *models.BlockEntry
	overridden bool
}

// MemoryStore keeps entries in process memory.
//
// Lock order: the map lock is never held while waiting on a record lock that
// another goroutine may hold.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*record
	cidrs     map[string]netip.Prefix
	now       func() time.Time
	overrides atomic.Int64
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		records: make(map[string]*record),
		cidrs:   make(map[string]netip.Prefix),
		now:     clock,
	}
}

// Lookup returns the effective entry for ip. An exact match wins over CIDR
// matches, and the most specific CIDR wins among those.
func (s *MemoryStore) Lookup(_ context.Context, ip string) (*models.BlockEntry, bool, error) {
	addr, err := iputil.ParseIP(ip)
	if err != nil {
		return nil, false, err
	}
	key := addr.WithZone("").String()

	type candidate struct {
		rec  *record
		bits int
	}

	s.mu.RLock()
	var candidates []candidate
	if rec, ok := s.records[key]; ok {
		candidates = append(candidates, candidate{rec: rec, bits: addr.BitLen() + 1})
	}
	for owner, prefix := range s.cidrs {
		if prefix.Contains(addr) {
			candidates = append(candidates, candidate{rec: s.records[owner], bits: prefix.Bits()})
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(b.bits, a.bits)
	})

	now := s.now()
	for _, c := range candidates {
		c.rec.mu.Lock()
		e := c.rec.entry
		if e != nil && e.IsEffective(now) {
			e.LastActivity = now
			e.BlockedRequestCount++
			out := e.Clone()
			c.rec.mu.Unlock()
			return out, true, nil
		}
		c.rec.mu.Unlock()
	}

	return nil, false, nil
}

// Get returns the entry keyed by ip
func (s *MemoryStore) Get(_ context.Context, ip string) (*models.BlockEntry, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrEntryNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.entry == nil {
		return nil, models.ErrEntryNotFound
	}
	return rec.entry.Clone(), nil
}

// acquire returns the locked record for key, creating it when absent
func (s *MemoryStore) acquire(key string) *record {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		rec.mu.Lock()
		return rec
	}

	s.mu.Lock()
	rec, ok = s.records[key]
	if !ok {
		rec = &record{}
		rec.mu.Lock()
		s.records[key] = rec
		s.mu.Unlock()
		return rec
	}
	s.mu.Unlock()

	rec.mu.Lock()
	return rec
}

// Upsert creates or merges an entry
func (s *MemoryStore) Upsert(_ context.Context, params models.BlockParams) (*models.BlockEntry, error) {
	p, err := normalizeParams(params)
	if err != nil {
		return nil, err
	}

	rec := s.acquire(p.IP)
	defer rec.mu.Unlock()

	now := s.now()
	expires, permanent := p.ExpiresAt(now)

	e := rec.entry
	if e == nil {
		e = &models.BlockEntry{
			IP:            p.IP,
			FirstDetected: now,
			CreatedAt:     now,
		}
		rec.entry = e
	}

	e.AttackCount++
	e.Active = true
	e.Reason = p.Reason
	e.Severity = p.Severity
	e.ExpiresAt = expires
	e.Permanent = permanent
	e.LastActivity = now
	e.UpdatedAt = now
	if p.Notes != "" {
		e.Notes = p.Notes
	}
	if p.AddedBy != "" {
		e.AddedBy = p.AddedBy
	}
	if p.Geo != nil {
		g := *p.Geo
		e.Geo = &g
	}

	if p.CIDRRange != "" && p.CIDRRange != e.CIDRRange {
		e.CIDRRange = p.CIDRRange
		prefix := netip.MustParsePrefix(p.CIDRRange)
		s.mu.Lock()
		s.cidrs[p.IP] = prefix
		s.mu.Unlock()
	}

	return e.Clone(), nil
}

// Deactivate disables an entry and appends an audit note
func (s *MemoryStore) Deactivate(_ context.Context, ip, reason, actor string) (bool, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	e := rec.entry
	if e == nil {
		return false, nil
	}

	now := s.now()
	if e.Active && e.AddedBy == models.SystemActor && !rec.overridden {
		rec.overridden = true
		s.overrides.Add(1)
	}

	e.Active = false
	e.UpdatedAt = now
	note := unblockNote(now.UTC().Format(time.RFC3339), actor, reason)
	if e.Notes == "" {
		e.Notes = note
	} else {
		e.Notes += "\n" + note
	}

	return true, nil
}

// SweepExpired deactivates temporary entries whose expiry has passed
func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	now := s.now()
	swept := 0
	for _, rec := range s.snapshot() {
		rec.mu.Lock()
		e := rec.entry
		if e != nil && e.Active && e.IsExpired(now) {
			e.Active = false
			e.UpdatedAt = now
			swept++
		}
		rec.mu.Unlock()
	}
	return swept, nil
}

// Stats summarizes the store
func (s *MemoryStore) Stats(_ context.Context) (*models.BlockStats, error) {
	now := s.now()
	dayStart := now.UTC().Truncate(24 * time.Hour)
	stats := &models.BlockStats{
		ReasonBreakdown:              make(map[models.BlockReason]int),
		SeverityBreakdown:            make(map[models.Severity]int),
		TopCountries:                 []models.CountryCount{},
		FalsePositiveRateApproximate: true,
	}

	countries := make(map[string]int)
	for _, e := range s.entries() {
		stats.Total++
		if !e.CreatedAt.Before(now.Add(-recentlyAddedWindow)) {
			stats.RecentlyAdded++
		}
		if !e.LastActivity.Before(dayStart) {
			stats.BlockedRequestsToday += e.BlockedRequestCount
		}
		if !e.IsEffective(now) {
			continue
		}
		stats.Active++
		stats.ReasonBreakdown[e.Reason]++
		stats.SeverityBreakdown[e.Severity]++
		if e.Geo != nil && e.Geo.Country != "" {
			countries[e.Geo.Country]++
		}
	}

	stats.TopCountries = topCountries(countries)
	if stats.Total > 0 {
		stats.FalsePositiveRate = float64(s.overrides.Load()) / float64(stats.Total)
	}
	return stats, nil
}

// List returns one page of entries, newest first
func (s *MemoryStore) List(_ context.Context, filter models.ListFilter) (*models.EntryPage, error) {
	f := filter.Normalize()
	now := s.now()

	var matched []*models.BlockEntry
	for _, e := range s.entries() {
		if !f.IncludeInactive && !e.IsEffective(now) {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Reason != "" && e.Reason != f.Reason {
			continue
		}
		matched = append(matched, e)
	}

	slices.SortFunc(matched, func(a, b *models.BlockEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.IP, b.IP)
	})

	page := &models.EntryPage{
		Entries: []*models.BlockEntry{},
		Total:   len(matched),
		Page:    f.Page,
		Limit:   f.Limit,
	}
	if off := f.Offset(); off >= 0 && off < len(matched) {
		page.Entries = matched[off:min(off+f.Limit, len(matched))]
	}
	return page, nil
}

// Active returns every effective entry ordered by IP
func (s *MemoryStore) Active(_ context.Context) ([]*models.BlockEntry, error) {
	now := s.now()
	var out []*models.BlockEntry
	for _, e := range s.entries() {
		if e.IsEffective(now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *models.BlockEntry) int {
		return cmp.Compare(a.IP, b.IP)
	})
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) snapshot() []*record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// entries returns clones of every stored entry
func (s *MemoryStore) entries() []*models.BlockEntry {
	recs := s.snapshot()
	out := make([]*models.BlockEntry, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.entry != nil {
			out = append(out, rec.entry.Clone())
		}
		rec.mu.Unlock()
	}
	return out
}

func topCountries(counts map[string]int) []models.CountryCount {
	out := make([]models.CountryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, models.CountryCount{Country: c, Count: n})
	}
	slices.SortFunc(out, func(a, b models.CountryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Country, b.Country)
	})
	if len(out) > topCountriesLimit {
		out = out[:topCountriesLimit]
	}
	return out
}
