package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// PoolOptions tunes the connection pool
type PoolOptions struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PostgresStore keeps entries in the ip_blacklist table. Per-IP atomicity
// comes from single-statement upserts and updates.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgreSQL connection pool
func NewPostgresStore(ctx context.Context, dsn string, opts PoolOptions) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = int32(opts.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL database")
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Migrate creates the ip_blacklist table and its indexes
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ip_blacklist (
			ip                    TEXT PRIMARY KEY,
			cidr_range            CIDR,
			reason                TEXT NOT NULL,
			severity              TEXT NOT NULL,
			first_detected        TIMESTAMPTZ NOT NULL,
			last_activity         TIMESTAMPTZ NOT NULL,
			attack_count          INTEGER NOT NULL DEFAULT 1 CHECK (attack_count >= 1),
			blocked_request_count BIGINT NOT NULL DEFAULT 0,
			active                BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at            TIMESTAMPTZ,
			permanent             BOOLEAN NOT NULL DEFAULT FALSE,
			geo_country           TEXT,
			geo_region            TEXT,
			geo_city              TEXT,
			geo_asn               INTEGER,
			geo_isp               TEXT,
			added_by              TEXT,
			notes                 TEXT,
			manual_override       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at            TIMESTAMPTZ NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL,
			CONSTRAINT ip_blacklist_permanent_no_expiry CHECK (NOT permanent OR expires_at IS NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_blacklist_cidr ON ip_blacklist USING gist (cidr_range inet_ops) WHERE cidr_range IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ip_blacklist_active_created ON ip_blacklist (active, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_blacklist_expires ON ip_blacklist (expires_at) WHERE active AND NOT permanent`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const entryColumns = `ip, cidr_range::text, reason, severity, first_detected, last_activity,
	attack_count, blocked_request_count, active, expires_at, permanent,
	geo_country, geo_region, geo_city, geo_asn, geo_isp, added_by, notes,
	created_at, updated_at`

// effective matches rows that currently block; $1 is now
const effectiveClause = `active AND (permanent OR expires_at IS NULL OR expires_at > $1)`

func scanEntry(row pgx.Row) (*models.BlockEntry, error) {
	var (
		e                                models.BlockEntry
		cidr, country, region, city, isp *string
		addedBy, notes, reason, severity *string
		asn                              *int32
	)
	err := row.Scan(
		&e.IP, &cidr, &reason, &severity, &e.FirstDetected, &e.LastActivity,
		&e.AttackCount, &e.BlockedRequestCount, &e.Active, &e.ExpiresAt, &e.Permanent,
		&country, &region, &city, &asn, &isp, &addedBy, &notes,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.CIDRRange = deref(cidr)
	e.Reason = models.BlockReason(deref(reason))
	e.Severity = models.Severity(deref(severity))
	e.AddedBy = deref(addedBy)
	e.Notes = deref(notes)
	if country != nil || region != nil || city != nil || asn != nil || isp != nil {
		e.Geo = &models.GeoInfo{
			Country: deref(country),
			Region:  deref(region),
			City:    deref(city),
			ISP:     deref(isp),
		}
		if asn != nil {
			e.Geo.ASN = int(*asn)
		}
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*models.BlockEntry, error) {
	defer rows.Close()
	var out []*models.BlockEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lookup returns the effective entry for ip and records the hit in the same
// statement. Exact matches win, then the longest CIDR prefix.
func (s *PostgresStore) Lookup(ctx context.Context, ip string) (*models.BlockEntry, bool, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return nil, false, err
	}

	query := `
		UPDATE ip_blacklist
		SET last_activity = $2, blocked_request_count = blocked_request_count + 1
		WHERE ip = (
			SELECT ip FROM ip_blacklist
			WHERE active AND (permanent OR expires_at IS NULL OR expires_at > $2)
			  AND (ip = $1::text OR (cidr_range IS NOT NULL AND $1::inet <<= cidr_range))
			ORDER BY (ip = $1::text) DESC, masklen(cidr_range) DESC NULLS LAST
			LIMIT 1
		)
		RETURNING ` + entryColumns

	e, err := scanEntry(s.pool.QueryRow(ctx, query, key, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup failed: %w", err)
	}
	return e, true, nil
}

// Get returns the entry keyed by ip
func (s *PostgresStore) Get(ctx context.Context, ip string) (*models.BlockEntry, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return nil, err
	}

	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ip_blacklist WHERE ip = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry failed: %w", err)
	}
	return e, nil
}

// Upsert inserts an entry or merges into the existing row
func (s *PostgresStore) Upsert(ctx context.Context, params models.BlockParams) (*models.BlockEntry, error) {
	p, err := normalizeParams(params)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expires, permanent := p.ExpiresAt(now)

	var country, region, city, isp *string
	var asn *int32
	if p.Geo != nil {
		country, region, city, isp = nullable(p.Geo.Country), nullable(p.Geo.Region), nullable(p.Geo.City), nullable(p.Geo.ISP)
		if p.Geo.ASN != 0 {
			v := int32(p.Geo.ASN)
			asn = &v
		}
	}

	query := `
		INSERT INTO ip_blacklist (
			ip, cidr_range, reason, severity, first_detected, last_activity,
			attack_count, blocked_request_count, active, expires_at, permanent,
			geo_country, geo_region, geo_city, geo_asn, geo_isp, added_by, notes,
			created_at, updated_at
		) VALUES ($1, $2::cidr, $3, $4, $5, $5, 1, 0, TRUE, $6, $7, $8, $9, $10, $11, $12, $13, $14, $5, $5)
		ON CONFLICT (ip) DO UPDATE SET
			cidr_range    = COALESCE(EXCLUDED.cidr_range, ip_blacklist.cidr_range),
			reason        = EXCLUDED.reason,
			severity      = EXCLUDED.severity,
			last_activity = EXCLUDED.last_activity,
			attack_count  = ip_blacklist.attack_count + 1,
			active        = TRUE,
			expires_at    = EXCLUDED.expires_at,
			permanent     = EXCLUDED.permanent,
			geo_country   = COALESCE(EXCLUDED.geo_country, ip_blacklist.geo_country),
			geo_region    = COALESCE(EXCLUDED.geo_region, ip_blacklist.geo_region),
			geo_city      = COALESCE(EXCLUDED.geo_city, ip_blacklist.geo_city),
			geo_asn       = COALESCE(EXCLUDED.geo_asn, ip_blacklist.geo_asn),
			geo_isp       = COALESCE(EXCLUDED.geo_isp, ip_blacklist.geo_isp),
			added_by      = COALESCE(EXCLUDED.added_by, ip_blacklist.added_by),
			notes         = COALESCE(EXCLUDED.notes, ip_blacklist.notes),
			updated_at    = EXCLUDED.updated_at
		RETURNING ` + entryColumns

	e, err := scanEntry(s.pool.QueryRow(ctx, query,
		p.IP,
		nullable(p.CIDRRange),
		string(p.Reason),
		string(p.Severity),
		now,
		expires,
		permanent,
		country, region, city, asn, isp,
		nullable(p.AddedBy),
		nullable(p.Notes),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert failed: %w", err)
	}
	return e, nil
}

// Deactivate disables an entry and appends an audit note
func (s *PostgresStore) Deactivate(ctx context.Context, ip, reason, actor string) (bool, error) {
	key, err := iputil.Canonical(ip)
	if err != nil {
		return false, err
	}

	now := s.now()
	note := unblockNote(now.UTC().Format(time.RFC3339), actor, reason)

	result, err := s.pool.Exec(ctx, `
		UPDATE ip_blacklist SET
			manual_override = manual_override OR (active AND added_by = $4),
			active = FALSE,
			notes = CASE WHEN notes IS NULL OR notes = '' THEN $2::text ELSE notes || E'\n' || $2::text END,
			updated_at = $3
		WHERE ip = $1
	`, key, note, now, models.SystemActor)
	if err != nil {
		return false, fmt.Errorf("deactivate failed: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SweepExpired deactivates temporary entries whose expiry has passed
func (s *PostgresStore) SweepExpired(ctx context.Context) (int, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE ip_blacklist SET active = FALSE, updated_at = $1
		WHERE active AND NOT permanent AND expires_at IS NOT NULL AND expires_at <= $1
	`, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep failed: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Stats summarizes the table
func (s *PostgresStore) Stats(ctx context.Context) (*models.BlockStats, error) {
	now := s.now()
	stats := &models.BlockStats{
		ReasonBreakdown:              make(map[models.BlockReason]int),
		SeverityBreakdown:            make(map[models.Severity]int),
		TopCountries:                 []models.CountryCount{},
		FalsePositiveRateApproximate: true,
	}

	var overrides int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE `+effectiveClause+`),
			COUNT(*) FILTER (WHERE created_at >= $2),
			COALESCE(SUM(blocked_request_count) FILTER (WHERE last_activity >= $3), 0)::BIGINT,
			COUNT(*) FILTER (WHERE manual_override)
		FROM ip_blacklist
	`, now, now.Add(-recentlyAddedWindow), now.UTC().Truncate(24*time.Hour)).Scan(
		&stats.Total, &stats.Active, &stats.RecentlyAdded, &stats.BlockedRequestsToday, &overrides,
	)
	if err != nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}
	if stats.Total > 0 {
		stats.FalsePositiveRate = float64(overrides) / float64(stats.Total)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT geo_country, COUNT(*) AS n FROM ip_blacklist
		WHERE `+effectiveClause+` AND geo_country IS NOT NULL AND geo_country <> ''
		GROUP BY geo_country
		ORDER BY n DESC, geo_country ASC
		LIMIT $2
	`, now, topCountriesLimit)
	if err != nil {
		return nil, fmt.Errorf("top countries failed: %w", err)
	}
	for rows.Next() {
		var cc models.CountryCount
		if err := rows.Scan(&cc.Country, &cc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.TopCountries = append(stats.TopCountries, cc)
	}
	rows.Close()

	if err := s.breakdown(ctx, "reason", now, func(k string, n int) {
		stats.ReasonBreakdown[models.BlockReason(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.breakdown(ctx, "severity", now, func(k string, n int) {
		stats.SeverityBreakdown[models.Severity(k)] = n
	}); err != nil {
		return nil, err
	}

	return stats, nil
}

// breakdown groups effective rows by a fixed column name
func (s *PostgresStore) breakdown(ctx context.Context, column string, now time.Time, add func(string, int)) error {
	rows, err := s.pool.Query(ctx, `SELECT `+column+`, COUNT(*) FROM ip_blacklist WHERE `+effectiveClause+` GROUP BY `+column, now)
	if err != nil {
		return fmt.Errorf("%s breakdown failed: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		add(k, n)
	}
	return rows.Err()
}

// List returns one page of entries, newest first
func (s *PostgresStore) List(ctx context.Context, filter models.ListFilter) (*models.EntryPage, error) {
	f := filter.Normalize()

	conds := []string{"TRUE"}
	args := []any{s.now()}
	if !f.IncludeInactive {
		conds = append(conds, effectiveClause)
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.Reason != "" {
		args = append(args, string(f.Reason))
		conds = append(conds, fmt.Sprintf("reason = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	page := &models.EntryPage{Entries: []*models.BlockEntry{}, Page: f.Page, Limit: f.Limit}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ip_blacklist WHERE `+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count entries failed: %w", err)
	}

	args = append(args, f.Limit, f.Offset())
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM ip_blacklist WHERE %s ORDER BY created_at DESC, ip ASC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args),
	), args...)
	if err != nil {
		return nil, fmt.Errorf("list entries failed: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if entries != nil {
		page.Entries = entries
	}
	return page, nil
}

// Active returns every effective entry ordered by IP
func (s *PostgresStore) Active(ctx context.Context) ([]*models.BlockEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM ip_blacklist WHERE `+effectiveClause+` ORDER BY ip`, s.now())
	if err != nil {
		return nil, fmt.Errorf("fetch active entries failed: %w", err)
	}
	return scanEntries(rows)
}

// Health checks database health
func (s *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
