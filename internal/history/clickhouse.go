package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// ClickHouseConfig holds ClickHouse connection settings
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// ClickHouseLog stores events in the security_events table
type ClickHouseLog struct {
	conn driver.Conn
	now  func() time.Time
}

// NewClickHouseLog connects to ClickHouse and ensures the events table exists
func NewClickHouseLog(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseLog, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	l := &ClickHouseLog{conn: conn, now: time.Now}
	if err := l.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info(fmt.Sprintf("Connected to ClickHouse at %s:%d", cfg.Host, cfg.Port))
	return l, nil
}

// Migrate creates the security_events table
func (l *ClickHouseLog) Migrate(ctx context.Context) error {
	err := l.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			timestamp  DateTime64(3, 'UTC'),
			ip         String,
			event_type LowCardinality(String),
			severity   LowCardinality(String),
			details    Map(String, String)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (ip, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 30 DAY
	`)
	if err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

// Record appends an event
func (l *ClickHouseLog) Record(ctx context.Context, ip string, ev models.ViolationEvent) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = l.now()
	}
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}

	err := l.conn.Exec(ctx, `
		INSERT INTO security_events (timestamp, ip, event_type, severity, details)
		VALUES (?, ?, ?, ?, ?)
	`, at.UTC(), ip, ev.Type, string(ev.Severity), details)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Count returns the number of matching events at or after since
func (l *ClickHouseLog) Count(ctx context.Context, ip string, since time.Time, types []string) (int, error) {
	var b strings.Builder
	b.WriteString(`SELECT count() FROM security_events WHERE ip = ? AND timestamp >= ?`)
	args := []any{ip, since.UTC()}
	if len(types) > 0 {
		b.WriteString(` AND event_type IN (?)`)
		args = append(args, types)
	}

	var count uint64
	if err := l.conn.QueryRow(ctx, b.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int(count), nil
}

// Severities returns event severities at or after since
func (l *ClickHouseLog) Severities(ctx context.Context, ip string, since time.Time) ([]models.Severity, error) {
	rows, err := l.conn.Query(ctx, `
		SELECT severity FROM security_events
		WHERE ip = ? AND timestamp >= ?
		ORDER BY timestamp
	`, ip, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query severities: %w", err)
	}
	defer rows.Close()

	var out []models.Severity
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, models.Severity(s))
	}
	return out, rows.Err()
}

// Prune drops events older than before
func (l *ClickHouseLog) Prune(ctx context.Context, before time.Time) (int, error) {
	var count uint64
	if err := l.conn.QueryRow(ctx,
		`SELECT count() FROM security_events WHERE timestamp < ?`, before.UTC(),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale events: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := l.conn.Exec(ctx, `ALTER TABLE security_events DELETE WHERE timestamp < ?`, before.UTC()); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return int(count), nil
}

// Close closes the ClickHouse connection
func (l *ClickHouseLog) Close() error {
	return l.conn.Close()
}

// Health pings ClickHouse
func (l *ClickHouseLog) Health(ctx context.Context) error {
	return l.conn.Ping(ctx)
}
