package history

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Runs against a live server when IPSHIELD_TEST_CLICKHOUSE_ADDR (host:port) is set
func newTestClickHouse(t *testing.T) *ClickHouseLog {
	t.Helper()
	addr := os.Getenv("IPSHIELD_TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("IPSHIELD_TEST_CLICKHOUSE_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	l, err := NewClickHouseLog(context.Background(), ClickHouseConfig{
		Host:     host,
		Port:     port,
		Database: "default",
		Username: "default",
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestClickHouseLogRoundTrip(t *testing.T) {
	l := newTestClickHouse(t)
	ctx := context.Background()

	ip := "203.0.113." + strconv.Itoa(int(time.Now().UnixNano()%200)+1)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, l.Record(ctx, ip, models.ViolationEvent{Type: "xss_attempt", Severity: models.SeverityHigh, Timestamp: now}))
	require.NoError(t, l.Record(ctx, ip, models.ViolationEvent{Type: "brute_force", Severity: models.SeverityLow, Timestamp: now}))

	n, err := l.Count(ctx, ip, now.Add(-time.Second), []string{"xss_attempt"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	sevs, err := l.Severities(ctx, ip, now.Add(-time.Second))
	require.NoError(t, err)
	assert.NotEmpty(t, sevs)
}
