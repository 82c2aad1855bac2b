package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfrfrfr/beon-ipshield/internal/blocker"
	"github.com/lfrfrfr/beon-ipshield/internal/cache"
	"github.com/lfrfrfr/beon-ipshield/internal/geo"
	"github.com/lfrfrfr/beon-ipshield/internal/history"
	"github.com/lfrfrfr/beon-ipshield/internal/reputation"
	"github.com/lfrfrfr/beon-ipshield/internal/rules"
	"github.com/lfrfrfr/beon-ipshield/internal/store"
)

type fakeExporter struct{ n int }

func (e fakeExporter) Export(context.Context) (int, error) { return e.n, nil }

func newTestApp(t *testing.T, opts ...Option) *fiber.App {
	t.Helper()

	st := store.NewMemoryStore(nil)
	log := history.NewMemoryLog(nil)
	engine := rules.NewEngine(log, st)
	for _, r := range rules.DefaultRules() {
		require.NoError(t, engine.AddRule(r))
	}
	geoEval := geo.NewEvaluator(geo.NewTable(geo.DefaultRiskScore, nil), geo.Config{SanctionedCountries: []string{"KP"}})
	rep := reputation.NewEvaluator(
		[]reputation.Source{reputation.NewHistorySource(log, nil, time.Hour, nil)},
		cache.NewMemoryCache(time.Hour, nil), nil, reputation.DefaultConfig())

	svc := blocker.New(st, engine, geoEval, rep)
	h := New(svc, "test", opts...)

	app := fiber.New()
	app.Get("/health", h.HealthCheck())
	h.Register(app.Group("/api/v1"))
	app.Use(NotFound())
	return app
}

func call(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestViolationFlow(t *testing.T) {
	app := newTestApp(t)
	ev := map[string]any{"ip": "203.0.113.40", "type": "sql_injection", "severity": "high"}

	for i := 0; i < 2; i++ {
		status, body := call(t, app, "POST", "/api/v1/violations", ev)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, false, body["blocked"])
	}

	status, body := call(t, app, "POST", "/api/v1/violations", ev)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["blocked"])
	assert.Equal(t, "security_violations", body["rule"])

	status, body = call(t, app, "GET", "/api/v1/check/203.0.113.40", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["blocked"])
	assert.Equal(t, "security_violation", body["reason"])

	status, body = call(t, app, "GET", "/api/v1/check/not-an-ip", nil)
	require.Equal(t, fiber.StatusOK, status, "checks never fail")
	assert.Equal(t, false, body["blocked"])
}

func TestViolationValidation(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"invalid ip", map[string]any{"ip": "1.2.3", "type": "xss_attempt"}, "invalid_ip"},
		{"missing type", map[string]any{"ip": "203.0.113.1"}, "invalid_request"},
		{"bad severity", map[string]any{"ip": "203.0.113.1", "type": "xss_attempt", "severity": "apocalyptic"}, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, app, "POST", "/api/v1/violations", tt.body)
			assert.Equal(t, fiber.StatusBadRequest, status)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestManualBlockAndUnblock(t *testing.T) {
	app := newTestApp(t)

	status, body := call(t, app, "POST", "/api/v1/entries", map[string]any{
		"ip": "198.51.100.8", "severity": "high", "duration_minutes": 30, "notes": "abuse desk",
	})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "manual_block", body["reason"])
	assert.Equal(t, "admin", body["added_by"])
	assert.NotEmpty(t, body["expires_at"])

	status, _ = call(t, app, "POST", "/api/v1/entries", map[string]any{"ip": "198.51.100.9", "reason": "whatever"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = call(t, app, "GET", "/api/v1/entries/198.51.100.8", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["active"])

	status, _ = call(t, app, "DELETE", "/api/v1/entries/198.51.100.8?reason=resolved&actor=carol", nil)
	require.Equal(t, fiber.StatusOK, status)

	status, body = call(t, app, "GET", "/api/v1/entries/198.51.100.8", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["active"])
	assert.Contains(t, body["notes"], "Unblocked by carol: resolved")

	status, body = call(t, app, "DELETE", "/api/v1/entries/198.51.100.99", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "entry_not_found", body["error"])

	status, _ = call(t, app, "GET", "/api/v1/entries/198.51.100.99", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestListEntriesAndStats(t *testing.T) {
	app := newTestApp(t)
	for _, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		status, _ := call(t, app, "POST", "/api/v1/entries", map[string]any{"ip": ip, "severity": "low"})
		require.Equal(t, fiber.StatusCreated, status)
	}

	status, body := call(t, app, "GET", "/api/v1/entries?limit=2&page=2", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["entries"], 1)

	status, _ = call(t, app, "GET", "/api/v1/entries?severity=extreme", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = call(t, app, "GET", "/api/v1/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 3, body["active"])
	assert.Equal(t, true, body["false_positive_rate_approximate"])
}

func TestRuleCRUD(t *testing.T) {
	app := newTestApp(t)

	status, body := call(t, app, "GET", "/api/v1/rules", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 4, body["count"])

	rule := map[string]any{
		"id": "login_abuse", "name": "Login abuse", "severity": "medium",
		"auto_block_threshold": 5, "time_window_minutes": 10, "block_duration_minutes": 15,
		"conditions": map[string]any{"attack_patterns": []string{"login_failed"}},
		"escalation": map[string]any{"enabled": true, "escalation_threshold": 2, "escalation_severity": "high"},
	}
	status, body = call(t, app, "POST", "/api/v1/rules", rule)
	require.Equal(t, fiber.StatusCreated, status)
	assert.EqualValues(t, 10, body["time_window_minutes"])

	status, body = call(t, app, "GET", "/api/v1/rules/login_abuse", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 15, body["block_duration_minutes"])
	assert.Equal(t, true, body["enabled"])

	rule["auto_block_threshold"] = 0
	status, body = call(t, app, "PUT", "/api/v1/rules/login_abuse", rule)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_rule", body["error"])

	rule["auto_block_threshold"] = 7
	status, _ = call(t, app, "PUT", "/api/v1/rules/nope", rule)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = call(t, app, "PUT", "/api/v1/rules/login_abuse", rule)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 7, body["auto_block_threshold"])

	status, _ = call(t, app, "DELETE", "/api/v1/rules/login_abuse", nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, body = call(t, app, "GET", "/api/v1/rules/login_abuse", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "rule_not_found", body["error"])
}

func TestEvaluations(t *testing.T) {
	app := newTestApp(t)

	status, body := call(t, app, "POST", "/api/v1/evaluate/geo", map[string]any{
		"ip": "203.0.113.3", "geo": map[string]any{"country": "kp"},
	})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["should_block"])
	assert.EqualValues(t, 100, body["risk_score"])
	assert.Equal(t, "Sanctioned country: KP", body["reason"])

	status, body = call(t, app, "POST", "/api/v1/evaluate/geo", map[string]any{"ip": "203.0.113.3"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["should_block"])

	status, body = call(t, app, "GET", "/api/v1/evaluate/reputation/203.0.113.3", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 75, body["score"], "clean history: (50+100)/2")
	assert.Equal(t, []any{"history"}, body["sources"])

	status, body = call(t, app, "GET", "/api/v1/cache/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.NotNil(t, body["stats"])

	status, _ = call(t, app, "DELETE", "/api/v1/cache", nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = call(t, app, "GET", "/api/v1/evaluate/reputation/nonsense", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = call(t, app, "GET", "/api/v1/geo", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 0, body["count"], "sanctioned checks do not populate the table")
}

func TestOptionalEndpoints(t *testing.T) {
	app := newTestApp(t)
	status, body := call(t, app, "POST", "/api/v1/export", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"], "unmounted routes answer with the JSON envelope")

	app = newTestApp(t, WithExporter(fakeExporter{n: 4}))
	status, body = call(t, app, "POST", "/api/v1/export", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 4, body["networks"])
}

func TestHealthCheck(t *testing.T) {
	app := newTestApp(t,
		WithHealthCheck("store", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)

	status, body := call(t, app, "GET", "/health", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])
	services := body["services"].(map[string]any)
	assert.Equal(t, "healthy", services["store"])
	assert.Equal(t, "unhealthy", services["redis"])
}

func TestBadBody(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest("POST", "/api/v1/violations", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_request", body.Error)
}
