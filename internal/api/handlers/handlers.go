package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/blocker"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Exporter compiles the blocklist snapshot on demand
type Exporter interface {
	Export(ctx context.Context) (int, error)
}

// Reloader hot-reloads the geolocation and reputation databases
type Reloader interface {
	Reload() error
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Option configures a Handler
type Option func(*Handler)

// WithExporter enables the export endpoint
func WithExporter(e Exporter) Option {
	return func(h *Handler) { h.exporter = e }
}

// WithReloader enables the MMDB reload endpoint
func WithReloader(r Reloader) Option {
	return func(h *Handler) { h.reloader = r }
}

// WithHealthCheck adds a named dependency probe to the health endpoint
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// Handler serves the administrative and evaluation API
type Handler struct {
	svc      *blocker.Service
	exporter Exporter
	reloader Reloader
	checks   map[string]HealthCheck
	version  string
	started  time.Time
}

// New creates a Handler over svc
func New(svc *blocker.Service, version string, opts ...Option) *Handler {
	h := &Handler{
		svc:     svc,
		checks:  make(map[string]HealthCheck),
		version: version,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on router
func (h *Handler) Register(router fiber.Router) {
	router.Get("/check/:ip", h.CheckIP())
	router.Post("/violations", h.ReportViolation())
	router.Post("/evaluate/geo", h.EvaluateGeo())
	router.Get("/evaluate/reputation/:ip", h.EvaluateReputation())

	router.Get("/entries", h.ListEntries())
	router.Post("/entries", h.BlockIP())
	router.Get("/entries/:ip", h.GetEntry())
	router.Delete("/entries/:ip", h.UnblockIP())
	router.Get("/stats", h.GetStats())

	router.Get("/rules", h.ListRules())
	router.Post("/rules", h.CreateRule())
	router.Get("/rules/:id", h.GetRule())
	router.Put("/rules/:id", h.UpdateRule())
	router.Delete("/rules/:id", h.DeleteRule())

	router.Get("/geo", h.GeoTable())
	router.Get("/cache/stats", h.GetCacheStats())
	router.Delete("/cache", h.ClearCache())

	if h.exporter != nil {
		router.Post("/export", h.Export())
	}
	if h.reloader != nil {
		router.Post("/reload", h.ReloadMMDB())
	}
}

// fail maps an error to its status code and writes the error body
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, models.ErrInvalidIP):
		status, code = fiber.StatusBadRequest, "invalid_ip"
	case errors.Is(err, models.ErrInvalidCIDR):
		status, code = fiber.StatusBadRequest, "invalid_cidr"
	case errors.Is(err, models.ErrInvalidRule):
		status, code = fiber.StatusBadRequest, "invalid_rule"
	case errors.Is(err, models.ErrInvalidRequest):
		status, code = fiber.StatusBadRequest, "invalid_request"
	case errors.Is(err, models.ErrRuleNotFound):
		status, code = fiber.StatusNotFound, "rule_not_found"
	case errors.Is(err, models.ErrEntryNotFound):
		status, code = fiber.StatusNotFound, "entry_not_found"
	}

	if status == fiber.StatusInternalServerError {
		logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(ErrorResponse{Error: code, Message: "Internal server error"})
	}
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: err.Error()})
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request body",
	})
}

// CheckIP answers whether an IP is blocked. It never fails.
func (h *Handler) CheckIP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(h.svc.IsBlocked(c.UserContext(), c.Params("ip")))
	}
}

// ReportViolation feeds an event into the rule engine
func (h *Handler) ReportViolation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req ViolationRequest
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
		ev, err := req.Event()
		if err != nil {
			return fail(c, err)
		}

		decision, err := h.svc.ReportViolation(c.UserContext(), req.IP, ev)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(newViolationResponse(decision))
	}
}

// EvaluateGeo classifies an IP by country
func (h *Handler) EvaluateGeo() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req GeoRequest
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
		result, err := h.svc.EvaluateGeoThreat(c.UserContext(), req.IP, req.Geo)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(result)
	}
}

// EvaluateReputation returns the aggregate trust score of an IP
func (h *Handler) EvaluateReputation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		result, err := h.svc.EvaluateReputation(c.UserContext(), c.Params("ip"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(result)
	}
}

// ListEntries returns one page of block entries
func (h *Handler) ListEntries() fiber.Handler {
	return func(c *fiber.Ctx) error {
		filter := models.ListFilter{
			Page:            c.QueryInt("page", 1),
			Limit:           c.QueryInt("limit", models.DefaultPageSize),
			IncludeInactive: c.QueryBool("include_inactive", false),
		}
		if s := c.Query("severity"); s != "" {
			sev, err := models.ParseSeverity(s)
			if err != nil {
				return fail(c, errors.Join(models.ErrInvalidRequest, err))
			}
			filter.Severity = sev
		}
		if r := c.Query("reason"); r != "" {
			reason, err := models.ParseBlockReason(r)
			if err != nil {
				return fail(c, errors.Join(models.ErrInvalidRequest, err))
			}
			filter.Reason = reason
		}

		page, err := h.svc.ListEntries(c.UserContext(), filter)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(page)
	}
}

// GetEntry returns the stored entry of an IP
func (h *Handler) GetEntry() fiber.Handler {
	return func(c *fiber.Ctx) error {
		entry, err := h.svc.Entry(c.UserContext(), c.Params("ip"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(entry)
	}
}

// BlockIP manually blocks an IP
func (h *Handler) BlockIP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req BlockRequest
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
		params, err := req.Params()
		if err != nil {
			return fail(c, err)
		}
		entry, err := h.svc.ManualBlock(c.UserContext(), params)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(entry)
	}
}

// UnblockIP deactivates the entry of an IP. The audit reason and actor come
// from the body or the query string.
func (h *Handler) UnblockIP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req UnblockRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badBody(c)
			}
		}
		if req.Reason == "" {
			req.Reason = c.Query("reason")
		}
		if req.Actor == "" {
			req.Actor = c.Query("actor")
		}

		ok, err := h.svc.Unblock(c.UserContext(), c.Params("ip"), req.Reason, req.Actor)
		if err != nil {
			return fail(c, err)
		}
		if !ok {
			return fail(c, models.ErrEntryNotFound)
		}
		return c.JSON(fiber.Map{
			"success": true,
			"message": "IP unblocked",
		})
	}
}

// GetStats summarizes the threat store
func (h *Handler) GetStats() fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats, err := h.svc.Stats(c.UserContext())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(stats)
	}
}

// ListRules returns every rule in evaluation order
func (h *Handler) ListRules() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rules := h.svc.Rules()
		out := make([]RuleBody, 0, len(rules))
		for _, r := range rules {
			out = append(out, newRuleBody(r))
		}
		return c.JSON(fiber.Map{"rules": out, "count": len(out)})
	}
}

// GetRule returns one rule
func (h *Handler) GetRule() fiber.Handler {
	return func(c *fiber.Ctx) error {
		r, err := h.svc.Rule(c.Params("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(newRuleBody(r))
	}
}

// CreateRule adds a rule, replacing any rule with the same id
func (h *Handler) CreateRule() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body RuleBody
		if err := c.BodyParser(&body); err != nil {
			return badBody(c)
		}
		r, err := body.Rule()
		if err != nil {
			return fail(c, err)
		}
		if err := h.svc.AddRule(r); err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(newRuleBody(r))
	}
}

// UpdateRule replaces an existing rule
func (h *Handler) UpdateRule() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body RuleBody
		if err := c.BodyParser(&body); err != nil {
			return badBody(c)
		}
		id := c.Params("id")
		body.ID = id
		r, err := body.Rule()
		if err != nil {
			return fail(c, err)
		}
		if err := h.svc.UpdateRule(id, r); err != nil {
			return fail(c, err)
		}
		return c.JSON(newRuleBody(r))
	}
}

// DeleteRule removes a rule
func (h *Handler) DeleteRule() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := h.svc.RemoveRule(c.Params("id")); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// GeoTable returns the per-country risk records
func (h *Handler) GeoTable() fiber.Handler {
	return func(c *fiber.Ctx) error {
		records := h.svc.GeoTable()
		return c.JSON(fiber.Map{"countries": records, "count": len(records)})
	}
}

// GetCacheStats returns reputation cache statistics
func (h *Handler) GetCacheStats() fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats, err := h.svc.ReputationCacheStats(c.UserContext())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"stats": stats})
	}
}

// ClearCache evicts every cached reputation score
func (h *Handler) ClearCache() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := h.svc.EvictReputation(c.UserContext()); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Cache cleared",
		})
	}
}

// Export compiles the blocklist MMDB
func (h *Handler) Export() fiber.Handler {
	return func(c *fiber.Ctx) error {
		n, err := h.exporter.Export(c.UserContext())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "networks": n})
	}
}

// ReloadMMDB reloads the MMDB databases without restart and clears the
// reputation cache
func (h *Handler) ReloadMMDB() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := h.reloader.Reload(); err != nil {
			logger.Error("MMDB reload failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"error":   "Failed to reload MMDB: " + err.Error(),
			})
		}
		if err := h.svc.EvictReputation(c.UserContext()); err != nil {
			logger.Warn("Failed to clear reputation cache after reload", zap.Error(err))
		}
		return c.JSON(fiber.Map{
			"success": true,
			"message": "MMDB reloaded successfully, cache cleared",
		})
	}
}

// NotFound answers unknown routes with the JSON error envelope. Mount it
// after every other route.
func NotFound() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "The requested endpoint does not exist",
		})
	}
}

// HealthCheck returns health status. A failing dependency degrades the
// status without failing the request.
func (h *Handler) HealthCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := models.HealthStatus{
			Status:    "healthy",
			Version:   h.version,
			Uptime:    time.Since(h.started).String(),
			Timestamp: time.Now(),
			Services:  map[string]string{"api": "healthy"},
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				status.Services[name] = "unhealthy"
				status.Status = "degraded"
				logger.Warn("Health check failed", zap.String("service", name), zap.Error(err))
				continue
			}
			status.Services[name] = "healthy"
		}

		return c.JSON(status)
	}
}
