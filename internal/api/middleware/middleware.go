package middleware

import (
	"context"
	"crypto/subtle"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/metrics"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// APIKeyAuth middleware validates API keys against keys. Paths in skip are
// served without a key.
func APIKeyAuth(keys []string, skip ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, p := range skip {
			if c.Path() == p {
				return c.Next()
			}
		}

		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "missing_api_key",
				"message": "API key is required. Include X-API-Key header.",
			})
		}

		if !validateAPIKey(apiKey, keys) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "invalid_api_key",
				"message": "The provided API key is invalid.",
			})
		}

		c.Locals("api_key", apiKey)
		return c.Next()
	}
}

// validateAPIKey compares key against every configured key in constant time
func validateAPIKey(key string, keys []string) bool {
	valid := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			valid = true
		}
	}
	return valid
}

// BlockChecker answers whether an IP is blocked
type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) models.BlockCheckResult
}

// BlockGuard rejects requests from blocked IPs with 403. The checker fails
// open, so store trouble never rejects a request.
func BlockGuard(checker BlockChecker, skip ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, p := range skip {
			if c.Path() == p {
				return c.Next()
			}
		}

		result := checker.IsBlocked(c.UserContext(), c.IP())
		if !result.Blocked {
			return c.Next()
		}

		body := fiber.Map{
			"error":   "ip_blocked",
			"message": "Access from this IP address is blocked",
			"reason":  result.Reason,
		}
		if result.Entry != nil && result.Entry.ExpiresAt != nil {
			retry := int(time.Until(*result.Entry.ExpiresAt).Seconds())
			if retry > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(body)
	}
}

// RequestMetrics records request counts and latency per route
func RequestMetrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		route := c.Route().Path
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}

// RequestLogger logs every request through zap
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.String("ip", c.IP()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}
