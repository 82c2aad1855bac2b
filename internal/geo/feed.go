package geo

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// FeedConfig holds settings of the country risk feed
type FeedConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
}

// FeedClient fetches country risk records. The feed is CSV with one
// country per line: country,risk,cat1|cat2. Lines starting with # are
// ignored.
type FeedClient struct {
	config     FeedConfig
	httpClient *http.Client
}

// NewFeedClient creates a feed client
func NewFeedClient(cfg FeedConfig) *FeedClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &FeedClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch downloads and parses the feed
func (c *FeedClient) Fetch(ctx context.Context) ([]models.GeoThreatRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		records, err := c.fetchOnce(ctx)
		if err == nil {
			return records, nil
		}
		lastErr = err
		logger.Debug(fmt.Sprintf("Geo feed attempt %d failed: %v", attempt+1, err))
	}

	return nil, fmt.Errorf("failed to fetch after %d retries: %w", c.config.MaxRetries, lastErr)
}

func (c *FeedClient) fetchOnce(ctx context.Context) ([]models.GeoThreatRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return ParseFeed(resp.Body)
}

// ParseFeed parses CSV feed content. Malformed lines are skipped.
func ParseFeed(r io.Reader) ([]models.GeoThreatRecord, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var records []models.GeoThreatRecord
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				logger.Debug(fmt.Sprintf("Skipping malformed geo feed line: %v", err))
				continue
			}
			return nil, fmt.Errorf("failed to read feed: %w", err)
		}

		rec, ok := parseRecord(fields)
		if !ok {
			logger.Debug(fmt.Sprintf("Skipping invalid geo feed record: %v", fields))
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

func parseRecord(fields []string) (models.GeoThreatRecord, bool) {
	if len(fields) < 2 {
		return models.GeoThreatRecord{}, false
	}

	country := normalizeCountry(fields[0])
	if len(country) != 2 {
		return models.GeoThreatRecord{}, false
	}

	risk, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil || risk < 0 || risk > 100 {
		return models.GeoThreatRecord{}, false
	}

	categories := []string{}
	if len(fields) > 2 {
		for _, cat := range strings.Split(fields[2], "|") {
			if cat = strings.TrimSpace(cat); cat != "" {
				categories = append(categories, cat)
			}
		}
	}

	return models.GeoThreatRecord{
		Country:          country,
		RiskScore:        risk,
		ThreatCategories: categories,
	}, true
}
