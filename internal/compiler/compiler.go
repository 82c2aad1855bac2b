package compiler

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/mmdb"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Source supplies the entries to export
type Source interface {
	Active(ctx context.Context) ([]*models.BlockEntry, error)
}

// Compiler compiles the active blocklist into MMDB format for edge
// enforcement
type Compiler struct {
	source     Source
	mmdbWriter *mmdb.Writer
	outputPath string

	mu           sync.Mutex
	lastCompile  time.Time
	lastDuration time.Duration
	lastEntries  int
	compileCount int
}

// New creates a new Compiler instance
func New(source Source, outputPath string, recordSize int) *Compiler {
	return &Compiler{
		source:     source,
		mmdbWriter: mmdb.NewWriter(mmdb.BlocklistWriterConfig(recordSize)),
		outputPath: outputPath,
	}
}

// Export compiles the blocklist and returns the number of networks written.
// It satisfies the scheduler's exporter.
func (c *Compiler) Export(ctx context.Context) (int, error) {
	return c.Compile(ctx)
}

// Compile compiles the active entries to MMDB
func (c *Compiler) Compile(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Info("Starting blocklist MMDB compilation...")
	startTime := time.Now()

	entries, err := c.source.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch active entries: %w", err)
	}

	records := Records(entries)
	logger.Info(fmt.Sprintf("Fetched %d active entries (%d networks)", len(entries), len(records)))

	n, err := c.mmdbWriter.WriteBlocklist(records, c.outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to compile MMDB: %w", err)
	}

	c.lastCompile = time.Now()
	c.lastDuration = time.Since(startTime)
	c.lastEntries = n
	c.compileCount++

	logger.Info("Blocklist MMDB compilation complete",
		zap.Duration("took", c.lastDuration),
		zap.Int("networks", n),
		zap.String("output", c.outputPath))
	return n, nil
}

// prefixes returns the networks an entry covers: its own address and,
// when set, its CIDR range. Unparsable values are skipped.
func prefixes(e *models.BlockEntry) []netip.Prefix {
	addr, err := netip.ParseAddr(e.IP)
	if err != nil {
		logger.Warn("Skipping entry with unparsable IP", zap.String("ip", e.IP))
		return nil
	}
	out := []netip.Prefix{netip.PrefixFrom(addr, addr.BitLen())}

	if e.CIDRRange == "" {
		return out
	}
	prefix, err := netip.ParsePrefix(e.CIDRRange)
	if err != nil {
		logger.Warn("Skipping unparsable CIDR range", zap.String("ip", e.IP), zap.String("cidr", e.CIDRRange))
		return out
	}
	return append(out, prefix.Masked())
}

// Records converts entries into blocklist networks
func Records(entries []*models.BlockEntry) []mmdb.BlockRecord {
	records := make([]mmdb.BlockRecord, 0, len(entries))
	for _, e := range entries {
		base := mmdb.BlockRecord{
			IP:          e.IP,
			Reason:      string(e.Reason),
			Severity:    string(e.Severity),
			Permanent:   e.Permanent,
			ExpiresAt:   e.ExpiresAt,
			AttackCount: e.AttackCount,
		}
		if e.Geo != nil {
			base.Country = e.Geo.Country
		}
		for _, p := range prefixes(e) {
			r := base
			r.Prefix = p
			records = append(records, r)
		}
	}
	return records
}

// severityRisk maps a block severity to the risk score published in a
// reputation snapshot
var severityRisk = map[models.Severity]int{
	models.SeverityLow:      40,
	models.SeverityMedium:   60,
	models.SeverityHigh:     80,
	models.SeverityCritical: 95,
}

// ReputationEntries converts entries into reputation networks, so other
// deployments can consume this blocklist through their mmdb reputation
// source
func ReputationEntries(entries []*models.BlockEntry) []mmdb.ReputationEntry {
	out := make([]mmdb.ReputationEntry, 0, len(entries))
	for _, e := range entries {
		confidence := 0.8
		if e.Reason == models.ReasonManualBlock {
			confidence = 1
		}
		for _, p := range prefixes(e) {
			out = append(out, mmdb.ReputationEntry{
				Prefix:     p,
				RiskScore:  severityRisk[e.Severity],
				ThreatType: string(e.Reason),
				Confidence: confidence,
				Sources:    []string{"ipshield"},
				LastUpdate: e.LastActivity,
			})
		}
	}
	return out
}

// CompileReputation writes the active entries as a reputation MMDB to
// outputPath
func (c *Compiler) CompileReputation(ctx context.Context, outputPath string) (int, error) {
	entries, err := c.source.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch active entries: %w", err)
	}

	w := mmdb.NewWriter(mmdb.ReputationWriterConfig())
	n, err := w.WriteReputation(ReputationEntries(entries), outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to compile reputation MMDB: %w", err)
	}
	logger.Info(fmt.Sprintf("Reputation snapshot written: %d networks to %s", n, outputPath))
	return n, nil
}

// Stats returns compilation statistics
type Stats struct {
	LastCompile  time.Time     `json:"last_compile"`
	TotalEntries int           `json:"total_entries"`
	CompileCount int           `json:"compile_count"`
	LastDuration time.Duration `json:"last_duration"`
	OutputPath   string        `json:"output_path"`
}

func (c *Compiler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		LastCompile:  c.lastCompile,
		TotalEntries: c.lastEntries,
		CompileCount: c.compileCount,
		LastDuration: c.lastDuration,
		OutputPath:   c.outputPath,
	}
}
