package mmdb

import (
	"cmp"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/inserter"
	"github.com/maxmind/mmdbwriter/mmdbtype"

	"github.com/lfrfrfr/beon-ipshield/pkg/iputil"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
)

// WriterConfig holds configuration for MMDB writing
type WriterConfig struct {
	DatabaseType        string
	Description         string
	RecordSize          int // 24, 28, or 32
	IPVersion           int // 4 or 6
	IncludeReservedNets bool
	DisableIPv4Aliasing bool
}

// BlocklistWriterConfig returns the configuration for blocklist exports.
// Reserved networks are included since private ranges can be blocked too.
func BlocklistWriterConfig(recordSize int) WriterConfig {
	if recordSize == 0 {
		recordSize = 28
	}
	return WriterConfig{
		DatabaseType:        "BEON-IPShield-Blocklist",
		Description:         "BEON IPShield active block entries",
		RecordSize:          recordSize,
		IPVersion:           6,
		IncludeReservedNets: true,
	}
}

// ReputationWriterConfig returns the configuration for reputation databases
func ReputationWriterConfig() WriterConfig {
	return WriterConfig{
		DatabaseType:        "BEON-IPReputation",
		Description:         "BEON IP Reputation Database",
		RecordSize:          28,
		IPVersion:           6,
		IncludeReservedNets: true,
	}
}

// Writer handles writing MMDB files
type Writer struct {
	config WriterConfig
}

// NewWriter creates a new MMDB writer
func NewWriter(config WriterConfig) *Writer {
	return &Writer{config: config}
}

// BlockRecord is one network of a blocklist export
type BlockRecord struct {
	Prefix      netip.Prefix
	IP          string
	Reason      string
	Severity    string
	Permanent   bool
	ExpiresAt   *time.Time
	Country     string
	AttackCount int
}

// ReputationEntry is one network of a reputation database
type ReputationEntry struct {
	Prefix     netip.Prefix
	RiskScore  int
	ThreatType string
	Confidence float64
	Sources    []string
	LastUpdate time.Time
}

// WriteBlocklist compiles block records into an MMDB file. Broader networks
// are inserted first so more specific records replace them.
func (w *Writer) WriteBlocklist(records []BlockRecord, outputPath string) (int, error) {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b BlockRecord) int {
		return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
	})

	items := make([]item, 0, len(sorted))
	for _, r := range sorted {
		var expires int64
		if r.ExpiresAt != nil {
			expires = r.ExpiresAt.Unix()
		}
		items = append(items, item{
			prefix: r.Prefix,
			record: mmdbtype.Map{
				"ip":           mmdbtype.String(r.IP),
				"reason":       mmdbtype.String(r.Reason),
				"severity":     mmdbtype.String(r.Severity),
				"permanent":    mmdbtype.Bool(r.Permanent),
				"expires_at":   mmdbtype.Uint64(expires),
				"country":      mmdbtype.String(r.Country),
				"attack_count": mmdbtype.Uint32(r.AttackCount),
			},
		})
	}

	return w.write(items, outputPath)
}

// WriteReputation compiles reputation entries into an MMDB file. As with
// blocklists, more specific networks win.
func (w *Writer) WriteReputation(entries []ReputationEntry, outputPath string) (int, error) {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b ReputationEntry) int {
		return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
	})

	items := make([]item, 0, len(sorted))
	for _, entry := range sorted {
		sources := mmdbtype.Slice{}
		for _, s := range entry.Sources {
			sources = append(sources, mmdbtype.String(s))
		}
		items = append(items, item{
			prefix: entry.Prefix,
			record: mmdbtype.Map{
				"risk_score":  mmdbtype.Uint16(entry.RiskScore),
				"risk_level":  mmdbtype.String(ClassifyRisk(entry.RiskScore)),
				"threat_type": mmdbtype.String(entry.ThreatType),
				"confidence":  mmdbtype.Uint16(int(entry.Confidence * 100)),
				"sources":     sources,
				"last_update": mmdbtype.Uint64(entry.LastUpdate.Unix()),
			},
		})
	}

	return w.write(items, outputPath)
}

type item struct {
	prefix netip.Prefix
	record mmdbtype.DataType
}

// write builds the tree and replaces outputPath atomically
func (w *Writer) write(items []item, outputPath string) (int, error) {
	logger.Info(fmt.Sprintf("Starting MMDB compilation with %d entries", len(items)))
	startTime := time.Now()

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            w.config.DatabaseType,
		Description:             map[string]string{"en": w.config.Description},
		RecordSize:              w.config.RecordSize,
		IPVersion:               w.config.IPVersion,
		IncludeReservedNetworks: w.config.IncludeReservedNets,
		DisableIPv4Aliasing:     w.config.DisableIPv4Aliasing,
		Inserter:                inserter.ReplaceWith,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create MMDB writer: %w", err)
	}

	var insertedCount, errorCount int
	for _, it := range items {
		if err := tree.Insert(iputil.PrefixToIPNet(it.prefix), it.record); err != nil {
			logger.Debug(fmt.Sprintf("Failed to insert %s: %v", it.prefix, err))
			errorCount++
			continue
		}
		insertedCount++
	}

	tempPath := outputPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	_, err = tree.WriteTo(file)
	file.Close()
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to write MMDB: %w", err)
	}

	if err := os.Rename(tempPath, outputPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename output file: %w", err)
	}

	logger.Info(fmt.Sprintf("MMDB compilation complete: %d entries inserted, %d errors, took %v",
		insertedCount, errorCount, time.Since(startTime)))

	return insertedCount, nil
}

// ClassifyRisk returns the risk level of a 0-100 risk score
func ClassifyRisk(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 70:
		return "high"
	case score >= 50:
		return "medium"
	case score >= 25:
		return "low"
	default:
		return "clean"
	}
}
