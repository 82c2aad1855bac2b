package mmdb

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"

	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// ReputationRecord is the record layout of the reputation MMDB
type ReputationRecord struct {
	RiskScore  int      `maxminddb:"risk_score"`
	RiskLevel  string   `maxminddb:"risk_level"`
	ThreatType string   `maxminddb:"threat_type"`
	Confidence int      `maxminddb:"confidence"` // 0-100
	Sources    []string `maxminddb:"sources"`
	LastUpdate int64    `maxminddb:"last_update"` // Unix timestamp
}

// cityRecord is the subset of the GeoLite2-City layout we read
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
}

// asnRecord is the GeoLite2-ASN layout
type asnRecord struct {
	AutonomousSystemNumber       uint   `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// Paths lists the database files to open. Empty paths are skipped.
type Paths struct {
	Reputation string
	City       string
	ASN        string
}

// Reader serves lookups from the reputation, city and ASN databases.
// Databases can be swapped at runtime with Reload.
type Reader struct {
	paths        Paths
	reputationDB *maxminddb.Reader
	cityDB       *maxminddb.Reader
	asnDB        *maxminddb.Reader
	mu           sync.RWMutex
}

// NewReader opens the configured databases. The reputation database is
// required when its path is set; city and ASN databases are optional.
func NewReader(paths Paths) (*Reader, error) {
	reader := &Reader{paths: paths}

	if paths.Reputation != "" {
		db, err := maxminddb.Open(paths.Reputation)
		if err != nil {
			return nil, fmt.Errorf("failed to open reputation MMDB: %w", err)
		}
		reader.reputationDB = db
		logger.Info(fmt.Sprintf("Loaded reputation MMDB: %s", paths.Reputation))
	}

	reader.cityDB = openOptional("GeoIP City", paths.City)
	reader.asnDB = openOptional("ASN", paths.ASN)

	return reader, nil
}

func openOptional(name, path string) *maxminddb.Reader {
	if path == "" {
		return nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		logger.Warn(fmt.Sprintf("Failed to open %s MMDB: %v", name, err))
		return nil
	}
	logger.Info(fmt.Sprintf("Loaded %s MMDB: %s", name, path))
	return db
}

// Close closes all open databases
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, db := range []*maxminddb.Reader{r.reputationDB, r.cityDB, r.asnDB} {
		if db != nil {
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	r.reputationDB, r.cityDB, r.asnDB = nil, nil, nil

	if len(errs) > 0 {
		return fmt.Errorf("errors closing databases: %w", errors.Join(errs...))
	}
	return nil
}

// Reload reopens every configured database and swaps them in. On a
// reputation database failure the current databases stay in place.
func (r *Reader) Reload() error {
	var newRepDB *maxminddb.Reader
	if r.paths.Reputation != "" {
		db, err := maxminddb.Open(r.paths.Reputation)
		if err != nil {
			return fmt.Errorf("failed to reload reputation MMDB: %w", err)
		}
		newRepDB = db
	}
	newCityDB := openOptional("GeoIP City", r.paths.City)
	newAsnDB := openOptional("ASN", r.paths.ASN)

	r.mu.Lock()
	old := []*maxminddb.Reader{r.reputationDB, r.cityDB, r.asnDB}
	r.reputationDB = newRepDB
	r.cityDB = newCityDB
	r.asnDB = newAsnDB
	r.mu.Unlock()

	for _, db := range old {
		if db != nil {
			db.Close()
		}
	}

	logger.Info("Successfully reloaded MMDB databases")
	return nil
}

// HasReputation reports whether a reputation database is loaded
func (r *Reader) HasReputation() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reputationDB != nil
}

// HasGeo reports whether a city or ASN database is loaded
func (r *Reader) HasGeo() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cityDB != nil || r.asnDB != nil
}

// LookupReputation returns the reputation record covering ip. found is
// false when no network in the database contains ip.
func (r *Reader) LookupReputation(ip netip.Addr) (*ReputationRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reputationDB == nil {
		return nil, false, fmt.Errorf("reputation database not loaded")
	}

	var record ReputationRecord
	_, found, err := r.reputationDB.LookupNetwork(net.IP(ip.AsSlice()), &record)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &record, true, nil
}

// LookupGeo merges city and ASN data for ip. It returns nil when neither
// database knows the address.
func (r *Reader) LookupGeo(ip netip.Addr) (*models.GeoInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	netIP := net.IP(ip.AsSlice())
	geo := &models.GeoInfo{}
	found := false

	if r.cityDB != nil {
		var record cityRecord
		_, ok, err := r.cityDB.LookupNetwork(netIP, &record)
		if err != nil {
			return nil, fmt.Errorf("city lookup failed: %w", err)
		}
		if ok {
			found = true
			geo.Country = record.Country.ISOCode
			geo.City = record.City.Names["en"]
			if len(record.Subdivisions) > 0 {
				geo.Region = record.Subdivisions[0].ISOCode
				if name, ok := record.Subdivisions[0].Names["en"]; ok {
					geo.Region = name
				}
			}
		}
	}

	if r.asnDB != nil {
		var record asnRecord
		_, ok, err := r.asnDB.LookupNetwork(netIP, &record)
		if err != nil {
			return nil, fmt.Errorf("ASN lookup failed: %w", err)
		}
		if ok {
			found = true
			geo.ASN = int(record.AutonomousSystemNumber)
			geo.ISP = record.AutonomousSystemOrganization
		}
	}

	if !found {
		return nil, nil
	}
	return geo, nil
}

// Stats returns metadata of the loaded databases
func (r *Reader) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]interface{})
	describe := func(name string, db *maxminddb.Reader) {
		if db == nil {
			return
		}
		meta := db.Metadata
		stats[name] = map[string]interface{}{
			"build_epoch":   meta.BuildEpoch,
			"database_type": meta.DatabaseType,
			"ip_version":    meta.IPVersion,
			"node_count":    meta.NodeCount,
			"record_size":   meta.RecordSize,
		}
	}
	describe("reputation", r.reputationDB)
	describe("city", r.cityDB)
	describe("asn", r.asnDB)

	return stats
}

// BlocklistRecord is the record layout of an exported blocklist MMDB
type BlocklistRecord struct {
	IP          string `maxminddb:"ip"`
	Reason      string `maxminddb:"reason"`
	Severity    string `maxminddb:"severity"`
	Permanent   bool   `maxminddb:"permanent"`
	ExpiresAt   int64  `maxminddb:"expires_at"` // Unix timestamp, 0 when permanent
	Country     string `maxminddb:"country"`
	AttackCount int    `maxminddb:"attack_count"`
}

// Blocklist reads an exported blocklist MMDB
type Blocklist struct {
	db *maxminddb.Reader
}

// OpenBlocklist opens an exported blocklist
func OpenBlocklist(path string) (*Blocklist, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist MMDB: %w", err)
	}
	return &Blocklist{db: db}, nil
}

// Lookup returns the blocklist record covering ip
func (b *Blocklist) Lookup(ip netip.Addr) (*BlocklistRecord, bool, error) {
	var record BlocklistRecord
	_, found, err := b.db.LookupNetwork(net.IP(ip.AsSlice()), &record)
	if err != nil || !found {
		return nil, false, err
	}
	return &record, true, nil
}

// Close closes the blocklist
func (b *Blocklist) Close() error {
	return b.db.Close()
}
