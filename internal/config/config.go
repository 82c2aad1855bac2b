package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Env        string           `mapstructure:"environment"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MMDB       MMDBConfig       `mapstructure:"mmdb"`
	Blocking   BlockingConfig   `mapstructure:"blocking"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	API        APIConfig        `mapstructure:"api"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Health     HealthConfig     `mapstructure:"health"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ProxyHeader  string        `mapstructure:"proxy_header"` // e.g. X-Forwarded-For
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DatabaseConfig holds database configurations
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode,
	)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MMDBConfig holds MMDB file configuration
type MMDBConfig struct {
	ReputationPath   string `mapstructure:"reputation_path"`
	GeoLite2CityPath string `mapstructure:"geolite2_city_path"`
	GeoLite2ASNPath  string `mapstructure:"geolite2_asn_path"`
	BlocklistPath    string `mapstructure:"blocklist_path"`
	RecordSize       int    `mapstructure:"record_size"`
}

// BlockingConfig holds threat store and rule engine configuration
type BlockingConfig struct {
	Store               string        `mapstructure:"store"`   // memory or postgres
	History             string        `mapstructure:"history"` // memory or clickhouse
	HistoryRetention    time.Duration `mapstructure:"history_retention"`
	EscalationRetention time.Duration `mapstructure:"escalation_retention"`
	CheckTimeout        time.Duration `mapstructure:"check_timeout"`
	RulesPath           string        `mapstructure:"rules_path"`
	SeedDefaultRules    bool          `mapstructure:"seed_default_rules"`
}

// ReputationConfig holds reputation evaluator configuration
type ReputationConfig struct {
	Cache             string        `mapstructure:"cache"` // memory or redis
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CachePrefix       string        `mapstructure:"cache_prefix"`
	Baseline          float64       `mapstructure:"baseline"`
	BlockThreshold    float64       `mapstructure:"block_threshold"`
	SourceTimeout     time.Duration `mapstructure:"source_timeout"`
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout"`
	HistoryWindow     time.Duration `mapstructure:"history_window"`
	Sources           []string      `mapstructure:"sources"`
	Static            []StaticScore `mapstructure:"static"`
}

// StaticScore pins the reputation of an address or range
type StaticScore struct {
	CIDR  string  `mapstructure:"cidr"`
	Score float64 `mapstructure:"score"`
}

// GeoRiskConfig seeds the risk record of one country
type GeoRiskConfig struct {
	RiskScore  int      `mapstructure:"risk_score"`
	Categories []string `mapstructure:"categories"`
}

// GeoConfig holds geo-threat configuration
type GeoConfig struct {
	SanctionedCountries []string                 `mapstructure:"sanctioned_countries"`
	HighRiskThreshold   int                      `mapstructure:"high_risk_threshold"`
	DefaultRiskScore    int                      `mapstructure:"default_risk_score"`
	RiskTable           map[string]GeoRiskConfig `mapstructure:"risk_table"`
	FeedURL             string                   `mapstructure:"feed_url"`
	FeedTimeout         time.Duration            `mapstructure:"feed_timeout"`
	FeedMaxRetries      int                      `mapstructure:"feed_max_retries"`
	FeedRetryDelay      time.Duration            `mapstructure:"feed_retry_delay"`
	UserAgent           string                   `mapstructure:"user_agent"`
}

// SchedulerConfig holds lifecycle task intervals; zero disables a task
type SchedulerConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	ReputationEvictInterval time.Duration `mapstructure:"reputation_evict_interval"`
	GeoRefreshInterval      time.Duration `mapstructure:"geo_refresh_interval"`
	HistoryPruneInterval    time.Duration `mapstructure:"history_prune_interval"`
	ExportInterval          time.Duration `mapstructure:"export_interval"`
}

// APIConfig holds API configuration
type APIConfig struct {
	AuthEnabled     bool          `mapstructure:"auth_enabled"`
	APIKeys         []string      `mapstructure:"api_keys"`
	BlockGuard      bool          `mapstructure:"block_guard"`
	RateLimit       int           `mapstructure:"rate_limit"` // requests per window, 0 disables
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	AllowMethods []string `mapstructure:"allow_methods"`
	AllowHeaders []string `mapstructure:"allow_headers"`
}

// NotifyConfig holds notification routing configuration
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	RedisChannel string `mapstructure:"redis_channel"`
	BufferSize   int    `mapstructure:"buffer_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file. An empty path yields the defaults.
func Load(configPath string) (*Config, error) {
	return load(configPath, false)
}

// LoadFromEnv loads configuration with IPSHIELD_* environment variable overrides
func LoadFromEnv(configPath string) (*Config, error) {
	return load(configPath, true)
}

func load(configPath string, env bool) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if env {
		v.SetEnvPrefix("IPSHIELD")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks backend selections and value ranges
func (c *Config) Validate() error {
	switch c.Blocking.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid blocking.store %q: want memory or postgres", c.Blocking.Store)
	}
	switch c.Blocking.History {
	case "memory":
	case "clickhouse":
		if !c.ClickHouse.Enabled {
			return fmt.Errorf("blocking.history is clickhouse but clickhouse is disabled")
		}
	default:
		return fmt.Errorf("invalid blocking.history %q: want memory or clickhouse", c.Blocking.History)
	}
	switch c.Reputation.Cache {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("reputation.cache is redis but redis is disabled")
		}
	default:
		return fmt.Errorf("invalid reputation.cache %q: want memory or redis", c.Reputation.Cache)
	}
	if c.Reputation.CacheTTL <= 0 {
		return fmt.Errorf("reputation.cache_ttl must be positive")
	}
	if c.Reputation.SourceTimeout <= 0 || c.Reputation.EvaluationTimeout <= 0 {
		return fmt.Errorf("reputation timeouts must be positive")
	}
	if c.Geo.HighRiskThreshold < 0 || c.Geo.HighRiskThreshold > 100 {
		return fmt.Errorf("geo.high_risk_threshold must be within 0-100")
	}
	for country, rec := range c.Geo.RiskTable {
		if rec.RiskScore < 0 || rec.RiskScore > 100 {
			return fmt.Errorf("geo.risk_table.%s: risk_score must be within 0-100", country)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")

	// Environment
	v.SetDefault("environment", "development")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.max_backups", 5)

	// PostgreSQL defaults
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "beon_ipshield")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_connections", 50)
	v.SetDefault("database.postgres.min_connections", 5)
	v.SetDefault("database.postgres.max_conn_lifetime", "1h")
	v.SetDefault("database.postgres.max_conn_idle_time", "30m")
	v.SetDefault("database.postgres.auto_migrate", true)

	// ClickHouse defaults
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "beon_ipshield")
	v.SetDefault("clickhouse.username", "default")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)

	// MMDB defaults
	v.SetDefault("mmdb.blocklist_path", "./data/mmdb/blocklist.mmdb")
	v.SetDefault("mmdb.record_size", 28)

	// Blocking defaults
	v.SetDefault("blocking.store", "memory")
	v.SetDefault("blocking.history", "memory")
	v.SetDefault("blocking.history_retention", "24h")
	v.SetDefault("blocking.escalation_retention", "168h")
	v.SetDefault("blocking.check_timeout", "250ms")
	v.SetDefault("blocking.seed_default_rules", true)

	// Reputation defaults
	v.SetDefault("reputation.cache", "memory")
	v.SetDefault("reputation.cache_ttl", "1h")
	v.SetDefault("reputation.cache_prefix", "ipshield:rep:")
	v.SetDefault("reputation.baseline", 50.0)
	v.SetDefault("reputation.block_threshold", 30.0)
	v.SetDefault("reputation.source_timeout", "3s")
	v.SetDefault("reputation.evaluation_timeout", "5s")
	v.SetDefault("reputation.history_window", "24h")
	v.SetDefault("reputation.sources", []string{"history", "mmdb", "static"})

	// Geo defaults
	v.SetDefault("geo.sanctioned_countries", []string{"KP", "IR", "SY", "CU"})
	v.SetDefault("geo.high_risk_threshold", 80)
	v.SetDefault("geo.default_risk_score", 50)
	v.SetDefault("geo.feed_timeout", "30s")
	v.SetDefault("geo.feed_max_retries", 3)
	v.SetDefault("geo.feed_retry_delay", "5s")
	v.SetDefault("geo.user_agent", "BEON-IPShield-GeoFeed/1.0")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_interval", "1h")
	v.SetDefault("scheduler.reputation_evict_interval", "6h")
	v.SetDefault("scheduler.geo_refresh_interval", "24h")
	v.SetDefault("scheduler.history_prune_interval", "1h")
	v.SetDefault("scheduler.export_interval", "0s")

	// API defaults
	v.SetDefault("api.auth_enabled", true)
	v.SetDefault("api.block_guard", false)
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.rate_limit_window", "1m")

	// Notify defaults
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.redis_channel", "ipshield:blocks")
	v.SetDefault("notify.buffer_size", 64)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.path", "/health")
}
