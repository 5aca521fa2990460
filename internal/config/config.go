// Package config loads gominer and sharelogd settings from environment
// variables, optionally layered over a TOML file named by CONFIG_FILE.
// Environment variables override the file, which overrides the defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/internal/target"
)

// PoolConfig is one upstream pool
type PoolConfig struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Pass     string `toml:"pass"`
	Priority *int   `toml:"priority"`
}

// Config holds the global configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Pools and strategy
	Pools        []PoolConfig
	Strategy     string
	RotatePeriod time.Duration
	FailOnly     bool

	// Work flow tuning
	Algorithm        string
	Queue            int
	ScanTime         time.Duration
	Expiry           time.Duration
	ExpiryLP         time.Duration
	Retries          int
	SubmitStale      bool
	DisablePool      bool
	Workers          int
	MinSubmitThreads int
	Agent            string

	// getblocktemplate coinbase payout when the pool sends no coinbasetxn
	PayoutAddress string
	Network       string

	// Share log
	ShareLogFile   string
	ShareLogKafka  bool
	ShareLogFormat string

	// Kafka configuration
	KafkaBrokers []string
	KafkaGroupID string

	// Telemetry
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	TelemetryInterval time.Duration

	// Notifications
	ZMQBlockAddr   string
	DiscordToken   string
	DiscordChannel string
	DiscordPrefix  string

	// sharelogd storage
	DBDriver         string
	PostgresHost     string
	PostgresPort     int
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	SQLitePath       string
	ShareRetention   time.Duration

	// Logging
	LogLevel    string
	LogFormat   string
	LogInterval time.Duration
}

func defaults() *Config {
	return &Config{
		ServiceName: "gominer",
		Version:     "dev",
		Environment: "development",

		Strategy: "failover",

		Algorithm:        "sha256d",
		Queue:            1,
		ScanTime:         60 * time.Second,
		Expiry:           120 * time.Second,
		ExpiryLP:         time.Hour,
		Retries:          -1,
		DisablePool:      true,
		Workers:          1,
		MinSubmitThreads: 64,

		Network: "mainnet",

		ShareLogFormat: "json",

		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "sharelogd",

		RedisPrefix:       "gominer:",
		InfluxOrg:         "gominer",
		InfluxBucket:      "mining",
		TelemetryInterval: 10 * time.Second,

		DBDriver:         "sqlite",
		PostgresHost:     "localhost",
		PostgresPort:     5432,
		PostgresDatabase: "gominer",
		PostgresUser:     "gominer",
		PostgresSSLMode:  "disable",
		SQLitePath:       "data/shares.db",

		LogLevel:    "info",
		LogFormat:   "json",
		LogInterval: 5 * time.Second,
	}
}

// Load loads configuration from CONFIG_FILE, if set, and environment
// variables
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		fc.apply(cfg)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.Version = getEnv("VERSION", cfg.Version)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	if v := os.Getenv("POOLS"); v != "" {
		cfg.Pools = ParsePools(v)
	}
	cfg.Strategy = getEnv("POOL_STRATEGY", cfg.Strategy)
	cfg.RotatePeriod = getEnvDuration("ROTATE_PERIOD", cfg.RotatePeriod)
	cfg.FailOnly = getEnvBool("FAIL_ONLY", cfg.FailOnly)

	cfg.Algorithm = getEnv("ALGORITHM", cfg.Algorithm)
	cfg.Queue = getEnvInt("QUEUE", cfg.Queue)
	cfg.ScanTime = getEnvDuration("SCANTIME", cfg.ScanTime)
	cfg.Expiry = getEnvDuration("EXPIRY", cfg.Expiry)
	cfg.ExpiryLP = getEnvDuration("EXPIRY_LP", cfg.ExpiryLP)
	cfg.Retries = getEnvInt("RETRIES", cfg.Retries)
	cfg.SubmitStale = getEnvBool("SUBMIT_STALE", cfg.SubmitStale)
	cfg.DisablePool = getEnvBool("DISABLE_POOL", cfg.DisablePool)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)
	cfg.MinSubmitThreads = getEnvInt("MIN_SUBMIT_THREADS", cfg.MinSubmitThreads)
	cfg.Agent = getEnv("AGENT", cfg.Agent)

	cfg.PayoutAddress = getEnv("PAYOUT_ADDRESS", cfg.PayoutAddress)
	cfg.Network = getEnv("NETWORK", cfg.Network)

	cfg.ShareLogFile = getEnv("SHARELOG_FILE", cfg.ShareLogFile)
	cfg.ShareLogKafka = getEnvBool("SHARELOG_KAFKA", cfg.ShareLogKafka)
	cfg.ShareLogFormat = getEnv("SHARELOG_FORMAT", cfg.ShareLogFormat)

	cfg.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaGroupID = getEnv("KAFKA_GROUP_ID", cfg.KafkaGroupID)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.InfluxURL = getEnv("INFLUX_URL", cfg.InfluxURL)
	cfg.InfluxToken = getEnv("INFLUX_TOKEN", cfg.InfluxToken)
	cfg.InfluxOrg = getEnv("INFLUX_ORG", cfg.InfluxOrg)
	cfg.InfluxBucket = getEnv("INFLUX_BUCKET", cfg.InfluxBucket)
	cfg.TelemetryInterval = getEnvDuration("TELEMETRY_INTERVAL", cfg.TelemetryInterval)

	cfg.ZMQBlockAddr = getEnv("ZMQ_BLOCK_ADDR", cfg.ZMQBlockAddr)
	cfg.DiscordToken = getEnv("DISCORD_BOT_TOKEN", cfg.DiscordToken)
	cfg.DiscordChannel = getEnv("DISCORD_CHANNEL_ID", cfg.DiscordChannel)
	cfg.DiscordPrefix = getEnv("DISCORD_PREFIX", cfg.DiscordPrefix)

	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.PostgresHost = getEnv("POSTGRES_HOST", cfg.PostgresHost)
	cfg.PostgresPort = getEnvInt("POSTGRES_PORT", cfg.PostgresPort)
	cfg.PostgresDatabase = getEnv("POSTGRES_DB", cfg.PostgresDatabase)
	cfg.PostgresUser = getEnv("POSTGRES_USER", cfg.PostgresUser)
	cfg.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.PostgresPassword)
	cfg.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.PostgresSSLMode)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.ShareRetention = getEnvDuration("SHARE_RETENTION", cfg.ShareRetention)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogInterval = getEnvDuration("LOG_INTERVAL", cfg.LogInterval)
}

// ParsePools parses the POOLS shorthand url|user|pass,url|user|pass.
// Missing credentials are left empty.
func ParsePools(s string) []PoolConfig {
	var pools []PoolConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		pc := PoolConfig{URL: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			pc.User = parts[1]
		}
		if len(parts) > 2 {
			pc.Pass = parts[2]
		}
		pools = append(pools, pc)
	}
	return pools
}

// Priorities returns the configured pool priorities in pool order, or nil
// when none were given
func (c *Config) Priorities() []int {
	var prios []int
	set := false
	for i, p := range c.Pools {
		if p.Priority != nil {
			prios = append(prios, *p.Priority)
			set = true
		} else {
			prios = append(prios, i)
		}
	}
	if !set {
		return nil
	}
	return prios
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if _, err := pool.ParseStrategy(c.Strategy); err != nil {
		return fmt.Errorf("POOL_STRATEGY: %w", err)
	}

	if _, err := target.ParseAlgorithm(c.Algorithm); err != nil {
		return fmt.Errorf("ALGORITHM: %w", err)
	}

	if _, err := sharelog.ParseFormat(c.ShareLogFormat); err != nil {
		return fmt.Errorf("SHARELOG_FORMAT: %w", err)
	}

	if c.Queue < 0 || c.Queue > 9999 {
		return fmt.Errorf("QUEUE must be between 0 and 9999")
	}

	if c.ScanTime <= 0 || c.Expiry <= 0 || c.ExpiryLP <= 0 {
		return fmt.Errorf("SCANTIME, EXPIRY and EXPIRY_LP must be positive")
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}

	if c.MinSubmitThreads < 1 {
		return fmt.Errorf("MIN_SUBMIT_THREADS must be at least 1")
	}

	if c.RotatePeriod < 0 {
		return fmt.Errorf("ROTATE_PERIOD cannot be negative")
	}

	for i, p := range c.Pools {
		if p.URL == "" {
			return fmt.Errorf("pool %d has no url", i)
		}
	}

	return nil
}

// ValidateMiner checks the settings only the miner needs
func (c *Config) ValidateMiner() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("no pools configured, set POOLS or [[pool]] in CONFIG_FILE")
	}
	if c.ShareLogKafka && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("SHARELOG_KAFKA requires KAFKA_BROKERS")
	}
	if (c.DiscordToken == "") != (c.DiscordChannel == "") {
		return fmt.Errorf("DISCORD_BOT_TOKEN and DISCORD_CHANNEL_ID must be set together")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// bare numbers are seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return defaultValue
}
