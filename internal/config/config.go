// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const insecureDefaultKey = "0000000000000000000000000000000000000000000000000000000000000000"

// Config holds the configuration for the HTTP API, the metastore, query
// execution and the optional S3 results store.
type Config struct {
	// S3 fields are optional — nil when not configured. When all required
	// fields are present, query results blobs go to S3 instead of local disk.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string

	MetaDBPath    string // path to SQLite metastore file
	ListenAddr    string // HTTP listen address (default ":8080")
	EncryptionKey string // 64-char hex string (32-byte AES key) for encrypting stored connection URIs
	LogLevel      string // log level: debug, info, warn, error (default "info")
	Env           string // environment: "development" (default) or "production"
	JWTSecret     string // HS256 shared secret for JWT auth; empty disables auth (dev only)

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Query limits
	MaxRowLimit     int           // hard row cap a single chart query may request (default 50000)
	DefaultRowLimit int           // row limit applied when a query omits one (default 1000)
	QueryTimeout    time.Duration // per-query execution deadline (default 30s)
	SQLLabMaxRows   int           // max rows fetched into an ad-hoc results blob (default 100000)

	// Cache
	CacheDefaultTTL time.Duration // chart data cache TTL when nothing narrower is set (default 24h)
	CacheLockWait   time.Duration // how long a request waits on another computing the same key (default 30s)
	CacheMaxEntries int           // in-memory cache capacity (default 1024)

	// Results blob store
	ResultsDir string        // local directory for results blobs when S3 is not configured
	ResultsTTL time.Duration // blob retention before the janitor sweeps them (default 24h)

	// Janitor
	JanitorSchedule string        // cron expression for housekeeping runs (default "@every 10m")
	StaleQueryAfter time.Duration // non-terminal queries older than this are timed out (default 1h)
	CacheKeyTTL     time.Duration // cache key bookkeeping rows older than this are purged (default 168h)

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil &&
		c.S3Endpoint != nil && c.S3Region != nil && c.S3Bucket != nil
}

// LoadFromEnv loads configuration from environment variables.
// S3 variables are optional — the app can start without them.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:    os.Getenv("META_DB_PATH"),
		ListenAddr:    os.Getenv("LISTEN_ADDR"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		Env:           os.Getenv("ENV"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ResultsDir:    os.Getenv("RESULTS_DIR"),
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// Query limits
	if v := os.Getenv("MAX_ROW_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRowLimit = n
		}
	}
	if v := os.Getenv("DEFAULT_ROW_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultRowLimit = n
		}
	}
	if v := os.Getenv("QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.QueryTimeout = d
		}
	}
	if v := os.Getenv("SQLLAB_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SQLLabMaxRows = n
		}
	}

	// Cache
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheDefaultTTL = d
		}
	}
	if v := os.Getenv("CACHE_LOCK_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheLockWait = d
		}
	}
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheMaxEntries = n
		}
	}

	// Janitor
	if v := os.Getenv("JANITOR_SCHEDULE"); v != "" {
		cfg.JanitorSchedule = v
	}
	if v := os.Getenv("STALE_QUERY_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleQueryAfter = d
		}
	}
	if v := os.Getenv("RESULTS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ResultsTTL = d
		}
	}
	if v := os.Getenv("CACHE_KEY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheKeyTTL = d
		}
	}

	// S3 fields are optional — only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "querydeck_meta.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = insecureDefaultKey
		cfg.Warnings = append(cfg.Warnings, "ENCRYPTION_KEY not set — using insecure default. Set ENCRYPTION_KEY in production!")
	}
	if cfg.JWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set — requests run as the anonymous admin user")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.MaxRowLimit == 0 {
		cfg.MaxRowLimit = 50000
	}
	if cfg.DefaultRowLimit == 0 {
		cfg.DefaultRowLimit = 1000
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.SQLLabMaxRows == 0 {
		cfg.SQLLabMaxRows = 100000
	}
	if cfg.CacheDefaultTTL == 0 {
		cfg.CacheDefaultTTL = 24 * time.Hour
	}
	if cfg.CacheLockWait == 0 {
		cfg.CacheLockWait = 30 * time.Second
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = 1024
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "querydeck_results"
	}
	if cfg.ResultsTTL == 0 {
		cfg.ResultsTTL = 24 * time.Hour
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "@every 10m"
	}
	if cfg.StaleQueryAfter == 0 {
		cfg.StaleQueryAfter = time.Hour
	}
	if cfg.CacheKeyTTL == 0 {
		cfg.CacheKeyTTL = 168 * time.Hour
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.EncryptionKey == insecureDefaultKey {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be set in production (ENV=production)")
		}
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
