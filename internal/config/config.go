package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/puyujian/xhs-kapian-sub000/internal/logging"
)

type Config struct {
	ListenAddr       string
	DBPath           string
	DBMaxConnections int
	DBQueryTimeout   time.Duration

	LogLevel      logging.Level
	LogFormat     logging.Format
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	MaxMindDBPath   string
	GeoCacheSize    int
	GeoCacheTTL     time.Duration
	PrivacyAnonIP   bool
	TrustProxy      bool
	RateLimitPerMin int

	RollupEnabled    bool
	RollupSchedule   string
	RollupOnStart    bool
	DefaultQueryDays int
}

func Load() Config {
	cfg := Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8405"),
		DBPath:           getEnv("DB_PATH", "./data/linkstat.db"),
		DBMaxConnections: getEnvInt("DB_MAX_CONNECTIONS", 1),
		DBQueryTimeout:   getEnvDuration("DB_QUERY_TIMEOUT", 30*time.Second),

		LogLevel:      logging.ParseLevel(getEnv("LOG_LEVEL", "INFO")),
		LogFormat:     logging.ParseFormat(getEnv("LOG_FORMAT", "text")),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),

		MaxMindDBPath:   os.Getenv("MAXMIND_DB_PATH"),
		GeoCacheSize:    getEnvInt("GEO_CACHE_SIZE", 10000),
		GeoCacheTTL:     getEnvDuration("GEO_CACHE_TTL", time.Hour),
		PrivacyAnonIP:   getEnvBool("PRIVACY_ANONYMIZE_IP", false),
		TrustProxy:      getEnvBool("TRUST_PROXY_HEADERS", false),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MINUTE", 0),

		RollupEnabled:    getEnvBool("ROLLUP_ENABLED", true),
		RollupSchedule:   getEnv("ROLLUP_SCHEDULE", "10 0 * * *"),
		RollupOnStart:    getEnvBool("ROLLUP_ON_START", false),
		DefaultQueryDays: getEnvInt("DEFAULT_QUERY_DAYS", 7),
	}

	if cfg.DefaultQueryDays < 1 {
		slog.Warn("DEFAULT_QUERY_DAYS must be at least 1", "value", cfg.DefaultQueryDays)
		cfg.DefaultQueryDays = 1
	}
	return cfg
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid bool environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid int environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}
