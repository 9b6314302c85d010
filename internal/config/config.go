package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisDB       int
	ServerAddr    string
	ServiceName   string
	CachePrefix   string
	ApprovalTTL   time.Duration
	StreamMaxLen  int64
	MigrationsDir string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "platform")
		pass := getenv("POSTGRES_PASSWORD", "platform_pass")
		db := getenv("POSTGRES_DB", "platform")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	return &Config{
		DatabaseURL:   dsn,
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       parseInt(getenv("REDIS_DB", "0"), 0),
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),
		ServiceName:   getenv("SERVICE_NAME", "platform-core"),
		CachePrefix:   getenv("CACHE_KEY_PREFIX", ""),
		ApprovalTTL:   parseDuration(getenv("APPROVAL_TTL", "1h"), time.Hour),
		StreamMaxLen:  int64(parseInt(getenv("STREAM_MAX_LEN", "10000"), 10000)),
		MigrationsDir: getenv("MIGRATIONS_DIR", "internal/migrations"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
