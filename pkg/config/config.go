// Package config loads and validates service configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config is the full configuration document for a site agent process, per the
// external configuration schema: id, name, listenAddress, connectionAddress,
// deviceUrls[], staticHops[], credentials, backingStoreUrl, netManUri, plus
// the ambient pieces (server, redis, jwt, alignment defaults).
type Config struct {
	Site      SiteConfig
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Alignment AlignmentConfig
	KeyStore  KeyStoreConfig
}

// SiteConfig is the identity and topology block of the schema in SPEC_FULL.md §6.
type SiteConfig struct {
	ID                uuid.UUID
	Name              string
	ListenAddress     string
	ConnectionAddress string
	DeviceURLs        []string
	StaticHops        []string
	Credentials       string
	BackingStoreURL   string
	NetManURI         string
	CredentialsDBPath string
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int

	RateLimitCount  int
	RateLimitWindow time.Duration
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// AlignmentConfig carries the Detection Gating tunables of SPEC_FULL.md §4.1.
// These are per-session defaults; a session's actual SystemParameters may
// override them via SetSystemParameters.
type AlignmentConfig struct {
	FrameWidthPs        int64
	SlotWidthPs         int64
	PulseWidthPs        int64
	SlotOffsetTestRange int
	AcceptanceRatio     decimal.Decimal
	Workers             int
}

// KeyStoreConfig carries the cache/eviction tunables of SPEC_FULL.md §4.3.
type KeyStoreConfig struct {
	CacheLimit int
}

// Load assembles a Config from the environment, with defaults matching the
// spec's suggested values (slotWidth ~10ns, pulseWidth ~100ps -> ~100 bins/slot).
func Load() *Config {
	siteID, err := uuid.Parse(getEnv("SITE_ID", ""))
	if err != nil {
		siteID = uuid.New()
	}

	return &Config{
		Site: SiteConfig{
			ID:                siteID,
			Name:              getEnv("SITE_NAME", "site-agent"),
			ListenAddress:     getEnv("SITE_LISTEN_ADDRESS", "0.0.0.0:8443"),
			ConnectionAddress: getEnv("SITE_CONNECTION_ADDRESS", "localhost:8443"),
			DeviceURLs:        splitNonEmpty(getEnv("SITE_DEVICE_URLS", "")),
			StaticHops:        splitNonEmpty(getEnv("SITE_STATIC_HOPS", "")),
			Credentials:       getEnv("SITE_CREDENTIALS", ""),
			BackingStoreURL:   getEnv("BACKING_STORE_URL", "file:./siteagent.db"),
			NetManURI:         getEnv("NETMAN_URI", ""),
			CredentialsDBPath: getEnv("SITE_CREDENTIALS_DB", "./credentials.db"),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8443"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:             normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getIntEnv("REDIS_DB", 0),
			RateLimitCount:  getIntEnv("RATE_LIMIT_COUNT", 100),
			RateLimitWindow: getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		},
		Alignment: AlignmentConfig{
			FrameWidthPs:        getInt64Env("ALIGNMENT_FRAME_WIDTH_PS", 10_000_000_000),
			SlotWidthPs:         getInt64Env("ALIGNMENT_SLOT_WIDTH_PS", 10_000),
			PulseWidthPs:        getInt64Env("ALIGNMENT_PULSE_WIDTH_PS", 100),
			SlotOffsetTestRange: getIntEnv("ALIGNMENT_SLOT_OFFSET_TEST_RANGE", 1000),
			AcceptanceRatio:     getDecimalEnv("ALIGNMENT_ACCEPTANCE_RATIO", "0.5"),
			Workers:             getIntEnv("ALIGNMENT_WORKERS", 4),
		},
		KeyStore: KeyStoreConfig{
			CacheLimit: getIntEnv("KEYSTORE_CACHE_LIMIT", 100_000),
		},
	}
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if dec, err := decimal.NewFromString(value); err == nil {
			return dec
		}
	}
	return decimal.RequireFromString(defaultValue)
}
