package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the auction server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Liveness: sessions are probed every ProbeInterval and evicted once
	// unacknowledged past StaleThreshold (>= 2x the probe interval).
	ProbeInterval  time.Duration
	StaleThreshold time.Duration

	// Auction timing.
	BidWindow           time.Duration
	RecoverySweepPeriod time.Duration
	PurgeInterval       time.Duration
	PurgeAge            time.Duration

	MongoURI      string
	MongoDatabase string
	PGDSN         string

	RedisAddr     string
	RedisPassword string
	RedisAvailKey string

	KafkaBrokers []string
	KafkaTopic   string

	StripeAPIKey string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		ProbeInterval:       30 * time.Second,
		StaleThreshold:      0, // derived from ProbeInterval when unset
		BidWindow:           10 * time.Minute,
		RecoverySweepPeriod: 5 * time.Minute,
		PurgeInterval:       time.Hour,
		PurgeAge:            24 * time.Hour,
		MongoDatabase:       "fare_auction",
		RedisAvailKey:       "driver_availability",
		KafkaTopic:          "auction-events",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.ProbeInterval, "PROBE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StaleThreshold, "STALE_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.BidWindow, "BID_WINDOW", &errs)
	setDurationFromEnv(&cfg.RecoverySweepPeriod, "RECOVERY_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PurgeInterval, "PURGE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PurgeAge, "PURGE_AGE", &errs)

	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")
	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisAvailKey, "REDIS_AVAIL_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_INTERVAL must be > 0"))
	}
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 2 * cfg.ProbeInterval
	}
	if cfg.StaleThreshold < 2*cfg.ProbeInterval {
		errs = append(errs, fmt.Errorf("STALE_THRESHOLD must be at least twice PROBE_INTERVAL"))
	}
	if cfg.BidWindow <= 0 {
		errs = append(errs, fmt.Errorf("BID_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
