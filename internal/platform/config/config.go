// Package config loads process configuration from the environment.
//
// Every key can be overridden with a MEDGATE_-prefixed variable, e.g.
// MEDGATE_SERVER_ADDR, MEDGATE_LOG_LEVEL, MEDGATE_AUDIT_SIEM_MINSEVERITY.
// Values not present in the environment keep their defaults.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	dErrors "medgate/pkg/domain-errors"
)

const envPrefix = "MEDGATE_"

type Config struct {
	Server ServerConfig `koanf:"server"`
	Log    LogConfig    `koanf:"log"`

	Redis    RedisConfig    `koanf:"redis"`
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`

	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Audit     AuditConfig     `koanf:"audit"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout" validate:"gt=0"`
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string `koanf:"admintoken"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// RedisConfig selects the distributed bucket store. Empty URL means the
// in-memory store is used.
type RedisConfig struct {
	URL      string `koanf:"url"`
	PoolSize int    `koanf:"poolsize"`
}

// PostgresConfig enables the database audit destination when URL is set.
type PostgresConfig struct {
	URL string `koanf:"url"`
}

// KafkaConfig enables the SIEM audit destination when Brokers is set.
type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type RateLimitConfig struct {
	Disabled        bool          `koanf:"disabled"`
	JanitorInterval time.Duration `koanf:"janitorinterval" validate:"gt=0"`
}

type AuditConfig struct {
	Console  DestinationConfig     `koanf:"console"`
	File     FileDestinationConfig `koanf:"file"`
	Database DestinationConfig     `koanf:"database"`
	SIEM     DestinationConfig     `koanf:"siem"`

	// WriteTimeout bounds each destination write so a hung sink cannot
	// stall the drain worker or a critical-severity caller.
	WriteTimeout time.Duration `koanf:"writetimeout" validate:"gt=0"`

	AlertWebhookURL string `koanf:"alertwebhookurl"`
}

type DestinationConfig struct {
	Enabled     bool   `koanf:"enabled"`
	MinSeverity string `koanf:"minseverity" validate:"omitempty,oneof=info warning high critical"`
}

type FileDestinationConfig struct {
	Enabled     bool   `koanf:"enabled"`
	MinSeverity string `koanf:"minseverity" validate:"omitempty,oneof=info warning high critical"`
	Path        string `koanf:"path"`
}

// Default returns the built-in configuration. Environment variables layer on
// top of it in Load.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			Topic: "medgate.audit",
		},
		RateLimit: RateLimitConfig{
			JanitorInterval: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Console:      DestinationConfig{Enabled: true, MinSeverity: "info"},
			File:         FileDestinationConfig{MinSeverity: "info"},
			Database:     DestinationConfig{MinSeverity: "warning"},
			SIEM:         DestinationConfig{MinSeverity: "high"},
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults plus MEDGATE_* environment
// variables, then validates it. Used once at startup; admin updates at
// runtime go through the services, not here.
func Load() (*Config, error) {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
		// Comma-separated values become lists (e.g. MEDGATE_KAFKA_BROKERS).
		if strings.Contains(value, ",") {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read environment")
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "failed to unmarshal configuration")
	}

	cfg.Kafka.Brokers = dedupeAndTrim(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// dedupeAndTrim drops empty and repeated entries, preserving order.
func dedupeAndTrim(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// Validate checks structural invariants. The file destination additionally
// requires a path when enabled, which struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid configuration")
	}
	if c.Audit.File.Enabled && c.Audit.File.Path == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "audit file destination enabled without a path")
	}
	if c.Audit.SIEM.Enabled && len(c.Kafka.Brokers) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "siem destination enabled without kafka brokers")
	}
	if c.Audit.Database.Enabled && c.Postgres.URL == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "database destination enabled without a postgres url")
	}
	return nil
}
