// Package config loads relay and client settings from the environment and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"peerprep/collab/internal/transport"
)

const (
	StoreRedis = "redis"
	StoreSQL   = "sql"
	StoreNone  = "none"
)

type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	RedisAddr string `yaml:"redisAddr"`

	// Store selects where relay rooms are persisted.
	Store            string        `yaml:"store"`
	DatabaseDSN      string        `yaml:"databaseDsn"`
	SnapshotSchedule string        `yaml:"snapshotSchedule"`
	SnapshotTTL      time.Duration `yaml:"snapshotTtl"`

	AllowedOrigins []string `yaml:"allowedOrigins"`

	// Endpoint is the default transport endpoint for clients. Empty keeps
	// documents offline.
	Endpoint           string        `yaml:"endpoint"`
	PresenceStaleAfter time.Duration `yaml:"presenceStaleAfter"`
	DocumentIdleTTL    time.Duration `yaml:"documentIdleTtl"`
}

// LoadConfig reads the environment, then overlays the YAML file named by
// COLLAB_CONFIG if set.
func LoadConfig() (*Config, error) {
	config := &Config{
		Port:             getEnvOrDefault("PORT", "8080"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		RedisAddr:        getEnvOrDefault("REDIS_ADDR", "redis:6379"),
		Store:            getEnvOrDefault("COLLAB_STORE", StoreRedis),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		SnapshotSchedule: getEnvOrDefault("SNAPSHOT_SCHEDULE", "@every 30s"),
		AllowedOrigins:   splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*")),
		Endpoint:         os.Getenv("COLLAB_ENDPOINT"),
	}

	var err error
	if config.SnapshotTTL, err = getDurationOrDefault("SNAPSHOT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if config.PresenceStaleAfter, err = getDurationOrDefault("PRESENCE_STALE_AFTER", 0); err != nil {
		return nil, err
	}
	if config.DocumentIdleTTL, err = getDurationOrDefault("DOCUMENT_IDLE_TTL", 0); err != nil {
		return nil, err
	}

	if path := os.Getenv("COLLAB_CONFIG"); path != "" {
		if err := overlayFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func overlayFile(config *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func validateConfig(config *Config) error {
	if _, err := strconv.Atoi(config.Port); err != nil {
		return fmt.Errorf("invalid port %q", config.Port)
	}
	if _, err := zapcore.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch config.Store {
	case StoreRedis:
		if config.RedisAddr == "" {
			return errors.New("store redis requires REDIS_ADDR")
		}
	case StoreSQL:
		if config.DatabaseDSN == "" {
			return errors.New("store sql requires DATABASE_DSN")
		}
	case StoreNone:
	default:
		return errors.New("unsupported store: " + config.Store + ". Currently supported: redis, sql, none")
	}
	if config.Store != StoreNone && config.SnapshotSchedule == "" {
		return errors.New("snapshot schedule must not be empty")
	}
	if config.SnapshotTTL < 0 || config.PresenceStaleAfter < 0 || config.DocumentIdleTTL < 0 {
		return errors.New("durations must not be negative")
	}
	if config.Endpoint != "" {
		if _, err := transport.ParseEndpoint(config.Endpoint); err != nil {
			return fmt.Errorf("invalid COLLAB_ENDPOINT: %w", err)
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
