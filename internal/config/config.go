// package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// telegram
	TGApiID    int
	TGApiHash  string
	SessionDB  string
	HistoryRPS float64
	AlbumWait  time.Duration
	TimeZone   string

	// storage
	DatabaseURL       string
	ForwardConfigFile string
	ProgressFile      string

	// dispatch
	QueueWorkers  int
	QueueDelay    time.Duration
	ChunkSize     int
	BatchSize     int
	ShutdownGrace time.Duration

	// nats, empty disables event publishing
	NatsURL string

	// server, 0 disables the admin api
	HTTPPort int

	// logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		TGApiID:           getEnvInt("TG_API_ID", 0),
		TGApiHash:         getEnv("TG_API_HASH", ""),
		SessionDB:         getEnv("SESSION_DB", "./resources/session.db"),
		HistoryRPS:        getEnvFloat("HISTORY_RPS", 2),
		AlbumWait:         getEnvDuration("ALBUM_WAIT", 800*time.Millisecond),
		TimeZone:          getEnv("TIMEZONE", "Local"),
		DatabaseURL:       getEnv("DATABASE_URL", "./resources/relay.db"),
		ForwardConfigFile: getEnv("FORWARD_CONFIG_FILE", "./resources/forwardConfig.json"),
		ProgressFile:      getEnv("PROGRESS_FILE", "./resources/forward_progress.json"),
		QueueWorkers:      getEnvInt("QUEUE_WORKERS", 1),
		QueueDelay:        getEnvDuration("QUEUE_DELAY", time.Second),
		ChunkSize:         getEnvInt("CHUNK_SIZE", 500),
		BatchSize:         getEnvInt("BATCH_SIZE", 50),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		NatsURL:           getEnv("NATS_URL", ""),
		HTTPPort:          getEnvInt("HTTP_PORT", 3100),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", "./logs/relay.log"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.QueueDelay < 0 {
		return fmt.Errorf("QUEUE_DELAY must not be negative, got %s", c.QueueDelay)
	}
	if c.ChunkSize < 1 || c.ChunkSize > 500 {
		return fmt.Errorf("CHUNK_SIZE must be in 1..500, got %d", c.ChunkSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone used to interpret date filters.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// HasTelegramCredentials reports whether api id and hash are set.
func (c *Config) HasTelegramCredentials() bool {
	return c.TGApiID != 0 && c.TGApiHash != ""
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("1.5s") or plain seconds ("2").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return defaultVal
}
