// Package config loads the environment-variable configuration recognized by
// every ETL entry point and by the webhook server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config is the full set of env keys, plus the connection
// settings an ETL process or the webhook server needs.
type Config struct {
	PageSize               int
	InitialFromDate        time.Time
	IncrementalBufferDays  int
	MaxKeysPerRequest      int
	ETLMode                string // incremental | open_update
	MaxErrorLogs           int
	LogLevel               string
	SendQueueWaitTimeMsg   bool

	ODataBaseURL string
	ODataToken   string

	ChatBaseURL string
	ChatToken   string
	ChatWebhookSecret string

	DatabaseURL string

	HTTPAddr string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatal().Str("key", k).Msg("required environment variable is not set")
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatal().Str("key", k).Str("value", v).Msg("invalid integer environment variable")
	}
	return n
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatal().Str("key", k).Str("value", v).Msg("invalid boolean environment variable")
	}
	return b
}

// Load reads the process environment into a Config, failing fast (log.Fatal)
// on malformed or missing required values.
func Load() Config {
	initialFrom, err := time.Parse("2006-01-02", env("INITIAL_FROM_DATE", "2025-01-01"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid INITIAL_FROM_DATE")
	}

	cfg := Config{
		PageSize:              envInt("PAGE_SIZE", 1000),
		InitialFromDate:       initialFrom,
		IncrementalBufferDays: envInt("INCREMENTAL_BUFFER_DAYS", 7),
		MaxKeysPerRequest:     envInt("MAX_KEYS_PER_REQUEST", 40),
		ETLMode:               strings.ToLower(env("ETL_MODE", "incremental")),
		MaxErrorLogs:          envInt("MAX_ERROR_LOGS", 50),
		LogLevel:              env("LOG_LEVEL", "info"),
		SendQueueWaitTimeMsg:  envBool("SEND_QUEUE_WAIT_TIME_MESSAGE", true),

		ODataBaseURL: mustEnv("ODATA_BASE_URL"),
		ODataToken:   env("ODATA_TOKEN", ""),

		ChatBaseURL:       mustEnv("CHAT_BASE_URL"),
		ChatToken:         mustEnv("CHAT_TOKEN"),
		ChatWebhookSecret: env("CHAT_WEBHOOK_SECRET", ""),

		DatabaseURL: mustEnv("DB_URL"),

		HTTPAddr: env("HTTP_ADDR", ":8080"),
	}

	if cfg.ETLMode != "incremental" && cfg.ETLMode != "open_update" {
		log.Fatal().Str("ETL_MODE", cfg.ETLMode).Msg("ETL_MODE must be 'incremental' or 'open_update'")
	}

	return cfg
}

// Buffer returns the checkpoint safety window for a given entity name
//: 7 days for high-churn entities, 1 day for queue-closing,
// 6 hours for reschedules. Falls back to the configured
// IncrementalBufferDays for anything else.
func (c Config) Buffer(entity string) time.Duration {
	switch entity {
	case "queue_closing":
		return 24 * time.Hour
	case "reschedules":
		return 6 * time.Hour
	case "consultations", "bulk_consultations":
		return time.Duration(c.IncrementalBufferDays) * 24 * time.Hour
	default:
		return time.Duration(c.IncrementalBufferDays) * 24 * time.Hour
	}
}
