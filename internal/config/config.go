// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the daemon needs to wire the engine.
type Config struct {
	DBPath  string
	APIAddr string

	Workers              int
	PollInterval         time.Duration
	ProcessTimeout       time.Duration
	ExternalPollInterval time.Duration

	// External computation service
	ServiceURL string
	ServiceKey string

	// Approval policy
	ApprovalTaskTypes []string
	ApprovalOwners    []string

	// Notification channels (empty disables)
	WebhookURL   string
	KafkaBrokers string
	KafkaTopic   string
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	return &Config{
		DBPath:               getenv("RYVR_DB_PATH", "ryvr.db"),
		APIAddr:              getenv("RYVR_API_ADDR", "127.0.0.1:7466"),
		Workers:              getint("RYVR_WORKERS", 4),
		PollInterval:         getdur("RYVR_POLL_INTERVAL", time.Second),
		ProcessTimeout:       getdur("RYVR_PROCESS_TIMEOUT", 5*time.Minute),
		ExternalPollInterval: getdur("RYVR_EXTERNAL_POLL_INTERVAL", 10*time.Second),
		ServiceURL:           getenv("RYVR_SERVICE_URL", "http://127.0.0.1:9000/v1/execute"),
		ServiceKey:           os.Getenv("RYVR_SERVICE_KEY"),
		ApprovalTaskTypes:    splitCSV(os.Getenv("RYVR_APPROVAL_TASK_TYPES")),
		ApprovalOwners:       splitCSV(os.Getenv("RYVR_APPROVAL_OWNERS")),
		WebhookURL:           os.Getenv("RYVR_WEBHOOK_URL"),
		KafkaBrokers:         os.Getenv("RYVR_KAFKA_BROKERS"),
		KafkaTopic:           getenv("RYVR_KAFKA_TOPIC", "ryvr-task-events"),
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getdur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
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
