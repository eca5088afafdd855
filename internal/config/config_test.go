package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.DBPath != "ryvr.db" {
		t.Errorf("Expected default db path, got %q", cfg.DBPath)
	}
	if cfg.APIAddr != "127.0.0.1:7466" {
		t.Errorf("Expected default api addr, got %q", cfg.APIAddr)
	}
	if cfg.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Workers)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("Expected 1s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.KafkaTopic != "ryvr-task-events" {
		t.Errorf("Expected default kafka topic, got %q", cfg.KafkaTopic)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RYVR_WORKERS", "8")
	t.Setenv("RYVR_POLL_INTERVAL", "250ms")
	t.Setenv("RYVR_APPROVAL_TASK_TYPES", "seo_audit, keyword_research")
	t.Setenv("RYVR_KAFKA_BROKERS", "broker1:9092,broker2:9092")

	cfg := Load()
	if cfg.Workers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.Workers)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll interval, got %v", cfg.PollInterval)
	}
	if len(cfg.ApprovalTaskTypes) != 2 || cfg.ApprovalTaskTypes[1] != "keyword_research" {
		t.Errorf("Expected approval task types parsed, got %v", cfg.ApprovalTaskTypes)
	}
	if cfg.KafkaBrokers != "broker1:9092,broker2:9092" {
		t.Errorf("Expected kafka brokers kept raw, got %q", cfg.KafkaBrokers)
	}
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("RYVR_WORKERS", "many")
	t.Setenv("RYVR_PROCESS_TIMEOUT", "soon")

	cfg := Load()
	if cfg.Workers != 4 {
		t.Errorf("Expected fallback to 4 workers, got %d", cfg.Workers)
	}
	if cfg.ProcessTimeout != 5*time.Minute {
		t.Errorf("Expected fallback to 5m timeout, got %v", cfg.ProcessTimeout)
	}
}
