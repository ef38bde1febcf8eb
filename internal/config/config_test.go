package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("expected postgres driver, got %q", cfg.StoreDriver)
	}
	if cfg.ProjectionStaleThreshold != 60*time.Second {
		t.Errorf("expected 60s stale threshold, got %v", cfg.ProjectionStaleThreshold)
	}
	if cfg.OutboxMaxRetries != 5 {
		t.Errorf("expected 5 max retries, got %d", cfg.OutboxMaxRetries)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("unexpected kafka brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("OUTBOX_BASE_BACKOFF", "250ms")
	t.Setenv("PERIOD_LOCK_BACKEND", "redis")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.StoreDriver != DriverSQLite {
		t.Errorf("expected sqlite driver, got %q", cfg.StoreDriver)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.OutboxBaseBackoff != 250*time.Millisecond {
		t.Errorf("expected 250ms base backoff, got %v", cfg.OutboxBaseBackoff)
	}
	if cfg.PeriodLockBackend != LockRedis {
		t.Errorf("expected redis lock backend, got %q", cfg.PeriodLockBackend)
	}
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
