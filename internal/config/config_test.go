package config

import (
	"testing"
	"time"
)

func clearOptionalEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HTTP_ADDR", "REDIS_ADDR", "REDIS_PASSWORD", "STREAM_POLL_INTERVAL",
		"LOG_LEVEL", "AUTH_RATE_LIMIT", "MAX_JSON_BODY_SIZE",
		"EVENT_BATCH_SIZE", "CACHE_RESYNC_INTERVAL", "HISTORY_RECORD_TTL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	clearOptionalEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty", cfg.RedisAddr)
	}
	if cfg.StreamPollInterval != time.Second {
		t.Errorf("StreamPollInterval = %v, want 1s", cfg.StreamPollInterval)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
	if cfg.EventBatchSize != 1000 {
		t.Errorf("EventBatchSize = %d, want 1000", cfg.EventBatchSize)
	}
	if cfg.CacheResyncInterval != time.Minute {
		t.Errorf("CacheResyncInterval = %v, want 1m", cfg.CacheResyncInterval)
	}
	if cfg.HistoryRecordTTL != 90*24*time.Hour {
		t.Errorf("HistoryRecordTTL = %v, want 2160h", cfg.HistoryRecordTTL)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_StreamPollInterval_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "not-a-duration")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for invalid STREAM_POLL_INTERVAL")
	}
}

func TestLoad_StreamPollInterval_Zero(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "0s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for zero STREAM_POLL_INTERVAL")
	}
}

func TestLoad_StreamPollInterval_Negative(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STREAM_POLL_INTERVAL", "-1s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for negative STREAM_POLL_INTERVAL")
	}
}

func TestLoad_AuthRateLimit_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("AUTH_RATE_LIMIT", "zero")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for non-numeric AUTH_RATE_LIMIT")
	}

	t.Setenv("AUTH_RATE_LIMIT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for zero AUTH_RATE_LIMIT")
	}
}

func TestLoad_MaxJSONBodySize_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_JSON_BODY_SIZE", "-5")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for negative MAX_JSON_BODY_SIZE")
	}
}

func TestLoad_HistoryRecordTTL_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HISTORY_RECORD_TTL", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail for zero HISTORY_RECORD_TTL")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	clearOptionalEnv(t)
	t.Setenv("HTTP_ADDR", ":3000")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("STREAM_POLL_INTERVAL", "250ms")
	t.Setenv("EVENT_BATCH_SIZE", "50")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q, want localhost:6379", cfg.RedisAddr)
	}
	if cfg.StreamPollInterval != 250*time.Millisecond {
		t.Errorf("StreamPollInterval = %v, want 250ms", cfg.StreamPollInterval)
	}
	if cfg.EventBatchSize != 50 {
		t.Errorf("EventBatchSize = %d, want 50", cfg.EventBatchSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}
