// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("EXTRACTION_COUNT")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Extraction.Count != 8 {
		t.Fatalf("expected default extraction count 8, got %d", cfg.Extraction.Count)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.LLM.RateLimitPerMinute != 50 {
		t.Fatalf("expected default llm rate limit 50, got %d", cfg.LLM.RateLimitPerMinute)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Extraction.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for extraction.count < 1")
	}
	cfg = defaultConfig()
	cfg.Extraction.HeartbeatTTL = 3 * 1e9 // 3s
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat ttl < 5s")
	}
	cfg = defaultConfig()
	cfg.Extraction.BRPopLPushTimeout = cfg.Extraction.HeartbeatTTL
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for brpoplpush_timeout > heartbeat_ttl/2")
	}
	cfg = defaultConfig()
	cfg.Aggregation.WeekStartWeekday = 7
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for week_start_weekday out of range")
	}
	cfg = defaultConfig()
	cfg.LLM.RateLimitPerMinute = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for llm.rate_limit_per_minute < 1")
	}
}
