package chatsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExampleConfigParses(t *testing.T) {
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Sync.MessagePollInterval != 5*time.Second || cfg.Sync.CategoryPollInterval != 30*time.Second {
		t.Errorf("unexpected sync intervals %+v", cfg.Sync)
	}
	if cfg.Hydration.BatchSize != 8 || cfg.Sync.GroupPageSize != 50 {
		t.Errorf("unexpected batch sizes %+v %+v", cfg.Hydration, cfg.Sync)
	}
	if cfg.Normalizer.SentinelSenderID != "1" || cfg.Normalizer.OptimisticMatchWindow != 2*time.Minute {
		t.Errorf("unexpected normalizer config %+v", cfg.Normalizer)
	}
	if cfg.Cache.Backend != "none" || cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
}

func TestPostProcessDefaultsAndValidation(t *testing.T) {
	cfg, err := ParseConfig([]byte("identity:\n    role: teacher\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Identity.Role != "TEACHER" {
		t.Errorf("role = %q", cfg.Identity.Role)
	}
	if cfg.Hydration.BatchSize != 8 || cfg.Normalizer.OptimisticMatchWindow != DefaultOptimisticMatchWindow {
		t.Errorf("defaults not applied: %+v %+v", cfg.Hydration, cfg.Normalizer)
	}

	if _, err = ParseConfig([]byte("api:\n    base_url: not a url\n")); err == nil {
		t.Error("relative base url accepted")
	}
	if _, err = ParseConfig([]byte("cache:\n    backend: memcached\n")); err == nil {
		t.Error("unknown cache backend accepted")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIToken, "env-token")
	t.Setenv(EnvAPIURL, "https://env.example.com/api")
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if err = cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.API.Token != "env-token" || cfg.API.BaseURL != "https://env.example.com/api" {
		t.Errorf("env not applied: %+v", cfg.API)
	}
}

func TestLoadConfigCreatesAndUpgrades(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig new: %v", err)
	}
	if cfg.Hydration.BatchSize != 8 {
		t.Errorf("batch size = %d", cfg.Hydration.BatchSize)
	}

	partial := "sync:\n    message_poll_interval: 2s\n"
	if err = os.WriteFile(path, []byte(partial), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig partial: %v", err)
	}
	if cfg.Sync.MessagePollInterval != 2*time.Second {
		t.Errorf("user value lost: %s", cfg.Sync.MessagePollInterval)
	}
	if cfg.Sync.CategoryPollInterval != 30*time.Second {
		t.Errorf("missing value not filled from example: %s", cfg.Sync.CategoryPollInterval)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(saved), "hydration:") {
		t.Error("upgraded config was not written back")
	}
}
