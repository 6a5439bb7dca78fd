package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Browser.PageTimeout != 45*time.Second {
		t.Fatalf("expected 45s page timeout, got %v", cfg.Browser.PageTimeout)
	}
	if cfg.Batch.IncompleteRetryLimit != 2 || cfg.Batch.RetryRounds != 5 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Batch)
	}
	if cfg.Verify.Cooldown != 15*time.Minute {
		t.Fatalf("expected 15m cooldown, got %v", cfg.Verify.Cooldown)
	}
	if cfg.Category.MaxPages != 50 {
		t.Fatalf("expected 50 max pages, got %d", cfg.Category.MaxPages)
	}
}

func TestLoad_FileAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "app": {"log_level": "debug", "key_prefix": "test"},
  "browser": {"page_timeout": "30s"},
  "batch": {"concurrency": 25, "rest_every": 10, "rest_min": "1m", "rest_max": "2m"},
  "daily": {"schedule_time": "03:30", "window": "45m", "category_url": "https://shopee.ph/cat.1"}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.LogLevel != "debug" || cfg.App.KeyPrefix != "test" {
		t.Fatalf("unexpected app config: %+v", cfg.App)
	}
	if cfg.Browser.PageTimeout != 30*time.Second {
		t.Fatalf("expected 30s, got %v", cfg.Browser.PageTimeout)
	}
	if cfg.Batch.Concurrency != 10 {
		t.Fatalf("expected concurrency clamped to 10, got %d", cfg.Batch.Concurrency)
	}
	if cfg.Batch.RestEvery != 10 || cfg.Batch.RestMin != time.Minute || cfg.Batch.RestMax != 2*time.Minute {
		t.Fatalf("unexpected rest config: %+v", cfg.Batch)
	}
	if cfg.Daily.ScheduleTime != "03:30" || cfg.Daily.Window != 45*time.Minute {
		t.Fatalf("unexpected daily config: %+v", cfg.Daily)
	}
	// 未在文件中出现的字段保持默认值
	if cfg.Daily.JobDeadline != 23*time.Hour {
		t.Fatalf("expected default job deadline, got %v", cfg.Daily.JobDeadline)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("APP_LOG_LEVEL", "warn")
	t.Setenv("BATCH_CONCURRENCY", "4")
	t.Setenv("VERIFY_COOLDOWN", "5m")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("expected redis override, got %s", cfg.Redis.Addr)
	}
	if cfg.App.LogLevel != "warn" {
		t.Fatalf("expected log level override, got %s", cfg.App.LogLevel)
	}
	if cfg.Batch.Concurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.Batch.Concurrency)
	}
	if cfg.Verify.Cooldown != 5*time.Minute {
		t.Fatalf("expected cooldown 5m, got %v", cfg.Verify.Cooldown)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "bad schedule", mutate: func(c *Config) { c.Daily.ScheduleTime = "25:00" }, wantErr: true},
		{name: "bad pattern", mutate: func(c *Config) { c.Verify.URLPattern = "(" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Snapshot.Driver = "mongo" }, wantErr: true},
		{name: "mysql dsn", mutate: func(c *Config) {
			c.Snapshot.Driver = "mysql"
			c.Snapshot.DSN = "root:pw@tcp(localhost:3306)/shopee?parseTime=true"
		}},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Snapshot.Driver = "sqlite" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeConcurrency(t *testing.T) {
	cases := map[int]int{-1: 1, 0: 1, 1: 1, 5: 5, 10: 10, 11: 10}
	for in, want := range cases {
		if got := NormalizeConcurrency(in); got != want {
			t.Errorf("NormalizeConcurrency(%d) = %d, want %d", in, got, want)
		}
	}
}
