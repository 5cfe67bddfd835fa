package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for k := range defaults {
		t.Setenv(k, "")
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AppPort != 8080 || cfg.MetaBackend != BackendBolt || cfg.ChunkSize != 1<<20 {
		t.Fatalf("defaults: %+v", *cfg)
	}
	if want := filepath.Join("data", "meta.db"); cfg.MetaDBPath != want {
		t.Fatalf("meta db path: want=%q got=%q", want, cfg.MetaDBPath)
	}
	if cfg.RedisPrefix != "material:" || cfg.LogLevel != "info" {
		t.Fatalf("defaults: %+v", *cfg)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DATA_DIR", "/srv/materials")
	t.Setenv("META_BACKEND", "Redis")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("CHUNK_SIZE", "4096")
	t.Setenv("RENAME_TO_HASH", "true")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AppPort != 9090 || cfg.MetaBackend != BackendRedis || cfg.ChunkSize != 4096 || !cfg.RenameToHash {
		t.Fatalf("overrides: %+v", *cfg)
	}
	if cfg.MetaDBPath != "/srv/materials/meta.db" {
		t.Fatalf("meta db path: %q", cfg.MetaDBPath)
	}
	s := cfg.String()
	if strings.Contains(s, "secret") || !strings.Contains(s, "RedisPassword: ********") {
		t.Fatalf("password not masked:%s", s)
	}
}

func TestValidate(t *testing.T) {
	base := Config{AppPort: 8080, MetaBackend: BackendBolt, ChunkSize: 1}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := base
	bad.MetaBackend = "postgres"
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown backend accepted")
	}

	bad = base
	bad.ChunkSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("zero chunk size accepted")
	}
}
