package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridstore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORAGE_URI", "MONGODB_URI", "STORAGE_DATABASE", "MONGODB_DB",
		"STORAGE_BUCKET", "GRIDSTORE_API_KEY", "GRIDSTORE_LOG_LEVEL", "GRIDSTORE_PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Storage.Bucket != "fs" || cfg.Storage.Database != "gridstore" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.URI != "" {
		t.Errorf("URI = %q, want empty", cfg.Storage.URI)
	}
	if cfg.Upload.MaxSizeBytes != 25_000_000 {
		t.Errorf("MaxSizeBytes = %d, want 25000000", cfg.Upload.MaxSizeBytes)
	}
	if cfg.Upload.BufferLimitBytes != 8_000_000 {
		t.Errorf("BufferLimitBytes = %d, want 8000000", cfg.Upload.BufferLimitBytes)
	}
	if !cfg.Observability.Metrics {
		t.Error("metrics should default to enabled")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: 8080
  debug: true
  shutdown_timeout: 3s
  public_base_url: https://cdn.example.com
logging:
  format: json
storage:
  uri: sqlite://./data/gs.db
  bucket: uploads
  chunk_size: 1024
  operation_timeout: 10s
upload:
  max_size: 1MiB
  allowed_types: ["image/*"]
observability:
  metrics: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 || !cfg.Server.Debug {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Storage.URI != "sqlite://./data/gs.db" || cfg.Storage.Bucket != "uploads" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 5s", cfg.Storage.ConnectTimeout)
	}
	if cfg.Upload.MaxSizeBytes != 1<<20 {
		t.Errorf("MaxSizeBytes = %d, want %d", cfg.Upload.MaxSizeBytes, 1<<20)
	}
	if len(cfg.Upload.AllowedTypes) != 1 {
		t.Errorf("AllowedTypes = %v", cfg.Upload.AllowedTypes)
	}
	if cfg.Observability.Metrics {
		t.Error("metrics should be disabled")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadInvalid(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"yaml":       "server: [unclosed",
		"max_size":   "upload:\n  max_size: lots\n",
		"port":       "server:\n  port: 70000\n",
		"chunk_size": "storage:\n  chunk_size: -1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MONGODB_URI":         "mongodb://legacy:27017",
		"MONGODB_DB":          "legacy",
		"STORAGE_DATABASE":    "media",
		"STORAGE_BUCKET":      "attachments",
		"GRIDSTORE_API_KEY":   "s3cret",
		"GRIDSTORE_LOG_LEVEL": "debug",
		"GRIDSTORE_PORT":      "9090",
	}
	cfg := defaultConfig()
	if err := ApplyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Storage.URI != "mongodb://legacy:27017" {
		t.Errorf("URI = %q, want legacy fallback", cfg.Storage.URI)
	}
	if cfg.Storage.Database != "media" {
		t.Errorf("Database = %q, STORAGE_DATABASE should win over MONGODB_DB", cfg.Storage.Database)
	}
	if cfg.Storage.Bucket != "attachments" || cfg.Auth.APIKey != "s3cret" {
		t.Errorf("Bucket = %q, APIKey = %q", cfg.Storage.Bucket, cfg.Auth.APIKey)
	}
	if cfg.Logging.Level != "debug" || cfg.Server.Port != 9090 {
		t.Errorf("Level = %q, Port = %d", cfg.Logging.Level, cfg.Server.Port)
	}

	env["STORAGE_URI"] = "memory://"
	cfg = defaultConfig()
	ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Storage.URI != "memory://" {
		t.Errorf("URI = %q, STORAGE_URI should win", cfg.Storage.URI)
	}

	env["GRIDSTORE_PORT"] = "http"
	if err := ApplyEnv(defaultConfig(), func(k string) string { return env[k] }); err == nil {
		t.Error("ApplyEnv should reject a non-numeric port")
	}
}

func TestUploadAllows(t *testing.T) {
	u := UploadConfig{AllowedTypes: []string{"image/*", "application/pdf", "application/vnd.openxmlformats-officedocument.*"}}
	tests := map[string]bool{
		"image/png":                true,
		"IMAGE/JPEG":               true,
		"application/pdf":          true,
		"text/plain; charset=utf-8": false,
		"application/zip":          false,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
		"": false,
	}
	for ct, want := range tests {
		if got := u.Allows(ct); got != want {
			t.Errorf("Allows(%q) = %v, want %v", ct, got, want)
		}
	}
	if !(UploadConfig{}).Allows("application/x-anything") {
		t.Error("an empty allow-list should accept everything")
	}
}

func TestAddr(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.Addr(); got != "0.0.0.0:3001" {
		t.Errorf("Addr = %q", got)
	}
}
