// Package config handles loading and parsing of gridstore configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for gridstore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Upload        UploadConfig        `yaml:"upload"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Debug includes stack traces in diagnostics error responses.
	Debug bool `yaml:"debug"`
	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// PublicBaseURL prefixes the fileUrl returned by uploads. Empty means
	// a path-only URL ("/files/{id}").
	PublicBaseURL string `yaml:"public_base_url"`
}

// LoggingConfig holds log/slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the storage engine and chunk bucket.
type StorageConfig struct {
	// URI is the connection string, e.g. "mongodb://localhost:27017" or
	// "sqlite://./data/gridstore.db". An empty URI is reported when storage
	// is first used, not at load time.
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	Bucket   string `yaml:"bucket"`
	// ChunkSize is the chunk size in bytes for new uploads.
	ChunkSize int `yaml:"chunk_size"`
	// ConnectTimeout bounds dialing and liveness probes.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// OperationTimeout bounds a single upload, download or delete.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// UploadConfig holds upload limits. Sizes are human strings ("25MB").
type UploadConfig struct {
	MaxSize string `yaml:"max_size"`
	// AllowedTypes lists accepted content types. A trailing "/*" matches a
	// whole family. An empty list accepts everything.
	AllowedTypes []string `yaml:"allowed_types"`
	// BufferLimit is the largest file served from memory with range support.
	// Larger files are streamed.
	BufferLimit string `yaml:"buffer_limit"`

	MaxSizeBytes     int64 `yaml:"-"`
	BufferLimitBytes int64 `yaml:"-"`
}

// AuthConfig holds the admin API key guarding delete and diagnostics routes.
type AuthConfig struct {
	// APIKey is compared against "Authorization: Bearer" or "X-API-Key".
	// Empty disables the guard.
	APIKey string `yaml:"api_key"`
}

// ObservabilityConfig toggles the Prometheus endpoint.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config with environment overrides applied. A missing file is not
// an error; the defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environment variables. getenv is usually
// os.Getenv. The legacy MONGODB_URI and MONGODB_DB names are honored when the
// STORAGE_ names are unset.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := firstNonEmpty(getenv("STORAGE_URI"), getenv("MONGODB_URI")); v != "" {
		cfg.Storage.URI = v
	}
	if v := firstNonEmpty(getenv("STORAGE_DATABASE"), getenv("MONGODB_DB")); v != "" {
		cfg.Storage.Database = v
	}
	if v := getenv("STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := getenv("GRIDSTORE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := getenv("GRIDSTORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("GRIDSTORE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRIDSTORE_PORT: invalid port %q", v)
		}
		cfg.Server.Port = port
	}
	return nil
}

// Finalize parses the human-readable sizes and validates ranges. It must be
// called again after flags modify cfg.
func (c *Config) Finalize() error {
	maxSize, err := humanize.ParseBytes(c.Upload.MaxSize)
	if err != nil {
		return fmt.Errorf("upload.max_size: %w", err)
	}
	bufLimit, err := humanize.ParseBytes(c.Upload.BufferLimit)
	if err != nil {
		return fmt.Errorf("upload.buffer_limit: %w", err)
	}
	c.Upload.MaxSizeBytes = int64(maxSize)
	c.Upload.BufferLimitBytes = int64(bufLimit)

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Storage.ChunkSize <= 0 {
		return fmt.Errorf("storage.chunk_size: must be positive, got %d", c.Storage.ChunkSize)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Allows reports whether contentType is accepted for upload. Parameters such
// as "; charset=utf-8" are ignored.
func (u UploadConfig) Allows(contentType string) bool {
	if len(u.AllowedTypes) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, pattern := range u.AllowedTypes {
		if ok, _ := path.Match(strings.ToLower(pattern), ct); ok {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Database:         "gridstore",
			Bucket:           "fs",
			ChunkSize:        255 * 1024,
			ConnectTimeout:   5 * time.Second,
			OperationTimeout: 60 * time.Second,
		},
		Upload: UploadConfig{
			MaxSize:      "25MB",
			AllowedTypes: defaultAllowedTypes(),
			BufferLimit:  "8MB",
		},
		Observability: ObservabilityConfig{
			Metrics: true,
		},
	}
}

func defaultAllowedTypes() []string {
	return []string{
		"image/*",
		"video/*",
		"audio/*",
		"text/*",
		"application/pdf",
		"application/json",
		"application/zip",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.*",
		"application/octet-stream",
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = def.Storage.Database
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = def.Storage.Bucket
	}
	if cfg.Storage.ChunkSize == 0 {
		cfg.Storage.ChunkSize = def.Storage.ChunkSize
	}
	if cfg.Storage.ConnectTimeout == 0 {
		cfg.Storage.ConnectTimeout = def.Storage.ConnectTimeout
	}
	if cfg.Storage.OperationTimeout == 0 {
		cfg.Storage.OperationTimeout = def.Storage.OperationTimeout
	}
	if cfg.Upload.MaxSize == "" {
		cfg.Upload.MaxSize = def.Upload.MaxSize
	}
	if cfg.Upload.BufferLimit == "" {
		cfg.Upload.BufferLimit = def.Upload.BufferLimit
	}
}
