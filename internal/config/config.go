// Package config loads configuration from an optional TOML file and
// environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	// Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogOutput string `toml:"log_output"`

	// Exposed tree
	DataFolder        string   `toml:"data_folder"`
	AllowedExtensions []string `toml:"allowed_extensions"`

	// Auth
	TokenHash          string        `toml:"token_hash"`
	SessionSecret      string        `toml:"session_secret"`
	SessionIdleTimeout time.Duration `toml:"-"` // see fileConfig

	// Archives
	ArchiveCompressionLevel int `toml:"archive_compression_level"`
	MaxConcurrentArchives   int `toml:"max_concurrent_archives"`

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`

	// GeneratedSessionSecret is true when no secret was configured and
	// one was generated for this process.
	GeneratedSessionSecret bool `toml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:              ":8080",
		MetricsAddr:             ":9090",
		LogLevel:                "info",
		LogFormat:               "json",
		LogOutput:               "stderr",
		DataFolder:              "/data/downloads",
		AllowedExtensions:       []string{".sql", ".csv"},
		ArchiveCompressionLevel: -1,
		MaxConcurrentArchives:   4,
	}
}

// Load builds the configuration from defaults, the TOML file named by
// FILEGATE_CONFIG (if any), and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("FILEGATE_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.LogOutput = envOr("LOG_OUTPUT", cfg.LogOutput)
	cfg.DataFolder = envOr("DATA_FOLDER", cfg.DataFolder)
	if v := os.Getenv("ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = strings.Split(v, ",")
	}
	cfg.TokenHash = envOr("TOKEN_HASH", cfg.TokenHash)
	cfg.SessionSecret = envOr("SESSION_SECRET", cfg.SessionSecret)
	cfg.SessionIdleTimeout = envDuration("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	cfg.ArchiveCompressionLevel = envInt("ARCHIVE_COMPRESSION_LEVEL", cfg.ArchiveCompressionLevel)
	cfg.MaxConcurrentArchives = envInt("MAX_CONCURRENT_ARCHIVES", cfg.MaxConcurrentArchives)
	cfg.TLSCertFile = envOr("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOr("TLS_KEY_FILE", cfg.TLSKeyFile)

	cfg.AllowedExtensions = NormalizeExtensions(cfg.AllowedExtensions)

	if cfg.TokenHash == "" {
		return nil, fmt.Errorf("TOKEN_HASH is required")
	}
	if len(cfg.AllowedExtensions) == 0 {
		return nil, fmt.Errorf("ALLOWED_EXTENSIONS must list at least one extension")
	}
	if cfg.ArchiveCompressionLevel < -1 || cfg.ArchiveCompressionLevel > 9 {
		return nil, fmt.Errorf("ARCHIVE_COMPRESSION_LEVEL must be between -1 and 9, got %d", cfg.ArchiveCompressionLevel)
	}
	if cfg.MaxConcurrentArchives < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_ARCHIVES must be at least 1, got %d", cfg.MaxConcurrentArchives)
	}
	if cfg.SessionIdleTimeout < 0 {
		return nil, fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative")
	}

	if cfg.SessionSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		cfg.SessionSecret = secret
		cfg.GeneratedSessionSecret = true
	}

	return cfg, nil
}

// NormalizeExtensions lowercases each extension, adds a leading dot
// where missing and drops blanks and duplicates.
func NormalizeExtensions(exts []string) []string {
	seen := make(map[string]struct{}, len(exts))
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == "." {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}

// fileConfig mirrors Config for TOML decoding. Durations are written as
// strings ("30m") in the file.
type fileConfig struct {
	Config
	SessionIdleTimeout string `toml:"session_idle_timeout"`
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	fc := fileConfig{Config: *cfg}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*cfg = fc.Config
	if fc.SessionIdleTimeout != "" {
		d, err := time.ParseDuration(fc.SessionIdleTimeout)
		if err != nil {
			return fmt.Errorf("parse session_idle_timeout: %w", err)
		}
		cfg.SessionIdleTimeout = d
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
