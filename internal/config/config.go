// Package config provides unified configuration for the TileVault tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for all TileVault tools.
type Config struct {
	// WorkDir is the base directory for all working files
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Copy configuration
	Copy CopyConfig `json:"copy" yaml:"copy"`

	// Patch configuration
	Patch PatchConfig `json:"patch" yaml:"patch"`

	// Verify configuration
	Verify VerifyConfig `json:"verify" yaml:"verify"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// CopyConfig holds copy engine configuration.
type CopyConfig struct {
	// ChunkSize is the number of tiles written per transaction (1–65536, default 2048)
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// PrescreenFPR is the bloom filter false positive rate for the
	// abort-mode conflict prescreen
	PrescreenFPR float64 `json:"prescreen_fpr" yaml:"prescreen_fpr"`

	// UpdateBounds recomputes bounds/minzoom/maxzoom metadata after a copy
	UpdateBounds bool `json:"update_bounds" yaml:"update_bounds"`
}

// PatchConfig holds patch engine configuration.
type PatchConfig struct {
	// Type is the payload encoding for computed patches: whole, bin-diff
	Type string `json:"type" yaml:"type"`

	// ChunkSize is the number of diff rows written per transaction
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
}

// VerifyConfig holds verification configuration.
type VerifyConfig struct {
	// Workers is the number of parallel tile hash checks
	Workers int `json:"workers" yaml:"workers"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every published object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// Concurrency is the number of parallel artifact pulls
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (for MinIO and friends)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		WorkDir: "./data/tilevault",
		Copy: CopyConfig{
			ChunkSize:    2048,
			PrescreenFPR: 0.01,
			UpdateBounds: false,
		},
		Patch: PatchConfig{
			Type:      "whole",
			ChunkSize: 2048,
		},
		Verify: VerifyConfig{
			Workers: 4,
		},
		Storage: StorageConfig{
			Type:        "local",
			Path:        "",
			Concurrency: 4,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on WorkDir.
func (c *Config) Resolve() {
	if c.WorkDir == "" {
		c.WorkDir = "./data/tilevault"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.WorkDir, "storage")
	}
}

// IncomingDir returns the directory pulled artifacts land in.
func (c *Config) IncomingDir() string {
	return filepath.Join(c.WorkDir, "incoming")
}

// StagingDir returns the directory computed patches are staged in.
func (c *Config) StagingDir() string {
	return filepath.Join(c.WorkDir, "staging")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}

	if c.Copy.ChunkSize < 1 || c.Copy.ChunkSize > 65536 {
		return fmt.Errorf("copy.chunk_size must be between 1 and 65536, got %d", c.Copy.ChunkSize)
	}
	if c.Copy.PrescreenFPR <= 0 || c.Copy.PrescreenFPR > 0.5 {
		return fmt.Errorf("copy.prescreen_fpr must be in (0, 0.5], got %g", c.Copy.PrescreenFPR)
	}

	if c.Patch.Type != "whole" && c.Patch.Type != "bin-diff" {
		return fmt.Errorf("invalid patch type: %s (must be whole or bin-diff)", c.Patch.Type)
	}
	if c.Patch.ChunkSize < 1 || c.Patch.ChunkSize > 65536 {
		return fmt.Errorf("patch.chunk_size must be between 1 and 65536, got %d", c.Patch.ChunkSize)
	}

	if c.Verify.Workers < 1 {
		return fmt.Errorf("verify.workers must be at least 1, got %d", c.Verify.Workers)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}
	if c.Storage.Concurrency < 1 {
		return fmt.Errorf("storage.concurrency must be at least 1, got %d", c.Storage.Concurrency)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TILEVAULT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TILEVAULT_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}

	// Copy configuration
	if v := os.Getenv("TILEVAULT_COPY_CHUNK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Copy.ChunkSize)
	}
	if v := os.Getenv("TILEVAULT_COPY_PRESCREEN_FPR"); v != "" {
		fmt.Sscanf(v, "%g", &cfg.Copy.PrescreenFPR)
	}
	if v := os.Getenv("TILEVAULT_COPY_UPDATE_BOUNDS"); v != "" {
		cfg.Copy.UpdateBounds = v == "true" || v == "1"
	}

	// Patch configuration
	if v := os.Getenv("TILEVAULT_PATCH_TYPE"); v != "" {
		cfg.Patch.Type = v
	}
	if v := os.Getenv("TILEVAULT_PATCH_CHUNK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Patch.ChunkSize)
	}

	// Verify configuration
	if v := os.Getenv("TILEVAULT_VERIFY_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Verify.Workers)
	}

	// Storage configuration
	if v := os.Getenv("TILEVAULT_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TILEVAULT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TILEVAULT_STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("TILEVAULT_STORAGE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.Concurrency)
	}
	if v := os.Getenv("TILEVAULT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TILEVAULT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TILEVAULT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TILEVAULT_S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.WorkDir,
		c.IncomingDir(),
		c.StagingDir(),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
