// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tierfsconfig loads the daemon's single YAML configuration
// file. Configuration is loaded from exactly one of:
//   - the TIERFS_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There is no fallback or automatic discovery, matching the example
// pack's config package: deterministic, auditable configuration with
// no hidden overrides.
package tierfsconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/surfergrl888/storage/compressbridge"
	"github.com/surfergrl888/storage/tiererr"
)

// Config is the tierfsd daemon configuration.
type Config struct {
	// SSDPath is the mount root on fast local storage that holds proxy
	// files, metadata records, the index mirror, and the cache.
	SSDPath string `yaml:"ssd_path"`

	// ThresholdBytes is the resident-size ceiling above which a
	// released file is migrated to the object store.
	ThresholdBytes int64 `yaml:"threshold"`

	// AvgSegSize, MinSegSize (derived), MaxSegSize (derived), and
	// RabinWindowSize configure the content-defined chunker.
	AvgSegSize      int `yaml:"avg_seg_size"`
	RabinWindowSize int `yaml:"rabin_window_size"`

	// CacheSizeBytes bounds the LRU segment cache on SSD; a value
	// smaller than the maximum segment size (AvgSegSize +
	// AvgSegSize/16) force-disables caching entirely.
	CacheSizeBytes int64 `yaml:"cache_size"`

	// ObjectStoreURL is an afs-addressable root, e.g.
	// "file:///var/tierfs/objects", "s3://bucket-prefix", or
	// "gs://bucket-prefix".
	ObjectStoreURL string `yaml:"object_store_url"`

	// CompressionCodec selects the streaming codec: "deflate" (default
	// if empty), "zstd", or "lz4".
	CompressionCodec string `yaml:"compression_codec"`

	// Hostname defaults to os.Hostname() when empty; no other
	// component reads it.
	Hostname string `yaml:"hostname"`

	// NoDedup, NoCache, NoCompress are process-wide kill-switches for
	// benchmarking and debugging.
	NoDedup    bool `yaml:"no_dedup"`
	NoCache    bool `yaml:"no_cache"`
	NoCompress bool `yaml:"no_compress"`
}

// Load reads the config path named by the TIERFS_CONFIG environment
// variable. Fails if the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv("TIERFS_CONFIG")
	if path == "" {
		return nil, &tiererr.ConfigError{Field: "TIERFS_CONFIG", Detail: "environment variable not set; set it or pass --config"}
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tiererr.IoError{Op: "read", Path: path, Err: err}
	}

	cfg := &Config{
		AvgSegSize:      8192,
		RabinWindowSize: 48,
		CompressionCodec: string(compressbridge.Deflate),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &tiererr.ConfigError{Field: path, Detail: err.Error()}
	}

	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or contradictory
// fields, surfacing every problem as a ConfigError.
func (c *Config) Validate() error {
	if c.SSDPath == "" {
		return &tiererr.ConfigError{Field: "ssd_path", Detail: "required"}
	}
	if c.ThresholdBytes <= 0 {
		return &tiererr.ConfigError{Field: "threshold", Detail: "must be positive"}
	}
	if c.AvgSegSize <= 0 {
		return &tiererr.ConfigError{Field: "avg_seg_size", Detail: "must be positive"}
	}
	if c.RabinWindowSize <= 0 {
		return &tiererr.ConfigError{Field: "rabin_window_size", Detail: "must be positive"}
	}
	if c.ObjectStoreURL == "" {
		return &tiererr.ConfigError{Field: "object_store_url", Detail: "required"}
	}
	switch compressbridge.Codec(c.CompressionCodec) {
	case compressbridge.Deflate, compressbridge.Zstd, compressbridge.LZ4:
	default:
		return &tiererr.ConfigError{Field: "compression_codec", Detail: fmt.Sprintf("unknown codec %q", c.CompressionCodec)}
	}
	return nil
}
