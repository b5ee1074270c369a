// Package config loads the node-level configuration (KV store path,
// registry directory, cluster role, prefetch knobs). Grounded on the pack's yaml.v3 dependency (config style common
// across the retrieved repos) rather than the teacher's JSON config,
// since no part of SPEC_FULL.md's config surface needs atomic
// hot-reload-under-lock the way aistore's cluster config does — a flat
// struct loaded once at startup is sufficient here.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen       string `yaml:"listen"`
	KVStorePath  string `yaml:"kvstore_path"`
	RegistryDir  string `yaml:"registry_dir"`
	ShardCacheDir string `yaml:"shard_cache_dir"`
	ShardCacheMaxBytes int64 `yaml:"shard_cache_max_bytes"`

	Cluster ClusterConfig `yaml:"cluster"`
	Auth    AuthConfig    `yaml:"auth"`

	DefaultNumWorkers     int           `yaml:"default_num_workers"`
	DefaultPrefetchFactor int           `yaml:"default_prefetch_factor"`
	DefaultMaxRetryCount  int           `yaml:"default_max_retry_count"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	InProgressTTL         time.Duration `yaml:"inprogress_ttl"`
}

type ClusterConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Head               bool          `yaml:"head"`
	HeadURL            string        `yaml:"head_url"`
	NodeURL            string        `yaml:"node_url"`
	SharedSecret       string        `yaml:"shared_secret"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatThreshold int           `yaml:"heartbeat_threshold"`
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"jwt_secret"`
}

// Default returns the configuration used when no file is supplied — a
// single-node, no-auth, local-disk deployment.
func Default() Config {
	return Config{
		Listen:                ":51234",
		KVStorePath:           "./lavender.db",
		RegistryDir:           "./registry",
		ShardCacheDir:         "./shard-cache",
		ShardCacheMaxBytes:    10 << 30,
		DefaultNumWorkers:     4,
		DefaultPrefetchFactor: 2,
		DefaultMaxRetryCount:  0,
		CacheTTL:              1 * time.Hour,
		InProgressTTL:         10 * time.Minute,
		Cluster: ClusterConfig{
			HeartbeatInterval:  10 * time.Second,
			HeartbeatThreshold: 3,
		},
	}
}

// Load reads path, overlaying it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
