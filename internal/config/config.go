// Package config loads and normalizes the core's configuration, covering
// exactly the enumerated fields of the external-interfaces contract: frame
// sizing, RPC timeouts, replay cache capacities, rate limiting, circuit
// breaker tuning, onion hop count, DHT parameters, handshake timeout,
// MLS replay cache size, snapshot retention, and Argon2id parameters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Argon2idConfig mirrors the keystore's KDF tuning knobs.
type Argon2idConfig struct {
	MemoryKB    uint32 `yaml:"memory_kb"`
	TimeCost    uint32 `yaml:"time_cost"`
	Parallelism uint8  `yaml:"parallelism"`
}

// Config is the single configuration object passed explicitly to every
// component the façade constructs. There is no package-level mutable
// global backing it.
type Config struct {
	MaxFrameSize            int             `yaml:"max_frame_size"`
	RPCDefaultTimeout       time.Duration   `yaml:"rpc_default_timeout"`
	SeenRequestsCapacity    int             `yaml:"seen_requests_capacity"`
	RateLimitBurst          int             `yaml:"rate_limit_burst"`
	RateLimitRefillPerSec   float64         `yaml:"rate_limit_refill"`
	CircuitBreakerThreshold int             `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration   `yaml:"circuit_breaker_cooldown"`
	OnionHops               int             `yaml:"onion_hops"`
	DHTBucketSize           int             `yaml:"dht_k"`
	DHTAlpha                int             `yaml:"dht_alpha"`
	HandshakeTimeout        time.Duration   `yaml:"handshake_timeout"`
	ReplayCachePerGroup     int             `yaml:"replay_cache_per_group"`
	SnapshotRetention       int             `yaml:"snapshot_retention"`
	Argon2id                Argon2idConfig  `yaml:"argon2id_params"`
}

// Default returns the configuration defaults enumerated in the external
// interfaces contract.
func Default() Config {
	return Config{
		MaxFrameSize:            64 * 1024,
		RPCDefaultTimeout:       30 * time.Second,
		SeenRequestsCapacity:    100_000,
		RateLimitBurst:          200,
		RateLimitRefillPerSec:   100,
		CircuitBreakerThreshold: 10,
		CircuitBreakerCooldown:  30 * time.Second,
		OnionHops:               3,
		DHTBucketSize:           20,
		DHTAlpha:                3,
		HandshakeTimeout:        30 * time.Second,
		ReplayCachePerGroup:     1000,
		SnapshotRetention:       3,
		Argon2id: Argon2idConfig{
			MemoryKB:    64 * 1024,
			TimeCost:    3,
			Parallelism: 1,
		},
	}
}

// Load reads a YAML file at path and overlays it onto Default(), so a
// partially-specified file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

// normalize backfills any zero-valued field left untouched by a
// partial YAML document, defaulting a partially-specified struct
// rather than rejecting it.
func normalize(cfg *Config) {
	def := Default()
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.RPCDefaultTimeout <= 0 {
		cfg.RPCDefaultTimeout = def.RPCDefaultTimeout
	}
	if cfg.SeenRequestsCapacity <= 0 {
		cfg.SeenRequestsCapacity = def.SeenRequestsCapacity
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefillPerSec <= 0 {
		cfg.RateLimitRefillPerSec = def.RateLimitRefillPerSec
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerCooldown <= 0 {
		cfg.CircuitBreakerCooldown = def.CircuitBreakerCooldown
	}
	if cfg.OnionHops <= 0 {
		cfg.OnionHops = def.OnionHops
	}
	if cfg.DHTBucketSize <= 0 {
		cfg.DHTBucketSize = def.DHTBucketSize
	}
	if cfg.DHTAlpha <= 0 {
		cfg.DHTAlpha = def.DHTAlpha
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReplayCachePerGroup <= 0 {
		cfg.ReplayCachePerGroup = def.ReplayCachePerGroup
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = def.SnapshotRetention
	}
	if cfg.Argon2id.MemoryKB == 0 {
		cfg.Argon2id = def.Argon2id
	}
}
