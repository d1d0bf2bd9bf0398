// Package config holds the tunables the scheduler, block manager and
// admission surface are built from, with a functional-options
// constructor for in-process callers and a YAML loader for the CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable needed to wire up a running core.
type Config struct {
	BlockSize         int
	NumBlocks         int
	MaxTokensPerBatch int
	MaxSeqsPerBatch   int
	MaxContextLen     int
	EnablePrefixCache bool
	EOSTokenID        int32
	AdmitRatePerSec   float64
	AdmitBurst        int
	IntakeCapacity    int
}

// Option is a functional option for Config.
type Option func(*Config)

// New builds a Config with defaults, then applies opts.
func New(opts ...Option) *Config {
	c := &Config{
		BlockSize:         256,
		NumBlocks:         -1,
		MaxTokensPerBatch: 16384,
		MaxSeqsPerBatch:   512,
		MaxContextLen:     4096,
		EnablePrefixCache: true,
		EOSTokenID:        -1,
		AdmitRatePerSec:   0,
		AdmitBurst:        64,
		IntakeCapacity:    256,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be > 0")
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("config: num_blocks must be resolved to a positive value before use")
	}
	if c.MaxTokensPerBatch < c.MaxSeqsPerBatch {
		return fmt.Errorf("config: max_tokens_per_batch must be >= max_seqs_per_batch")
	}
	return nil
}

// yamlConfig mirrors Config's wire shape; max_cache_size_bytes is
// translated to NumBlocks at load time instead of being stored
// directly, since the scheduler only ever reasons in block counts.
type yamlConfig struct {
	BlockSize         int     `yaml:"block_size"`
	MaxCacheSizeBytes int64   `yaml:"max_cache_size_bytes"`
	NumBlocks         int     `yaml:"num_blocks"`
	MaxTokensPerBatch int     `yaml:"max_tokens_per_batch"`
	MaxSeqsPerBatch   int     `yaml:"max_seqs_per_batch"`
	MaxContextLen     int     `yaml:"max_context_len"`
	EnablePrefixCache bool    `yaml:"enable_prefix_cache"`
	EOSTokenID        int32   `yaml:"eos_token_id"`
	AdmitRatePerSec   float64 `yaml:"admit_rate_per_sec"`
	AdmitBurst        int     `yaml:"admit_burst"`
	IntakeCapacity    int     `yaml:"intake_capacity"`
}

// bytesPerBlock estimates KV bytes for one block, used only to
// translate max_cache_size_bytes into NumBlocks; a real deployment
// would derive this from model hidden size/layer count, out of scope
// for this core.
const bytesPerBlock = 2 << 20

// Load reads a YAML file into a Config. max_cache_size_bytes, when
// set and num_blocks is not, is translated to NumBlocks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var y yamlConfig
	y.EnablePrefixCache = true
	y.EOSTokenID = -1
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c := New(
		WithBlockSize(orDefault(y.BlockSize, 256)),
		WithMaxTokensPerBatch(orDefault(y.MaxTokensPerBatch, 16384)),
		WithMaxSeqsPerBatch(orDefault(y.MaxSeqsPerBatch, 512)),
		WithMaxContextLen(y.MaxContextLen),
		WithEnablePrefixCache(y.EnablePrefixCache),
		WithEOSTokenID(y.EOSTokenID),
		WithAdmitRate(y.AdmitRatePerSec, orDefault(y.AdmitBurst, 64)),
		WithIntakeCapacity(orDefault(y.IntakeCapacity, 256)),
	)

	switch {
	case y.NumBlocks > 0:
		c.NumBlocks = y.NumBlocks
	case y.MaxCacheSizeBytes > 0:
		c.NumBlocks = int(y.MaxCacheSizeBytes / bytesPerBlock)
		if c.NumBlocks < 1 {
			c.NumBlocks = 1
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithBlockSize sets B, the tokens held per KV-cache block.
func WithBlockSize(n int) Option { return func(c *Config) { c.BlockSize = n } }

// WithNumBlocks sets N, the fixed KV-cache block pool size.
func WithNumBlocks(n int) Option { return func(c *Config) { c.NumBlocks = n } }

// WithMaxTokensPerBatch sets the per-step token budget.
func WithMaxTokensPerBatch(n int) Option { return func(c *Config) { c.MaxTokensPerBatch = n } }

// WithMaxSeqsPerBatch sets the per-step sequence-slot budget.
func WithMaxSeqsPerBatch(n int) Option { return func(c *Config) { c.MaxSeqsPerBatch = n } }

// WithMaxContextLen sets max_context_len: admission rejects longer
// prompts, and it becomes the decode-time total-length cap of requests
// that do not set their own; 0 disables both.
func WithMaxContextLen(n int) Option { return func(c *Config) { c.MaxContextLen = n } }

// WithEnablePrefixCache toggles prefix-sharing KV reuse.
func WithEnablePrefixCache(b bool) Option { return func(c *Config) { c.EnablePrefixCache = b } }

// WithEOSTokenID sets the default end-of-sequence token id.
func WithEOSTokenID(id int32) Option { return func(c *Config) { c.EOSTokenID = id } }

// WithAdmitRate configures the admission.Gate's token-bucket rate and
// burst; ratePerSec <= 0 disables rate limiting.
func WithAdmitRate(ratePerSec float64, burst int) Option {
	return func(c *Config) { c.AdmitRatePerSec = ratePerSec; c.AdmitBurst = burst }
}

// WithIntakeCapacity sets the scheduler's bounded intake channel size.
func WithIntakeCapacity(n int) Option { return func(c *Config) { c.IntakeCapacity = n } }
