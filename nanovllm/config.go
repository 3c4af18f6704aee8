package nanovllm

import (
	"fmt"
)

// Config holds the configuration for the LLM engine
type Config struct {
	Model               string
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	EOS                 int
	KVCacheBlockSize    int
	NumKVCacheBlocks    int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values. It panics when the
// options produce an invalid config; BuildConfig returns the error instead.
func NewConfig(modelPath string, opts ...ConfigOption) *Config {
	c, err := BuildConfig(modelPath, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// BuildConfig applies opts over the defaults and validates the result
func BuildConfig(modelPath string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Model:               modelPath,
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		EOS:                 -1,
		KVCacheBlockSize:    256,
		NumKVCacheBlocks:    -1,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.KVCacheBlockSize <= 0 || c.KVCacheBlockSize%16 != 0 {
		return fmt.Errorf("kvcache_block_size must be a positive multiple of 16, got %d", c.KVCacheBlockSize)
	}

	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be positive")
	}

	if c.MaxModelLen < 1 {
		return fmt.Errorf("max_model_len must be positive")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens must be >= max_model_len")
	}

	if c.NumKVCacheBlocks == 0 || c.NumKVCacheBlocks < -1 {
		return fmt.Errorf("num_kvcache_blocks must be positive or -1 for the default")
	}

	return nil
}

// numBlocks resolves the -1 default to enough blocks for MaxNumSeqs full
// sequences, capped at 1024.
func (c *Config) numBlocks() int {
	if c.NumKVCacheBlocks > 0 {
		return c.NumKVCacheBlocks
	}
	perSeq := (c.MaxModelLen + c.KVCacheBlockSize - 1) / c.KVCacheBlockSize
	return min(1024, max(perSeq, perSeq*c.MaxNumSeqs))
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}
