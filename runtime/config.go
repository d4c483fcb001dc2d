package runtime

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Config holds the configuration for the continuous-batching generator
type Config struct {
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	KVCacheBlockSize    int
	NumKVCacheBlocks    int

	Logger *zap.SugaredLogger
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		KVCacheBlockSize:    256,
		NumKVCacheBlocks:    -1,
		Logger:              zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate fills derived defaults and reports every bad field at once.
func (c *Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.KVCacheBlockSize >= 2, "kvcache_block_size must be >= 2, got %d", c.KVCacheBlockSize)
	check(c.MaxNumSeqs >= 1, "max_num_seqs must be >= 1, got %d", c.MaxNumSeqs)
	check(c.MaxModelLen >= 1, "max_model_len must be >= 1, got %d", c.MaxModelLen)
	check(c.MaxNumBatchedTokens >= c.MaxModelLen,
		"max_num_batched_tokens (%d) must be >= max_model_len (%d)", c.MaxNumBatchedTokens, c.MaxModelLen)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.NumKVCacheBlocks == -1 {
		// room for MaxNumSeqs full-length sequences
		c.NumKVCacheBlocks = c.MaxNumSeqs * ((c.MaxModelLen + c.KVCacheBlockSize - 1) / c.KVCacheBlockSize)
	}
	if c.NumKVCacheBlocks < 1 {
		return fmt.Errorf("num_kvcache_blocks must be >= 1, got %d", c.NumKVCacheBlocks)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return nil
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

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}
