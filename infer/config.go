package infer

import (
	"fmt"

	"go.uber.org/zap"
)

// Config holds the configuration shared by every engine.
type Config struct {
	// Model is the model id reported in responses.
	Model string
	// Endpoint addresses a remote backend; unused by local ones.
	Endpoint string

	// MaxBatchSize bounds the rows of one local generation call.
	MaxBatchSize int
	// MaxConcurrency bounds in-flight requests on the fan-out path. Zero
	// means unbounded.
	MaxConcurrency int
	// MaxModelLen overrides the backend's reported context length when > 0.
	MaxModelLen int
	Strict      bool
	Progress    bool
	Defaults    GenerationDefaults

	Logger *zap.SugaredLogger
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(model string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Model:        model,
		MaxBatchSize: 16,
		Defaults:     DefaultGenerationDefaults(),
		Logger:       zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0")
	}
	if c.MaxModelLen < 0 {
		return fmt.Errorf("max_model_len must be >= 0")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return nil
}

// WithEndpoint sets the remote backend address
func WithEndpoint(endpoint string) ConfigOption {
	return func(c *Config) {
		c.Endpoint = endpoint
	}
}

// WithMaxBatchSize sets the maximum rows per local generation call
func WithMaxBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.MaxBatchSize = n
	}
}

// WithMaxConcurrency bounds concurrent requests on the fan-out path
func WithMaxConcurrency(n int) ConfigOption {
	return func(c *Config) {
		c.MaxConcurrency = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithStrict makes budget violations fail instead of clamping
func WithStrict(b bool) ConfigOption {
	return func(c *Config) {
		c.Strict = b
	}
}

// WithProgressBar enables progress reporting by default
func WithProgressBar(b bool) ConfigOption {
	return func(c *Config) {
		c.Progress = b
	}
}

// WithGenerationDefaults sets the model-scoped sampling defaults
func WithGenerationDefaults(d GenerationDefaults) ConfigOption {
	return func(c *Config) {
		c.Defaults = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}
