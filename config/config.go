// Package config loads the streaminfer YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"streaminfer/infer"
)

// Config captures engine, backend, server and observability settings.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Backend    BackendConfig    `yaml:"backend"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	RequestLog RequestLogConfig `yaml:"request_log"`
}

// EngineConfig mirrors infer.Config.
type EngineConfig struct {
	Model string `yaml:"model"`

	// Mode picks the engine over local runtimes: "async" schedules each
	// request on its own, "batch" decodes padded batches in lock step.
	// Remote backends are always async.
	Mode           string                   `yaml:"mode"`
	MaxBatchSize   int                      `yaml:"max_batch_size"`
	MaxConcurrency int                      `yaml:"max_concurrency"`
	MaxModelLen    int                      `yaml:"max_model_len"`
	Strict         bool                     `yaml:"strict"`
	Progress       bool                     `yaml:"progress"`
	SystemPrompt   string                   `yaml:"system_prompt"`
	Defaults       infer.GenerationDefaults `yaml:"defaults"`
}

// BackendConfig selects the generation backend and its settings.
type BackendConfig struct {
	// Name is one of echo, onnx, http-runner, remote-http, nats.
	Name         string        `yaml:"name"`
	Endpoint     string        `yaml:"endpoint"`
	TokenizerDir string        `yaml:"tokenizer_dir"`
	Runtime      RuntimeConfig `yaml:"runtime"`
	ONNX         ONNXConfig    `yaml:"onnx"`
	NATS         NATSConfig    `yaml:"nats"`
}

// RuntimeConfig sizes the local scheduler and KV cache.
type RuntimeConfig struct {
	MaxModelLen         int `yaml:"max_model_len"`
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`
	MaxNumSeqs          int `yaml:"max_num_seqs"`
	KVCacheBlockSize    int `yaml:"kv_cache_block_size"`
	NumKVCacheBlocks    int `yaml:"num_kv_cache_blocks"`
}

type ONNXConfig struct {
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"`
	VocabSize   int    `yaml:"vocab_size"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RequestLogConfig enables the SQLite request log when Path is set.
type RequestLogConfig struct {
	Path string `yaml:"path"`
}

const defaultConfigFile = "streaminfer.yaml"

// Default returns a Config that serves the echo backend on localhost.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Model:        "echo",
			Mode:         "async",
			MaxBatchSize: 16,
			Defaults:     infer.DefaultGenerationDefaults(),
		},
		Backend: BackendConfig{
			Name: "echo",
			Runtime: RuntimeConfig{
				MaxModelLen:         4096,
				MaxNumBatchedTokens: 16384,
				MaxNumSeqs:          256,
				KVCacheBlockSize:    256,
				NumKVCacheBlocks:    1024,
			},
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "streaminfer.generate",
			},
		},
		Server: ServerConfig{Addr: "127.0.0.1:8000"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "streaminfer",
		},
	}
}

// Load reads path over the defaults. An empty path falls back to
// STREAMINFER_CONFIG and then to ./streaminfer.yaml when it exists.
// Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("STREAMINFER_CONFIG"))
		if path == "" {
			if _, err := os.Stat(defaultConfigFile); err == nil {
				path = defaultConfigFile
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
		}
		// Fields absent from the file keep their defaults.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"STREAMINFER_MODEL":         &cfg.Engine.Model,
		"STREAMINFER_BACKEND":       &cfg.Backend.Name,
		"STREAMINFER_ENDPOINT":      &cfg.Backend.Endpoint,
		"STREAMINFER_TOKENIZER_DIR": &cfg.Backend.TokenizerDir,
		"STREAMINFER_NATS_URL":      &cfg.Backend.NATS.URL,
		"STREAMINFER_ADDR":          &cfg.Server.Addr,
		"STREAMINFER_LOG_LEVEL":     &cfg.Log.Level,
		"STREAMINFER_REQUEST_LOG":   &cfg.RequestLog.Path,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STREAMINFER_MAX_BATCH_SIZE":  &cfg.Engine.MaxBatchSize,
		"STREAMINFER_MAX_CONCURRENCY": &cfg.Engine.MaxConcurrency,
		"STREAMINFER_MAX_MODEL_LEN":   &cfg.Engine.MaxModelLen,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := strings.TrimSpace(os.Getenv("STREAMINFER_STRICT")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STREAMINFER_STRICT: %w", err)
		}
		cfg.Engine.Strict = b
	}
	return nil
}

// Validate rejects settings no engine could be built from.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model is required"))
	}
	if c.Engine.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("engine.max_batch_size must be >= 1, got %d", c.Engine.MaxBatchSize))
	}
	if c.Engine.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency must be >= 0, got %d", c.Engine.MaxConcurrency))
	}
	if c.Engine.MaxModelLen < 0 {
		errs = append(errs, fmt.Errorf("engine.max_model_len must be >= 0, got %d", c.Engine.MaxModelLen))
	}
	switch c.Engine.Mode {
	case "async", "batch":
	default:
		errs = append(errs, fmt.Errorf("engine.mode must be async or batch, got %q", c.Engine.Mode))
	}
	if c.Backend.Name == "" {
		errs = append(errs, errors.New("backend.name is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// EngineOptions converts the engine section into infer config options.
func (c Config) EngineOptions() []infer.ConfigOption {
	return []infer.ConfigOption{
		infer.WithEndpoint(c.Backend.Endpoint),
		infer.WithMaxBatchSize(c.Engine.MaxBatchSize),
		infer.WithMaxConcurrency(c.Engine.MaxConcurrency),
		infer.WithMaxModelLen(c.Engine.MaxModelLen),
		infer.WithStrict(c.Engine.Strict),
		infer.WithProgressBar(c.Engine.Progress),
		infer.WithGenerationDefaults(c.Engine.Defaults),
	}
}
