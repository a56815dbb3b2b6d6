// Package config holds the startup configuration of the engine.
//
// Values are resolved in order: built-in defaults, an optional file (YAML,
// TOML or JSON, chosen by extension), NANOVLLM_* environment variables and
// finally command-line flags. Configuration is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxNumBatchedTokens  = 16384
	DefaultMaxNumSeqs           = 512
	DefaultMaxModelLen          = 4096
	DefaultGPUMemoryUtilization = 0.9
	DefaultTensorParallelSize   = 1
	DefaultKVCacheBlockSize     = 256
	DefaultServerAddress        = "127.0.0.1:8090"

	envPrefix = "NANOVLLM_"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	ModelDir             string  `json:"model_dir" yaml:"model_dir" toml:"model_dir"`
	MaxNumBatchedTokens  int     `json:"max_num_batched_tokens" yaml:"max_num_batched_tokens" toml:"max_num_batched_tokens"`
	MaxNumSeqs           int     `json:"max_num_seqs" yaml:"max_num_seqs" toml:"max_num_seqs"`
	MaxModelLen          int     `json:"max_model_len" yaml:"max_model_len" toml:"max_model_len"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization" yaml:"gpu_memory_utilization" toml:"gpu_memory_utilization"`
	TensorParallelSize   int     `json:"tensor_parallel_size" yaml:"tensor_parallel_size" toml:"tensor_parallel_size"`
	EnforceEager         bool    `json:"enforce_eager" yaml:"enforce_eager" toml:"enforce_eager"`
	KVCacheBlockSize     int     `json:"kvcache_block_size" yaml:"kvcache_block_size" toml:"kvcache_block_size"`

	// Filled from the model directory by ApplyModel.
	EOSTokenID int          `json:"eos_token_id" yaml:"-" toml:"-"`
	Model      *ModelConfig `json:"hf_config,omitempty" yaml:"-" toml:"-"`

	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format" toml:"log_format"`
	ServerAddress string `json:"server_address" yaml:"server_address" toml:"server_address"`
}

func Default() Config {
	return Config{
		MaxNumBatchedTokens:  DefaultMaxNumBatchedTokens,
		MaxNumSeqs:           DefaultMaxNumSeqs,
		MaxModelLen:          DefaultMaxModelLen,
		GPUMemoryUtilization: DefaultGPUMemoryUtilization,
		TensorParallelSize:   DefaultTensorParallelSize,
		KVCacheBlockSize:     DefaultKVCacheBlockSize,
		EOSTokenID:           -1,
		LogLevel:             "info",
		LogFormat:            "pretty",
		ServerAddress:        DefaultServerAddress,
	}
}

// Load reads a configuration file on top of the defaults. Keys absent from
// the file keep their default value.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("config: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("config: unsupported extension %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from NANOVLLM_* variables using lookup
// (os.LookupEnv in production). Every valid variable is applied; the
// malformed ones are returned joined.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s=%q: %w", envPrefix, key, v, err))
			return
		}
		*dst = n
	}

	str("MODEL_DIR", &c.ModelDir)
	num("MAX_NUM_BATCHED_TOKENS", &c.MaxNumBatchedTokens)
	num("MAX_NUM_SEQS", &c.MaxNumSeqs)
	num("MAX_MODEL_LEN", &c.MaxModelLen)
	num("TENSOR_PARALLEL_SIZE", &c.TensorParallelSize)
	num("KVCACHE_BLOCK_SIZE", &c.KVCacheBlockSize)
	if v, ok := lookup(envPrefix + "GPU_MEMORY_UTILIZATION"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sGPU_MEMORY_UTILIZATION=%q: %w", envPrefix, v, err))
		} else {
			c.GPUMemoryUtilization = f
		}
	}
	if v, ok := lookup(envPrefix + "ENFORCE_EAGER"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sENFORCE_EAGER=%q: %w", envPrefix, v, err))
		} else {
			c.EnforceEager = b
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("SERVER_ADDRESS", &c.ServerAddress)
	return errors.Join(errs...)
}

// Validate checks the numeric ceilings. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.MaxNumBatchedTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_num_batched_tokens must be positive, got %d", c.MaxNumBatchedTokens))
	}
	if c.MaxNumSeqs <= 0 {
		errs = append(errs, fmt.Errorf("max_num_seqs must be positive, got %d", c.MaxNumSeqs))
	}
	if c.MaxModelLen <= 0 {
		errs = append(errs, fmt.Errorf("max_model_len must be positive, got %d", c.MaxModelLen))
	}
	if c.MaxNumBatchedTokens < c.MaxModelLen {
		errs = append(errs, fmt.Errorf("max_num_batched_tokens (%d) must be >= max_model_len (%d)", c.MaxNumBatchedTokens, c.MaxModelLen))
	}
	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		errs = append(errs, fmt.Errorf("gpu_memory_utilization must be in (0, 1], got %g", c.GPUMemoryUtilization))
	}
	if c.TensorParallelSize < 1 {
		errs = append(errs, fmt.Errorf("tensor_parallel_size must be >= 1, got %d", c.TensorParallelSize))
	}
	if c.KVCacheBlockSize <= 0 {
		errs = append(errs, fmt.Errorf("kvcache_block_size must be positive, got %d", c.KVCacheBlockSize))
	}
	if c.ModelDir != "" {
		if st, err := os.Stat(c.ModelDir); err != nil {
			errs = append(errs, fmt.Errorf("model_dir: %w", err))
		} else if !st.IsDir() {
			errs = append(errs, fmt.Errorf("model_dir %s is not a directory", c.ModelDir))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
