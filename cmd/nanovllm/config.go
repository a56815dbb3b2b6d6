package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/nanovllm/internal/config"
	"github.com/samcharles93/nanovllm/internal/logger"
)

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "nanovllm", "config.yaml")
}

// resolveConfig builds the effective configuration: defaults, then the
// config file, then NANOVLLM_* variables, then flags that were set
// explicitly. It also installs the configured logger on the returned
// context.
func resolveConfig(ctx context.Context, c *cli.Command) (context.Context, config.Config, error) {
	path := configFile
	explicit := path != ""
	if !explicit {
		path = configPath()
	}

	cfg := config.Default()
	var fileErr error
	if path != "" {
		loaded, err := config.Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case !explicit && errors.Is(err, fs.ErrNotExist):
			path = ""
		case explicit:
			return ctx, cfg, err
		default:
			fileErr = err
		}
	}
	envErr := cfg.ApplyEnv(os.LookupEnv)
	applyFlags(c, &cfg)

	level := logger.ParseLevel(cfg.LogLevel)
	if debug {
		level = slog.LevelDebug
	}
	log := logger.ForFormat(os.Stderr, cfg.LogFormat, level)
	ctx = logger.WithContext(ctx, log)

	if fileErr != nil {
		log.Warn("ignoring unreadable config file", "path", path, "error", fileErr)
	} else if path != "" {
		log.Debug("config file loaded", "path", path)
	}
	if envErr != nil {
		log.Warn("ignoring invalid environment overrides", "error", envErr)
	}

	if cfg.ModelDir != "" {
		m, err := config.ReadModelConfig(cfg.ModelDir)
		switch {
		case err == nil:
			cfg.ApplyModel(m)
			log.Debug("model config loaded", "model_type", m.ModelType, "eos", cfg.EOSTokenID, "max_model_len", cfg.MaxModelLen)
		case errors.Is(err, fs.ErrNotExist):
			log.Debug("model directory has no config.json", "dir", cfg.ModelDir)
		default:
			return ctx, cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return ctx, cfg, err
	}
	return ctx, cfg, nil
}

// applyFlags overrides cfg with flags the user set explicitly.
func applyFlags(c *cli.Command, cfg *config.Config) {
	if c.IsSet("model-dir") {
		cfg.ModelDir = modelDir
	}
	if c.IsSet("max-num-batched-tokens") {
		cfg.MaxNumBatchedTokens = int(maxNumBatchedTokens)
	}
	if c.IsSet("max-num-seqs") {
		cfg.MaxNumSeqs = int(maxNumSeqs)
	}
	if c.IsSet("max-model-len") {
		cfg.MaxModelLen = int(maxModelLen)
	}
	if c.IsSet("gpu-memory-utilization") {
		cfg.GPUMemoryUtilization = gpuMemoryUtilization
	}
	if c.IsSet("tensor-parallel-size") {
		cfg.TensorParallelSize = int(tensorParallelSize)
	}
	if c.IsSet("enforce-eager") {
		cfg.EnforceEager = enforceEager
	}
	if c.IsSet("kvcache-block-size") {
		cfg.KVCacheBlockSize = int(kvCacheBlockSize)
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = logLevel
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = logFormat
	}
}

func configCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration",
		Flags: append(commonFlags(),
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of YAML", Destination: &asJSON},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
