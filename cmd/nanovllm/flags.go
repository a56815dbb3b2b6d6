package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nanovllm/internal/config"
)

var (
	configFile           string
	modelDir             string
	maxNumBatchedTokens  int64
	maxNumSeqs           int64
	maxModelLen          int64
	gpuMemoryUtilization float64
	tensorParallelSize   int64
	enforceEager         bool
	kvCacheBlockSize     int64
	logLevel             string
	logFormat            string
	debug                bool
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (.yaml, .toml or .json); defaults to the user config dir",
			Destination: &configFile,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-dir",
			Aliases:     []string{"m"},
			Usage:       "directory with *.safetensors shards and config.json",
			Destination: &modelDir,
		},
		&cli.Int64Flag{
			Name:        "max-num-batched-tokens",
			Usage:       "token budget per step",
			Value:       config.DefaultMaxNumBatchedTokens,
			Destination: &maxNumBatchedTokens,
		},
		&cli.Int64Flag{
			Name:        "max-num-seqs",
			Usage:       "sequences per step",
			Value:       config.DefaultMaxNumSeqs,
			Destination: &maxNumSeqs,
		},
		&cli.Int64Flag{
			Name:        "max-model-len",
			Usage:       "max tokens per sequence",
			Value:       config.DefaultMaxModelLen,
			Destination: &maxModelLen,
		},
		&cli.FloatFlag{
			Name:        "gpu-memory-utilization",
			Usage:       "fraction of device memory for weights and KV cache",
			Value:       config.DefaultGPUMemoryUtilization,
			Destination: &gpuMemoryUtilization,
		},
		&cli.Int64Flag{
			Name:        "tensor-parallel-size",
			Aliases:     []string{"tp"},
			Usage:       "tensor parallel degree",
			Value:       config.DefaultTensorParallelSize,
			Destination: &tensorParallelSize,
		},
		&cli.BoolFlag{
			Name:        "enforce-eager",
			Usage:       "disable graph capture",
			Destination: &enforceEager,
		},
		&cli.Int64Flag{
			Name:        "kvcache-block-size",
			Usage:       "tokens per KV cache block",
			Value:       config.DefaultKVCacheBlockSize,
			Destination: &kvCacheBlockSize,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonFlags() []cli.Flag {
	flags := configFlags()
	flags = append(flags, engineFlags()...)
	return append(flags, loggingFlags()...)
}
