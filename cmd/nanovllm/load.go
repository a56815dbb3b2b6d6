package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nanovllm/internal/config"
	"github.com/samcharles93/nanovllm/internal/loader"
	"github.com/samcharles93/nanovllm/internal/logger"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/model"
)

func loadCmd() *cli.Command {
	var (
		dryRun      bool
		concurrency int
		pattern     string
	)

	return &cli.Command{
		Name:  "load",
		Usage: "Load a model directory into a parameter store and report what was delivered",
		Flags: append(commonFlags(),
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "record deliveries without allocating parameters",
				Destination: &dryRun,
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "shard headers parsed in parallel",
				Value:       4,
				Destination: &concurrency,
			},
			&cli.StringFlag{
				Name:        "pattern",
				Usage:       "glob for weight files inside the model directory",
				Value:       "*.safetensors",
				Destination: &pattern,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}
			if cfg.ModelDir == "" {
				return fmt.Errorf("load: --model-dir is required")
			}
			log := logger.FromContext(ctx)
			met := metrics.New()

			target, store, err := buildTarget(cfg, dryRun)
			if err != nil {
				return err
			}
			start := time.Now()
			report, err := loader.Load(ctx, target, cfg.ModelDir,
				loader.WithLogger(log),
				loader.WithMetrics(met),
				loader.WithPattern(pattern),
				loader.WithConcurrency(concurrency),
			)
			if err != nil {
				return err
			}

			fmt.Printf("Files:    %d\n", len(report.Files))
			fmt.Printf("Tensors:  %d (%s)\n", report.Tensors, formatBytes(uint64(report.Bytes)))
			fmt.Printf("Missing:  %d\n", len(report.Missing))
			fmt.Printf("Duration: %s\n", time.Since(start).Round(time.Millisecond))
			if rec, ok := target.(*model.Recorder); ok {
				for _, r := range rec.Records() {
					fmt.Printf("  %-60s shard=%-2d %-5s %v\n", r.Name, r.Shard, r.Type, r.Shape)
				}
			}
			if store != nil {
				pending := store.Pending()
				fmt.Printf("Declared: %d (%s), pending: %d\n", len(store.Names()), formatBytes(uint64(store.Bytes())), len(pending))
				for _, name := range pending {
					log.Warn("parameter not loaded", "param", name)
				}
			}
			return nil
		},
	}
}

// buildTarget picks what the weights are loaded into: a declared parameter
// store when the model type is known, otherwise a recorder.
func buildTarget(cfg config.Config, dryRun bool) (loader.Loadable, *model.Store, error) {
	if dryRun || cfg.Model == nil {
		return model.NewRecorder(model.QwenPackedModules()), nil, nil
	}
	store, err := model.NewQwen(cfg.Model, model.DTypeFromTorch(cfg.Model.TorchDType))
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}
