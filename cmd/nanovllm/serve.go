package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nanovllm/internal/api"
	"github.com/samcharles93/nanovllm/internal/batchctx"
	"github.com/samcharles93/nanovllm/internal/config"
	"github.com/samcharles93/nanovllm/internal/loader"
	"github.com/samcharles93/nanovllm/internal/logger"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/model"
)

var errNothingToLoad = errors.New("serve: --load needs --model-dir with a config.json")

// loadForServe declares the model described by cfg and loads its weights.
func loadForServe(ctx context.Context, cfg config.Config, met *metrics.Metrics) (*model.Store, error) {
	if cfg.ModelDir == "" {
		return nil, errNothingToLoad
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("%w: %s has no %s", errNothingToLoad, cfg.ModelDir, config.ModelConfigFile)
	}
	store, err := model.NewQwen(cfg.Model, model.DTypeFromTorch(cfg.Model.TorchDType))
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	if _, err := loader.Load(ctx, store, cfg.ModelDir, loader.WithLogger(log), loader.WithMetrics(met)); err != nil {
		return nil, err
	}
	return store, nil
}

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		loadWeights bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve engine status (context, config, weights, metrics) over HTTP",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       config.DefaultServerAddress,
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "load",
				Usage:       "load --model-dir weights before serving",
				Destination: &loadWeights,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("addr") || cfg.ServerAddress == "" {
				cfg.ServerAddress = addr
			}
			log := logger.FromContext(ctx)
			met := metrics.New()

			opts := []api.Option{api.WithMetrics(met), api.WithLogger(log)}
			if loadWeights {
				store, err := loadForServe(ctx, cfg, met)
				if err != nil {
					return err
				}
				opts = append(opts, api.WithWeights(store))
			}

			server := api.NewServer(batchctx.Default, cfg, opts...)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", cfg.ServerAddress)
			sc := echo.StartConfig{
				Address: cfg.ServerAddress,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
