package main

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nanovllm/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			if asJSON {
				out, err := json.Marshal(info)
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			if info.GoVersion != "" {
				fmt.Printf("go:         %s\n", info.GoVersion)
			}
			return nil
		},
	}
}
