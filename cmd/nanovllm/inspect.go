package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/nanovllm/internal/loader"
	"github.com/samcharles93/nanovllm/internal/model"
	"github.com/samcharles93/nanovllm/internal/safetensors"
	"github.com/samcharles93/nanovllm/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		noPacked     bool
		showMeta     bool
		tensorFilter string
		tensorLimit  int
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors of a safetensors directory and how their names resolve",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-packed", Usage: "do not apply the qkv/gate_up packed mapping", Destination: &noPacked},
			&cli.BoolFlag{Name: "metadata", Usage: "print __metadata__ of each file", Destination: &showMeta},
			&cli.StringFlag{Name: "filter", Usage: "only tensors whose name contains this substring", Destination: &tensorFilter},
			&cli.IntFlag{Name: "limit", Usage: "max tensors per file (0 = all)", Destination: &tensorLimit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return fmt.Errorf("inspect: directory argument is required")
			}
			mapping := model.QwenPackedModules()
			if noPacked {
				mapping = nil
			}
			files, err := loader.Files(dir, "")
			if err != nil {
				return err
			}

			var totalTensors int
			var totalBytes int64
			for _, path := range files {
				f, err := safetensors.Open(path)
				if err != nil {
					return err
				}
				n, size := printFile(f, mapping, showMeta, tensorFilter, tensorLimit)
				totalTensors += n
				totalBytes += size
				if err := f.Close(); err != nil {
					return err
				}
			}
			fmt.Printf("\n%d files, %d tensors, %s\n", len(files), totalTensors, formatBytes(uint64(totalBytes)))
			return nil
		},
	}
}

func printFile(f *safetensors.File, mapping loader.PackedMapping, showMeta bool, filter string, limit int) (int, int64) {
	fmt.Printf("%s (%d tensors, mmap=%v)\n", filepath.Base(f.Path), len(f.Tensors), f.Mapped())
	if showMeta {
		for k, v := range f.Metadata {
			fmt.Printf("  meta %s=%s\n", k, v)
		}
	}
	var printed int
	var size int64
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		size += info.Size()
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && printed >= limit {
			continue
		}
		printed++
		dtype := info.DType
		if rt, err := tensor.FromSafetensors(info.DType); err == nil {
			dtype += "->" + rt.String()
		} else {
			dtype += " (unsupported)"
		}
		target, shard, packed := loader.ResolveTargetName(name, mapping)
		resolved := ""
		if packed {
			resolved = fmt.Sprintf(" => %s[%d]", target, shard)
		}
		fmt.Printf("  %-60s %-14s %-20v %10s%s\n", name, dtype, info.Shape, formatBytes(uint64(info.Size())), resolved)
	}
	if limit > 0 && printed < len(f.Tensors) && filter == "" {
		fmt.Printf("  ... (%d shown of %d)\n", printed, len(f.Tensors))
	}
	return len(f.Tensors), size
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
