// Package loader resolves a directory of safetensors shards into the named
// parameters of a model.
//
// Tensors are delivered one at a time through the Loadable contract. A
// serialized name can be rewritten by the model's PackedMapping so that
// several on-disk tensors (q_proj, k_proj, v_proj) land in one merged
// parameter (qkv_proj) at different shard indices.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/nanovllm/internal/logger"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/safetensors"
	"github.com/samcharles93/nanovllm/internal/tensor"
)

// NoShard is passed to LoadWeight for tensors that are a whole parameter.
const NoShard = -1

var (
	ErrNoWeights        = errors.New("loader: no weight files found")
	ErrAmbiguousMapping = errors.New("loader: ambiguous packed mapping")

	// ErrUnsupportedDType is returned (wrapped in *Error) for tensors whose
	// element type has no runtime equivalent.
	ErrUnsupportedDType = tensor.ErrUnsupportedDType
)

// Loadable is implemented by models that accept weights from the loader.
//
// LoadWeight reports found=false when the model has no parameter called
// name; the loader logs it and continues. A non-nil error aborts the load.
// The tensor's Data may alias a memory-mapped file and is only valid until
// LoadWeight returns: implementations must copy what they keep.
type Loadable interface {
	LoadWeight(name string, t *tensor.Tensor, shard int) (found bool, err error)
}

// PackedModulesProvider is optionally implemented by models with merged
// parameters.
type PackedModulesProvider interface {
	PackedModules() PackedMapping
}

// Error identifies the file and, when known, the tensor a load failed on.
type Error struct {
	File   string
	Tensor string
	Err    error
}

func (e *Error) Error() string {
	if e.Tensor == "" {
		return fmt.Sprintf("load %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("load %s: tensor %s: %v", e.File, e.Tensor, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Report summarizes a successful load.
type Report struct {
	Files   []string
	Tensors int
	Bytes   int64
	// Missing lists target parameter names the model did not have.
	Missing []string
}

type options struct {
	log         logger.Logger
	metrics     *metrics.Metrics
	pattern     string
	concurrency int
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPattern overrides the glob used to find shards inside the directory.
func WithPattern(p string) Option {
	return func(o *options) { o.pattern = p }
}

// WithConcurrency bounds how many shard headers are parsed in parallel.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// Files lists the shard files Load would read, in load order.
func Files(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*" + safetensors.Ext
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("loader: %s is not a directory", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("loader: glob %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s (pattern %q)", ErrNoWeights, dir, pattern)
	}
	sort.Strings(files)
	return files, nil
}

// Load reads every shard in dir and hands each tensor to model.
//
// All shard headers are parsed before the first tensor is delivered, so a
// malformed container fails the load without touching the model. Tensors
// are then delivered file by file in sorted order. Structural problems
// (unreadable file, bad header, unsupported dtype, size mismatch) abort the
// load; a tensor without a destination parameter is logged and skipped.
func Load(ctx context.Context, model Loadable, dir string, opts ...Option) (Report, error) {
	o := options{concurrency: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.FromContext(ctx)
	}

	report, err := load(ctx, model, dir, o)
	if err != nil && o.metrics != nil {
		o.metrics.LoadFailures.Inc()
	}
	return report, err
}

func load(ctx context.Context, model Loadable, dir string, o options) (Report, error) {
	paths, err := Files(dir, o.pattern)
	if err != nil {
		return Report{}, err
	}

	var mapping PackedMapping
	if p, ok := model.(PackedModulesProvider); ok {
		mapping = p.PackedModules()
		if err := ValidateMapping(mapping); err != nil {
			o.log.Warn("packed mapping has overlapping patterns; longest match wins", "error", err)
		}
	}

	files, err := openAll(ctx, paths, o.concurrency)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	report := Report{Files: paths}
	for _, f := range files {
		o.log.Debug("loading shard", "file", f.Path, "tensors", len(f.Tensors), "mmap", f.Mapped())
		for _, name := range f.Names() {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := loadTensor(model, f, name, mapping, &report, o); err != nil {
				return report, err
			}
		}
	}

	o.log.Info("weights loaded",
		"dir", dir,
		"files", len(report.Files),
		"tensors", report.Tensors,
		"bytes", report.Bytes,
		"missing", len(report.Missing),
	)
	return report, nil
}

func openAll(ctx context.Context, paths []string, concurrency int) ([]*safetensors.File, error) {
	files := make([]*safetensors.File, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := safetensors.Open(path)
			if err != nil {
				return &Error{File: path, Err: err}
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range files {
			if f != nil {
				_ = f.Close()
			}
		}
		return nil, err
	}
	return files, nil
}

func loadTensor(model Loadable, f *safetensors.File, name string, mapping PackedMapping, report *Report, o options) error {
	info, _ := f.Tensor(name)
	dtype, err := tensor.FromSafetensors(info.DType)
	if err != nil {
		return &Error{File: f.Path, Tensor: name, Err: err}
	}
	raw, _, err := f.ReadTensor(name)
	if err != nil {
		return &Error{File: f.Path, Tensor: name, Err: err}
	}
	t, err := tensor.FromRaw(dtype, info.Shape, raw)
	if err != nil {
		return &Error{File: f.Path, Tensor: name, Err: err}
	}

	target, shard, packed := ResolveTargetName(name, mapping)
	if !packed {
		shard = NoShard
	}
	found, err := model.LoadWeight(target, t, shard)
	if err != nil {
		return &Error{File: f.Path, Tensor: name, Err: err}
	}
	if !found {
		o.log.Warn("parameter not found in model", "param", target, "tensor", name, "file", f.Path)
		report.Missing = append(report.Missing, target)
		if o.metrics != nil {
			o.metrics.MissingParameters.Inc()
		}
		return nil
	}

	report.Tensors++
	report.Bytes += int64(t.Size())
	if o.metrics != nil {
		o.metrics.TensorsLoaded.Inc()
		o.metrics.BytesLoaded.Add(float64(t.Size()))
	}
	return nil
}
