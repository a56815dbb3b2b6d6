package loader

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/samcharles93/nanovllm/internal/logger"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/safetensors"
	"github.com/samcharles93/nanovllm/internal/tensor"
)

type delivery struct {
	name  string
	shard int
	shape []int
	dtype tensor.DType
}

// fakeModel records deliveries. Names in known are accepted; everything
// else is reported missing.
type fakeModel struct {
	known      map[string]bool
	packed     PackedMapping
	deliveries []delivery
	failOn     string
}

func (m *fakeModel) LoadWeight(name string, t *tensor.Tensor, shard int) (bool, error) {
	if name == m.failOn {
		return true, errors.New("rejected")
	}
	if !m.known[name] {
		return false, nil
	}
	m.deliveries = append(m.deliveries, delivery{name: name, shard: shard, shape: slices.Clone(t.Shape), dtype: t.DType})
	return true, nil
}

type packedFakeModel struct{ *fakeModel }

func (m packedFakeModel) PackedModules() PackedMapping { return m.packed }

func f32(n int) safetensors.RawTensor {
	return safetensors.RawTensor{DType: "F32", Shape: []int{n}, Data: make([]byte, 4*n)}
}

func writeShard(t *testing.T, dir, name string, tensors map[string]safetensors.RawTensor) {
	t.Helper()
	if err := safetensors.WriteFile(filepath.Join(dir, name), tensors, nil); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadPackedAttention(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{
		"layers.0.attn.q_proj.weight": f32(4),
		"layers.0.attn.k_proj.weight": f32(2),
		"layers.0.norm.weight":        f32(4),
	})
	m := &fakeModel{
		known: map[string]bool{"layers.0.attn.qkv_proj.weight": true, "layers.0.norm.weight": true},
		packed: PackedMapping{
			"q_proj": {Target: "qkv_proj", Shard: 0},
			"k_proj": {Target: "qkv_proj", Shard: 1},
			"v_proj": {Target: "qkv_proj", Shard: 2},
		},
	}
	met := metrics.New()

	report, err := Load(context.Background(), packedFakeModel{m}, dir, WithLogger(logger.Discard()), WithMetrics(met))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Sorted tensor order: k_proj, q_proj, norm.
	want := []delivery{
		{name: "layers.0.attn.qkv_proj.weight", shard: 1, shape: []int{2}, dtype: tensor.F32},
		{name: "layers.0.attn.qkv_proj.weight", shard: 0, shape: []int{4}, dtype: tensor.F32},
		{name: "layers.0.norm.weight", shard: NoShard, shape: []int{4}, dtype: tensor.F32},
	}
	if len(m.deliveries) != len(want) {
		t.Fatalf("expected %d deliveries, got %+v", len(want), m.deliveries)
	}
	for i := range want {
		got := m.deliveries[i]
		if got.name != want[i].name || got.shard != want[i].shard || !slices.Equal(got.shape, want[i].shape) || got.dtype != want[i].dtype {
			t.Errorf("delivery %d: got %+v want %+v", i, got, want[i])
		}
	}
	if report.Tensors != 3 || report.Bytes != 40 || len(report.Missing) != 0 || len(report.Files) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := testutil.ToFloat64(met.TensorsLoaded); got != 3 {
		t.Fatalf("expected 3 tensors counted, got %v", got)
	}
}

func TestLoadWithoutPackedMapping(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{
		"attn.q_proj.weight": f32(1),
	})
	m := &fakeModel{known: map[string]bool{"attn.q_proj.weight": true}}
	if _, err := Load(context.Background(), m, dir, WithLogger(logger.Discard())); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.deliveries) != 1 || m.deliveries[0].shard != NoShard {
		t.Fatalf("expected unpacked delivery, got %+v", m.deliveries)
	}
}

func TestLoadDTypeMapping(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{
		"ids":  {DType: "I32", Shape: []int{2}, Data: make([]byte, 8)},
		"mask": {DType: "BOOL", Shape: []int{3}, Data: make([]byte, 3)},
		"sign": {DType: "I8", Shape: []int{1}, Data: make([]byte, 1)},
	})
	m := &fakeModel{known: map[string]bool{"ids": true, "mask": true, "sign": true}}
	if _, err := Load(context.Background(), m, dir, WithLogger(logger.Discard())); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := map[string]tensor.DType{}
	for _, d := range m.deliveries {
		got[d.name] = d.dtype
	}
	if got["ids"] != tensor.U32 || got["mask"] != tensor.U8 || got["sign"] != tensor.U8 {
		t.Fatalf("unexpected dtype mapping %v", got)
	}
}

func TestLoadUnsupportedDType(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{
		"a.weight":       f32(1),
		"complex.weight": {DType: "C64", Shape: []int{1}, Data: make([]byte, 8)},
	})
	m := &fakeModel{known: map[string]bool{"a.weight": true, "complex.weight": true}}
	met := metrics.New()

	_, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()), WithMetrics(met))
	if !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Tensor != "complex.weight" {
		t.Fatalf("expected error naming complex.weight, got %v", err)
	}
	if testutil.ToFloat64(met.LoadFailures) != 1 {
		t.Fatal("expected load failure counted")
	}
}

func TestLoadMissingParameterWarns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{
		"extra.weight": f32(1),
		"real.weight":  f32(1),
	})
	m := &fakeModel{known: map[string]bool{"real.weight": true}}
	met := metrics.New()

	report, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()), WithMetrics(met))
	if err != nil {
		t.Fatalf("missing parameters must not fail the load: %v", err)
	}
	if !slices.Equal(report.Missing, []string{"extra.weight"}) || report.Tensors != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if testutil.ToFloat64(met.MissingParameters) != 1 {
		t.Fatal("expected missing parameter counted")
	}
}

func TestLoadModelError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{"w": f32(1)})
	m := &fakeModel{known: map[string]bool{"w": true}, failOn: "w"}
	_, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()))
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Tensor != "w" {
		t.Fatalf("expected model error wrapped with tensor name, got %v", err)
	}
}

func TestLoadCorruptShardTouchesNothing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "a.safetensors", map[string]safetensors.RawTensor{"w": f32(1)})
	if err := os.WriteFile(filepath.Join(dir, "b.safetensors"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	m := &fakeModel{known: map[string]bool{"w": true}}

	_, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()))
	if !errors.Is(err, safetensors.ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
	var lerr *Error
	if !errors.As(err, &lerr) || filepath.Base(lerr.File) != "b.safetensors" {
		t.Fatalf("expected error naming b.safetensors, got %v", err)
	}
	if len(m.deliveries) != 0 {
		t.Fatalf("model was mutated before the bad shard was detected: %+v", m.deliveries)
	}
}

func TestLoadOverflowingOffsetsIsAnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	header := []byte(`{"w":{"dtype":"F32","shape":[1],"data_offsets":[0,9223372036854775800]}}`)
	buf := make([]byte, 8, 8+len(header)+4)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, make([]byte, 4)...)
	if err := os.WriteFile(filepath.Join(dir, "model.safetensors"), buf, 0o644); err != nil {
		t.Fatal(err)
	}
	m := &fakeModel{known: map[string]bool{"w": true}}

	_, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()))
	if !errors.Is(err, safetensors.ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
	var lerr *Error
	if !errors.As(err, &lerr) || filepath.Base(lerr.File) != "model.safetensors" {
		t.Fatalf("expected error naming model.safetensors, got %v", err)
	}
	if len(m.deliveries) != 0 {
		t.Fatalf("unexpected deliveries %+v", m.deliveries)
	}
}

func TestLoadShapeMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{
		"w": {DType: "F32", Shape: []int{3}, Data: make([]byte, 8)},
	})
	m := &fakeModel{known: map[string]bool{"w": true}}
	if _, err := Load(context.Background(), m, dir, WithLogger(logger.Discard())); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected tensor.ErrShapeMismatch, got %v", err)
	}
}

func TestLoadFileOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model-00002-of-00002.safetensors", map[string]safetensors.RawTensor{"b": f32(1)})
	writeShard(t, dir, "model-00001-of-00002.safetensors", map[string]safetensors.RawTensor{"z": f32(1)})
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := &fakeModel{known: map[string]bool{"b": true, "z": true}}

	report, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()), WithConcurrency(1))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(report.Files) != 2 || m.deliveries[0].name != "z" || m.deliveries[1].name != "b" {
		t.Fatalf("expected file-sorted delivery, got %+v / %v", m.deliveries, report.Files)
	}
}

func TestLoadNoWeights(t *testing.T) {
	t.Parallel()
	m := &fakeModel{}
	if _, err := Load(context.Background(), m, t.TempDir(), WithLogger(logger.Discard())); !errors.Is(err, ErrNoWeights) {
		t.Fatalf("expected ErrNoWeights, got %v", err)
	}
	if _, err := Load(context.Background(), m, "/nonexistent/dir", WithLogger(logger.Discard())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLoadCancelled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{"w": f32(1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &fakeModel{known: map[string]bool{"w": true}}
	if _, err := Load(ctx, m, dir, WithLogger(logger.Discard())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(m.deliveries) != 0 {
		t.Fatal("cancelled load delivered tensors")
	}
}

func TestLoadCustomPattern(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeShard(t, dir, "adapter.safetensors", map[string]safetensors.RawTensor{"lora": f32(1)})
	writeShard(t, dir, "model.safetensors", map[string]safetensors.RawTensor{"w": f32(1)})
	m := &fakeModel{known: map[string]bool{"lora": true, "w": true}}
	report, err := Load(context.Background(), m, dir, WithLogger(logger.Discard()), WithPattern("model*.safetensors"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(report.Files) != 1 || len(m.deliveries) != 1 || m.deliveries[0].name != "w" {
		t.Fatalf("pattern not applied: %+v", m.deliveries)
	}
}
