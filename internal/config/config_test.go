package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if cfg.MaxNumBatchedTokens != 16384 || cfg.MaxNumSeqs != 512 || cfg.MaxModelLen != 4096 {
		t.Fatalf("unexpected ceilings: %+v", cfg)
	}
	if cfg.GPUMemoryUtilization != 0.9 || cfg.TensorParallelSize != 1 || cfg.EnforceEager || cfg.KVCacheBlockSize != 256 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "max_num_seqs: 8\nenforce_eager: true\nlog_format: json\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	want.MaxNumSeqs = 8
	want.EnforceEager = true
	want.LogFormat = "json"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("unexpected cfg (-want +got):\n%s", diff)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"max_model_len":2048,"gpu_memory_utilization":0.5}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxModelLen != 2048 || cfg.GPUMemoryUtilization != 0.5 || cfg.MaxNumBatchedTokens != DefaultMaxNumBatchedTokens {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "kvcache_block_size = 16\ntensor_parallel_size = 2\nserver_address = \":9000\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KVCacheBlockSize != 16 || cfg.TensorParallelSize != 2 || cfg.ServerAddress != ":9000" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.MaxNumSeqs != DefaultMaxNumSeqs {
		t.Fatalf("unset key lost its default: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := Load(""); err == nil {
		t.Fatal("expected error on empty path")
	}
	d := t.TempDir()
	if _, err := Load(writeTempFile(t, d, "cfg.txt", "not supported")); err == nil {
		t.Fatal("expected unsupported extension error")
	}
	if _, err := Load(writeTempFile(t, d, "bad.yaml", "max_num_seqs: [")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(d, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"NANOVLLM_MAX_NUM_SEQS":           "4",
		"NANOVLLM_ENFORCE_EAGER":          "true",
		"NANOVLLM_GPU_MEMORY_UTILIZATION": "0.75",
		"NANOVLLM_LOG_LEVEL":              "debug",
		"NANOVLLM_MAX_MODEL_LEN":          "lots",
	}))
	if err == nil || !strings.Contains(err.Error(), "NANOVLLM_MAX_MODEL_LEN") {
		t.Fatalf("expected error naming the bad variable, got %v", err)
	}
	if cfg.MaxNumSeqs != 4 || !cfg.EnforceEager || cfg.GPUMemoryUtilization != 0.75 || cfg.LogLevel != "debug" {
		t.Fatalf("valid variables not applied: %+v", cfg)
	}
	if cfg.MaxModelLen != DefaultMaxModelLen {
		t.Fatalf("invalid variable should leave the value alone, got %d", cfg.MaxModelLen)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batched tokens", func(c *Config) { c.MaxNumBatchedTokens = 0 }},
		{"zero seqs", func(c *Config) { c.MaxNumSeqs = 0 }},
		{"model len above batch", func(c *Config) { c.MaxModelLen = c.MaxNumBatchedTokens + 1 }},
		{"memory fraction zero", func(c *Config) { c.GPUMemoryUtilization = 0 }},
		{"memory fraction above one", func(c *Config) { c.GPUMemoryUtilization = 1.5 }},
		{"tensor parallel zero", func(c *Config) { c.TensorParallelSize = 0 }},
		{"block size zero", func(c *Config) { c.KVCacheBlockSize = 0 }},
		{"missing model dir", func(c *Config) { c.ModelDir = "/nonexistent/model" }},
	}
	for _, tc := range tests {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestReadModelConfig(t *testing.T) {
	t.Parallel()
	d := t.TempDir()
	writeTempFile(t, d, ModelConfigFile, `{
		"model_type": "qwen3",
		"hidden_size": 64,
		"num_attention_heads": 4,
		"num_key_value_heads": 2,
		"head_dim": 16,
		"max_position_embeddings": 1024,
		"eos_token_id": 151645
	}`)
	m, err := ReadModelConfig(d)
	if err != nil {
		t.Fatalf("ReadModelConfig: %v", err)
	}
	if m.ModelType != "qwen3" || m.KVHeads() != 2 || m.HeadDimension() != 16 {
		t.Fatalf("unexpected model config: %+v", m)
	}

	cfg := Default()
	cfg.ApplyModel(m)
	if cfg.EOSTokenID != 151645 {
		t.Fatalf("expected eos 151645, got %d", cfg.EOSTokenID)
	}
	if cfg.MaxModelLen != 1024 {
		t.Fatalf("expected max_model_len clamped to 1024, got %d", cfg.MaxModelLen)
	}
}

func TestModelConfigEOSForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int
	}{
		{`{}`, -1},
		{`{"eos_token_id": null}`, -1},
		{`{"eos_token_id": 2}`, 2},
		{`{"eos_token_id": [7, 8]}`, 7},
		{`{"eos_token_id": []}`, -1},
	}
	for _, tc := range tests {
		m, err := ParseModelConfig([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got := m.EOS(); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestModelConfigBadEOS(t *testing.T) {
	t.Parallel()
	if _, err := ParseModelConfig([]byte(`{"eos_token_id": "end"}`)); err == nil {
		t.Fatal("expected error for a string eos_token_id")
	}
}

func TestModelConfigTextConfigMerge(t *testing.T) {
	t.Parallel()
	m, err := ParseModelConfig([]byte(`{
		"model_type": "qwen2_vl",
		"text_config": {"hidden_size": 32, "num_attention_heads": 4, "max_position_embeddings": 512, "eos_token_id": 3}
	}`))
	if err != nil {
		t.Fatalf("ParseModelConfig: %v", err)
	}
	if m.HiddenSize != 32 || m.MaxPosition != 512 || m.HeadDimension() != 8 || m.KVHeads() != 4 {
		t.Fatalf("text_config not merged: %+v", m)
	}
	if eos := m.EOS(); eos != 3 {
		t.Fatalf("expected eos 3 from text_config, got %d", eos)
	}
}
