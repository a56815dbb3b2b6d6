package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/nanovllm/internal/config"
	"github.com/samcharles93/nanovllm/internal/loader"
	"github.com/samcharles93/nanovllm/internal/tensor"
)

var ErrUnsupportedModel = errors.New("model: unsupported model")

// QwenPackedModules merges the attention projections into qkv_proj and the
// MLP input projections into gate_up_proj.
func QwenPackedModules() loader.PackedMapping {
	return loader.PackedMapping{
		"q_proj":    {Target: "qkv_proj", Shard: 0},
		"k_proj":    {Target: "qkv_proj", Shard: 1},
		"v_proj":    {Target: "qkv_proj", Shard: 2},
		"gate_proj": {Target: "gate_up_proj", Shard: 0},
		"up_proj":   {Target: "gate_up_proj", Shard: 1},
	}
}

// DTypeFromTorch maps config.json's torch_dtype to a runtime type. Unknown
// or empty values default to bf16.
func DTypeFromTorch(s string) tensor.DType {
	switch s {
	case "float32":
		return tensor.F32
	case "float16":
		return tensor.F16
	default:
		return tensor.BF16
	}
}

// NewQwen declares the parameters of a Qwen2/Qwen3 decoder described by cfg.
// Qwen3 adds per-head q/k norms; Qwen2 (and configs with attention_bias)
// carry qkv biases.
func NewQwen(cfg *config.ModelConfig, dtype tensor.DType) (*Store, error) {
	switch cfg.ModelType {
	case "qwen2", "qwen3":
	default:
		return nil, fmt.Errorf("%w: model_type %q", ErrUnsupportedModel, cfg.ModelType)
	}
	hidden := cfg.HiddenSize
	inter := cfg.IntermediateSize
	heads := cfg.NumAttentionHeads
	kvHeads := cfg.KVHeads()
	headDim := cfg.HeadDimension()
	if hidden <= 0 || inter <= 0 || heads <= 0 || headDim <= 0 || cfg.VocabSize <= 0 || cfg.NumHiddenLayers <= 0 {
		return nil, fmt.Errorf("%w: incomplete config %+v", ErrUnsupportedModel, *cfg)
	}
	qkvRows := []int{heads * headDim, kvHeads * headDim, kvHeads * headDim}
	qkvTotal := qkvRows[0] + qkvRows[1] + qkvRows[2]
	bias := cfg.ModelType == "qwen2" || cfg.AttentionBias

	s := NewStore(QwenPackedModules())
	var errs []error
	decl := func(name string, shape ...int) {
		errs = append(errs, s.Declare(name, dtype, shape))
	}
	packed := func(name string, rows []int, shape ...int) {
		errs = append(errs, s.DeclarePacked(name, dtype, shape, rows))
	}

	decl("model.embed_tokens.weight", cfg.VocabSize, hidden)
	for i := range cfg.NumHiddenLayers {
		prefix := fmt.Sprintf("model.layers.%d.", i)
		decl(prefix+"input_layernorm.weight", hidden)
		decl(prefix+"post_attention_layernorm.weight", hidden)
		packed(prefix+"self_attn.qkv_proj.weight", qkvRows, qkvTotal, hidden)
		if bias {
			packed(prefix+"self_attn.qkv_proj.bias", qkvRows, qkvTotal)
		}
		decl(prefix+"self_attn.o_proj.weight", hidden, heads*headDim)
		if cfg.ModelType == "qwen3" {
			decl(prefix+"self_attn.q_norm.weight", headDim)
			decl(prefix+"self_attn.k_norm.weight", headDim)
		}
		packed(prefix+"mlp.gate_up_proj.weight", []int{inter, inter}, 2*inter, hidden)
		decl(prefix+"mlp.down_proj.weight", hidden, inter)
	}
	decl("model.norm.weight", hidden)
	if !cfg.TieWordEmbeddings {
		decl("lm_head.weight", cfg.VocabSize, hidden)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}
