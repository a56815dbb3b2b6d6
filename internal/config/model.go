package config

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ModelConfigFile is the Hugging Face config file inside a model directory.
const ModelConfigFile = "config.json"

// ModelConfig is the subset of a Hugging Face config.json the engine reads.
type ModelConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures,omitempty"`

	HiddenSize        int  `json:"hidden_size"`
	IntermediateSize  int  `json:"intermediate_size"`
	NumHiddenLayers   int  `json:"num_hidden_layers"`
	NumAttentionHeads int  `json:"num_attention_heads"`
	NumKeyValueHeads  int  `json:"num_key_value_heads"`
	HeadDim           int  `json:"head_dim"`
	VocabSize         int  `json:"vocab_size"`
	MaxPosition       int  `json:"max_position_embeddings"`
	AttentionBias     bool `json:"attention_bias"`
	TieWordEmbeddings bool `json:"tie_word_embeddings"`

	TorchDType  string   `json:"torch_dtype,omitempty"`
	EOSTokenIDs TokenIDs `json:"eos_token_id,omitempty"`
}

// TokenIDs decodes a field that is either a single token id or a list.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = nil
		return nil
	}
	var id int
	if err := json.Unmarshal(b, &id); err == nil {
		*t = TokenIDs{id}
		return nil
	}
	var ids []int
	if err := json.Unmarshal(b, &ids); err != nil {
		return fmt.Errorf("token ids: %w", err)
	}
	*t = ids
	return nil
}

// EOS returns the first end-of-sequence token id, or -1 if the config has
// none.
func (m *ModelConfig) EOS() int {
	if len(m.EOSTokenIDs) == 0 {
		return -1
	}
	return m.EOSTokenIDs[0]
}

// KVHeads returns the key/value head count, defaulting to the attention head
// count for models without grouped-query attention.
func (m *ModelConfig) KVHeads() int {
	if m.NumKeyValueHeads > 0 {
		return m.NumKeyValueHeads
	}
	return m.NumAttentionHeads
}

// HeadDimension returns head_dim, deriving it from the hidden size when the
// config leaves it out.
func (m *ModelConfig) HeadDimension() int {
	if m.HeadDim > 0 {
		return m.HeadDim
	}
	if m.NumAttentionHeads > 0 {
		return m.HiddenSize / m.NumAttentionHeads
	}
	return 0
}

// ParseModelConfig decodes a config.json payload. Multimodal configs that
// nest the language model under text_config have missing fields filled from
// there.
func ParseModelConfig(raw []byte) (*ModelConfig, error) {
	var cfg ModelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := mergeTextConfig(&cfg, raw); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeTextConfig(dst *ModelConfig, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 {
		return nil
	}
	var text ModelConfig
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return fmt.Errorf("text_config: %w", err)
	}

	fill := func(dst *int, src int) {
		if *dst == 0 && src > 0 {
			*dst = src
		}
	}
	fill(&dst.HiddenSize, text.HiddenSize)
	fill(&dst.IntermediateSize, text.IntermediateSize)
	fill(&dst.NumHiddenLayers, text.NumHiddenLayers)
	fill(&dst.NumAttentionHeads, text.NumAttentionHeads)
	fill(&dst.NumKeyValueHeads, text.NumKeyValueHeads)
	fill(&dst.HeadDim, text.HeadDim)
	fill(&dst.VocabSize, text.VocabSize)
	fill(&dst.MaxPosition, text.MaxPosition)
	if len(dst.EOSTokenIDs) == 0 {
		dst.EOSTokenIDs = text.EOSTokenIDs
	}
	if dst.TorchDType == "" {
		dst.TorchDType = text.TorchDType
	}
	return nil
}

// ReadModelConfig reads config.json from a model directory.
func ReadModelConfig(dir string) (*ModelConfig, error) {
	path := filepath.Join(dir, ModelConfigFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseModelConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyModel attaches the model's config, takes the EOS id from it and
// clamps MaxModelLen to the model's position limit.
func (c *Config) ApplyModel(m *ModelConfig) {
	c.Model = m
	c.EOSTokenID = m.EOS()
	if m.MaxPosition > 0 && c.MaxModelLen > m.MaxPosition {
		c.MaxModelLen = m.MaxPosition
	}
}
