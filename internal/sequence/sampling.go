package sequence

import "fmt"

// SamplingParams are the generation settings a sequence carries. Only the
// parameters that gate length and determinism live here.
type SamplingParams struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	IgnoreEOS   bool    `json:"ignore_eos" yaml:"ignore_eos"`
}

func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature: 1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}
}

// Greedy reports whether token selection is deterministic.
func (p SamplingParams) Greedy() bool {
	return p.Temperature == 0
}

func (p SamplingParams) Validate() error {
	if p.Temperature < 0 {
		return fmt.Errorf("%w: temperature %v is negative", ErrInvalidSampling, p.Temperature)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidSampling, p.MaxTokens)
	}
	return nil
}
