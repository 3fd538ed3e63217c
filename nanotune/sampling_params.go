package nanotune

import (
	"fmt"

	"nano-tune-go/purego/tensor"
)

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature       float64 // 0 selects greedy decoding
	MaxTokens         int
	MinTokens         int // EOS is suppressed until this many tokens exist
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	IgnoreEOS         bool
	Seed              int64
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature:       1.0,
		MaxTokens:         64,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// SamplingParamsFromConfig maps the generation keys of a config
func SamplingParamsFromConfig(c *Config) *SamplingParams {
	return NewSamplingParams(
		WithTemperature(c.Temperature),
		WithMaxTokens(c.MaxLength),
		WithMinTokens(c.MinLength),
		WithTopK(c.TopK),
		WithTopP(c.TopP),
		WithRepetitionPenalty(c.RepetitionPenalty),
		WithSamplingSeed(c.Seed),
	)
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	switch {
	case sp.Temperature < 0:
		return fmt.Errorf("temperature must be >= 0, got %v", sp.Temperature)
	case sp.MaxTokens < 1:
		return fmt.Errorf("max tokens must be >= 1, got %d", sp.MaxTokens)
	case sp.MinTokens < 0 || sp.MinTokens > sp.MaxTokens:
		return fmt.Errorf("min tokens must be between 0 and %d, got %d", sp.MaxTokens, sp.MinTokens)
	case sp.TopP <= 0 || sp.TopP > 1:
		return fmt.Errorf("top_p must be in (0, 1], got %v", sp.TopP)
	case sp.RepetitionPenalty <= 0:
		return fmt.Errorf("repetition penalty must be > 0, got %v", sp.RepetitionPenalty)
	}
	return nil
}

// tensorParams converts to the sampler's representation
func (sp *SamplingParams) tensorParams() *tensor.SamplingParams {
	return &tensor.SamplingParams{
		Temperature:       float32(sp.Temperature),
		TopP:              float32(sp.TopP),
		TopK:              sp.TopK,
		RepetitionPenalty: float32(sp.RepetitionPenalty),
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithMinTokens sets the minimum number of tokens to generate
func WithMinTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MinTokens = n
	}
}

// WithTopK restricts sampling to the k most likely tokens
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP sets the nucleus sampling mass
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithRepetitionPenalty sets the penalty applied to tokens already present
func WithRepetitionPenalty(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.RepetitionPenalty = p
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithSamplingSeed seeds each sequence's random source
func WithSamplingSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}
