package nanovllm

import (
	"fmt"

	"doge-go/purego/tensor"
)

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature float64 // 0 selects greedy decoding
	TopK        int     // 0 disables
	TopP        float64
	Seed        *int64
	MaxTokens   int
	IgnoreEOS   bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.Validate(); err != nil {
		panic(err)
	}

	return sp
}

// Validate checks if the sampling parameters are valid
func (sp *SamplingParams) Validate() error {
	if sp.Temperature < 0 || sp.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", sp.Temperature)
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must not be negative, got %d", sp.TopK)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %g", sp.TopP)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", sp.MaxTokens)
	}
	return nil
}

// Sampler builds the tensor sampler these parameters describe
func (sp *SamplingParams) Sampler() (tensor.Sampler, error) {
	return tensor.NewSampler(&tensor.SamplingParams{
		Temperature: float32(sp.Temperature),
		TopK:        sp.TopK,
		TopP:        float32(sp.TopP),
		Seed:        sp.Seed,
	})
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopK keeps only the k most likely tokens
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP keeps the smallest token set whose probability reaches p
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithSeed makes sampling reproducible
func WithSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = &seed
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}
