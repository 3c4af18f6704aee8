package nanovllm

import "context"

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM creates an LLM backed by the mock runner and tokenizer
func NewLLM(config *Config) *LLM {
	if config.EOS == -1 {
		config.EOS = 2
	}

	tokenizer := NewMockTokenizer(config.EOS)
	modelRunner := NewMockModelRunner(config)

	return &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer),
	}
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLM {
	return &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer),
	}
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(ctx context.Context, prompts []string, samplingParams *SamplingParams, showProgress bool) ([]Output, error) {
	promptsInterface := make([]interface{}, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(ctx, promptsInterface, samplingParams, showProgress)
}
