package purego

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"doge-go/nanovllm"
	"doge-go/purego/tensor"
)

// Backends accepted by NewEngine
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// NewDogeModelRunner loads a Doge causal LM from modelDir. An engine config
// without an EOS id adopts the model's.
func NewDogeModelRunner(modelDir string, engineConfig *nanovllm.Config) (*nanovllm.TensorModelRunner, error) {
	lm, err := tensor.LoadCausalLM(modelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	if engineConfig != nil && engineConfig.EOS == -1 {
		engineConfig.EOS = lm.Config.EOSTokenID
	}

	fmt.Printf("✓ Loaded Doge model (%d layers, hidden %d, vocab %d)\n",
		lm.Config.NumLayers, lm.Config.Hidden, lm.Config.VocabSize)

	return nanovllm.NewTensorModelRunnerFromModel(lm), nil
}

// EngineTokenizer is what NewEngine needs from a tokenizer
type EngineTokenizer interface {
	nanovllm.Tokenizer
	VocabSize() int
}

// NewEngine wires the tokenizer from LoadTokenizer and a runner for modelDir
// into an LLM. The onnx backend expects model.onnx next to the tokenizer
// files.
func NewEngine(modelDir, backend string, opts ...nanovllm.ConfigOption) (*nanovllm.LLM, error) {
	tok, err := LoadTokenizer(modelDir)
	if err != nil {
		return nil, err
	}
	return NewEngineWithTokenizer(modelDir, backend, tok, opts...)
}

// NewEngineWithTokenizer is NewEngine with a caller supplied tokenizer
func NewEngineWithTokenizer(modelDir, backend string, tok EngineTokenizer, opts ...nanovllm.ConfigOption) (*nanovllm.LLM, error) {
	config, err := nanovllm.BuildConfig(modelDir, append([]nanovllm.ConfigOption{nanovllm.WithEOS(tok.EOSTokenID())}, opts...)...)
	if err != nil {
		return nil, err
	}

	var runner nanovllm.ModelRunner
	switch backend {
	case BackendNative, "":
		r, err := NewDogeModelRunner(modelDir, config)
		if err != nil {
			return nil, err
		}
		runner = r
	case BackendONNX:
		path := filepath.Join(modelDir, "model.onnx")
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("onnx backend: %w", err)
		}
		r, err := NewONNXModelRunner(path, tok.VocabSize(), runtime.NumCPU())
		if err != nil {
			return nil, err
		}
		runner = r
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	return nanovllm.NewLLMWithComponents(config, runner, tok), nil
}
