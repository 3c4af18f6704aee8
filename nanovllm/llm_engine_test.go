package nanovllm

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"doge-go/purego/tensor"
)

// recordingRunner remembers which sequences were released
type recordingRunner struct {
	*MockModelRunner

	mu       sync.Mutex
	released []int64
}

func (r *recordingRunner) Release(seqID int64) {
	r.mu.Lock()
	r.released = append(r.released, seqID)
	r.mu.Unlock()
}

func TestGenerateKeepsPromptOrder(t *testing.T) {
	llm := NewLLM(NewConfig("mock", WithEOS(2)))
	defer llm.Close()

	// the second prompt finishes first
	params := []*SamplingParams{
		NewSamplingParams(WithMaxTokens(6), WithIgnoreEOS(true)),
		NewSamplingParams(WithMaxTokens(2), WithIgnoreEOS(true)),
	}
	outputs, err := llm.Generate(context.Background(), []interface{}{"hello", []int{7, 8}}, params, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(outputs) != 2 {
		t.Fatalf("Expected 2 outputs, got %d", len(outputs))
	}
	if len(outputs[0].TokenIDs) != 6 {
		t.Errorf("Expected 6 tokens for prompt 0, got %d", len(outputs[0].TokenIDs))
	}
	if len(outputs[1].TokenIDs) != 2 {
		t.Errorf("Expected 2 tokens for prompt 1, got %d", len(outputs[1].TokenIDs))
	}
	if outputs[0].SeqID >= outputs[1].SeqID {
		t.Errorf("Expected sequence ids in submission order, got %d and %d", outputs[0].SeqID, outputs[1].SeqID)
	}

	// the mock emits seq id + length
	if want := int(outputs[0].SeqID) + 5; outputs[0].TokenIDs[0] != want {
		t.Errorf("Expected first token %d, got %d", want, outputs[0].TokenIDs[0])
	}

	if !llm.IsFinished() {
		t.Errorf("Expected engine to be idle")
	}
}

func TestGenerateSimple(t *testing.T) {
	llm := NewLLM(NewConfig("mock"))
	outputs, err := llm.GenerateSimple(context.Background(), []string{"a", "bc", "def"}, NewSamplingParams(WithMaxTokens(3), WithIgnoreEOS(true)), false)
	if err != nil {
		t.Fatalf("GenerateSimple failed: %v", err)
	}
	for i, out := range outputs {
		if len(out.TokenIDs) != 3 {
			t.Errorf("Output %d: expected 3 tokens, got %d", i, len(out.TokenIDs))
		}
		if out.Text == "" {
			t.Errorf("Output %d: expected decoded text", i)
		}
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	llm := NewLLM(NewConfig("mock"))

	if _, err := llm.Generate(context.Background(), []interface{}{3.5}, NewSamplingParams(), false); err == nil {
		t.Errorf("Expected error for an unsupported prompt type")
	}
	if _, err := llm.Generate(context.Background(), []interface{}{[]int{}}, NewSamplingParams(), false); err == nil {
		t.Errorf("Expected error for an empty prompt")
	}
	if _, err := llm.Generate(context.Background(), []interface{}{"a"}, []*SamplingParams{}, false); err == nil {
		t.Errorf("Expected error for mismatched sampling params")
	}
	if !llm.IsFinished() {
		t.Errorf("Expected rejected requests to leave no queued work")
	}
}

func TestGenerateHonoursContext(t *testing.T) {
	llm := NewLLM(NewConfig("mock"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := llm.GenerateSimple(ctx, []string{"hello"}, NewSamplingParams(WithMaxTokens(4)), false)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if !llm.IsFinished() {
		t.Errorf("Expected cancelled requests to be aborted")
	}
}

func TestPreemptionReleasesRunnerState(t *testing.T) {
	config := NewConfig("mock", WithEOS(2), WithKVCacheBlockSize(16), WithNumKVCacheBlocks(2))
	runner := &recordingRunner{MockModelRunner: NewMockModelRunner(config)}
	llm := NewLLMWithComponents(config, runner, NewMockTokenizer(config.EOS))

	prompt := make([]int, 15)
	for i := range prompt {
		prompt[i] = 100 + i
	}
	sp := NewSamplingParams(WithMaxTokens(4), WithIgnoreEOS(true))
	outputs, err := llm.Generate(context.Background(), []interface{}{prompt, prompt}, sp, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for i, out := range outputs {
		if len(out.TokenIDs) != 4 {
			t.Errorf("Output %d: expected 4 tokens, got %d", i, len(out.TokenIDs))
		}
	}

	// one preemption plus two completions
	if len(runner.released) != 3 {
		t.Errorf("Expected 3 releases, got %v", runner.released)
	}
	if runner.released[0] != outputs[1].SeqID {
		t.Errorf("Expected the later sequence to be preempted first, got %v", runner.released)
	}
}

func TestAddRequestRejectsOversizedPrompt(t *testing.T) {
	config := NewConfig("mock", WithKVCacheBlockSize(16), WithNumKVCacheBlocks(2))
	llm := NewLLM(config)

	_, err := llm.AddRequest(make([]int, 40), NewSamplingParams())
	if !errors.Is(err, ErrNoFreeBlocks) {
		t.Errorf("Expected ErrNoFreeBlocks, got %v", err)
	}
}

func tinyDoge(t *testing.T) *tensor.DogeForCausalLM {
	t.Helper()
	c := tensor.NewDogeConfig()
	c.NumLayers = 2
	c.VocabSize = 32
	c.Hidden = 16
	c.NumAttentionHeads = 4
	c.MaxPositionEmbeddings = 64
	c.InitializerRange = 0.2
	c.SharedExpertIntermediateSize = 32
	c.PrivateExpertIntermediateSize = 8
	c.NumCDMoMEExperts = 16
	c.NumCDMoMEHeads = 2
	c.NumCDMoMEExpertsPerHead = 2
	lm, err := tensor.NewDogeForCausalLM(c)
	if err != nil {
		t.Fatalf("NewDogeForCausalLM failed: %v", err)
	}
	lm.InitWeights(7)
	return lm
}

func TestTensorModelRunnerMatchesGreedyGenerate(t *testing.T) {
	lm := tinyDoge(t)
	runner := NewTensorModelRunnerFromModel(lm)
	config := NewConfig("doge", WithKVCacheBlockSize(16), WithMaxModelLen(64), WithNumKVCacheBlocks(8))
	llm := NewLLMWithComponents(config, runner, NewMockTokenizer(config.EOS))

	prompts := [][]int{{3, 1, 4, 1, 5}, {9, 2, 6}}
	sp := NewSamplingParams(WithTemperature(0), WithMaxTokens(6), WithIgnoreEOS(true))
	outputs, err := llm.Generate(context.Background(), []interface{}{prompts[0], prompts[1]}, sp, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for i, prompt := range prompts {
		want, err := lm.Generate(context.Background(), [][]int{prompt}, tensor.GenerateOptions{MaxNewTokens: 6})
		if err != nil {
			t.Fatalf("reference generate failed: %v", err)
		}
		if !slices.Equal(outputs[i].TokenIDs, want[0]) {
			t.Errorf("Prompt %d: engine produced %v, model produced %v", i, outputs[i].TokenIDs, want[0])
		}
	}

	if runner.NumLive() != 0 {
		t.Errorf("Expected every cache to be released, %d live", runner.NumLive())
	}
}

func TestTensorModelRunnerSeededSampling(t *testing.T) {
	lm := tinyDoge(t)
	run := func() []int {
		runner := NewTensorModelRunnerFromModel(lm)
		config := NewConfig("doge", WithKVCacheBlockSize(16), WithMaxModelLen(64), WithNumKVCacheBlocks(8))
		llm := NewLLMWithComponents(config, runner, NewMockTokenizer(config.EOS))
		sp := NewSamplingParams(WithTemperature(1.2), WithTopK(8), WithSeed(11), WithMaxTokens(8), WithIgnoreEOS(true))
		outputs, err := llm.Generate(context.Background(), []interface{}{[]int{1, 2, 3}}, sp, false)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		return outputs[0].TokenIDs
	}

	first, second := run(), run()
	if !slices.Equal(first, second) {
		t.Errorf("Expected seeded runs to agree, got %v and %v", first, second)
	}
}
