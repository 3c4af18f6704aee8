package nanovllm

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Output represents the output of a generation request
type Output struct {
	SeqID    int64
	Text     string
	TokenIDs []int
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
}

// NewLLMEngine creates a new LLM engine. Runners implementing Releaser are
// told when the scheduler frees a sequence.
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	scheduler := NewScheduler(config)
	if r, ok := modelRunner.(Releaser); ok {
		scheduler.OnRelease(func(seq *Sequence) { r.Release(seq.SeqID) })
	}
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   scheduler,
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest queues a prompt, given as text or token ids, and returns the
// id its output will carry.
func (e *LLMEngine) AddRequest(prompt interface{}, samplingParams *SamplingParams) (int64, error) {
	if err := samplingParams.Validate(); err != nil {
		return 0, err
	}

	var tokenIDs []int
	switch p := prompt.(type) {
	case string:
		ids, err := e.tokenizer.Encode(p)
		if err != nil {
			return 0, fmt.Errorf("failed to encode prompt: %w", err)
		}
		tokenIDs = ids
	case []int:
		tokenIDs = p
	default:
		return 0, fmt.Errorf("prompt must be string or []int, got %T", prompt)
	}
	if len(tokenIDs) == 0 {
		return 0, fmt.Errorf("prompt is empty")
	}

	seq := NewSequence(tokenIDs, samplingParams)
	if err := e.scheduler.Add(seq); err != nil {
		return 0, err
	}
	return seq.SeqID, nil
}

// Step runs one scheduling round. It returns the sequences that finished in
// this step and the number of tokens processed, negative for decode steps.
func (e *LLMEngine) Step() ([]Output, int, error) {
	seqs, isPrefill, err := e.scheduler.Schedule()
	if err != nil {
		return nil, 0, err
	}

	tokenIDs, err := e.modelRunner.Run(seqs, isPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}
	if len(tokenIDs) != len(seqs) {
		return nil, 0, fmt.Errorf("model returned %d tokens for %d sequences", len(tokenIDs), len(seqs))
	}

	e.scheduler.Postprocess(seqs, tokenIDs)

	outputs := make([]Output, 0)
	for _, seq := range seqs {
		if !seq.IsFinished() {
			continue
		}
		completion := seq.CompletionTokenIDs()
		text, err := e.tokenizer.Decode(completion)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode tokens: %w", err)
		}
		outputs = append(outputs, Output{
			SeqID:    seq.SeqID,
			Text:     text,
			TokenIDs: completion,
		})
	}

	numTokens := -len(seqs)
	if isPrefill {
		numTokens = 0
		for _, seq := range seqs {
			numTokens += seq.Len()
		}
	}

	return outputs, numTokens, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate runs prompts to completion and returns outputs in prompt order.
// samplingParams is either one *SamplingParams shared by every prompt or a
// []*SamplingParams with one entry per prompt. Cancelling ctx aborts every
// queued request.
func (e *LLMEngine) Generate(ctx context.Context, prompts []interface{}, samplingParams interface{}, showProgress bool) ([]Output, error) {
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	index := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		id, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			e.scheduler.Abort()
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		index[id] = i
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64

	for !e.IsFinished() {
		if err := ctx.Err(); err != nil {
			e.scheduler.Abort()
			return nil, err
		}

		start := time.Now()
		stepOutputs, numTokens, err := e.Step()
		if err != nil {
			e.scheduler.Abort()
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		for _, output := range stepOutputs {
			outputs[index[output.SeqID]] = output
		}

		if bar != nil {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
			bar.Add(len(stepOutputs))
		}
	}

	if bar != nil {
		bar.Finish()
	}

	return outputs, nil
}
