package nanovllm

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"doge-go/purego/tensor"
)

// runnerState is what the runner keeps for one live sequence
type runnerState struct {
	cache   *tensor.KVCache
	sampler tensor.Sampler
}

// TensorModelRunner implements ModelRunner on the pure Go Doge model. Each
// sequence owns a KV cache, so prefill feeds the whole prompt and decode
// only the newest token.
type TensorModelRunner struct {
	model *tensor.DogeForCausalLM

	mu     sync.Mutex
	states map[int64]*runnerState
}

// NewTensorModelRunner loads a Doge checkpoint directory
func NewTensorModelRunner(modelDir string) (*TensorModelRunner, error) {
	model, err := tensor.LoadCausalLM(modelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return NewTensorModelRunnerFromModel(model), nil
}

// NewTensorModelRunnerFromModel wraps an already loaded model
func NewTensorModelRunnerFromModel(model *tensor.DogeForCausalLM) *TensorModelRunner {
	return &TensorModelRunner{
		model:  model,
		states: make(map[int64]*runnerState),
	}
}

// Model returns the wrapped model
func (m *TensorModelRunner) Model() *tensor.DogeForCausalLM {
	return m.model
}

func (m *TensorModelRunner) state(seq *Sequence) (*runnerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[seq.SeqID]; ok {
		return st, nil
	}
	sampler, err := seq.SamplingParams().Sampler()
	if err != nil {
		return nil, err
	}
	st := &runnerState{cache: m.model.Model.NewCache(), sampler: sampler}
	m.states[seq.SeqID] = st
	return st, nil
}

// Run advances every sequence by one token. Sequences are independent, so
// they run concurrently.
func (m *TensorModelRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))

	var g errgroup.Group
	for i, seq := range seqs {
		g.Go(func() error {
			st, err := m.state(seq)
			if err != nil {
				return err
			}
			if isPrefill && st.cache.SeqLen() > 0 {
				st.cache.Clear()
			}
			logits, err := m.model.NextTokenLogits(seq.TokenIDs, st.cache)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", seq.SeqID, err)
			}
			tok, err := st.sampler.Sample(logits)
			if err != nil {
				return fmt.Errorf("sequence %d: %w", seq.SeqID, err)
			}
			tokenIDs[i] = tok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tokenIDs, nil
}

// Release drops the cache of a finished or preempted sequence
func (m *TensorModelRunner) Release(seqID int64) {
	m.mu.Lock()
	delete(m.states, seqID)
	m.mu.Unlock()
}

// NumLive returns the number of sequences holding a cache
func (m *TensorModelRunner) NumLive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// Close cleans up resources
func (m *TensorModelRunner) Close() error {
	m.mu.Lock()
	clear(m.states)
	m.mu.Unlock()
	return nil
}
