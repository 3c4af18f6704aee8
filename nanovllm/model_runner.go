package nanovllm

import "strings"

// ModelRunner produces the next token for each scheduled sequence. Prefill
// steps carry freshly admitted prompts, decode steps one token per sequence.
type ModelRunner interface {
	Run(seqs []*Sequence, isPrefill bool) ([]int, error)
	Close() error
}

// Releaser is implemented by runners that hold per-sequence state, such as
// a KV cache, which must be dropped when the scheduler frees the sequence.
type Releaser interface {
	Release(seqID int64)
}

// MockModelRunner is a deterministic runner for exercising the scheduler
type MockModelRunner struct {
	config *Config
	vocab  int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(config *Config) *MockModelRunner {
	return &MockModelRunner{
		config: config,
		vocab:  32000,
	}
}

// Run derives a token from the sequence id and position, emitting EOS every
// twenty completion tokens past the tenth.
func (m *MockModelRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))

	for i, seq := range seqs {
		tokenID := int((seq.SeqID + int64(seq.NumTokens)) % int64(m.vocab))
		if seq.NumCompletionTokens() > 10 && seq.NumCompletionTokens()%20 == 0 {
			tokenID = m.config.EOS
		}
		tokenIDs[i] = tokenID
	}

	return tokenIDs, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// Tokenizer converts between text and token ids
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// MockTokenizer maps each rune to its code point
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode returns one token per rune
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c))
	}
	return tokens, nil
}

// Decode is the inverse of Encode, skipping EOS
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			sb.WriteRune(rune(id))
		}
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
