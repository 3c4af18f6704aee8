package nanovllm

import "sync/atomic"

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// DefaultBlockSize is the KV block size used until a scheduler adopts the
// sequence.
const DefaultBlockSize = 256

// Sequence represents a single generation request
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int
	BlockSize       int

	Temperature float64
	TopK        int
	TopP        float64
	Seed        *int64
	MaxTokens   int
	IgnoreEOS   bool
}

var seqCounter atomic.Int64

// NewSequence creates a new sequence from a non-empty prompt and sampling
// parameters.
func NewSequence(tokenIDs []int, sp *SamplingParams) *Sequence {
	return &Sequence{
		SeqID:           seqCounter.Add(1) - 1,
		Status:          StatusWaiting,
		TokenIDs:        append([]int(nil), tokenIDs...),
		LastToken:       tokenIDs[len(tokenIDs)-1],
		NumTokens:       len(tokenIDs),
		NumPromptTokens: len(tokenIDs),
		BlockTable:      make([]int, 0),
		BlockSize:       DefaultBlockSize,
		Temperature:     sp.Temperature,
		TopK:            sp.TopK,
		TopP:            sp.TopP,
		Seed:            sp.Seed,
		MaxTokens:       sp.MaxTokens,
		IgnoreEOS:       sp.IgnoreEOS,
	}
}

// SamplingParams rebuilds the parameters the sequence was created with
func (s *Sequence) SamplingParams() *SamplingParams {
	return &SamplingParams{
		Temperature: s.Temperature,
		TopK:        s.TopK,
		TopP:        s.TopP,
		Seed:        s.Seed,
		MaxTokens:   s.MaxTokens,
		IgnoreEOS:   s.IgnoreEOS,
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumCachedBlocks returns the number of cached blocks
func (s *Sequence) NumCachedBlocks() int {
	return s.NumCachedTokens / s.BlockSize
}

// NumBlocks returns the total number of blocks needed
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.BlockSize - 1) / s.BlockSize
}

// LastBlockNumTokens returns the number of tokens in the last block
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the tokens in the i-th block
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := min((i+1)*s.BlockSize, len(s.TokenIDs))
	return s.TokenIDs[start:end]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
}
