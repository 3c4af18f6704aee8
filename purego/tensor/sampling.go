package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Sampler picks the next token from a row of logits
type Sampler interface {
	Sample(logits []float32) (int, error)
}

// SamplingParams holds parameters for token sampling
type SamplingParams struct {
	Temperature float32
	TopP        float32 // Nucleus sampling
	TopK        int     // Top-k sampling, 0 disables
	Seed        *int64
}

// DefaultSamplingParams returns default sampling parameters
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		TopK:        0,
	}
}

// NewSampler returns Greedy for temperature 0 and a Weighted sampler otherwise
func NewSampler(params *SamplingParams) (Sampler, error) {
	if params == nil {
		params = DefaultSamplingParams()
	}
	if params.Temperature == 0 {
		return Greedy{}, nil
	}
	if params.Temperature < 0 || params.Temperature > 2 {
		return nil, fmt.Errorf("%w: temperature must be between 0 and 2, got %g", ErrInvalidInput, params.Temperature)
	}
	if params.TopP <= 0 || params.TopP > 1 {
		return nil, fmt.Errorf("%w: top_p must be in (0, 1], got %g", ErrInvalidInput, params.TopP)
	}
	if params.TopK < 0 {
		return nil, fmt.Errorf("%w: top_k must not be negative, got %d", ErrInvalidInput, params.TopK)
	}
	var src rand.Source
	if params.Seed != nil {
		src = rand.NewSource(uint64(*params.Seed))
	}
	return &Weighted{
		Temperature: float64(params.Temperature),
		TopK:        params.TopK,
		TopP:        float64(params.TopP),
		src:         src,
	}, nil
}

// Greedy always returns the highest scoring token
type Greedy struct{}

func (Greedy) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("no logits to sample from")
	}
	return Argmax(logits), nil
}

// Weighted samples from the softmax of temperature scaled, top-k and top-p
// filtered logits.
type Weighted struct {
	Temperature float64
	TopK        int
	TopP        float64
	src         rand.Source
}

func (s *Weighted) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("no logits to sample from")
	}
	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	// subtracting max logit to avoid under/overflow
	maxLogit := slices.Max(logits64)
	temp := math.Max(s.Temperature, 1e-7)
	for i := range logits64 {
		logits64[i] = (logits64[i] - maxLogit) / temp
	}

	if s.TopK > 0 && s.TopK < len(logits64) {
		keep := make([]float32, len(logits64))
		for i, v := range logits64 {
			keep[i] = float32(v)
		}
		_, idx := TopK(keep, s.TopK)
		kept := make([]bool, len(logits64))
		for _, i := range idx {
			kept[i] = true
		}
		for i := range logits64 {
			if !kept[i] {
				logits64[i] = math.Inf(-1)
			}
		}
	}

	if s.TopP < 1 {
		topP(logits64, s.TopP)
	}

	values := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) && !math.IsNaN(logit) {
			values = append(values, logit)
			indices = append(indices, i)
		}
	}
	if len(values) == 0 {
		return -1, errors.New("no valid logits found for weighted sampling")
	}

	probs := softmax64(values)
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return indices[idx], nil
	}
	return -1, errors.New("weighted sampler failed, no valid token found")
}

// topP masks every logit outside the smallest set whose probability mass reaches p
func topP(logits []float64, p float64) {
	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return logits[order[a]] > logits[order[b]] })

	sorted := make([]float64, len(order))
	for i, idx := range order {
		sorted[i] = logits[idx]
	}
	probs := softmax64(sorted)

	var cum float64
	for i, idx := range order {
		if cum >= p {
			logits[idx] = math.Inf(-1)
			continue
		}
		cum += probs[i]
	}
}

func softmax64(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
	}
	sum := floats.Sum(probs)
	if sum == 0 {
		return probs
	}
	floats.Scale(1/sum, probs)
	return probs
}
