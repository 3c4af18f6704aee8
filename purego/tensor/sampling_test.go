package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedySampler(t *testing.T) {
	s, err := NewSampler(&SamplingParams{Temperature: 0})
	require.NoError(t, err)
	require.IsType(t, Greedy{}, s)

	tok, err := s.Sample([]float32{0.1, 2, 2, -1})
	require.NoError(t, err)
	assert.Equal(t, 1, tok)

	_, err = s.Sample(nil)
	assert.Error(t, err)
}

func TestWeightedSamplerTopK(t *testing.T) {
	seed := int64(42)
	s, err := NewSampler(&SamplingParams{Temperature: 1, TopP: 1, TopK: 1, Seed: &seed})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		tok, err := s.Sample([]float32{1, 3, 2, 0})
		require.NoError(t, err)
		assert.Equal(t, 1, tok)
	}
}

func TestWeightedSamplerTopP(t *testing.T) {
	seed := int64(1)
	s, err := NewSampler(&SamplingParams{Temperature: 1, TopP: 0.5, Seed: &seed})
	require.NoError(t, err)

	// token 2 holds most of the mass, so a small nucleus keeps only it
	for i := 0; i < 20; i++ {
		tok, err := s.Sample([]float32{0, 0, 10, 0})
		require.NoError(t, err)
		assert.Equal(t, 2, tok)
	}
}

func TestWeightedSamplerSeeded(t *testing.T) {
	logits := []float32{0.5, 0.4, 0.3, 0.2, 0.1}
	draw := func() []int {
		seed := int64(7)
		s, err := NewSampler(&SamplingParams{Temperature: 1.5, TopP: 1, Seed: &seed})
		require.NoError(t, err)
		out := make([]int, 16)
		for i := range out {
			out[i], err = s.Sample(logits)
			require.NoError(t, err)
		}
		return out
	}
	assert.Equal(t, draw(), draw())
}

func TestNewSamplerValidation(t *testing.T) {
	for _, p := range []*SamplingParams{
		{Temperature: -1, TopP: 1},
		{Temperature: 3, TopP: 1},
		{Temperature: 1, TopP: 0},
		{Temperature: 1, TopP: 1, TopK: -1},
	} {
		_, err := NewSampler(p)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	s, err := NewSampler(nil)
	require.NoError(t, err)
	assert.IsType(t, &Weighted{}, s)
}

func TestLosses(t *testing.T) {
	logits := FromData([]float32{0, 0, 0, 0}, 2, 2)
	loss, n := CrossEntropy(logits, []int{1, IgnoreIndex})
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.6931472, loss, 1e-6)

	assert.InDelta(t, 2.5, MeanSquaredError([]float32{1, 2}, []float32{0, 4}), 1e-6)
	assert.InDelta(t, 0.6931472, BCEWithLogits([]float32{0}, []float32{1}), 1e-6)
}
