package mqar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallDataConfig() MQARConfig {
	return MQARConfig{
		VocabSize:   128,
		InputSeqLen: 64,
		NumExamples: 20,
		NumKVPairs:  8,
		PowerA:      0.01,
	}
}

func TestMQARConfigValidate(t *testing.T) {
	require.NoError(t, smallDataConfig().Validate())

	tests := []struct {
		name   string
		modify func(*MQARConfig)
	}{
		{"odd length", func(c *MQARConfig) { c.InputSeqLen = 63 }},
		{"vocab too small", func(c *MQARConfig) { c.VocabSize = 64 }},
		{"too many pairs", func(c *MQARConfig) { c.NumKVPairs = 17 }},
		{"no pairs", func(c *MQARConfig) { c.NumKVPairs = 0 }},
		{"no examples", func(c *MQARConfig) { c.NumExamples = 0 }},
		{"bad power", func(c *MQARConfig) { c.PowerA = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := smallDataConfig()
			tt.modify(&c)
			assert.Error(t, c.Validate())
			_, err := GenerateMQAR(c, 1)
			assert.Error(t, err)
		})
	}
}

func TestGenerateMQARLayout(t *testing.T) {
	cfg := smallDataConfig()
	seg, err := GenerateMQAR(cfg, 7)
	require.NoError(t, err)
	require.Equal(t, cfg.NumExamples, seg.Len())

	kv := cfg.NumKVPairs
	half := cfg.VocabSize / 2
	for ex := range seg.Len() {
		inputs, labels := seg.Inputs[ex], seg.Labels[ex]
		require.Len(t, inputs, cfg.InputSeqLen)
		require.Len(t, labels, cfg.InputSeqLen)

		pairs := make(map[int]int, kv)
		for i := range kv {
			key, value := inputs[2*i], inputs[2*i+1]
			assert.GreaterOrEqual(t, key, 1)
			assert.Less(t, key, half)
			assert.GreaterOrEqual(t, value, half)
			assert.Less(t, value, cfg.VocabSize)
			_, dup := pairs[key]
			assert.False(t, dup, "key %d repeats", key)
			pairs[key] = value
		}

		queries := 0
		for j := 2 * kv; j < cfg.InputSeqLen; j++ {
			if labels[j] == IgnoreIndex {
				assert.Zero(t, inputs[j], "example %d position %d", ex, j)
				continue
			}
			queries++
			assert.Zero(t, (j-2*kv)%2, "queries sit on even offsets")
			value, ok := pairs[inputs[j]]
			require.True(t, ok, "query %d is not a context key", inputs[j])
			assert.Equal(t, value, labels[j])
		}
		assert.Equal(t, kv, queries)

		for j := range 2 * kv {
			assert.Equal(t, IgnoreIndex, labels[j])
		}
	}
}

func TestGenerateMQARDeterministic(t *testing.T) {
	cfg := smallDataConfig()
	a, err := GenerateMQAR(cfg, 11)
	require.NoError(t, err)
	b, err := GenerateMQAR(cfg, 11)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := GenerateMQAR(cfg, 12)
	require.NoError(t, err)
	assert.NotEqual(t, a.Inputs, c.Inputs)
}

func TestGenerateMQARRandomNonQueries(t *testing.T) {
	cfg := smallDataConfig()
	cfg.RandomNonQueries = true
	seg, err := GenerateMQAR(cfg, 3)
	require.NoError(t, err)

	filled := 0
	for ex := range seg.Len() {
		for j := 2 * cfg.NumKVPairs; j < cfg.InputSeqLen; j++ {
			tok := seg.Inputs[ex][j]
			assert.GreaterOrEqual(t, tok, 0)
			assert.Less(t, tok, cfg.VocabSize)
			if seg.Labels[ex][j] == IgnoreIndex && tok != 0 {
				filled++
			}
		}
	}
	assert.Positive(t, filled)
}

func TestSegmentRoundTrip(t *testing.T) {
	seg, err := GenerateMQAR(smallDataConfig(), 5)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "seg.safetensors")
	require.NoError(t, SaveSegment(path, seg))

	loaded, err := LoadSegment(path)
	require.NoError(t, err)
	assert.Equal(t, seg, loaded)

	assert.Error(t, SaveSegment(path, &Segment{}))
	_, err = LoadSegment(filepath.Join(t.TempDir(), "missing.safetensors"))
	assert.Error(t, err)
}

func TestLoadOrGenerateCaches(t *testing.T) {
	dir := t.TempDir()
	cfg := smallDataConfig()

	seg, err := LoadOrGenerate(dir, cfg, 9)
	require.NoError(t, err)

	path := CachePath(dir, cfg, 9)
	_, err = os.Stat(path)
	require.NoError(t, err)

	cached, err := LoadOrGenerate(dir, cfg, 9)
	require.NoError(t, err)
	assert.Equal(t, seg, cached)

	assert.NotEqual(t, path, CachePath(dir, cfg, 10))
}
