package tensor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := NewDogeConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 16, c.HeadDim())
	assert.Equal(t, 4, c.NumKVHeads())
	assert.Equal(t, 16, c.NumProductKeys())
	assert.Equal(t, RoPEDefault, c.RoPEType())
	assert.Positive(t, c.EstimateParameters())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{"heads do not divide hidden", func(c *ModelConfig) { c.NumAttentionHeads = 3 }},
		{"odd head dim", func(c *ModelConfig) { c.Hidden = 12; c.NumAttentionHeads = 4; c.DynamicValue = false }},
		{"groups do not divide heads", func(c *ModelConfig) { c.NumAttentionGroups = 3 }},
		{"dynamic value with grouped heads", func(c *ModelConfig) { c.NumAttentionGroups = 2 }},
		{"too many value heads", func(c *ModelConfig) { c.DynamicValueNumHeads = 2 }},
		{"experts not square", func(c *ModelConfig) { c.NumCDMoMEExperts = 200 }},
		{"odd private dim", func(c *ModelConfig) { c.PrivateExpertIntermediateSize = 63 }},
		{"too many experts per head", func(c *ModelConfig) { c.NumCDMoMEExpertsPerHead = 17 }},
		{"unknown activation", func(c *ModelConfig) { c.HiddenAct = "nope" }},
		{"unknown rope type", func(c *ModelConfig) { c.RoPEScaling = &RoPEScaling{Type: "yarn", Factor: 2} }},
		{"rope factor", func(c *ModelConfig) { c.RoPEScaling = &RoPEScaling{Type: RoPEDynamic} }},
		{"pad outside vocab", func(c *ModelConfig) { c.PadTokenID = c.VocabSize }},
		{"attention implementation", func(c *ModelConfig) { c.AttnImplementation = "flash" }},
		{"problem type", func(c *ModelConfig) { c.ProblemType = "ranking" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDogeConfig()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigFromMap(t *testing.T) {
	c, err := ConfigFromMap(map[string]interface{}{
		"model_type":           "doge",
		"hidden_size":          32.0,
		"num_hidden_layers":    2.0,
		"num_attention_heads":  2.0,
		"rope_scaling":         "dynamic",
		"_attn_implementation": "sdpa",
		"id2label":             map[string]interface{}{"0": "neg", "1": "pos", "2": "neutral"},
	})
	require.NoError(t, err)
	assert.Equal(t, 32, c.Hidden)
	assert.Equal(t, 2, c.NumLayers)
	assert.Equal(t, "sdpa", c.AttnImplementation)
	assert.Equal(t, 3, c.NumLabels)
	require.NotNil(t, c.RoPEScaling)
	assert.Equal(t, RoPEScaling{Type: RoPEDynamic, Factor: 1}, *c.RoPEScaling)

	c, err = ConfigFromMap(map[string]interface{}{
		"rope_scaling": map[string]interface{}{"rope_type": "linear", "factor": 4.0},
	})
	require.NoError(t, err)
	assert.Equal(t, RoPEScaling{Type: RoPELinear, Factor: 4}, *c.RoPEScaling)

	c, err = ConfigFromMap(map[string]interface{}{
		"rope_scaling": map[string]interface{}{"type": "default"},
	})
	require.NoError(t, err)
	assert.Nil(t, c.RoPEScaling)

	_, err = ConfigFromMap(map[string]interface{}{"model_type": "llama"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigRoundTrip(t *testing.T) {
	c := NewDogeConfig()
	c.Hidden = 128
	c.RoPEScaling = &RoPEScaling{Type: RoPELinear, Factor: 2}
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, c.SaveModelConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"model_type": "doge"`)
	assert.Contains(t, string(data), `"rope_type": "linear"`)

	loaded, err := LoadModelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}
