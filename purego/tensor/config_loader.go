package tensor

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// LoadModelConfig loads a Doge config from an HF-style config.json
func LoadModelConfig(configPath string) (*ModelConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config, err := ConfigFromMap(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", configPath, err)
	}
	return config, nil
}

// ConfigFromMap decodes a raw config map over the default hyperparameters
func ConfigFromMap(raw map[string]interface{}) (*ModelConfig, error) {
	if mt, ok := raw["model_type"].(string); ok && mt != ModelType {
		return nil, fmt.Errorf("%w: model_type %q is not %q", ErrInvalidConfig, mt, ModelType)
	}

	// HF stores the implementation under a private key
	if impl, ok := raw["_attn_implementation"]; ok {
		if _, set := raw["attn_implementation"]; !set {
			raw["attn_implementation"] = impl
		}
	}
	// label maps imply num_labels
	if id2label, ok := raw["id2label"].(map[string]interface{}); ok {
		if _, set := raw["num_labels"]; !set {
			raw["num_labels"] = len(id2label)
		}
	}

	config := NewDogeConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       ropeScalingHook,
		WeaklyTypedInput: true,
		Result:           config,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}

	if config.RoPEScaling != nil && config.RoPEScaling.Type == RoPEDefault {
		config.RoPEScaling = nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ropeScalingHook accepts rope_scaling as either a bare type name or a map
// keyed by "rope_type" or "type".
func ropeScalingHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(RoPEScaling{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return map[string]interface{}{"type": v, "factor": 1.0}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = val
		}
		if rt, ok := v["rope_type"]; ok {
			out["type"] = rt
			delete(out, "rope_type")
		}
		if _, ok := out["factor"]; !ok {
			out["factor"] = 1.0
		}
		return out, nil
	}
	return data, nil
}

// SaveModelConfig writes the config as config.json compatible JSON
func (c *ModelConfig) SaveModelConfig(configPath string) error {
	out := struct {
		ModelType     string   `json:"model_type"`
		Architectures []string `json:"architectures"`
		*ModelConfig
	}{
		ModelType:     ModelType,
		Architectures: []string{"DogeForCausalLM"},
		ModelConfig:   c,
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
