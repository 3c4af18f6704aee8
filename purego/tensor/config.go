package tensor

import (
	"fmt"
	"math"
)

// RoPE scaling types
const (
	RoPEDefault = "default"
	RoPELinear  = "linear"
	RoPEDynamic = "dynamic"
)

// Sequence classification problem types
const (
	ProblemRegression  = "regression"
	ProblemSingleLabel = "single_label_classification"
	ProblemMultiLabel  = "multi_label_classification"
)

// ModelType is written to config.json
const ModelType = "doge"

// RoPEScaling configures rotary frequency scaling
type RoPEScaling struct {
	Type   string  `json:"rope_type" mapstructure:"type"`
	Factor float64 `json:"factor" mapstructure:"factor"`
}

// ModelConfig holds the hyperparameters of a Doge model
type ModelConfig struct {
	// Basic
	NumLayers             int          `json:"num_hidden_layers" mapstructure:"num_hidden_layers"`
	VocabSize             int          `json:"vocab_size" mapstructure:"vocab_size"`
	Hidden                int          `json:"hidden_size" mapstructure:"hidden_size"`
	HiddenBias            bool         `json:"hidden_bias" mapstructure:"hidden_bias"`
	HiddenDropout         float64      `json:"hidden_dropout" mapstructure:"hidden_dropout"`
	HiddenAct             string       `json:"hidden_act" mapstructure:"hidden_act"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings" mapstructure:"max_position_embeddings"`
	RoPETheta             float64      `json:"rope_theta" mapstructure:"rope_theta"`
	RoPEScaling           *RoPEScaling `json:"rope_scaling" mapstructure:"rope_scaling"`

	// Initialization
	InitializerRange  float64 `json:"initializer_range" mapstructure:"initializer_range"`
	RMSNormEps        float64 `json:"rms_norm_eps" mapstructure:"rms_norm_eps"`
	UseCache          bool    `json:"use_cache" mapstructure:"use_cache"`
	PadTokenID        int     `json:"pad_token_id" mapstructure:"pad_token_id"`
	BOSTokenID        int     `json:"bos_token_id" mapstructure:"bos_token_id"`
	EOSTokenID        int     `json:"eos_token_id" mapstructure:"eos_token_id"`
	TieWordEmbeddings bool    `json:"tie_word_embeddings" mapstructure:"tie_word_embeddings"`

	// Attention
	NumAttentionHeads    int    `json:"num_attention_heads" mapstructure:"num_attention_heads"`
	NumAttentionGroups   int    `json:"num_attention_groups" mapstructure:"num_attention_groups"`
	AttnImplementation   string `json:"attn_implementation" mapstructure:"attn_implementation"`
	DynamicMask          bool   `json:"dynamic_mask" mapstructure:"dynamic_mask"`
	DynamicValue         bool   `json:"dynamic_value" mapstructure:"dynamic_value"`
	DynamicValueNumHeads int    `json:"dynamic_value_num_heads" mapstructure:"dynamic_value_num_heads"`

	// Cross domain mixture of million experts
	SharedExpertIntermediateSize  int `json:"shared_expert_intermediate_size" mapstructure:"shared_expert_intermediate_size"`
	PrivateExpertIntermediateSize int `json:"private_expert_intermediate_size" mapstructure:"private_expert_intermediate_size"`
	NumCDMoMEExperts              int `json:"num_cdmmoe_experts" mapstructure:"num_cdmmoe_experts"`
	NumCDMoMEHeads                int `json:"num_cdmmoe_heads" mapstructure:"num_cdmmoe_heads"`
	NumCDMoMEExpertsPerHead       int `json:"num_cdmmoe_experts_per_head" mapstructure:"num_cdmmoe_experts_per_head"`

	// Sequence classification
	NumLabels   int    `json:"num_labels" mapstructure:"num_labels"`
	ProblemType string `json:"problem_type,omitempty" mapstructure:"problem_type"`
}

// NewDogeConfig returns a config populated with the default hyperparameters
func NewDogeConfig() *ModelConfig {
	return &ModelConfig{
		NumLayers:             8,
		VocabSize:             32768,
		Hidden:                64,
		HiddenAct:             "silu",
		MaxPositionEmbeddings: 16384,
		RoPETheta:             10000.0,
		InitializerRange:      0.02,
		RMSNormEps:            1e-6,
		PadTokenID:            0,
		BOSTokenID:            1,
		EOSTokenID:            2,

		NumAttentionHeads:    4,
		NumAttentionGroups:   1,
		AttnImplementation:   "eager",
		DynamicMask:          true,
		DynamicValue:         true,
		DynamicValueNumHeads: 1,

		SharedExpertIntermediateSize:  256,
		PrivateExpertIntermediateSize: 64,
		NumCDMoMEExperts:              256,
		NumCDMoMEHeads:                1,
		NumCDMoMEExpertsPerHead:       2,

		NumLabels: 2,
	}
}

// HeadDim is the per-head width of queries and keys
func (c *ModelConfig) HeadDim() int {
	return c.Hidden / c.NumAttentionHeads
}

// NumKVHeads is the number of key/value heads after grouping
func (c *ModelConfig) NumKVHeads() int {
	return c.NumAttentionHeads / c.NumAttentionGroups
}

// NumVKeys is the number of retrievable value keys per dynamic value head
func (c *ModelConfig) NumVKeys() int {
	return int(math.Sqrt(float64(c.NumKVHeads())))
}

// NumProductKeys is the number of keys on each side of the expert product key grid
func (c *ModelConfig) NumProductKeys() int {
	return int(math.Sqrt(float64(c.NumCDMoMEExperts)))
}

// RoPEType returns the configured rotary scaling type
func (c *ModelConfig) RoPEType() string {
	if c.RoPEScaling == nil || c.RoPEScaling.Type == "" {
		return RoPEDefault
	}
	return c.RoPEScaling.Type
}

// UsesCDMoME reports whether the feed-forward path retrieves experts
func (c *ModelConfig) UsesCDMoME() bool {
	return c.NumCDMoMEExperts > 0
}

// Validate checks the config for internally consistent shapes
func (c *ModelConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.NumLayers < 1 {
		return invalid("num_hidden_layers must be positive, got %d", c.NumLayers)
	}
	if c.VocabSize < 1 || c.Hidden < 1 {
		return invalid("vocab_size and hidden_size must be positive")
	}
	if c.MaxPositionEmbeddings < 1 {
		return invalid("max_position_embeddings must be positive")
	}
	if c.NumAttentionHeads < 1 || c.Hidden%c.NumAttentionHeads != 0 {
		return invalid("hidden_size %d must be divisible by num_attention_heads %d", c.Hidden, c.NumAttentionHeads)
	}
	if c.HeadDim()%2 != 0 {
		return invalid("head dim %d must be even for rotary embedding", c.HeadDim())
	}
	if c.NumAttentionGroups < 1 || c.NumAttentionHeads%c.NumAttentionGroups != 0 {
		return invalid("num_attention_heads %d must be divisible by num_attention_groups %d", c.NumAttentionHeads, c.NumAttentionGroups)
	}
	if c.PadTokenID >= c.VocabSize {
		return invalid("pad_token_id %d outside vocab of %d", c.PadTokenID, c.VocabSize)
	}

	switch c.AttnImplementation {
	case "", "eager", "sdpa":
	default:
		return invalid("unsupported attn_implementation %q", c.AttnImplementation)
	}

	if c.DynamicValue {
		if c.Hidden != c.HeadDim()*c.NumKVHeads() {
			return invalid("dynamic value requires hidden_size == head_dim * num_kv_heads (num_attention_groups == 1)")
		}
		if c.DynamicValueNumHeads < 1 {
			return invalid("dynamic_value_num_heads must be positive")
		}
		if 2*c.DynamicValueNumHeads > c.NumVKeys() {
			return invalid("dynamic value selects %d keys but only %d exist", 2*c.DynamicValueNumHeads, c.NumVKeys())
		}
	}

	if c.UsesCDMoME() {
		n := c.NumProductKeys()
		if n*n != c.NumCDMoMEExperts {
			return invalid("num_cdmmoe_experts %d must be a perfect square", c.NumCDMoMEExperts)
		}
		if c.PrivateExpertIntermediateSize < 2 || c.PrivateExpertIntermediateSize%2 != 0 {
			return invalid("private_expert_intermediate_size must be even, got %d", c.PrivateExpertIntermediateSize)
		}
		if c.NumCDMoMEHeads < 1 {
			return invalid("num_cdmmoe_heads must be positive")
		}
		if c.NumCDMoMEExpertsPerHead < 1 || c.NumCDMoMEExpertsPerHead > n {
			return invalid("num_cdmmoe_experts_per_head %d must be in [1, %d]", c.NumCDMoMEExpertsPerHead, n)
		}
	}
	if c.SharedExpertIntermediateSize < 1 {
		return invalid("shared_expert_intermediate_size must be positive")
	}

	if _, err := ActivationFn(c.HiddenAct); err != nil {
		return err
	}

	switch c.RoPEType() {
	case RoPEDefault:
	case RoPELinear, RoPEDynamic:
		if c.RoPEScaling.Factor <= 0 {
			return invalid("rope_scaling %s requires a positive factor", c.RoPEType())
		}
	default:
		return invalid("unsupported rope_scaling type %q", c.RoPEType())
	}

	switch c.ProblemType {
	case "", ProblemRegression, ProblemSingleLabel, ProblemMultiLabel:
	default:
		return invalid("unknown problem_type %q", c.ProblemType)
	}

	return nil
}

// PrintInfo prints model configuration
func (c *ModelConfig) PrintInfo() {
	fmt.Println("Model Configuration:")
	fmt.Println("  Type:", ModelType)
	fmt.Println("  Vocabulary:", c.VocabSize)
	fmt.Println("  Hidden size:", c.Hidden)
	fmt.Println("  Layers:", c.NumLayers)
	fmt.Println("  Query heads:", c.NumAttentionHeads)
	fmt.Println("  KV heads:", c.NumKVHeads())
	fmt.Println("  Head dimension:", c.HeadDim())
	fmt.Println("  Max positions:", c.MaxPositionEmbeddings)
	fmt.Println("  RoPE:", c.RoPEType())
	fmt.Println("  Dynamic mask:", c.DynamicMask)
	fmt.Println("  Dynamic value:", c.DynamicValue)
	if c.UsesCDMoME() {
		fmt.Printf("  Experts: %d (%d heads x top-%d)\n", c.NumCDMoMEExperts, c.NumCDMoMEHeads, c.NumCDMoMEExpertsPerHead)
	} else {
		fmt.Println("  Feed-forward: gated MLP", c.SharedExpertIntermediateSize)
	}

	params := c.EstimateParameters()
	if params > 1e9 {
		fmt.Printf("  Parameters: ~%.2fB\n", float64(params)/1e9)
	} else {
		fmt.Printf("  Parameters: ~%.2fM\n", float64(params)/1e6)
	}
}

// EstimateParameters counts the parameters a causal LM with this config holds
func (c *ModelConfig) EstimateParameters() int64 {
	hidden := int64(c.Hidden)
	headDim := int64(c.HeadDim())
	kv := int64(c.NumKVHeads())
	bias := func(n int64) int64 {
		if c.HiddenBias {
			return n
		}
		return 0
	}

	params := int64(c.VocabSize) * hidden
	if c.DynamicMask {
		params += int64(c.NumAttentionHeads) * int64(c.MaxPositionEmbeddings)
	}

	perLayer := int64(0)
	perLayer += hidden*int64(c.NumAttentionHeads)*headDim + bias(int64(c.NumAttentionHeads)*headDim) // q
	perLayer += hidden*kv*headDim + bias(kv*headDim)                                                  // k
	if c.DynamicValue {
		dv := int64(c.DynamicValueNumHeads)
		perLayer += hidden*dv*headDim + bias(dv*headDim) // v queries
		perLayer += dv * int64(c.NumVKeys()) * headDim   // v keys
		perLayer += kv * headDim * kv                    // v embed
	} else {
		perLayer += hidden*kv*headDim + bias(kv*headDim)
	}
	perLayer += hidden*hidden + bias(hidden) // out

	shared := int64(c.SharedExpertIntermediateSize)
	if c.UsesCDMoME() {
		private := int64(c.PrivateExpertIntermediateSize)
		heads := int64(c.NumCDMoMEHeads)
		experts := int64(c.NumCDMoMEExperts)
		perLayer += hidden*shared + bias(shared)
		perLayer += shared*private + bias(private)
		perLayer += private * private * heads
		perLayer += heads * int64(c.NumProductKeys()) * private
		perLayer += experts*private + experts*hidden
	} else {
		perLayer += 2*hidden*shared + bias(2*shared)
		perLayer += shared*hidden + bias(hidden)
	}
	perLayer += 2 * hidden // norms

	params += int64(c.NumLayers) * perLayer
	params += hidden // final norm
	if !c.TieWordEmbeddings {
		params += int64(c.VocabSize) * hidden
	}
	return params
}
