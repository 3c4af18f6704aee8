package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// WeightMapping defines how to map safetensors keys to model components
type WeightMapping struct {
	// Embedding keys
	TokenEmbeddingKey string // "model.word_embed.word_embeddings.weight"
	DynamicMaskKey    string // "model.dynamic_mask"
	LMHeadKey         string // "lm_head.weight" (skipped when tied)
	ClassifierKey     string // "classifier" (.weight and .bias appended)

	// Layer key templates (use {layer} as placeholder)
	LayerPrefix string // "model.layers.{layer}"
	AttnNormKey string
	FFNNormKey  string

	// Linear keys get .weight and .bias appended
	AttentionQKey   string
	AttentionKKey   string
	AttentionVKey   string
	AttentionOutKey string
	VQueriesKey     string
	VKeysKey        string
	VEmbedKey       string

	SharedUpKey   string
	SharedDownKey string
	QueriesKey    string
	KeysKey       string
	UpEmbedKey    string
	DownEmbedKey  string

	GateProjKey string
	UpProjKey   string
	DownProjKey string

	// Final norm keys
	FinalNormKey string
}

// DogeWeightMapping returns the key layout of HF Doge checkpoints
func DogeWeightMapping() *WeightMapping {
	return &WeightMapping{
		TokenEmbeddingKey: "model.word_embed.word_embeddings.weight",
		DynamicMaskKey:    "model.dynamic_mask",
		LMHeadKey:         "lm_head.weight",
		ClassifierKey:     "classifier",

		LayerPrefix: "model.layers.{layer}",
		AttnNormKey: ".in_attn_layernorm.weight",
		FFNNormKey:  ".in_ffn_layernorm.weight",

		AttentionQKey:   ".attn.q_proj",
		AttentionKKey:   ".attn.k_proj",
		AttentionVKey:   ".attn.v_proj",
		AttentionOutKey: ".attn.out_proj",
		VQueriesKey:     ".attn.v_queries.0",
		VKeysKey:        ".attn.v_keys",
		VEmbedKey:       ".attn.v_embed.weight",

		SharedUpKey:   ".feed_forward.shared_up_proj",
		SharedDownKey: ".feed_forward.shared_down_proj",
		QueriesKey:    ".feed_forward.queries.0",
		KeysKey:       ".feed_forward.keys",
		UpEmbedKey:    ".feed_forward.up_embed.weight",
		DownEmbedKey:  ".feed_forward.down_embed.weight",

		GateProjKey: ".feed_forward.gate_proj",
		UpProjKey:   ".feed_forward.up_proj",
		DownProjKey: ".feed_forward.down_proj",

		FinalNormKey: "model.final_layernorm.weight",
	}
}

func (wm *WeightMapping) layerKey(layer int, suffix string) string {
	return strings.ReplaceAll(wm.LayerPrefix, "{layer}", strconv.Itoa(layer)) + suffix
}

// ParamInit selects how InitWeights fills a parameter
type ParamInit int

const (
	InitNormal    ParamInit = iota // normal(0, initializer_range)
	InitEmbedding                  // normal with the pad row zeroed
	InitZeros
	InitOnes
	InitCustom // Fill decides
)

// Param binds a checkpoint key to a model field
type Param struct {
	Name     string
	Target   **Tensor
	Shape    []int
	Init     ParamInit
	Fill     func(t *Tensor)
	Optional bool
}

// Numel is the element count of the parameter
func (p Param) Numel() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// LinearParams lists the weight [out, in] and optional bias of a projection
func LinearParams(name string, weight, bias **Tensor, out, in int, withBias bool) []Param {
	params := []Param{{Name: name + ".weight", Target: weight, Shape: []int{out, in}, Init: InitNormal}}
	if withBias {
		params = append(params, Param{Name: name + ".bias", Target: bias, Shape: []int{out}, Init: InitZeros})
	}
	return params
}

// Params lists every parameter of the decoder stack in checkpoint order
func (m *DogeModel) Params(wm *WeightMapping) []Param {
	c := m.Config
	bias := c.HiddenBias
	params := []Param{{
		Name: wm.TokenEmbeddingKey, Target: &m.WordEmbed,
		Shape: []int{c.VocabSize, c.Hidden}, Init: InitEmbedding,
	}}
	if m.DynamicMask != nil {
		params = append(params, Param{
			Name: wm.DynamicMaskKey, Target: &m.DynamicMask,
			Shape: []int{c.NumAttentionHeads, c.MaxPositionEmbeddings}, Init: InitOnes,
		})
	}

	for i, layer := range m.Layers {
		key := func(suffix string) string { return wm.layerKey(i, suffix) }
		a := layer.Attn
		hd := a.HeadDim

		params = append(params, Param{Name: key(wm.AttnNormKey), Target: &layer.InAttnNorm.Weight, Shape: []int{c.Hidden}, Init: InitOnes})
		params = append(params, LinearParams(key(wm.AttentionQKey), &a.QProj, &a.QBias, a.NumHeads*hd, c.Hidden, bias)...)
		params = append(params, LinearParams(key(wm.AttentionKKey), &a.KProj, &a.KBias, a.NumKVHeads*hd, c.Hidden, bias)...)
		if a.DynamicValue {
			params = append(params, LinearParams(key(wm.VQueriesKey), &a.VQueries, &a.VQueriesBias, a.DynamicValueNumHeads*hd, c.Hidden, bias)...)
			params = append(params,
				Param{Name: key(wm.VKeysKey), Target: &a.VKeys, Shape: []int{a.DynamicValueNumHeads, a.NumVKeys, hd}, Init: InitZeros},
				Param{Name: key(wm.VEmbedKey), Target: &a.VEmbed, Shape: []int{a.NumKVHeads, hd * a.NumKVHeads}, Init: InitNormal},
			)
		} else {
			params = append(params, LinearParams(key(wm.AttentionVKey), &a.VProj, &a.VBias, a.NumKVHeads*hd, c.Hidden, bias)...)
		}
		params = append(params, LinearParams(key(wm.AttentionOutKey), &a.OutProj, &a.OutBias, c.Hidden, c.Hidden, bias)...)

		params = append(params, Param{Name: key(wm.FFNNormKey), Target: &layer.InFFNNorm.Weight, Shape: []int{c.Hidden}, Init: InitOnes})
		switch ff := layer.FeedForward.(type) {
		case *CDMoME:
			params = append(params, LinearParams(key(wm.SharedUpKey), &ff.SharedUp, &ff.SharedUpBias, ff.SharedDim, c.Hidden, bias)...)
			params = append(params, LinearParams(key(wm.SharedDownKey), &ff.SharedDown, &ff.SharedDownBias, ff.PrivateDim, ff.SharedDim, bias)...)
			params = append(params, LinearParams(key(wm.QueriesKey), &ff.Queries, nil, ff.PrivateDim*ff.NumHeads, ff.PrivateDim, false)...)
			params = append(params,
				Param{Name: key(wm.KeysKey), Target: &ff.Keys, Shape: []int{ff.NumHeads, ff.NumProductKeys, 2, ff.PrivateDim / 2}, Init: InitZeros},
				Param{Name: key(wm.UpEmbedKey), Target: &ff.UpEmbed, Shape: []int{ff.NumExperts, ff.PrivateDim}, Init: InitNormal},
				Param{Name: key(wm.DownEmbedKey), Target: &ff.DownEmbed, Shape: []int{ff.NumExperts, c.Hidden}, Init: InitNormal},
			)
		case *GateMLP:
			inter := c.SharedExpertIntermediateSize
			params = append(params, LinearParams(key(wm.GateProjKey), &ff.GateProj, &ff.GateBias, inter, c.Hidden, bias)...)
			params = append(params, LinearParams(key(wm.UpProjKey), &ff.UpProj, &ff.UpBias, inter, c.Hidden, bias)...)
			params = append(params, LinearParams(key(wm.DownProjKey), &ff.DownProj, &ff.DownBias, c.Hidden, inter, bias)...)
		}
	}

	params = append(params, Param{Name: wm.FinalNormKey, Target: &m.FinalNorm.Weight, Shape: []int{c.Hidden}, Init: InitOnes})
	return params
}

// Params lists the decoder parameters plus the untied LM head
func (lm *DogeForCausalLM) Params(wm *WeightMapping) []Param {
	params := lm.Model.Params(wm)
	if !lm.Config.TieWordEmbeddings {
		params = append(params, Param{
			Name: wm.LMHeadKey, Target: &lm.LMHead,
			Shape: []int{lm.Config.VocabSize, lm.Config.Hidden}, Init: InitNormal,
		})
	}
	return params
}

// Params lists the decoder parameters plus the classification head
func (c *DogeForSequenceClassification) Params(wm *WeightMapping) []Param {
	params := c.Model.Params(wm)
	return append(params, LinearParams(wm.ClassifierKey, &c.Classifier, &c.ClassifierBias, c.Config.NumLabels, c.Config.Hidden, true)...)
}

// TensorSource resolves checkpoint tensors by name
type TensorSource interface {
	Tensor(name string) (*Tensor, error)
}

// LoadParams fills every param from src. Missing required tensors return
// ErrTensorNotFound; tensors of the wrong shape return ErrShapeMismatch.
func LoadParams(src TensorSource, params []Param) error {
	for _, p := range params {
		t, err := src.Tensor(p.Name)
		if err != nil {
			if p.Optional {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
		if !equalShape(t.Shape, p.Shape) {
			return fmt.Errorf("%w: %s has shape %v, expected %v", ErrShapeMismatch, p.Name, t.Shape, p.Shape)
		}
		*p.Target = t
	}
	return nil
}

// CollectTensors returns the current value of every param keyed by name
func CollectTensors(params []Param) map[string]*Tensor {
	tensors := make(map[string]*Tensor, len(params))
	for _, p := range params {
		if *p.Target != nil {
			tensors[p.Name] = *p.Target
		}
	}
	return tensors
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
