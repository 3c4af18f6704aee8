package mqar

import (
	"encoding/json"
	"fmt"

	"doge-go/purego/tensor"
)

const initializerRange = 0.02

// ModelConfig describes a benchmark language model
type ModelConfig struct {
	DModel                int         `json:"d_model"`
	NLayers               int         `json:"n_layers"`
	MaxPositionEmbeddings int         `json:"max_position_embeddings"`
	VocabSize             int         `json:"vocab_size"`
	SequenceMixer         MixerConfig `json:"sequence_mixer"`
	StateMixer            MixerConfig `json:"state_mixer"`
	LayerNormEps          float32     `json:"layer_norm_epsilon"`
}

// Validate checks the dimensions
func (c *ModelConfig) Validate() error {
	switch {
	case c.DModel <= 0:
		return fmt.Errorf("d_model must be positive, got %d", c.DModel)
	case c.NLayers <= 0:
		return fmt.Errorf("n_layers must be positive, got %d", c.NLayers)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.SequenceMixer.Name == "":
		return fmt.Errorf("sequence_mixer is required")
	}
	return nil
}

func (c *ModelConfig) withDefaults() ModelConfig {
	out := *c
	if out.StateMixer.Name == "" {
		out.StateMixer = MixerConfig{Name: "mlp", Kwargs: map[string]any{"hidden_mult": 4}}
	}
	if out.LayerNormEps == 0 {
		out.LayerNormEps = 1e-5
	}
	return out
}

// TransformerBlock is a pre-norm residual pair of sequence and state mixers
type TransformerBlock struct {
	Norm1         *tensor.LayerNormLayer
	SequenceMixer Mixer
	Norm2         *tensor.LayerNormLayer
	StateMixer    Mixer
}

// Forward returns x + seq(norm1(x)) followed by + state(norm2(·))
func (b *TransformerBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	x = tensor.Add(x, b.SequenceMixer.Forward(b.Norm1.Forward(x)))
	return tensor.Add(x, b.StateMixer.Forward(b.Norm2.Forward(x)))
}

// LanguageModel embeds tokens with learned positions, runs the blocks and
// projects back onto the vocabulary through the tied embedding.
type LanguageModel struct {
	Config ModelConfig

	WordEmbed *tensor.Tensor // [vocab, d_model]
	PosEmbed  *tensor.Tensor // [max_pos, d_model]
	Layers    []*TransformerBlock
	FinalNorm *tensor.LayerNormLayer
}

// NewLanguageModel builds the model structure without weights
func NewLanguageModel(cfg ModelConfig) (*LanguageModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	m := &LanguageModel{
		Config:    cfg,
		Layers:    make([]*TransformerBlock, cfg.NLayers),
		FinalNorm: tensor.NewLayerNormLayer(cfg.DModel, cfg.LayerNormEps),
	}
	for i := range m.Layers {
		seq, err := NewMixer(cfg.SequenceMixer.Name, cfg.DModel, cfg.SequenceMixer.Kwargs)
		if err != nil {
			return nil, fmt.Errorf("layer %d sequence mixer: %w", i, err)
		}
		state, err := NewMixer(cfg.StateMixer.Name, cfg.DModel, cfg.StateMixer.Kwargs)
		if err != nil {
			return nil, fmt.Errorf("layer %d state mixer: %w", i, err)
		}
		m.Layers[i] = &TransformerBlock{
			Norm1:         tensor.NewLayerNormLayer(cfg.DModel, cfg.LayerNormEps),
			SequenceMixer: seq,
			Norm2:         tensor.NewLayerNormLayer(cfg.DModel, cfg.LayerNormEps),
			StateMixer:    state,
		}
	}
	return m, nil
}

func layerNormParams(name string, ln *tensor.LayerNormLayer, hidden int) []tensor.Param {
	return []tensor.Param{
		{Name: name + ".weight", Target: &ln.Weight, Shape: []int{hidden}, Init: tensor.InitOnes},
		{Name: name + ".bias", Target: &ln.Bias, Shape: []int{hidden}, Init: tensor.InitZeros},
	}
}

// Params lists every parameter in checkpoint order
func (m *LanguageModel) Params() []tensor.Param {
	d := m.Config.DModel
	params := []tensor.Param{
		{Name: "backbone.embeddings.word_embeddings.weight", Target: &m.WordEmbed, Shape: []int{m.Config.VocabSize, d}, Init: tensor.InitEmbedding},
		{Name: "backbone.embeddings.position_embeddings.weight", Target: &m.PosEmbed, Shape: []int{m.Config.MaxPositionEmbeddings, d}, Init: tensor.InitEmbedding},
	}
	for i, layer := range m.Layers {
		prefix := fmt.Sprintf("backbone.layers.%d", i)
		params = append(params, layerNormParams(prefix+".norm1", layer.Norm1, d)...)
		params = append(params, layer.SequenceMixer.Params(prefix+".sequence_mixer")...)
		params = append(params, layerNormParams(prefix+".norm2", layer.Norm2, d)...)
		params = append(params, layer.StateMixer.Params(prefix+".state_mixer")...)
	}
	return append(params, layerNormParams("backbone.ln_f", m.FinalNorm, d)...)
}

// NumParams counts the elements of every parameter
func (m *LanguageModel) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += p.Numel()
	}
	return n
}

// InitModel builds a model with seeded normal(0, 0.02) weights
func InitModel(cfg ModelConfig, seed uint64) (*LanguageModel, error) {
	m, err := NewLanguageModel(cfg)
	if err != nil {
		return nil, err
	}
	tensor.InitWeights(m.Params(), initializerRange, -1, seed)
	return m, nil
}

const configMetadataKey = "mqar_config"

// SaveModel writes the weights as F32 safetensors with the config in the
// header metadata
func SaveModel(m *LanguageModel, path string) error {
	raw, err := json.Marshal(m.Config)
	if err != nil {
		return err
	}
	return tensor.WriteSafetensors(path, tensor.CollectTensors(m.Params()), tensor.DtypeF32,
		map[string]string{configMetadataKey: string(raw)})
}

// LoadModel reads a checkpoint written by SaveModel. A nil cfg uses the
// config stored in the file.
func LoadModel(path string, cfg *ModelConfig) (*LanguageModel, error) {
	f, err := tensor.ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		raw, ok := f.Metadata[configMetadataKey]
		if !ok {
			return nil, fmt.Errorf("%s carries no model config", path)
		}
		cfg = &ModelConfig{}
		if err := json.Unmarshal([]byte(raw), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse model config in %s: %w", path, err)
		}
	}

	m, err := NewLanguageModel(*cfg)
	if err != nil {
		return nil, err
	}
	if err := tensor.LoadParams(f, m.Params()); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return m, nil
}

// Forward returns logits [batch, seq, vocab] for a rectangular batch of ids
func (m *LanguageModel) Forward(ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, fmt.Errorf("%w: empty input ids", tensor.ErrInvalidInput)
	}
	batch, seqLen, d := len(ids), len(ids[0]), m.Config.DModel
	if seqLen > m.Config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("%w: %d tokens exceed %d positions", tensor.ErrInvalidInput, seqLen, m.Config.MaxPositionEmbeddings)
	}

	x := tensor.NewTensor(batch, seqLen, d)
	for b, row := range ids {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: row %d has %d ids, expected %d", tensor.ErrInvalidInput, b, len(row), seqLen)
		}
		for s, id := range row {
			if id < 0 || id >= m.Config.VocabSize {
				return nil, fmt.Errorf("%w: token id %d outside vocab of %d", tensor.ErrInvalidInput, id, m.Config.VocabSize)
			}
			dst := x.Data[(b*seqLen+s)*d : (b*seqLen+s+1)*d]
			word := m.WordEmbed.Data[id*d : (id+1)*d]
			pos := m.PosEmbed.Data[s*d : (s+1)*d]
			for i := range dst {
				dst[i] = word[i] + pos[i]
			}
		}
	}

	for _, layer := range m.Layers {
		x = layer.Forward(x)
	}
	x = m.FinalNorm.Forward(x)
	return tensor.Linear(x, m.WordEmbed, nil), nil
}
