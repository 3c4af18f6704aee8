package tensor

import (
	"fmt"
)

// ForwardInput is the batch passed to DogeModel.Forward.
// Exactly one of InputIDs and InputsEmbeds must be set.
type ForwardInput struct {
	InputIDs           [][]int
	InputsEmbeds       *Tensor // [batch, seq, hidden]
	AttentionMask      [][]float32
	PositionIDs        [][]int
	Cache              *KVCache
	CachePosition      []int
	OutputHiddenStates bool
}

// ForwardOutput holds the final hidden states of a forward pass
type ForwardOutput struct {
	LastHiddenState *Tensor // [batch, seq, hidden]
	Cache           *KVCache
	// HiddenStates holds the input to every layer followed by the final
	// normalized output when requested.
	HiddenStates []*Tensor
}

// DogeModel is the decoder stack without an output head
type DogeModel struct {
	Config *ModelConfig

	WordEmbed   *Tensor // [vocab_size, hidden]
	DynamicMask *Tensor // [num_heads, max_position_embeddings], nil when disabled
	Rotary      *RotaryEmbedding
	Layers      []*DogeDecoderLayer
	FinalNorm   *RMSNormLayer
}

// NewDogeModel allocates a model with zero weights, unit norms and an
// all-ones dynamic mask.
func NewDogeModel(config *ModelConfig) (*DogeModel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &DogeModel{
		Config:    config,
		WordEmbed: NewTensor(config.VocabSize, config.Hidden),
		Rotary:    NewRotaryEmbedding(config),
		Layers:    make([]*DogeDecoderLayer, config.NumLayers),
		FinalNorm: NewRMSNormLayer(config.Hidden, config.RMSNormEps),
	}
	if config.DynamicMask {
		m.DynamicMask = Full(1, config.NumAttentionHeads, config.MaxPositionEmbeddings)
	}
	for i := range m.Layers {
		layer, err := NewDogeDecoderLayer(config, i)
		if err != nil {
			return nil, fmt.Errorf("failed to create layer %d: %w", i, err)
		}
		m.Layers[i] = layer
	}
	return m, nil
}

// NewCache returns an empty cache sized for this model
func (m *DogeModel) NewCache() *KVCache {
	return NewKVCache(len(m.Layers))
}

// Embed looks up token embeddings for a rectangular batch of ids
func (m *DogeModel) Embed(ids [][]int) (*Tensor, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, fmt.Errorf("%w: empty input ids", ErrInvalidInput)
	}
	batch, seqLen, hidden := len(ids), len(ids[0]), m.Config.Hidden
	out := NewTensor(batch, seqLen, hidden)
	for b, row := range ids {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: row %d has %d ids, expected %d", ErrInvalidInput, b, len(row), seqLen)
		}
		for s, id := range row {
			if id < 0 || id >= m.Config.VocabSize {
				return nil, fmt.Errorf("%w: token id %d outside vocab of %d", ErrInvalidInput, id, m.Config.VocabSize)
			}
			copy(out.Data[(b*seqLen+s)*hidden:(b*seqLen+s+1)*hidden], m.WordEmbed.Data[id*hidden:(id+1)*hidden])
		}
	}
	return out, nil
}

// Forward runs the embedding, every decoder layer and the final norm
func (m *DogeModel) Forward(in ForwardInput) (*ForwardOutput, error) {
	if (in.InputIDs == nil) == (in.InputsEmbeds == nil) {
		return nil, fmt.Errorf("%w: specify exactly one of input ids or inputs embeds", ErrInvalidInput)
	}

	x := in.InputsEmbeds
	if in.InputIDs != nil {
		var err error
		if x, err = m.Embed(in.InputIDs); err != nil {
			return nil, err
		}
	} else if len(x.Shape) != 3 || x.Shape[2] != m.Config.Hidden {
		return nil, fmt.Errorf("%w: inputs embeds shape %v, expected [batch, seq, %d]", ErrShapeMismatch, x.Shape, m.Config.Hidden)
	}
	batch, seqLen := x.Shape[0], x.Shape[1]
	if batch == 0 || seqLen == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}

	past := in.Cache.SeqLen()
	cachePosition := in.CachePosition
	if cachePosition == nil {
		cachePosition = make([]int, seqLen)
		for i := range cachePosition {
			cachePosition[i] = past + i
		}
	}
	if len(cachePosition) != seqLen {
		return nil, fmt.Errorf("%w: %d cache positions for %d tokens", ErrInvalidInput, len(cachePosition), seqLen)
	}

	positionIDs := in.PositionIDs
	if positionIDs == nil {
		positionIDs = make([][]int, batch)
		for b := range positionIDs {
			positionIDs[b] = cachePosition
		}
	}
	if len(positionIDs) != batch {
		return nil, fmt.Errorf("%w: %d position rows for batch %d", ErrInvalidInput, len(positionIDs), batch)
	}
	for b, row := range positionIDs {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: position row %d has %d entries, expected %d", ErrInvalidInput, b, len(row), seqLen)
		}
	}

	targetLen := past + seqLen + 1
	if in.AttentionMask != nil {
		if len(in.AttentionMask) != batch {
			return nil, fmt.Errorf("%w: %d attention mask rows for batch %d", ErrInvalidInput, len(in.AttentionMask), batch)
		}
		targetLen = len(in.AttentionMask[0])
		for b, row := range in.AttentionMask {
			if len(row) != targetLen {
				return nil, fmt.Errorf("%w: attention mask row %d has length %d, expected %d", ErrInvalidInput, b, len(row), targetLen)
			}
		}
		if targetLen < past+seqLen {
			return nil, fmt.Errorf("%w: attention mask covers %d positions, need %d", ErrInvalidInput, targetLen, past+seqLen)
		}
	}

	mask := BuildCausalMask(in.AttentionMask, m.DynamicMask, batch, seqLen, targetLen, cachePosition)
	cos, sin := m.Rotary.CosSin(positionIDs)

	out := &ForwardOutput{Cache: in.Cache}
	for _, layer := range m.Layers {
		if in.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, x)
		}
		x = layer.Forward(x, mask, cos, sin, in.Cache)
	}
	x = m.FinalNorm.Forward(x)
	if in.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, x)
	}
	out.LastHiddenState = x
	return out, nil
}
