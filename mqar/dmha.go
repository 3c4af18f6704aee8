package mqar

import (
	"fmt"

	"doge-go/purego/tensor"
)

// DMHA is causal attention whose values are retrieved rather than
// projected: a small query scores NumVKeys keys and the best TopK value
// embeddings gate the input token. Checkpoints are trained with TopK 1;
// the dynamic_value_num_heads kwarg of the sweep configs is accepted and
// ignored.
type DMHA struct {
	DModel   int
	NumHeads int
	NumVKeys int
	TopK     int

	QProj, QBias     *tensor.Tensor
	KProj, KBias     *tensor.Tensor
	VQueries, VQBias *tensor.Tensor
	VKeys            *tensor.Tensor // [num_v, head_dim]
	VEmbed           *tensor.Tensor // [num_v, d_model]
	OutProj, OutBias *tensor.Tensor
}

type dmhaKwargs struct {
	NumHeads int `mapstructure:"num_heads"`
	NumV     int `mapstructure:"num_v"`
}

func newDMHAMixer(dModel int, kwargs map[string]any) (Mixer, error) {
	args := dmhaKwargs{NumHeads: 1, NumV: 4}
	if err := decodeKwargs(kwargs, &args); err != nil {
		return nil, err
	}
	if _, err := headDim(dModel, args.NumHeads); err != nil {
		return nil, err
	}
	if args.NumV <= 0 {
		return nil, fmt.Errorf("num_v must be positive, got %d", args.NumV)
	}
	return &DMHA{
		DModel:   dModel,
		NumHeads: args.NumHeads,
		NumVKeys: args.NumV,
		TopK:     1,
	}, nil
}

func (m *DMHA) headDim() int {
	return m.DModel / m.NumHeads
}

// Params lists the projections and the value retrieval tables
func (m *DMHA) Params(prefix string) []tensor.Param {
	d, hd := m.DModel, m.headDim()
	var params []tensor.Param
	params = append(params, tensor.LinearParams(prefix+".Q_proj", &m.QProj, &m.QBias, d, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".K_proj", &m.KProj, &m.KBias, d, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".V_queries", &m.VQueries, &m.VQBias, hd, d, true)...)
	params = append(params,
		tensor.Param{Name: prefix + ".V_keys", Target: &m.VKeys, Shape: []int{m.NumVKeys, hd}, Init: tensor.InitZeros},
		tensor.Param{Name: prefix + ".V_embed.weight", Target: &m.VEmbed, Shape: []int{m.NumVKeys, d}, Init: tensor.InitNormal},
	)
	params = append(params, tensor.LinearParams(prefix+".out_proj", &m.OutProj, &m.OutBias, d, d, true)...)
	return params
}

// ValueStates returns x ⊙ Σ V_embed[topk(V_queries(x)·V_keysᵀ)]
func (m *DMHA) ValueStates(x *tensor.Tensor) *tensor.Tensor {
	vq := tensor.Linear(x, m.VQueries, m.VQBias)
	keys := m.VKeys.Reshape(1, m.NumVKeys, m.headDim())
	return tensor.DynamicValue(x, vq, keys, m.VEmbed, m.TopK)
}

// Forward applies causal attention to x [batch, seq, d_model]
func (m *DMHA) Forward(x *tensor.Tensor) *tensor.Tensor {
	q := tensor.SplitHeads(tensor.Linear(x, m.QProj, m.QBias), m.NumHeads)
	k := tensor.SplitHeads(tensor.Linear(x, m.KProj, m.KBias), m.NumHeads)
	v := tensor.SplitHeads(m.ValueStates(x), m.NumHeads)
	out := tensor.MergeHeads(tensor.Attend(q, k, v, nil))
	return tensor.Linear(out, m.OutProj, m.OutBias)
}
