package mqar

import (
	"doge-go/purego/tensor"
)

// MHA is causal multi-head softmax attention
type MHA struct {
	DModel   int
	NumHeads int

	QProj, QBias     *tensor.Tensor
	KProj, KBias     *tensor.Tensor
	VProj, VBias     *tensor.Tensor
	OutProj, OutBias *tensor.Tensor
}

type mhaKwargs struct {
	NumHeads int `mapstructure:"num_heads"`
}

func newMHAMixer(dModel int, kwargs map[string]any) (Mixer, error) {
	args := mhaKwargs{NumHeads: 4}
	if err := decodeKwargs(kwargs, &args); err != nil {
		return nil, err
	}
	if _, err := headDim(dModel, args.NumHeads); err != nil {
		return nil, err
	}
	return &MHA{DModel: dModel, NumHeads: args.NumHeads}, nil
}

// Params lists the four projections, each with a bias
func (m *MHA) Params(prefix string) []tensor.Param {
	d := m.DModel
	var params []tensor.Param
	params = append(params, tensor.LinearParams(prefix+".q_proj", &m.QProj, &m.QBias, d, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".k_proj", &m.KProj, &m.KBias, d, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".v_proj", &m.VProj, &m.VBias, d, d, true)...)
	params = append(params, tensor.LinearParams(prefix+".out_proj", &m.OutProj, &m.OutBias, d, d, true)...)
	return params
}

// Forward applies causal attention to x [batch, seq, d_model]
func (m *MHA) Forward(x *tensor.Tensor) *tensor.Tensor {
	q := tensor.SplitHeads(tensor.Linear(x, m.QProj, m.QBias), m.NumHeads)
	k := tensor.SplitHeads(tensor.Linear(x, m.KProj, m.KBias), m.NumHeads)
	v := tensor.SplitHeads(tensor.Linear(x, m.VProj, m.VBias), m.NumHeads)
	out := tensor.MergeHeads(tensor.Attend(q, k, v, nil))
	return tensor.Linear(out, m.OutProj, m.OutBias)
}
