package mqar

import (
	"fmt"

	"doge-go/purego/tensor"
)

// MLP is the position-wise state mixer: up projection, SiLU, down projection
type MLP struct {
	DModel     int
	HiddenMult int

	UpProj, UpBias     *tensor.Tensor
	DownProj, DownBias *tensor.Tensor
}

type mlpKwargs struct {
	HiddenMult int `mapstructure:"hidden_mult"`
}

func newMLPMixer(dModel int, kwargs map[string]any) (Mixer, error) {
	args := mlpKwargs{HiddenMult: 4}
	if err := decodeKwargs(kwargs, &args); err != nil {
		return nil, err
	}
	if args.HiddenMult <= 0 {
		return nil, fmt.Errorf("hidden_mult must be positive, got %d", args.HiddenMult)
	}
	return &MLP{DModel: dModel, HiddenMult: args.HiddenMult}, nil
}

// Params lists both projections with biases
func (m *MLP) Params(prefix string) []tensor.Param {
	d, hidden := m.DModel, m.DModel*m.HiddenMult
	params := tensor.LinearParams(prefix+".up_proj", &m.UpProj, &m.UpBias, hidden, d, true)
	return append(params, tensor.LinearParams(prefix+".down_proj", &m.DownProj, &m.DownBias, d, hidden, true)...)
}

// Forward applies the MLP to every position
func (m *MLP) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(tensor.SiLU(tensor.Linear(x, m.UpProj, m.UpBias)), m.DownProj, m.DownBias)
}
