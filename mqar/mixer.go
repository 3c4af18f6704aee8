package mqar

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"doge-go/purego/tensor"
)

// Mixer maps [batch, seq, d_model] to the same shape. Weights are bound
// through Params and filled by InitModel or LoadModel.
type Mixer interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Params(prefix string) []tensor.Param
}

// MixerConfig names a mixer and its keyword arguments
type MixerConfig struct {
	Name   string         `json:"name"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type mixerFactory func(dModel int, kwargs map[string]any) (Mixer, error)

var mixers = map[string]mixerFactory{
	"attention":         newMHAMixer,
	"dynamic_attention": newDMHAMixer,
	"ssd":               newSSDMixer,
	"mlp":               newMLPMixer,
}

// dotted class paths used by exported sweep configs
var mixerAliases = map[string]string{
	"eval_mqar.mixers.mha.MHA":   "attention",
	"eval_mqar.mixers.dmha.DMHA": "dynamic_attention",
	"eval_mqar.mixers.ssd.SSD":   "ssd",
	"eval_mqar.mixers.mlp.MLP":   "mlp",
	"mha":                        "attention",
	"dmha":                       "dynamic_attention",
}

// MixerNames lists the registered mixers
func MixerNames() []string {
	names := make([]string, 0, len(mixers))
	for name := range mixers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMixer builds the named mixer for width dModel. Unknown kwargs are
// ignored and numeric kwargs may be given as strings.
func NewMixer(name string, dModel int, kwargs map[string]any) (Mixer, error) {
	if alias, ok := mixerAliases[name]; ok {
		name = alias
	}
	factory, ok := mixers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown mixer %q (have %s)", name, strings.Join(MixerNames(), ", "))
	}
	if dModel <= 0 {
		return nil, fmt.Errorf("d_model must be positive, got %d", dModel)
	}
	return factory(dModel, kwargs)
}

// decodeKwargs overlays kwargs on the defaults already held by out
func decodeKwargs(kwargs map[string]any, out any) error {
	if len(kwargs) == 0 {
		return nil
	}
	if err := mapstructure.WeakDecode(kwargs, out); err != nil {
		return fmt.Errorf("invalid mixer kwargs: %w", err)
	}
	return nil
}

// headDim checks that heads divide dModel
func headDim(dModel, heads int) (int, error) {
	if heads <= 0 || dModel%heads != 0 {
		return 0, fmt.Errorf("d_model %d is not divisible by %d heads", dModel, heads)
	}
	return dModel / heads, nil
}
