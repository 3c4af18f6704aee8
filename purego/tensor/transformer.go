package tensor

// FeedForward is the per-token mixing half of a decoder layer
type FeedForward interface {
	Forward(x *Tensor) *Tensor
}

// GateMLP implements down(up(x) * act(gate(x)))
type GateMLP struct {
	GateProj *Tensor // [intermediate, hidden]
	GateBias *Tensor
	UpProj   *Tensor // [intermediate, hidden]
	UpBias   *Tensor
	DownProj *Tensor // [hidden, intermediate]
	DownBias *Tensor
	Act      Activation
}

// NewGateMLP allocates a zeroed gated MLP
func NewGateMLP(config *ModelConfig) (*GateMLP, error) {
	act, err := ActivationFn(config.HiddenAct)
	if err != nil {
		return nil, err
	}
	inter := config.SharedExpertIntermediateSize
	mlp := &GateMLP{
		GateProj: NewTensor(inter, config.Hidden),
		UpProj:   NewTensor(inter, config.Hidden),
		DownProj: NewTensor(config.Hidden, inter),
		Act:      act,
	}
	if config.HiddenBias {
		mlp.GateBias = NewTensor(inter)
		mlp.UpBias = NewTensor(inter)
		mlp.DownBias = NewTensor(config.Hidden)
	}
	return mlp, nil
}

// Forward applies the gated MLP
func (mlp *GateMLP) Forward(x *Tensor) *Tensor {
	gate := Apply(Linear(x, mlp.GateProj, mlp.GateBias), mlp.Act)
	up := Linear(x, mlp.UpProj, mlp.UpBias)
	return Linear(Mul(up, gate), mlp.DownProj, mlp.DownBias)
}

// DogeDecoderLayer is one pre-norm attention + feed-forward block
type DogeDecoderLayer struct {
	Index       int
	InAttnNorm  *RMSNormLayer
	Attn        *DogeAttention
	InFFNNorm   *RMSNormLayer
	FeedForward FeedForward
}

// NewDogeDecoderLayer allocates a decoder layer. The feed-forward half is a
// CDMoME when the config has experts and a GateMLP otherwise.
func NewDogeDecoderLayer(config *ModelConfig, index int) (*DogeDecoderLayer, error) {
	layer := &DogeDecoderLayer{
		Index:      index,
		InAttnNorm: NewRMSNormLayer(config.Hidden, config.RMSNormEps),
		Attn:       NewDogeAttention(config),
		InFFNNorm:  NewRMSNormLayer(config.Hidden, config.RMSNormEps),
	}
	var err error
	if config.UsesCDMoME() {
		layer.FeedForward, err = NewCDMoME(config)
	} else {
		layer.FeedForward, err = NewGateMLP(config)
	}
	if err != nil {
		return nil, err
	}
	return layer, nil
}

// Forward applies the layer with residual connections
func (layer *DogeDecoderLayer) Forward(x, mask, cos, sin *Tensor, cache *KVCache) *Tensor {
	residual := x
	x = layer.InAttnNorm.Forward(x)
	x = layer.Attn.Forward(x, mask, cos, sin, cache, layer.Index)
	x = Add(residual, x)

	residual = x
	x = layer.InFFNNorm.Forward(x)
	x = layer.FeedForward.Forward(x)
	return Add(residual, x)
}
