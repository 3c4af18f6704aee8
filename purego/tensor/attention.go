package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// DogeAttention is causal self-attention whose values may be retrieved from
// a small embedding bank instead of projected.
type DogeAttention struct {
	NumHeads             int
	NumKVHeads           int
	NumGroups            int
	HeadDim              int
	Hidden               int
	DynamicValue         bool
	DynamicValueNumHeads int
	NumVKeys             int

	// PyTorch layout [out, in]
	QProj   *Tensor
	QBias   *Tensor
	KProj   *Tensor
	KBias   *Tensor
	VProj   *Tensor
	VBias   *Tensor
	OutProj *Tensor
	OutBias *Tensor

	// Dynamic value retrieval
	VQueries     *Tensor // [dv_heads*head_dim, hidden]
	VQueriesBias *Tensor
	VKeys        *Tensor // [dv_heads, num_v_keys, head_dim]
	VEmbed       *Tensor // [num_kv_heads, head_dim*num_kv_heads]
}

// NewDogeAttention allocates zeroed attention weights for a config
func NewDogeAttention(config *ModelConfig) *DogeAttention {
	headDim := config.HeadDim()
	kv := config.NumKVHeads()
	a := &DogeAttention{
		NumHeads:             config.NumAttentionHeads,
		NumKVHeads:           kv,
		NumGroups:            config.NumAttentionGroups,
		HeadDim:              headDim,
		Hidden:               config.Hidden,
		DynamicValue:         config.DynamicValue,
		DynamicValueNumHeads: config.DynamicValueNumHeads,
		NumVKeys:             config.NumVKeys(),
	}

	a.QProj = NewTensor(config.NumAttentionHeads*headDim, config.Hidden)
	a.KProj = NewTensor(kv*headDim, config.Hidden)
	a.OutProj = NewTensor(config.Hidden, config.Hidden)
	if config.HiddenBias {
		a.QBias = NewTensor(config.NumAttentionHeads * headDim)
		a.KBias = NewTensor(kv * headDim)
		a.OutBias = NewTensor(config.Hidden)
	}

	if a.DynamicValue {
		a.VQueries = NewTensor(a.DynamicValueNumHeads*headDim, config.Hidden)
		if config.HiddenBias {
			a.VQueriesBias = NewTensor(a.DynamicValueNumHeads * headDim)
		}
		a.VKeys = NewTensor(a.DynamicValueNumHeads, a.NumVKeys, headDim)
		a.VEmbed = NewTensor(kv, headDim*kv)
	} else {
		a.VProj = NewTensor(kv*headDim, config.Hidden)
		if config.HiddenBias {
			a.VBias = NewTensor(kv * headDim)
		}
	}
	return a
}

// ComputeValueStates retrieves value states for x [batch, seq, hidden]
func (a *DogeAttention) ComputeValueStates(x *Tensor) *Tensor {
	vq := Linear(x, a.VQueries, a.VQueriesBias)
	return DynamicValue(x, vq, a.VKeys, a.VEmbed, 2*a.DynamicValueNumHeads)
}

// DynamicValue scales each token by the sum of retrieved embedding rows.
//
// For every token and retrieval head h, the head's query vq[h] scores the
// keys vKeys[h], the topK best keys index rows of vEmbed, and the token's
// value is x ⊙ Σ vEmbed[index]. topK is clamped to the number of keys.
func DynamicValue(x, vq, vKeys, vEmbed *Tensor, topK int) *Tensor {
	heads, numKeys, headDim := vKeys.Shape[0], vKeys.Shape[1], vKeys.Shape[2]
	width := x.Shape[len(x.Shape)-1]
	if vEmbed.Shape[1] != width {
		panic(fmt.Sprintf("value embedding width %d does not match hidden %d", vEmbed.Shape[1], width))
	}
	if topK > numKeys {
		topK = numKeys
	}

	result := NewTensor(x.Shape...)
	acc := make([]float32, width)
	sim := make([]float32, numKeys)
	for r := 0; r < x.Rows(); r++ {
		q := vq.Row(r)
		for i := range acc {
			acc[i] = 0
		}
		for h := 0; h < heads; h++ {
			qh := q[h*headDim : (h+1)*headDim]
			for k := 0; k < numKeys; k++ {
				off := (h*numKeys + k) * headDim
				sim[k] = Dot(qh, vKeys.Data[off:off+headDim])
			}
			_, idx := TopK(sim, topK)
			for _, e := range idx {
				row := vEmbed.Data[e*width : (e+1)*width]
				for d := range acc {
					acc[d] += row[d]
				}
			}
		}
		src := x.Row(r)
		dst := result.Row(r)
		for d := range dst {
			dst[d] = src[d] * acc[d]
		}
	}
	return result
}

// Forward runs attention on x [batch, seq, hidden].
//
// mask is the additive mask from BuildCausalMask and is sliced to the key
// length; a nil mask applies plain causal masking. cache may be nil.
func (a *DogeAttention) Forward(x, mask, cos, sin *Tensor, cache *KVCache, layerIdx int) *Tensor {
	batch, seqLen := x.Shape[0], x.Shape[1]

	q := Linear(x, a.QProj, a.QBias)
	k := Linear(x, a.KProj, a.KBias)
	var v *Tensor
	if a.DynamicValue {
		v = a.ComputeValueStates(x)
	} else {
		v = Linear(x, a.VProj, a.VBias)
	}

	q = SplitHeads(q, a.NumHeads)
	k = SplitHeads(k, a.NumKVHeads)
	v = SplitHeads(v, a.NumKVHeads)

	ApplyRoPE(q, k, cos, sin)

	if cache != nil {
		k, v = cache.Update(layerIdx, k, v)
	}

	out := Attend(q, k, v, mask)
	out = MergeHeads(out)
	if out.Shape[0] != batch || out.Shape[1] != seqLen {
		panic("attention output shape mismatch")
	}
	return Linear(out, a.OutProj, a.OutBias)
}

// SplitHeads reshapes [batch, seq, heads*head_dim] into [batch, heads, seq, head_dim]
func SplitHeads(x *Tensor, numHeads int) *Tensor {
	batch, seqLen, width := x.Shape[0], x.Shape[1], x.Shape[2]
	headDim := width / numHeads
	result := NewTensor(batch, numHeads, seqLen, headDim)

	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			for h := 0; h < numHeads; h++ {
				src := (b*seqLen+s)*width + h*headDim
				dst := ((b*numHeads+h)*seqLen + s) * headDim
				copy(result.Data[dst:dst+headDim], x.Data[src:src+headDim])
			}
		}
	}
	return result
}

// MergeHeads reshapes [batch, heads, seq, head_dim] into [batch, seq, heads*head_dim]
func MergeHeads(x *Tensor) *Tensor {
	batch, numHeads, seqLen, headDim := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	width := numHeads * headDim
	result := NewTensor(batch, seqLen, width)

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seqLen; s++ {
				src := ((b*numHeads+h)*seqLen + s) * headDim
				dst := (b*seqLen+s)*width + h*headDim
				copy(result.Data[dst:dst+headDim], x.Data[src:src+headDim])
			}
		}
	}
	return result
}

// Attend computes softmax(q·kᵀ/√d + mask)·v.
//
// q is [batch, heads, seq, d]; k and v are [batch, kv_heads, keys, d] and query
// head h reads kv head h/(heads/kv_heads). mask is [batch, heads|1, seq, >=keys];
// when nil, query i sees keys up to (keys-seq)+i.
func Attend(q, k, v, mask *Tensor) *Tensor {
	batch, numHeads, seqLen, headDim := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	numKV, keyLen := k.Shape[1], k.Shape[2]
	if numHeads%numKV != 0 {
		panic(fmt.Sprintf("%d query heads cannot share %d kv heads", numHeads, numKV))
	}
	if mask != nil && mask.Shape[3] < keyLen {
		panic(fmt.Sprintf("mask covers %d keys, need %d", mask.Shape[3], keyLen))
	}
	groups := numHeads / numKV
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	offset := keyLen - seqLen

	result := NewTensor(batch, numHeads, seqLen, headDim)

	Parallel(batch*numHeads, func(task int) {
		b, h := task/numHeads, task%numHeads
		kvHead := h / groups
		qOff := (b*numHeads + h) * seqLen * headDim
		kOff := (b*numKV + kvHead) * keyLen * headDim

		scores := make([]float32, seqLen*keyLen)
		if seqLen > 0 && keyLen > 0 {
			blas32.Gemm(blas.NoTrans, blas.Trans, scale,
				general(seqLen, headDim, q.Data[qOff:qOff+seqLen*headDim]),
				general(keyLen, headDim, k.Data[kOff:kOff+keyLen*headDim]),
				0, general(seqLen, keyLen, scores))
		}

		for i := 0; i < seqLen; i++ {
			row := scores[i*keyLen : (i+1)*keyLen]
			if mask != nil {
				m := maskRow(mask, b, h, i)
				for j := range row {
					row[j] += m[j]
				}
			} else {
				for j := offset + i + 1; j < keyLen; j++ {
					row[j] = float32(math.Inf(-1))
				}
			}
			SoftmaxInPlace(row, row)
		}

		if seqLen > 0 && keyLen > 0 {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(seqLen, keyLen, scores),
				general(keyLen, headDim, v.Data[kOff:kOff+keyLen*headDim]),
				0, general(seqLen, headDim, result.Data[qOff:qOff+seqLen*headDim]))
		}
	})

	return result
}
