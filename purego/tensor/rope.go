package tensor

import (
	"log/slog"
	"math"
	"sync"
)

// RotaryEmbedding produces cos/sin tables for rotary position embeddings.
// Dynamic NTK scaling recomputes the frequencies when positions exceed the
// trained context and restores them once shorter inputs return.
type RotaryEmbedding struct {
	HeadDim          int
	Base             float64
	RoPEType         string
	Factor           float64
	OriginalMaxSeq   int
	AttentionScaling float32

	mu           sync.Mutex
	invFreq      []float64
	originalFreq []float64
	cachedSeqLen int
}

// NewRotaryEmbedding builds the rotary tables for a config
func NewRotaryEmbedding(config *ModelConfig) *RotaryEmbedding {
	re := &RotaryEmbedding{
		HeadDim:          config.HeadDim(),
		Base:             config.RoPETheta,
		RoPEType:         config.RoPEType(),
		Factor:           1,
		OriginalMaxSeq:   config.MaxPositionEmbeddings,
		AttentionScaling: 1,
	}
	if config.RoPEScaling != nil && config.RoPEScaling.Factor > 0 {
		re.Factor = config.RoPEScaling.Factor
	}

	re.invFreq = computeInvFreq(re.Base, re.HeadDim)
	if re.RoPEType == RoPELinear {
		for i := range re.invFreq {
			re.invFreq[i] /= re.Factor
		}
	}
	re.originalFreq = append([]float64(nil), re.invFreq...)
	re.cachedSeqLen = re.OriginalMaxSeq
	return re
}

func computeInvFreq(base float64, dim int) []float64 {
	freq := make([]float64, dim/2)
	for i := range freq {
		freq[i] = 1.0 / math.Pow(base, float64(2*i)/float64(dim))
	}
	return freq
}

// dynamicBase returns the NTK-rescaled base for a sequence length
func (re *RotaryEmbedding) dynamicBase(seqLen int) float64 {
	dim := float64(re.HeadDim)
	ratio := re.Factor*float64(seqLen)/float64(re.OriginalMaxSeq) - (re.Factor - 1)
	return re.Base * math.Pow(ratio, dim/(dim-2))
}

// updateFrequencies grows or resets the dynamic frequencies
func (re *RotaryEmbedding) updateFrequencies(seqLen int) {
	if seqLen > re.cachedSeqLen {
		base := re.dynamicBase(seqLen)
		re.invFreq = computeInvFreq(base, re.HeadDim)
		re.cachedSeqLen = seqLen
		slog.Debug("rope: dynamic frequencies grown", "seq_len", seqLen, "base", base)
	}
	if seqLen < re.OriginalMaxSeq && re.cachedSeqLen > re.OriginalMaxSeq {
		re.invFreq = append([]float64(nil), re.originalFreq...)
		re.cachedSeqLen = re.OriginalMaxSeq
		slog.Debug("rope: dynamic frequencies reset", "seq_len", seqLen)
	}
}

// InvFreq returns a copy of the current inverse frequencies
func (re *RotaryEmbedding) InvFreq() []float64 {
	re.mu.Lock()
	defer re.mu.Unlock()
	return append([]float64(nil), re.invFreq...)
}

// CosSin returns cos and sin tables of shape [batch, seq, head_dim] for the
// given position ids.
func (re *RotaryEmbedding) CosSin(positionIDs [][]int) (*Tensor, *Tensor) {
	batch := len(positionIDs)
	seqLen := 0
	if batch > 0 {
		seqLen = len(positionIDs[0])
	}

	re.mu.Lock()
	if re.RoPEType == RoPEDynamic {
		maxPos := -1
		for _, row := range positionIDs {
			for _, p := range row {
				if p > maxPos {
					maxPos = p
				}
			}
		}
		re.updateFrequencies(maxPos + 1)
	}
	invFreq := re.invFreq
	re.mu.Unlock()

	dim := re.HeadDim
	half := dim / 2
	cos := NewTensor(batch, seqLen, dim)
	sin := NewTensor(batch, seqLen, dim)
	for b, row := range positionIDs {
		for s, pos := range row {
			offset := (b*seqLen + s) * dim
			for i := 0; i < half; i++ {
				angle := float64(pos) * invFreq[i]
				c := float32(math.Cos(angle)) * re.AttentionScaling
				sn := float32(math.Sin(angle)) * re.AttentionScaling
				// emb = concat(freqs, freqs)
				cos.Data[offset+i] = c
				cos.Data[offset+half+i] = c
				sin.Data[offset+i] = sn
				sin.Data[offset+half+i] = sn
			}
		}
	}
	return cos, sin
}

// ApplyRotary rotates x [batch, heads, seq, head_dim] in place using the
// rotate-half layout: x*cos + rotate_half(x)*sin with rotate_half(x) = (-x2, x1).
func ApplyRotary(x, cos, sin *Tensor) {
	if len(x.Shape) != 4 {
		panic("rotary embedding expects 4D tensor [batch, num_heads, seq, head_dim]")
	}
	batch, numHeads, seqLen, headDim := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if cos.Shape[0] != batch || cos.Shape[1] != seqLen || cos.Shape[2] != headDim {
		panic("rotary table shape does not match input")
	}
	half := headDim / 2

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seqLen; s++ {
				xOff := ((b*numHeads+h)*seqLen + s) * headDim
				tOff := (b*seqLen + s) * headDim
				for i := 0; i < half; i++ {
					x1 := x.Data[xOff+i]
					x2 := x.Data[xOff+half+i]
					x.Data[xOff+i] = x1*cos.Data[tOff+i] - x2*sin.Data[tOff+i]
					x.Data[xOff+half+i] = x2*cos.Data[tOff+half+i] + x1*sin.Data[tOff+half+i]
				}
			}
		}
	}
}

// ApplyRoPE rotates both queries and keys
func ApplyRoPE(q, k, cos, sin *Tensor) {
	ApplyRotary(q, cos, sin)
	ApplyRotary(k, cos, sin)
}
