package tensor

import "math"

// MaskMin is the additive value that excludes a key position
const MaskMin = -math.MaxFloat32

// BuildCausalMask returns an additive mask of shape [batch, heads, seqLen, targetLen].
//
// Position j is hidden from query i when j > cachePosition[i], or when the
// product attentionMask[b][j] * dynamicMask[h][j] is exactly zero. A nil
// attentionMask counts as all ones, as do columns past its length. A nil
// dynamicMask collapses the head dimension to 1. Dynamic mask columns beyond
// its width count as ones.
func BuildCausalMask(attentionMask [][]float32, dynamicMask *Tensor, batch, seqLen, targetLen int, cachePosition []int) *Tensor {
	heads := 1
	maxPos := 0
	if dynamicMask != nil {
		heads = dynamicMask.Shape[0]
		maxPos = dynamicMask.Shape[1]
	}

	mask := NewTensor(batch, heads, seqLen, targetLen)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for i := 0; i < seqLen; i++ {
				row := mask.Data[((b*heads+h)*seqLen+i)*targetLen : ((b*heads+h)*seqLen+i+1)*targetLen]
				for j := 0; j < targetLen; j++ {
					if j > cachePosition[i] {
						row[j] = MaskMin
						continue
					}
					pad := float32(1)
					if attentionMask != nil && j < len(attentionMask[b]) {
						pad = attentionMask[b][j]
					}
					dyn := float32(1)
					if dynamicMask != nil && j < maxPos {
						dyn = dynamicMask.Data[h*maxPos+j]
					}
					if pad*dyn == 0 {
						row[j] = MaskMin
					}
				}
			}
		}
	}
	return mask
}

// maskRow returns the mask row for (b, h, i), broadcasting a size-1 head dimension
func maskRow(mask *Tensor, b, h, i int) []float32 {
	heads, seqLen, targetLen := mask.Shape[1], mask.Shape[2], mask.Shape[3]
	if heads == 1 {
		h = 0
	}
	off := ((b*heads+h)*seqLen + i) * targetLen
	return mask.Data[off : off+targetLen]
}
