package tensor

import "math"

// RMSNorm computes w * x * rsqrt(mean(x^2) + eps) over the last dimension
func RMSNorm(t, weight *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)
	hidden := t.Shape[len(t.Shape)-1]

	for r := 0; r < t.Rows(); r++ {
		src := t.Row(r)
		dst := result.Row(r)
		variance := float32(0)
		for _, v := range src {
			variance += v * v
		}
		variance /= float32(hidden)
		inv := float32(1.0 / math.Sqrt(float64(variance+eps)))
		for j, v := range src {
			dst[j] = weight.Data[j] * (v * inv)
		}
	}
	return result
}

// LayerNorm applies layer normalization with an optional bias
func LayerNorm(t, weight, bias *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)
	hidden := t.Shape[len(t.Shape)-1]

	for r := 0; r < t.Rows(); r++ {
		src := t.Row(r)
		dst := result.Row(r)

		mean := float32(0)
		for _, v := range src {
			mean += v
		}
		mean /= float32(hidden)

		variance := float32(0)
		for _, v := range src {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float32(hidden)

		std := float32(math.Sqrt(float64(variance + eps)))
		for j, v := range src {
			dst[j] = (v - mean) / std * weight.Data[j]
			if bias != nil {
				dst[j] += bias.Data[j]
			}
		}
	}
	return result
}

// RMSNormLayer wraps RMS normalization with its learned scale
type RMSNormLayer struct {
	Weight *Tensor
	Eps    float32
}

// NewRMSNormLayer creates a norm with unit scale
func NewRMSNormLayer(hidden int, eps float64) *RMSNormLayer {
	return &RMSNormLayer{Weight: Full(1, hidden), Eps: float32(eps)}
}

// Forward applies RMS normalization
func (n *RMSNormLayer) Forward(x *Tensor) *Tensor {
	return RMSNorm(x, n.Weight, n.Eps)
}

// LayerNormLayer wraps layer normalization with parameters
type LayerNormLayer struct {
	Weight *Tensor
	Bias   *Tensor
	Eps    float32
}

// NewLayerNormLayer creates a layer norm with unit weight and zero bias
func NewLayerNormLayer(hidden int, eps float32) *LayerNormLayer {
	return &LayerNormLayer{Weight: Full(1, hidden), Bias: NewTensor(hidden), Eps: eps}
}

// Forward applies layer normalization
func (ln *LayerNormLayer) Forward(x *Tensor) *Tensor {
	return LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}
