package tensor

import (
	"fmt"
	"math"
)

// Activation is an element-wise non-linearity
type Activation func(float32) float32

// ActivationFn resolves an activation by its config name
func ActivationFn(name string) (Activation, error) {
	switch name {
	case "silu", "swish":
		return silu, nil
	case "gelu":
		return geluErf, nil
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast":
		return geluTanh, nil
	case "relu":
		return relu, nil
	case "sigmoid":
		return sigmoid, nil
	case "tanh":
		return func(x float32) float32 { return float32(math.Tanh(float64(x))) }, nil
	case "softplus":
		return softplus, nil
	}
	return nil, fmt.Errorf("%w: unknown activation %q", ErrInvalidConfig, name)
}

// Apply maps fn over a copy of t
func Apply(t *Tensor, fn Activation) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = fn(x)
	}
	return result
}

func silu(x float32) float32 {
	return x * sigmoid(x)
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

func geluErf(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

func geluTanh(x float32) float32 {
	// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
	x3 := x * x * x
	inner := math.Sqrt(2.0/math.Pi) * float64(x+0.044715*x3)
	return 0.5 * x * (1.0 + float32(math.Tanh(inner)))
}

func softplus(x float32) float32 {
	// torch switches to the identity above 20
	if x > 20 {
		return x
	}
	return float32(math.Log1p(math.Exp(float64(x))))
}

// SiLU activation (Sigmoid Linear Unit)
func SiLU(t *Tensor) *Tensor {
	return Apply(t, silu)
}

// GELU activation, tanh approximation
func GELU(t *Tensor) *Tensor {
	return Apply(t, geluTanh)
}

// Softplus activation (smooth ReLU)
func Softplus(t *Tensor) *Tensor {
	return Apply(t, softplus)
}
