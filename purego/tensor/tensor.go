package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor represents a dense, row-major multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-filled tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// FromData wraps data in a tensor of the given shape without copying
func FromData(data []float32, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}
}

// Full creates a tensor filled with val
func Full(val float32, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = val
	}
	return t
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Dim returns the size of dimension i, counting from the end when i is negative
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Rows returns the number of rows when the tensor is viewed as [rows, lastDim]
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	last := t.Shape[len(t.Shape)-1]
	if last == 0 {
		return 0
	}
	return len(t.Data) / last
}

// Row returns row i of the [rows, lastDim] view. The slice aliases t.Data.
func (t *Tensor) Row(i int) []float32 {
	n := t.Shape[len(t.Shape)-1]
	return t.Data[i*n : (i+1)*n]
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	idx := t.flatIndex(indices)
	return t.Data[idx]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	idx := t.flatIndex(indices)
	t.Data[idx] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for dim %d of shape %v", indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Data: data, Shape: append([]int(nil), t.Shape...)}
}

// SameShape reports whether a and b have identical shapes
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func general(rows, cols int, data []float32) blas32.General {
	stride := cols
	if stride < 1 {
		stride = 1
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data}
}

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := NewTensor(m, n)
	if m == 0 || n == 0 || k == 0 {
		return result
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(m, k, a.Data), general(k, n, b.Data), 0, general(m, n, result.Data))
	return result
}

// Linear computes x·wᵀ + b for x [..., in] and a PyTorch-layout weight w [out, in].
// bias may be nil.
func Linear(x, w, bias *Tensor) *Tensor {
	if len(w.Shape) != 2 {
		panic(fmt.Sprintf("Linear weight must be 2D, got %v", w.Shape))
	}
	in := x.Shape[len(x.Shape)-1]
	out := w.Shape[0]
	if w.Shape[1] != in {
		panic(fmt.Sprintf("incompatible shapes: input %v x weight %v", x.Shape, w.Shape))
	}
	if bias != nil && len(bias.Data) != out {
		panic(fmt.Sprintf("bias length %d does not match output %d", len(bias.Data), out))
	}

	rows := x.Rows()
	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = out
	result := NewTensor(shape...)
	if rows == 0 || out == 0 {
		return result
	}

	if bias != nil {
		for r := 0; r < rows; r++ {
			copy(result.Data[r*out:(r+1)*out], bias.Data)
		}
	}
	beta := float32(0)
	if bias != nil {
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(rows, in, x.Data), general(out, in, w.Data), beta, general(rows, out, result.Data))
	return result
}

// Dot returns the inner product of two equal-length vectors
func Dot(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("Dot length mismatch: %d vs %d", len(a), len(b)))
	}
	if len(a) == 0 {
		return 0
	}
	return blas32.Dot(blas32.Vector{N: len(a), Inc: 1, Data: a}, blas32.Vector{N: len(b), Inc: 1, Data: b})
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensors must have same size: %v vs %v", a.Shape, b.Shape))
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Mul performs element-wise multiplication
func Mul(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensors must have same size: %v vs %v", a.Shape, b.Shape))
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return result
}

// Scale multiplies all elements by a scalar
func Scale(t *Tensor, factor float32) *Tensor {
	result := NewTensor(t.Shape...)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// Transpose swaps dimensions of a 2D tensor
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

// Softmax applies softmax along the last dimension of a tensor of any rank.
// Rows whose entries are all -Inf produce zeros.
func Softmax(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for r := 0; r < t.Rows(); r++ {
		SoftmaxInPlace(result.Row(r), t.Row(r))
	}
	return result
}

// SoftmaxInPlace writes softmax(src) into dst. dst and src may alias.
func SoftmaxInPlace(dst, src []float32) {
	if len(src) == 0 {
		return
	}
	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		for i := range dst {
			dst[i] = 0
		}
		return
	}

	sum := float32(0)
	for i, v := range src {
		e := float32(math.Exp(float64(v - maxVal)))
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// Concatenate concatenates two 4D tensors along the sequence dimension (dim 2)
func Concatenate(t1, t2 *Tensor, dim int) *Tensor {
	if dim != 2 || len(t1.Shape) != 4 || len(t2.Shape) != 4 {
		panic("Concatenate only supports dim=2 for 4D tensors")
	}
	if t1.Shape[0] != t2.Shape[0] || t1.Shape[1] != t2.Shape[1] || t1.Shape[3] != t2.Shape[3] {
		panic(fmt.Sprintf("cannot concatenate %v and %v along dim 2", t1.Shape, t2.Shape))
	}

	batch := t1.Shape[0]
	heads := t1.Shape[1]
	seq1 := t1.Shape[2]
	seq2 := t2.Shape[2]
	headDim := t1.Shape[3]

	result := NewTensor(batch, heads, seq1+seq2, headDim)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			dst := ((b*heads + h) * (seq1 + seq2)) * headDim
			src1 := ((b*heads + h) * seq1) * headDim
			src2 := ((b*heads + h) * seq2) * headDim
			copy(result.Data[dst:dst+seq1*headDim], t1.Data[src1:src1+seq1*headDim])
			copy(result.Data[dst+seq1*headDim:dst+(seq1+seq2)*headDim], t2.Data[src2:src2+seq2*headDim])
		}
	}

	return result
}

// NarrowSeq keeps sequence positions [start, end) of a 4D [b, h, s, d] tensor
func NarrowSeq(t *Tensor, start, end int) *Tensor {
	if len(t.Shape) != 4 {
		panic("NarrowSeq requires a 4D tensor")
	}
	batch, heads, seq, headDim := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if start < 0 || end > seq || start > end {
		panic(fmt.Sprintf("invalid range [%d,%d) for sequence length %d", start, end, seq))
	}
	n := end - start
	result := NewTensor(batch, heads, n, headDim)
	for bh := 0; bh < batch*heads; bh++ {
		src := (bh*seq + start) * headDim
		copy(result.Data[bh*n*headDim:(bh+1)*n*headDim], t.Data[src:src+n*headDim])
	}
	return result
}

// Reshape returns a new tensor with different shape (same data)
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: append([]int(nil), shape...),
	}
}

// Slice extracts a slice along first dimension. The result shares data.
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
	}
}

// SliceLastDim copies positions [start, end) of the last dimension
func (t *Tensor) SliceLastDim(start, end int) *Tensor {
	if len(t.Shape) == 0 {
		return t
	}

	lastDim := t.Shape[len(t.Shape)-1]
	newShape := append([]int(nil), t.Shape...)
	newShape[len(newShape)-1] = end - start
	result := NewTensor(newShape...)

	for i := 0; i < t.Rows(); i++ {
		srcOffset := i * lastDim
		dstOffset := i * (end - start)
		copy(result.Data[dstOffset:dstOffset+(end-start)], t.Data[srcOffset+start:srcOffset+end])
	}

	return result
}

// SliceSeq copies positions [start, end) of dimension 1 of a 3D [b, s, h] tensor
func (t *Tensor) SliceSeq(start, end int) *Tensor {
	if len(t.Shape) != 3 {
		panic("SliceSeq requires a 3D tensor")
	}
	batch, seq, hidden := t.Shape[0], t.Shape[1], t.Shape[2]
	n := end - start
	result := NewTensor(batch, n, hidden)
	for b := 0; b < batch; b++ {
		src := (b*seq + start) * hidden
		copy(result.Data[b*n*hidden:(b+1)*n*hidden], t.Data[src:src+n*hidden])
	}
	return result
}

// Argmax returns the index of the largest value, preferring the lowest index on ties
func Argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
